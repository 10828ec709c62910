// Package pcap implements file-backed watch-points: every mirrored
// frame is appended to a capture file readable by standard tools.
package pcap

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// defaultSnapLen bounds the stored bytes per frame; longer frames are
// truncated in the capture, never on the forwarding path.
const defaultSnapLen = 65536

// Writer appends mirrored frames to one pcap file. Writes are best
// effort: the first failure is logged and the writer goes inert, so a
// full disk can never stall forwarding. Like the rest of the forwarding
// path it is confined to the owning loop and needs no lock.
type Writer struct {
	path   string
	f      *os.File
	w      *pcapgo.Writer
	broken bool
}

// NewWriter creates path, truncating any previous capture, and writes
// the Ethernet link-type file header.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("watch-point %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(defaultSnapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("watch-point %s: %w", path, err)
	}
	return &Writer{path: path, f: f, w: w}, nil
}

// Mirror records one frame.
func (w *Writer) Mirror(data []byte) {
	if w.broken {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if len(data) > defaultSnapLen {
		data = data[:defaultSnapLen]
		ci.CaptureLength = defaultSnapLen
	}
	if err := w.w.WritePacket(ci, data); err != nil {
		slog.Warn("watch-point write failed, disabling", "path", w.path, "err", err)
		w.broken = true
	}
}

// Close flushes and closes the capture file.
func (w *Writer) Close() error {
	return w.f.Close()
}
