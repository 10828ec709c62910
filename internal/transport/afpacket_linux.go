//go:build linux

package transport

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/afpacket"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"firestige.xyz/strix/internal/core"
)

const (
	ringFrameSize   = 65536
	ringBlockSize   = 4 * 1024 * 1024
	ringNumBlocks   = 128
	ringPollTimeout = 100 * time.Millisecond
	linkProbeEvery  = time.Second
)

// AFPacket attaches a port to a physical interface through an AF_PACKET_V3
// ring.
type AFPacket struct {
	iface   string
	handle  *afpacket.TPacket
	frame   []byte
	linkUp  atomic.Bool
	started atomic.Bool
	done    chan struct{}
}

var _ Transport = (*AFPacket)(nil)

// NewAFPacket opens iface. A non-nil filter is attached to the socket as a
// kernel cBPF program (see the internal/utils builders).
func NewAFPacket(iface string, frameSize int, filter []bpf.RawInstruction) (*AFPacket, error) {
	handle, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(ringFrameSize),
		afpacket.OptBlockSize(ringBlockSize),
		afpacket.OptNumBlocks(ringNumBlocks),
		afpacket.OptPollTimeout(ringPollTimeout),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion3),
	)
	if err != nil {
		return nil, fmt.Errorf("afpacket open %s: %w", iface, err)
	}
	if filter != nil {
		if err := handle.SetBPF(filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("afpacket filter on %s: %w", iface, err)
		}
	}
	t := &AFPacket{
		iface:  iface,
		handle: handle,
		frame:  make([]byte, 0, frameSize),
		done:   make(chan struct{}),
	}
	t.linkUp.Store(probeLink(iface))
	return t, nil
}

func (t *AFPacket) Writable() int {
	return cap(t.frame) - len(t.frame)
}

func (t *AFPacket) Write(b []byte) int {
	n := min(len(b), t.Writable())
	t.frame = append(t.frame, b[:n]...)
	return n
}

func (t *AFPacket) Finalize() error {
	frame := t.frame
	t.frame = t.frame[:0]
	select {
	case <-t.done:
		return core.ErrTransportClosed
	default:
	}
	if err := t.handle.WritePacketData(frame); err != nil {
		return fmt.Errorf("afpacket send on %s: %w", t.iface, err)
	}
	return nil
}

func (t *AFPacket) LinkUp() bool {
	return t.linkUp.Load()
}

// OnWritable is a no-op: the frame scratch always empties at Finalize, so a
// short write never persists across polls.
func (t *AFPacket) OnWritable(func()) {}

// Start spawns the ring reader. The handle is owned by the reader from
// here on and closed by it after Close is observed; closing it anywhere
// else would race the zero-copy reads against the mmap teardown.
func (t *AFPacket) Start(h FrameHandler) error {
	t.started.Store(true)
	go func() {
		defer t.handle.Close()
		lastProbe := time.Now()
		for {
			select {
			case <-t.done:
				return
			default:
			}
			data, _, err := t.handle.ZeroCopyReadPacketData()
			if err != nil {
				// Poll timeouts and EINTR are routine; use the idle
				// moment to refresh the link state.
				if now := time.Now(); now.Sub(lastProbe) >= linkProbeEvery {
					t.linkUp.Store(probeLink(t.iface))
					lastProbe = now
				}
				continue
			}
			h(data)
		}
	}()
	return nil
}

func (t *AFPacket) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)
	if !t.started.Load() {
		t.handle.Close()
	}
	return nil
}

// probeLink reads the interface flags over an ioctl socket. Probe failures
// report the link as up so a transient ioctl error cannot blackhole a
// working interface.
func probeLink(iface string) bool {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return true
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(iface)
	if err != nil {
		return true
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return true
	}
	flags := ifr.Uint16()
	return flags&unix.IFF_UP != 0 && flags&unix.IFF_RUNNING != 0
}
