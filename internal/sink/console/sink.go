// Package console implements a debug watch-point printing one summary
// line per mirrored frame, in the spirit of tcpdump output.
package console

import (
	"fmt"
	"io"
	"os"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/core/codec"
)

const Name = "console"

// Sink writes frame summaries to one stream. The tag names the
// watch-point so interleaved output stays readable.
type Sink struct {
	w    io.Writer
	tag  string
	seen uint64
}

// NewSink creates a sink printing to stdout.
func NewSink(tag string) *Sink {
	return &Sink{w: os.Stdout, tag: tag}
}

// Mirror prints one line for the frame.
func (s *Sink) Mirror(data []byte) {
	s.seen++
	var m core.Meta
	if err := codec.ParseHeaders(data, &m); err != nil {
		fmt.Fprintf(s.w, "%s #%d: %d bytes, unparseable\n", s.tag, s.seen, len(data))
		return
	}
	switch {
	case m.IsIP():
		fmt.Fprintf(s.w, "%s #%d: %s > %s proto %d ttl %d len %d\n",
			s.tag, s.seen, m.IP.Src, m.IP.Dst, m.IP.Protocol, m.IP.TTL, len(data))
	case m.IsARP():
		fmt.Fprintf(s.w, "%s #%d: arp op %d %s/%s > %s/%s\n",
			s.tag, s.seen, m.ARP.Op, m.ARP.SHA, m.ARP.SPA, m.ARP.THA, m.ARP.TPA)
	default:
		fmt.Fprintf(s.w, "%s #%d: %s > %s type %#04x len %d\n",
			s.tag, s.seen, m.Eth.Src, m.Eth.Dst, uint16(m.Eth.Type), len(data))
	}
}

// Close is a no-op; stdout stays open.
func (s *Sink) Close() error {
	return nil
}
