// Package pool provides the fixed-capacity, reference-counted frame
// buffers shared by the switch fabric and the router. Buffers are
// allocated once at startup; admission fails when none are free rather
// than growing. Refcounts are atomic so transports may hand frames in
// from their own goroutines; everything else about a Packet is only
// touched from the forwarding loop.
package pool

import (
	"sync/atomic"

	"firestige.xyz/strix/internal/core"
)

// Pool owns a fixed set of frame buffers.
type Pool struct {
	frameSize int
	capacity  int
	free      chan *Packet
	inUse     atomic.Int64
}

// New allocates a pool of count buffers of frameSize bytes each.
func New(count, frameSize int) *Pool {
	p := &Pool{
		frameSize: frameSize,
		capacity:  count,
		free:      make(chan *Packet, count),
	}
	for i := 0; i < count; i++ {
		p.free <- &Packet{buf: make([]byte, frameSize), pool: p}
	}
	return p
}

// Get returns a fresh packet with one reference, or nil when the pool is
// exhausted. Callers treat nil as an admission drop.
func (p *Pool) Get() *Packet {
	select {
	case pkt := <-p.free:
		pkt.n = 0
		pkt.SrcPort = 0
		pkt.VlanCfg = 0
		pkt.refs.Store(1)
		p.inUse.Add(1)
		return pkt
	default:
		return nil
	}
}

// InUse returns the number of buffers currently referenced.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Capacity returns the fixed buffer count.
func (p *Pool) Capacity() int {
	return p.capacity
}

// FrameSize returns the per-buffer byte capacity.
func (p *Pool) FrameSize() int {
	return p.frameSize
}

// Packet is one pooled frame buffer plus its small metadata slots.
type Packet struct {
	buf  []byte
	n    int
	refs atomic.Int32
	pool *Pool

	// Metadata slots stamped at ingress.
	SrcPort core.PortIndex
	VlanCfg uint16
}

// Retain adds a reference. Every recipient that outlives the current
// loop step must hold its own.
func (pkt *Packet) Retain() {
	pkt.refs.Add(1)
}

// Release drops a reference; the last one returns the buffer to the
// pool.
func (pkt *Packet) Release() {
	if pkt.refs.Add(-1) == 0 {
		pkt.pool.inUse.Add(-1)
		pkt.pool.free <- pkt
	}
}

// SetData copies one whole frame into the buffer.
func (pkt *Packet) SetData(b []byte) error {
	if len(b) > pkt.pool.frameSize {
		return core.ErrBufferBounds
	}
	pkt.n = copy(pkt.buf, b)
	return nil
}

// Append extends the frame during origination.
func (pkt *Packet) Append(b []byte) error {
	if pkt.n+len(b) > pkt.pool.frameSize {
		return core.ErrBufferBounds
	}
	pkt.n += copy(pkt.buf[pkt.n:], b)
	return nil
}

// SetLen declares the frame length after in-place construction through
// Bytes.
func (pkt *Packet) SetLen(n int) error {
	if n < 0 || n > pkt.pool.frameSize {
		return core.ErrBufferBounds
	}
	pkt.n = n
	return nil
}

// Len returns the frame length.
func (pkt *Packet) Len() int {
	return pkt.n
}

// Peek returns a view of at most n leading bytes for header parsing.
// Callers must not write through it; mutation goes through Overwrite.
func (pkt *Packet) Peek(n int) []byte {
	if n > pkt.n {
		n = pkt.n
	}
	return pkt.buf[:n]
}

// Bytes returns the mutable full frame. Reserved for in-place field
// surgery at fixed offsets (MAC region, TTL/checksum bytes) and for
// frame origination into an empty packet.
func (pkt *Packet) Bytes() []byte {
	return pkt.buf[:pkt.n:pkt.n]
}

// Overwrite patches frame bytes in place. The patch must stay inside
// the current frame, so a header rewrite can never change the length.
func (pkt *Packet) Overwrite(off int, b []byte) error {
	if off < 0 || off+len(b) > pkt.n {
		return core.ErrBufferBounds
	}
	copy(pkt.buf[off:], b)
	return nil
}

// Reader returns a sequential view for resumable copying.
func (pkt *Packet) Reader() Reader {
	return Reader{pkt: pkt}
}

// Reader walks a packet's bytes without consuming the packet. The zero
// offset is the frame start; Skip jumps over a rewritten header.
type Reader struct {
	pkt *Packet
	off int
}

// Remaining returns the bytes not yet read.
func (r *Reader) Remaining() int {
	return r.pkt.n - r.off
}

// Skip advances without reading.
func (r *Reader) Skip(n int) {
	r.off += n
	if r.off > r.pkt.n {
		r.off = r.pkt.n
	}
}

// Next returns a view of up to max unread bytes and advances past it.
// Returns nil when the packet is exhausted.
func (r *Reader) Next(max int) []byte {
	if r.off >= r.pkt.n || max <= 0 {
		return nil
	}
	end := r.off + max
	if end > r.pkt.n {
		end = r.pkt.n
	}
	chunk := r.pkt.buf[r.off:end]
	r.off = end
	return chunk
}
