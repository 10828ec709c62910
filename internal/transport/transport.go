// Package transport moves whole Ethernet frames between switch ports and
// the outside world.
package transport

// FrameHandler consumes one inbound frame. The slice is only valid for the
// duration of the call; implementations reuse the backing buffer.
type FrameHandler func(data []byte)

// Transport is the link a switch port drains into and fills from. Egress
// is a byte stream with explicit frame boundaries: the port state machine
// writes the header and body in pieces, honoring Writable, and commits the
// frame with Finalize. A transport that cannot take more bytes reports a
// smaller Writable; it never blocks the caller.
type Transport interface {
	// Writable reports how many bytes Write currently accepts.
	Writable() int

	// Write takes up to len(b) bytes of the outbound frame under
	// construction and reports how many it took. A short write is not an
	// error; the caller resumes on a later poll.
	Write(b []byte) int

	// Finalize commits the bytes written since the previous Finalize as
	// one frame.
	Finalize() error

	// LinkUp reports whether the link is up.
	LinkUp() bool

	// OnWritable registers fn to be invoked when write space becomes
	// available again after a short write. Only one callback is kept; fn
	// may be invoked from outside the switch loop.
	OnWritable(fn func())

	// Start begins inbound delivery. h is called from the transport's
	// reader context for every received frame until Close.
	Start(h FrameHandler) error

	// Close tears the link down. Write and Finalize fail afterwards.
	Close() error
}
