package transport

import (
	"sync"

	"firestige.xyz/strix/internal/core"
)

// Mem is an in-memory transport with a fixed byte budget. A small budget
// forces short writes, which drives the egress state machine's resume path
// in tests; NewMemPair crosses two instances into a bidirectional link.
type Mem struct {
	mu       sync.Mutex
	budget   int
	fifo     []byte
	lens     []int // completed frame lengths, oldest first
	building int   // bytes of the unfinalized tail frame
	onWrite  func()
	linkUp   bool
	closed   bool

	peer *Mem
	rx   chan []byte
	done chan struct{}
}

var _ Transport = (*Mem)(nil)

// NewMem returns a standalone transport holding at most budget bytes.
// Finalized frames stay buffered until ReadFrame or DrainBytes consumes
// them.
func NewMem(budget int) *Mem {
	return &Mem{
		budget: budget,
		linkUp: true,
		rx:     make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// NewMemPair returns two linked transports: a frame finalized on one side
// is delivered to the other side's Start handler. The budget must cover a
// full frame, since paired transports only release space at Finalize.
func NewMemPair(budget int) (*Mem, *Mem) {
	a, b := NewMem(budget), NewMem(budget)
	a.peer, b.peer = b, a
	return a, b
}

func (t *Mem) Writable() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0
	}
	return t.budget - len(t.fifo)
}

func (t *Mem) Write(b []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0
	}
	n := min(len(b), t.budget-len(t.fifo))
	t.fifo = append(t.fifo, b[:n]...)
	t.building += n
	return n
}

func (t *Mem) Finalize() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return core.ErrTransportClosed
	}
	if t.peer == nil {
		t.lens = append(t.lens, t.building)
		t.building = 0
		t.mu.Unlock()
		return nil
	}
	frame := t.fifo
	t.fifo = nil
	t.building = 0
	peer := t.peer
	t.mu.Unlock()

	select {
	case peer.rx <- frame:
	default: // peer backlog full, frame lost
	}
	t.notify()
	return nil
}

func (t *Mem) LinkUp() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.linkUp
}

// SetLinkUp flips the administrative link state.
func (t *Mem) SetLinkUp(up bool) {
	t.mu.Lock()
	t.linkUp = up
	t.mu.Unlock()
}

func (t *Mem) OnWritable(fn func()) {
	t.mu.Lock()
	t.onWrite = fn
	t.mu.Unlock()
}

func (t *Mem) Start(h FrameHandler) error {
	go func() {
		for {
			select {
			case <-t.done:
				return
			case frame := <-t.rx:
				h(frame)
			}
		}
	}()
	return nil
}

func (t *Mem) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.done)
	return nil
}

// ReadFrame removes and returns the oldest completed frame. ok is false
// when no finalized frame is buffered.
func (t *Mem) ReadFrame() ([]byte, bool) {
	t.mu.Lock()
	if len(t.lens) == 0 {
		t.mu.Unlock()
		return nil, false
	}
	n := t.lens[0]
	t.lens = t.lens[1:]
	frame := make([]byte, n)
	copy(frame, t.fifo[:n])
	t.fifo = t.fifo[n:]
	t.mu.Unlock()
	t.notify()
	return frame, true
}

// DrainBytes removes up to max buffered bytes from the front of the
// stream, crossing frame boundaries. It models a link that transmits
// byte-by-byte regardless of framing.
func (t *Mem) DrainBytes(max int) []byte {
	t.mu.Lock()
	n := min(max, len(t.fifo))
	out := make([]byte, n)
	copy(out, t.fifo[:n])
	t.fifo = t.fifo[n:]
	rem := n
	for rem > 0 && len(t.lens) > 0 {
		take := min(rem, t.lens[0])
		t.lens[0] -= take
		rem -= take
		if t.lens[0] == 0 {
			t.lens = t.lens[1:]
		}
	}
	t.building -= rem
	t.mu.Unlock()
	if n > 0 {
		t.notify()
	}
	return out
}

// Buffered reports the byte count currently held.
func (t *Mem) Buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fifo)
}

// Frames reports the number of finalized frames not yet consumed.
func (t *Mem) Frames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lens)
}

func (t *Mem) notify() {
	t.mu.Lock()
	fn := t.onWrite
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}
