package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"firestige.xyz/strix/internal/core"
)

// UDP tunnels Ethernet frames between two endpoints, one frame per
// datagram.
type UDP struct {
	conn  *net.UDPConn
	frame []byte

	mu     sync.Mutex
	remote *net.UDPAddr

	linkUp atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ Transport = (*UDP)(nil)

// NewUDP opens a tunnel endpoint bound to listen. remote may be empty and
// supplied later through SetRemote.
func NewUDP(listen, remote string, frameSize int) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("udp listen addr %q: %w", listen, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udp listen: %w", err)
	}
	t := &UDP{
		conn:  conn,
		frame: make([]byte, 0, frameSize),
		done:  make(chan struct{}),
	}
	t.linkUp.Store(true)
	if remote != "" {
		if err := t.SetRemote(remote); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return t, nil
}

// LocalAddr returns the bound tunnel address.
func (t *UDP) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// SetRemote points the tunnel at a peer endpoint.
func (t *UDP) SetRemote(addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("udp remote addr %q: %w", addr, err)
	}
	t.mu.Lock()
	t.remote = raddr
	t.mu.Unlock()
	return nil
}

func (t *UDP) Writable() int {
	return cap(t.frame) - len(t.frame)
}

func (t *UDP) Write(b []byte) int {
	n := min(len(b), t.Writable())
	t.frame = append(t.frame, b[:n]...)
	return n
}

func (t *UDP) Finalize() error {
	frame := t.frame
	t.frame = t.frame[:0]
	t.mu.Lock()
	raddr := t.remote
	t.mu.Unlock()
	if raddr == nil {
		return errors.New("udp finalize: no remote endpoint")
	}
	if _, err := t.conn.WriteToUDP(frame, raddr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return core.ErrTransportClosed
		}
		return fmt.Errorf("udp send: %w", err)
	}
	return nil
}

func (t *UDP) LinkUp() bool {
	return t.linkUp.Load()
}

// SetLinkUp flips the administrative link state.
func (t *UDP) SetLinkUp(up bool) {
	t.linkUp.Store(up)
}

// OnWritable is a no-op: the frame scratch always empties at Finalize, so a
// short write never persists across polls.
func (t *UDP) OnWritable(func()) {}

func (t *UDP) Start(h FrameHandler) error {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		buf := make([]byte, 65536)
		for {
			n, _, err := t.conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-t.done:
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			h(buf[:n])
		}
	}()
	return nil
}

func (t *UDP) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)
	err := t.conn.Close()
	t.wg.Wait()
	return err
}
