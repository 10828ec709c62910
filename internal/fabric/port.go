package fabric

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/core/codec"
	"firestige.xyz/strix/internal/metrics"
	"firestige.xyz/strix/internal/pool"
	"firestige.xyz/strix/internal/transport"
	"firestige.xyz/strix/pkg/plugin"
)

// VlanMode selects the egress tag treatment.
type VlanMode uint8

const (
	// VlanKeep transmits the tag exactly as received.
	VlanKeep VlanMode = iota
	// VlanStrip removes any tag.
	VlanStrip
	// VlanForce replaces the tag with the configured one.
	VlanForce
)

// VlanPolicy is a port's egress VLAN configuration. The tag value itself
// is opaque to the fabric.
type VlanPolicy struct {
	Mode VlanMode
	Tag  core.VlanTag
}

func (v VlanPolicy) apply(eth *core.EthernetHeader) {
	switch v.Mode {
	case VlanStrip:
		eth.Vlan = 0
	case VlanForce:
		eth.Vlan = v.Tag
	}
}

// PortConfig describes one switch port.
type PortConfig struct {
	Name      string
	Transport transport.Transport
	Vlan      VlanPolicy

	// QueueLen bounds the egress queue; zero means the default.
	QueueLen int

	Ingress []plugin.IngressPlugin
	Egress  []plugin.EgressPlugin

	// Promiscuous ports receive every delivered frame regardless of the
	// pipeline's destination mask.
	Promiscuous bool

	// EgressMirror observes frames as transmitted on this port.
	EgressMirror Mirror
}

const defaultQueueLen = 32

type egressState uint8

const (
	// headerPending waits for transport space and opens the next frame.
	headerPending egressState = iota
	// bodyCopy streams the remaining frame bytes.
	bodyCopy
)

// Port is one registered switch port with its egress state machine. All
// fields past the atomics are loop-owned.
type Port struct {
	name  string
	index core.PortIndex
	fab   *Core
	tr    transport.Transport
	vlan  VlanPolicy

	ingress []plugin.IngressPlugin
	egress  []plugin.EgressPlugin
	mirror  Mirror

	queue    []*pool.Packet
	queueCap int

	state  egressState
	cur    *pool.Packet
	reader pool.Reader

	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	txFrames  atomic.Uint64
	drops     atomic.Uint64

	packetsMetric prometheus.Counter
	bytesMetric   prometheus.Counter
	framesMetric  prometheus.Counter
}

// AddPort registers a port and allocates its mask bit. Port indices are
// assigned in registration order.
func (c *Core) AddPort(cfg PortConfig) (*Port, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("port %q: transport required: %w", cfg.Name, core.ErrConfigInvalid)
	}
	bit, err := c.alloc.Allocate()
	if err != nil {
		slog.Error("port registration failed", "port", cfg.Name, "err", err)
		return nil, err
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = defaultQueueLen
	}

	p := &Port{
		name:          cfg.Name,
		index:         bit.Index(),
		fab:           c,
		tr:            cfg.Transport,
		vlan:          cfg.Vlan,
		ingress:       cfg.Ingress,
		egress:        cfg.Egress,
		mirror:        cfg.EgressMirror,
		queueCap:      cfg.QueueLen,
		packetsMetric: metrics.SwitchPacketsTotal.WithLabelValues(cfg.Name),
		bytesMetric:   metrics.SwitchBytesTotal.WithLabelValues(cfg.Name),
		framesMetric:  metrics.EgressFramesTotal.WithLabelValues(cfg.Name),
	}
	c.ports[p.index] = p
	c.registered |= bit
	if cfg.Promiscuous {
		c.promisc |= bit
	}
	slog.Info("port registered", "port", p.name, "index", p.index,
		"queue", p.queueCap, "promiscuous", cfg.Promiscuous)
	return p, nil
}

// Name returns the configured port name.
func (p *Port) Name() string {
	return p.name
}

// Index returns the port's mask bit position.
func (p *Port) Index() core.PortIndex {
	return p.index
}

// Mask returns the port's single-bit mask.
func (p *Port) Mask() core.PortMask {
	return core.MaskForPort(p.index)
}

// LinkUp reports whether the port's link is up.
func (p *Port) LinkUp() bool {
	return p.tr.LinkUp()
}

// Accept enqueues pkt for egress, taking its own reference. Returns
// false when the link is down or the queue is full; the frame then
// simply does not go out this port.
func (p *Port) Accept(pkt *pool.Packet) bool {
	if !p.tr.LinkUp() {
		return false
	}
	if len(p.queue) >= p.queueCap {
		p.drops.Add(1)
		p.fab.countDrop(core.DropQueueFull)
		return false
	}
	pkt.Retain()
	p.queue = append(p.queue, pkt)
	p.fab.loop.RequestPoll(p)
	return true
}

// Poll advances the egress state machine until it blocks on transport
// space or runs out of queued frames.
func (p *Port) Poll() {
	for {
		switch p.state {
		case headerPending:
			if !p.beginFrame() {
				return
			}
		case bodyCopy:
			if !p.copyBody() {
				return
			}
		}
	}
}

// beginFrame opens the next queued frame: fresh header parse, VLAN
// policy, egress plugins, then the header goes to the transport. Returns
// false when the machine cannot advance yet.
func (p *Port) beginFrame() bool {
	if len(p.queue) == 0 {
		return false
	}
	// Gate on worst-case header space so the header write never splits.
	if p.tr.Writable() < codec.MaxHeaderLen {
		return false
	}

	pkt := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]

	var meta core.Meta
	if err := codec.ParseHeaders(pkt.Peek(codec.MaxHeaderLen), &meta); err != nil {
		slog.Warn("unparseable frame at egress", "port", p.name, "err", err)
		p.fab.countDrop(core.DropBadFrame)
		pkt.Release()
		return true
	}
	meta.SrcPort = pkt.SrcPort
	meta.DstMask = p.Mask()

	wire := meta.Header()
	p.vlan.apply(&meta.Eth)
	for _, pl := range p.egress {
		pl.Egress(&meta, pkt)
		if meta.Dropped() || meta.Diverted {
			break
		}
	}
	if meta.Dropped() {
		r := reasonOrUnknown(meta.Reason)
		slog.Debug("DROP", "port", p.name, "stage", "egress", "reason", r.String())
		p.drops.Add(1)
		p.fab.countDrop(r)
		pkt.Release()
		return true
	}
	if meta.Diverted {
		slog.Debug("KEEP", "port", p.name, "stage", "egress", "diverted", true)
		pkt.Release()
		return true
	}

	// Unlike the ingress rewrite, the egress header may change length:
	// stripping or forcing a tag resizes the frame on the wire. When the
	// header differs from the wire bytes, transmit the new serialization
	// and skip the original region; otherwise copy from offset zero.
	p.reader = pkt.Reader()
	if meta.Header() != wire {
		var buf [codec.MaxHeaderLen]byte
		n := codec.PutHeaders(buf[:], &meta)
		p.tr.Write(buf[:n])
		p.reader.Skip(meta.HeaderLen)
		p.observe(buf[:n], pkt, meta.HeaderLen)
	} else {
		p.observe(nil, pkt, 0)
	}

	p.cur = pkt
	p.state = bodyCopy
	return true
}

// copyBody streams the unread frame bytes, resuming across polls when
// the transport backpressures. Returns false while blocked.
func (p *Port) copyBody() bool {
	for p.reader.Remaining() > 0 {
		w := p.tr.Writable()
		if w <= 0 {
			return false
		}
		p.tr.Write(p.reader.Next(w))
	}

	if err := p.tr.Finalize(); err != nil {
		slog.Warn("frame finalize failed", "port", p.name, "err", err)
	}
	p.txFrames.Add(1)
	p.framesMetric.Inc()
	p.cur.Release()
	p.cur = nil
	p.state = headerPending
	return true
}

// observe feeds the per-port watch-point with the frame as transmitted.
func (p *Port) observe(newHdr []byte, pkt *pool.Packet, skip int) {
	if p.mirror == nil {
		return
	}
	if newHdr == nil {
		p.mirror.Mirror(pkt.Bytes())
		return
	}
	view := make([]byte, 0, len(newHdr)+pkt.Len()-skip)
	view = append(view, newHdr...)
	view = append(view, pkt.Bytes()[skip:]...)
	p.mirror.Mirror(view)
}

func (p *Port) countIngress(frameLen int) {
	p.rxPackets.Add(1)
	p.rxBytes.Add(uint64(frameLen))
	p.packetsMetric.Inc()
	p.bytesMetric.Add(float64(frameLen))
}

// start wires the transport into the loop: inbound frames are copied
// into pool buffers on the reader goroutine and submitted for delivery,
// and writability events request an egress poll.
func (p *Port) start() error {
	p.tr.OnWritable(func() {
		p.fab.loop.Submit(func() { p.fab.loop.RequestPoll(p) })
	})
	return p.tr.Start(func(data []byte) {
		pkt := p.fab.pool.Get()
		if pkt == nil {
			p.drops.Add(1)
			p.fab.countDrop(core.DropNoBuffer)
			return
		}
		if err := pkt.SetData(data); err != nil {
			pkt.Release()
			p.drops.Add(1)
			p.fab.countDrop(core.DropBadFrame)
			return
		}
		pkt.SrcPort = p.index
		p.fab.loop.Submit(func() {
			p.fab.Deliver(pkt)
			pkt.Release()
		})
	})
}

// PortStats is a point-in-time snapshot of one port's counters.
type PortStats struct {
	RxPackets uint64
	RxBytes   uint64
	TxFrames  uint64
	Drops     uint64
	Queued    int
}

// Stats returns the port counters. Queued reads a loop-owned field and
// is only exact from loop context.
func (p *Port) Stats() PortStats {
	return PortStats{
		RxPackets: p.rxPackets.Load(),
		RxBytes:   p.rxBytes.Load(),
		TxFrames:  p.txFrames.Load(),
		Drops:     p.drops.Load(),
		Queued:    len(p.queue),
	}
}
