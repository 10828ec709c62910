// Package fabric implements the software switch: port registration, the
// per-packet delivery pipeline and the egress state machines. Everything
// here runs on the single scheduler goroutine; transports hand frames in
// through Loop.Submit and the pool's atomic refcounts carry them across
// that boundary.
package fabric

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/core/codec"
	"firestige.xyz/strix/internal/metrics"
	"firestige.xyz/strix/internal/pool"
	"firestige.xyz/strix/internal/sched"
	"firestige.xyz/strix/pkg/plugin"
)

// Mirror receives frame copies at a watch-point. The slice is only valid
// for the duration of the call.
type Mirror interface {
	Mirror(data []byte)
}

// Policy inspects a packet after the plugin pipeline and before fan-out.
// It mutates meta the same way a plugin would: narrow or zero the mask,
// set Diverted, record a Reason. It may also rewrite packet bytes in
// place. Pipeline-dropped packets still reach the policy (diverted ones
// do not), so it can escalate a silent drop into a signaled one. The
// router dispatch installs itself here.
type Policy interface {
	Dispatch(meta *core.Meta, pkt *pool.Packet)
}

// Config carries the fabric dependencies.
type Config struct {
	Loop *sched.Loop
	Pool *pool.Pool

	// StatsEtherType restricts the per-port traffic counters to one
	// EtherType. Zero counts everything.
	StatsEtherType core.EtherType

	// IngressMirror observes every parseable frame before the pipeline;
	// PipelineMirror observes surviving frames after it.
	IngressMirror  Mirror
	PipelineMirror Mirror
}

// Core is the switch fabric.
type Core struct {
	loop *sched.Loop
	pool *pool.Pool

	alloc      *core.MaskAllocator
	ports      [core.MaxPorts]*Port
	registered core.PortMask
	promisc    core.PortMask

	plugins []plugin.SwitchPlugin
	policy  Policy

	statsType      core.EtherType
	ingressMirror  Mirror
	pipelineMirror Mirror

	received  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	diverted  atomic.Uint64

	poolGauge *sched.Timer
}

// New returns a fabric with no ports and no plugins.
func New(cfg Config) *Core {
	return &Core{
		loop:           cfg.Loop,
		pool:           cfg.Pool,
		alloc:          core.NewMaskAllocator(),
		statsType:      cfg.StatsEtherType,
		ingressMirror:  cfg.IngressMirror,
		pipelineMirror: cfg.PipelineMirror,
	}
}

// AddPlugin appends a switch-wide plugin. Pipeline order is call order.
func (c *Core) AddPlugin(p plugin.SwitchPlugin) {
	c.plugins = append(c.plugins, p)
	slog.Info("switch plugin attached", "plugin", p.Name(), "position", len(c.plugins))
}

// SetPolicy installs the post-pipeline hook.
func (c *Core) SetPolicy(p Policy) {
	c.policy = p
}

// SetPromiscuous toggles promiscuous delivery for one registered port.
func (c *Core) SetPromiscuous(idx core.PortIndex, on bool) {
	bit := core.MaskForPort(idx) & c.registered
	if on {
		c.promisc |= bit
	} else {
		c.promisc &^= bit
	}
}

// Registered returns the mask of all registered ports.
func (c *Core) Registered() core.PortMask {
	return c.registered
}

// PortAt returns the port registered at idx, or nil.
func (c *Core) PortAt(idx core.PortIndex) *Port {
	if int(idx) >= len(c.ports) {
		return nil
	}
	return c.ports[idx]
}

// Deliver runs one packet through the full pipeline and fans it out.
// Returns the number of ports that accepted the frame. The caller keeps
// its reference; every accepting port takes its own.
func (c *Core) Deliver(pkt *pool.Packet) int {
	c.received.Add(1)

	// Step 1: parse the header prefix into a fresh Meta.
	var meta core.Meta
	if err := codec.ParseHeaders(pkt.Peek(codec.MaxHeaderLen), &meta); err != nil {
		slog.Warn("unparseable frame", "port", pkt.SrcPort, "len", pkt.Len(), "err", err)
		c.countDrop(core.DropBadFrame)
		return 0
	}
	meta.SrcPort = pkt.SrcPort
	meta.DstMask = c.registered

	// Step 2: traffic accounting and the raw ingress watch-point.
	if c.statsType == 0 || meta.Eth.Type == c.statsType {
		if src := c.PortAt(meta.SrcPort); src != nil {
			src.countIngress(pkt.Len())
		}
	}
	if c.ingressMirror != nil {
		c.ingressMirror.Mirror(pkt.Bytes())
	}

	// Step 3: ingress and switch plugins in registration order, then
	// commit any header mutation back into the frame.
	before := meta.Header()
	c.runPipeline(&meta, pkt)
	if !meta.Dropped() && meta.Header() != before {
		c.commitRewrite(&meta, pkt)
	}
	if c.pipelineMirror != nil && !meta.Dropped() {
		c.pipelineMirror.Mirror(pkt.Bytes())
	}

	// The policy hook sees everything the pipeline did not divert,
	// dropped packets included.
	if c.policy != nil && !meta.Diverted {
		c.policy.Dispatch(&meta, pkt)
	}

	if meta.Dropped() {
		r := reasonOrUnknown(meta.Reason)
		slog.Debug("DROP", "port", meta.SrcPort, "reason", r.String(), "len", pkt.Len())
		c.countDrop(r)
		return 0
	}
	if meta.Diverted {
		c.diverted.Add(1)
		slog.Debug("KEEP", "port", meta.SrcPort, "diverted", true)
		return 0
	}

	// Step 4: promiscuous ports hear everything, the source never does.
	meta.DstMask |= c.promisc
	meta.DstMask &^= core.MaskForPort(meta.SrcPort)

	// Step 5: fan out to every port left in the mask.
	n := c.fanOut(meta.DstMask, pkt)
	slog.Debug("KEEP", "port", meta.SrcPort, "mask", uint32(meta.DstMask), "delivered", n)
	c.delivered.Add(uint64(n))
	metrics.SwitchDeliveredTotal.Add(float64(n))
	return n
}

// Inject hands a locally originated or resubmitted frame straight to the
// ports in mask, skipping the pipeline. Used by the router for ICMP
// replies and deferred forwards; loopback to the stamped source port is
// allowed here.
func (c *Core) Inject(mask core.PortMask, pkt *pool.Packet) int {
	n := c.fanOut(mask&c.registered, pkt)
	c.delivered.Add(uint64(n))
	metrics.SwitchDeliveredTotal.Add(float64(n))
	return n
}

func (c *Core) runPipeline(meta *core.Meta, pkt *pool.Packet) {
	if src := c.PortAt(meta.SrcPort); src != nil {
		for _, p := range src.ingress {
			p.Ingress(meta, pkt)
			if meta.Dropped() || meta.Diverted {
				return
			}
		}
	}
	for _, p := range c.plugins {
		p.Query(meta)
		if meta.Dropped() || meta.Diverted {
			return
		}
	}
}

// commitRewrite serializes the mutated header over the original bytes.
// Plugins may only change field values, never the header size; a length
// mismatch kills the packet.
func (c *Core) commitRewrite(meta *core.Meta, pkt *pool.Packet) {
	var buf [codec.MaxHeaderLen]byte
	n := codec.PutHeaders(buf[:], meta)
	if n != meta.HeaderLen {
		slog.Error("plugin resized the header region, dropping",
			"port", meta.SrcPort, "want", meta.HeaderLen, "got", n)
		meta.Drop(core.DropHeaderMismatch)
		return
	}
	if err := pkt.Overwrite(0, buf[:n]); err != nil {
		slog.Error("header rewrite failed", "port", meta.SrcPort, "err", err)
		meta.Drop(core.DropHeaderMismatch)
	}
}

func (c *Core) fanOut(mask core.PortMask, pkt *pool.Packet) int {
	n := 0
	for m := mask; m != core.MaskNone; m &= m - 1 {
		if p := c.ports[m.Index()]; p != nil && p.Accept(pkt) {
			n++
		}
	}
	return n
}

func (c *Core) countDrop(r core.DropReason) {
	c.dropped.Add(1)
	metrics.SwitchDropsTotal.WithLabelValues(r.String()).Inc()
}

func reasonOrUnknown(r core.DropReason) core.DropReason {
	if r == core.DropNone {
		return core.DropUnknown
	}
	return r
}

// Start begins inbound delivery on every port transport and arms the
// pool occupancy gauge. Call before Loop.Run or from loop context.
func (c *Core) Start() error {
	for _, p := range c.ports {
		if p == nil {
			continue
		}
		if err := p.start(); err != nil {
			return fmt.Errorf("port %q: %w", p.name, err)
		}
	}
	c.poolGauge = c.loop.TimerEvery(time.Second, func() {
		metrics.PoolInUse.Set(float64(c.pool.InUse()))
	})
	slog.Info("fabric started", "ports", c.registered.Count(), "plugins", len(c.plugins))
	return nil
}

// Close stops the gauge and tears down every port transport.
func (c *Core) Close() error {
	if c.poolGauge != nil {
		c.poolGauge.Stop()
	}
	var firstErr error
	for _, p := range c.ports {
		if p == nil {
			continue
		}
		if err := p.tr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats is a point-in-time snapshot of the fabric counters.
type Stats struct {
	Received  uint64
	Delivered uint64
	Dropped   uint64
	Diverted  uint64
}

// Stats returns the current counter values.
func (c *Core) Stats() Stats {
	return Stats{
		Received:  c.received.Load(),
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
		Diverted:  c.diverted.Load(),
	}
}
