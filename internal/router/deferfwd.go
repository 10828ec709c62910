package router

import (
	"log/slog"
	"net/netip"
	"time"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/core/codec"
	"firestige.xyz/strix/internal/fabric"
	"firestige.xyz/strix/internal/metrics"
	"firestige.xyz/strix/internal/pool"
	"firestige.xyz/strix/internal/sched"
)

const (
	defaultDeferCapacity = 64
	defaultDeferRetries  = 3
	defaultDeferTick     = 500 * time.Millisecond

	// deferBackoffCap bounds the retry countdown growth, in ticks.
	deferBackoffCap = 8
)

// DeferConfig carries the queue dependencies and tuning.
type DeferConfig struct {
	Fabric *fabric.Core
	ARP    *ARP
	Pool   *pool.Pool
	MAC    core.MAC
	IP     netip.Addr

	// Capacity bounds the parked packet count, RetryLimit the query
	// attempts per packet, Tick the countdown granularity. Zero values
	// select the defaults.
	Capacity   int
	RetryLimit int
	Tick       time.Duration
}

type deferEntry struct {
	pkt       *pool.Packet
	dst       netip.Addr
	gateway   netip.Addr
	mask      core.PortMask
	attempts  int
	countdown int
}

// DeferFwd parks gateway-bound packets whose next-hop MAC is still
// unresolved. Entries live in a fixed slab recycled through free and
// active index lists; a bounded retry schedule guarantees every entry
// leaves the queue, resolved or expired. Loop context only.
type DeferFwd struct {
	fab  *fabric.Core
	arp  *ARP
	pool *pool.Pool
	mac  core.MAC
	ip   netip.Addr

	slab   []deferEntry
	free   []int
	active []int

	retryLimit int
	tick       time.Duration
	timer      *sched.Timer
}

// NewDeferFwd returns an empty queue. Call Start to arm the retry timer.
func NewDeferFwd(cfg DeferConfig) *DeferFwd {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultDeferCapacity
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = defaultDeferRetries
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultDeferTick
	}

	q := &DeferFwd{
		fab:        cfg.Fabric,
		arp:        cfg.ARP,
		pool:       cfg.Pool,
		mac:        cfg.MAC,
		ip:         cfg.IP,
		slab:       make([]deferEntry, cfg.Capacity),
		free:       make([]int, 0, cfg.Capacity),
		active:     make([]int, 0, cfg.Capacity),
		retryLimit: cfg.RetryLimit,
		tick:       cfg.Tick,
	}
	for i := cfg.Capacity - 1; i >= 0; i-- {
		q.free = append(q.free, i)
	}
	return q
}

// Start arms the periodic retry timer on loop.
func (q *DeferFwd) Start(loop *sched.Loop) {
	q.timer = loop.TimerEvery(q.tick, q.timerEvent)
}

// Stop disarms the timer and releases every parked packet.
func (q *DeferFwd) Stop() {
	if q.timer != nil {
		q.timer.Stop()
	}
	for _, i := range q.active {
		q.slab[i].pkt.Release()
		q.slab[i].pkt = nil
		q.free = append(q.free, i)
	}
	q.active = q.active[:0]
	metrics.DeferOccupancy.Set(0)
}

// Len returns the parked packet count.
func (q *DeferFwd) Len() int {
	return len(q.active)
}

// Accept parks pkt until gateway resolves, taking its own reference, and
// issues the first ARP query. Returns false when the slab is full; the
// caller then drops the packet.
func (q *DeferFwd) Accept(meta *core.Meta, pkt *pool.Packet, mask core.PortMask, gateway netip.Addr) bool {
	if len(q.free) == 0 {
		return false
	}
	i := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]

	pkt.Retain()
	q.slab[i] = deferEntry{
		pkt:       pkt,
		dst:       meta.IP.Dst,
		gateway:   gateway,
		mask:      mask,
		countdown: 1,
	}
	q.active = append(q.active, i)
	metrics.DeferOccupancy.Set(float64(len(q.active)))

	slog.Debug("packet parked for arp", "dst", meta.IP.Dst, "gateway", gateway, "queued", len(q.active))
	q.arp.SendQuery(gateway)
	return true
}

// ArpEvent forwards every parked packet whose pending gateway just
// resolved: the frame's address region becomes {resolved dst, router
// src} and the packet re-enters delivery through Inject.
func (q *DeferFwd) ArpEvent(mac core.MAC, ip netip.Addr) {
	if len(q.active) == 0 {
		return
	}
	kept := q.active[:0]
	for _, i := range q.active {
		e := &q.slab[i]
		if e.gateway != ip {
			kept = append(kept, i)
			continue
		}

		var addrs [12]byte
		copy(addrs[0:6], mac[:])
		copy(addrs[6:12], q.mac[:])
		if err := e.pkt.Overwrite(0, addrs[:]); err == nil {
			q.fab.Inject(e.mask, e.pkt)
			metrics.RouterForwardsTotal.Inc()
			slog.Debug("deferred packet forwarded", "dst", e.dst, "gateway", ip, "mac", mac)
		}
		e.pkt.Release()
		e.pkt = nil
		q.free = append(q.free, i)
	}
	q.active = kept
	metrics.DeferOccupancy.Set(float64(len(q.active)))
}

// GatewayChange redirects parked packets covered by dst to the new
// gateway: query immediately and restart the countdown.
func (q *DeferFwd) GatewayChange(dst netip.Prefix, gw netip.Addr) {
	for _, i := range q.active {
		e := &q.slab[i]
		if !dst.Contains(e.dst) {
			continue
		}
		e.gateway = gw
		e.countdown = 1
		q.arp.SendQuery(gw)
	}
}

// timerEvent walks the countdowns: expiry requeries with a capped
// backoff until the attempt budget runs out, then the packet's sender
// gets a host-unreachable and the slot recycles.
func (q *DeferFwd) timerEvent() {
	if len(q.active) == 0 {
		return
	}
	kept := q.active[:0]
	for _, i := range q.active {
		e := &q.slab[i]
		e.countdown--
		if e.countdown > 0 {
			kept = append(kept, i)
			continue
		}

		e.attempts++
		if e.attempts > q.retryLimit {
			q.expire(e)
			q.free = append(q.free, i)
			continue
		}

		q.arp.SendQuery(e.gateway)
		e.countdown = backoffTicks(e.attempts)
		metrics.DeferRetriesTotal.Inc()
		kept = append(kept, i)
	}
	q.active = kept
	metrics.DeferOccupancy.Set(float64(len(q.active)))
}

func backoffTicks(attempts int) int {
	ticks := 1 << attempts
	if ticks > deferBackoffCap {
		return deferBackoffCap
	}
	return ticks
}

func (q *DeferFwd) expire(e *deferEntry) {
	var m core.Meta
	if err := codec.ParseHeaders(e.pkt.Peek(codec.MaxHeaderLen), &m); err == nil {
		m.SrcPort = e.pkt.SrcPort
		originateICMP(q.fab, q.pool, &m, e.pkt.Bytes(), codec.ICMPSpec{
			Type: codec.ICMPTypeDestUnreachable,
			Code: codec.ICMPCodeHostUnreachable,
		}, q.mac, q.ip)
	}
	slog.Info("arp resolution exhausted, dropping",
		"dst", e.dst, "gateway", e.gateway, "attempts", e.attempts)
	metrics.SwitchDropsTotal.WithLabelValues(core.DropDeferAged.String()).Inc()
	e.pkt.Release()
	e.pkt = nil
}
