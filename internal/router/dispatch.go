// Package router turns the layer-2 fabric into an IPv4 gateway. Dispatch
// plugs into fabric delivery as the policy stage behind the plugin
// pipeline: it screens ingress per RFC 1812, keeps ARP between the wire
// and the internal stack, and rewrites routed packets toward their next
// hop. Packets whose next-hop MAC is still unresolved park in DeferFwd
// until ARP answers or the retry budget runs out. Everything here runs
// on the scheduler loop.
package router

import (
	"log/slog"
	"net/netip"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/core/codec"
	"firestige.xyz/strix/internal/fabric"
	"firestige.xyz/strix/internal/metrics"
	"firestige.xyz/strix/internal/pool"
)

// Config wires the gateway into the fabric it polices.
type Config struct {
	Fabric *fabric.Core
	Table  *Table
	ARP    *ARP
	Defer  *DeferFwd
	Pool   *pool.Pool

	// MAC and IP identify the router itself on every attached segment.
	MAC core.MAC
	IP  netip.Addr

	// InternalPort is the port backed by the local network stack.
	InternalPort core.PortIndex
}

// Dispatch is the fabric policy implementing gateway forwarding.
type Dispatch struct {
	fab      *fabric.Core
	table    *Table
	arp      *ARP
	deferq   *DeferFwd
	pool     *pool.Pool
	mac      core.MAC
	ip       netip.Addr
	internal core.PortIndex
}

var _ fabric.Policy = (*Dispatch)(nil)

// NewDispatch returns the policy; install it with Core.SetPolicy.
func NewDispatch(cfg Config) *Dispatch {
	return &Dispatch{
		fab:      cfg.Fabric,
		table:    cfg.Table,
		arp:      cfg.ARP,
		deferq:   cfg.Defer,
		pool:     cfg.Pool,
		mac:      cfg.MAC,
		ip:       cfg.IP,
		internal: cfg.InternalPort,
	}
}

// Dispatch sees every delivery after the plugin pipeline, dropped
// packets included, and narrows or claims the destination set according
// to the routing table. EtherTypes other than ARP and IPv4 pass through
// to plain switching.
func (d *Dispatch) Dispatch(meta *core.Meta, pkt *pool.Packet) {
	if !d.admit(meta) {
		meta.Drop(core.DropFilter)
		return
	}

	switch {
	case meta.IsARP():
		d.handleARP(meta)
	case meta.IsIP() && meta.IP.Dst == d.ip:
		if !meta.Dropped() {
			meta.DstMask = core.MaskForPort(d.internal)
		}
	case meta.IsIP():
		d.processGateway(meta, pkt)
	}
}

// admit applies the RFC 1812 ingress screens. Rejected frames vanish
// without a reply. The source spoof checks skip the internal port, whose
// frames legitimately carry the router's own addresses.
func (d *Dispatch) admit(meta *core.Meta) bool {
	external := meta.SrcPort != d.internal
	if meta.Eth.Src.IsMulticast() {
		return false
	}
	if external && meta.Eth.Src == d.mac {
		return false
	}
	if isSwitchControl(meta.Eth.Dst) {
		return false
	}
	if !meta.IsIP() {
		return true
	}

	src, dst := meta.IP.Src, meta.IP.Dst
	if src.IsMulticast() || src.IsLoopback() || src.IsUnspecified() || isReserved(src) {
		return false
	}
	if external && src == d.ip {
		return false
	}
	if dst.IsLoopback() || dst.IsUnspecified() || isReserved(dst) {
		return false
	}
	// A group-addressed frame must carry a group-addressed payload.
	if meta.Eth.Dst.IsMulticast() && !dst.IsMulticast() && dst != ipv4Broadcast {
		return false
	}
	return true
}

// handleARP keeps ARP off the port-to-port path: internal queries leave
// through the route's port only, external frames reach the internal
// stack or a proxy reply, never another external port.
func (d *Dispatch) handleARP(meta *core.Meta) {
	if meta.Dropped() {
		return
	}
	d.arp.Observe(meta)

	if meta.SrcPort == d.internal {
		route, ok := d.table.Lookup(meta.ARP.TPA)
		if !ok {
			meta.Drop(core.DropNoRoute)
			return
		}
		meta.DstMask = core.MaskForPort(route.Port)
		return
	}
	if d.arp.Proxy(meta) {
		meta.Divert()
		return
	}
	meta.DstMask = core.MaskForPort(d.internal)
}

// processGateway forwards one routed IPv4 packet. Broadcast and
// multicast destinations fall through untouched to switch flooding.
func (d *Dispatch) processGateway(meta *core.Meta, pkt *pool.Packet) {
	ethLen := codec.EthernetSize(&meta.Eth)
	ipLen := meta.IP.HeaderLen()
	if ipLen < codec.IPv4FixedLen || ethLen+ipLen > pkt.Len() {
		meta.Drop(core.DropBadFrame)
		return
	}
	if meta.IP.Dst.IsMulticast() || meta.IP.Dst == ipv4Broadcast {
		return
	}

	// Step 1: TTL. A packet arriving spent answers with Time-Exceeded;
	// anything else pays one hop, incrementally per RFC 1141.
	if meta.IP.TTL == 0 {
		d.notify(meta, pkt, codec.ICMPSpec{
			Type: codec.ICMPTypeTimeExceeded,
			Code: codec.ICMPCodeTTLInTransit,
		})
		meta.Drop(core.DropTTLExpired)
		return
	}
	codec.DecrementTTL(pkt.Bytes()[ethLen : ethLen+ipLen])
	meta.IP.TTL--

	// Step 2: route lookup.
	route, ok := d.table.Lookup(meta.IP.Dst)
	if !ok {
		d.notify(meta, pkt, codec.ICMPSpec{
			Type: codec.ICMPTypeDestUnreachable,
			Code: codec.ICMPCodeNetUnreachable,
		})
		meta.Drop(core.DropNoRoute)
		return
	}

	// Step 3: a routed packet the pipeline zeroed escalates from a
	// silent discard to an administrative prohibition.
	if meta.Dropped() {
		meta.Reason = core.DropProhibited
		d.notify(meta, pkt, codec.ICMPSpec{
			Type: codec.ICMPTypeDestUnreachable,
			Code: codec.ICMPCodeNetProhibited,
		})
		return
	}

	out := d.fab.PortAt(route.Port)
	if out == nil || !out.LinkUp() {
		d.notify(meta, pkt, codec.ICMPSpec{
			Type: codec.ICMPTypeDestUnreachable,
			Code: codec.ICMPCodeNetUnreachable,
		})
		meta.Drop(core.DropLinkDown)
		return
	}
	meta.DstMask = out.Mask()

	// Step 4: the sender picked the wrong first hop when the packet
	// leaves the way it came in. Advise, keep forwarding.
	hairpin := route.Port == meta.SrcPort
	if hairpin {
		d.notify(meta, pkt, codec.ICMPSpec{
			Type:    codec.ICMPTypeRedirect,
			Code:    codec.ICMPCodeRedirectHost,
			Gateway: route.NextHop(meta.IP.Dst),
		})
	}

	// Step 5: next-hop MAC rewrite, or parking until ARP answers.
	nextMAC, known := route.MAC, route.HasMAC()
	if !known {
		nextMAC, known = d.arp.Lookup(route.NextHop(meta.IP.Dst))
	}
	if !known {
		if !d.deferq.Accept(meta, pkt, meta.DstMask, route.NextHop(meta.IP.Dst)) {
			meta.Drop(core.DropDeferFull)
			return
		}
		meta.Divert()
		return
	}

	var addrs [12]byte
	copy(addrs[0:6], nextMAC[:])
	copy(addrs[6:12], d.mac[:])
	if err := pkt.Overwrite(0, addrs[:]); err != nil {
		meta.Drop(core.DropBadFrame)
		return
	}
	meta.Eth.Dst = nextMAC
	meta.Eth.Src = d.mac
	metrics.RouterForwardsTotal.Inc()

	if hairpin {
		// Fabric delivery strikes the ingress port from the mask, so
		// the hairpin leaves through Inject instead.
		d.fab.Inject(meta.DstMask, pkt)
		meta.Divert()
	}
}

func (d *Dispatch) notify(meta *core.Meta, pkt *pool.Packet, sp codec.ICMPSpec) {
	originateICMP(d.fab, d.pool, meta, pkt.Bytes(), sp, d.mac, d.ip)
}

// originateICMP builds one router-originated ICMP message and injects
// it toward the offending packet's ingress port. A failed send never
// changes the original packet's fate.
func originateICMP(fab *fabric.Core, pl *pool.Pool, m *core.Meta, orig []byte, sp codec.ICMPSpec, routerMAC core.MAC, routerIP netip.Addr) {
	var buf [128]byte
	n, err := codec.BuildICMPError(buf[:], m, orig, sp, routerMAC, routerIP)
	if err != nil {
		slog.Debug("icmp reply not built", "type", sp.Type, "code", sp.Code, "err", err)
		return
	}
	pkt := pl.Get()
	if pkt == nil {
		slog.Warn("packet pool exhausted, icmp reply dropped", "type", sp.Type, "code", sp.Code)
		return
	}
	if err := pkt.SetData(buf[:n]); err == nil {
		fab.Inject(core.MaskForPort(m.SrcPort), pkt)
		metrics.RouterICMPTotal.WithLabelValues(icmpKind(sp)).Inc()
	}
	pkt.Release()
}

func icmpKind(sp codec.ICMPSpec) string {
	switch sp.Type {
	case codec.ICMPTypeTimeExceeded:
		return "time_exceeded"
	case codec.ICMPTypeRedirect:
		return "redirect"
	case codec.ICMPTypeDestUnreachable:
		switch sp.Code {
		case codec.ICMPCodeNetUnreachable:
			return "net_unreachable"
		case codec.ICMPCodeHostUnreachable:
			return "host_unreachable"
		case codec.ICMPCodeNetProhibited:
			return "net_prohibited"
		}
	}
	return "other"
}

// ipv4Broadcast is the all-ones limited broadcast address.
var ipv4Broadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// isReserved reports whether a sits in the class E experimental block,
// the limited broadcast excepted.
func isReserved(a netip.Addr) bool {
	return a.Is4() && a.As4()[0] >= 240 && a != ipv4Broadcast
}

// isSwitchControl reports whether m falls in the IEEE 802.1D reserved
// block 01:80:C2:00:00:00 through :0F that bridges never relay.
func isSwitchControl(m core.MAC) bool {
	return m[0] == 0x01 && m[1] == 0x80 && m[2] == 0xC2 &&
		m[3] == 0x00 && m[4] == 0x00 && m[5] <= 0x0F
}
