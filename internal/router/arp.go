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

// Listener observes next-hop resolution events: ARP mappings landing in
// the cache and route reloads that move a prefix to a new gateway. The
// deferred-forwarding queue implements it.
type Listener interface {
	ArpEvent(mac core.MAC, ip netip.Addr)
	GatewayChange(dst netip.Prefix, gw netip.Addr)
}

const defaultARPCache = 1024

// ARPConfig carries the engine dependencies.
type ARPConfig struct {
	Fabric *fabric.Core
	Table  *Table
	Pool   *pool.Pool
	MAC    core.MAC
	IP     netip.Addr

	// CacheSize bounds the learned mapping count; zero means the
	// default.
	CacheSize int
}

// ARP resolves next-hop MACs: it originates who-has queries, learns
// sender mappings from every ARP frame the dispatch sees, answers
// proxied requests, and fans resolution events out to listeners. All
// methods run on the loop goroutine.
type ARP struct {
	fab   *fabric.Core
	table *Table
	pool  *pool.Pool
	mac   core.MAC
	ip    netip.Addr

	cache     map[netip.Addr]core.MAC
	cacheMax  int
	listeners []Listener
}

// NewARP returns an engine with an empty cache.
func NewARP(cfg ARPConfig) *ARP {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultARPCache
	}
	return &ARP{
		fab:      cfg.Fabric,
		table:    cfg.Table,
		pool:     cfg.Pool,
		mac:      cfg.MAC,
		ip:       cfg.IP,
		cache:    make(map[netip.Addr]core.MAC, cfg.CacheSize),
		cacheMax: cfg.CacheSize,
	}
}

// Subscribe registers l for resolution events.
func (a *ARP) Subscribe(l Listener) {
	a.listeners = append(a.listeners, l)
}

// Lookup returns the cached MAC for ip.
func (a *ARP) Lookup(ip netip.Addr) (core.MAC, bool) {
	mac, ok := a.cache[ip]
	return mac, ok
}

// SendQuery broadcasts a who-has for ip out the port its route names.
func (a *ARP) SendQuery(ip netip.Addr) {
	route, ok := a.table.Lookup(ip)
	if !ok {
		slog.Warn("arp query for unroutable address", "ip", ip)
		return
	}

	m := core.Meta{
		Eth: core.EthernetHeader{Dst: core.BroadcastMAC, Src: a.mac, Type: core.TypeARP},
		ARP: core.ARPHeader{Op: core.ARPRequest, SHA: a.mac, SPA: a.ip, TPA: ip},
	}
	var buf [codec.EthernetLen + codec.ARPLen]byte
	n := codec.PutHeaders(buf[:], &m)

	pkt := a.pool.Get()
	if pkt == nil {
		slog.Warn("arp query suppressed, pool exhausted", "ip", ip)
		return
	}
	if err := pkt.SetData(buf[:n]); err == nil {
		a.fab.Inject(core.MaskForPort(route.Port), pkt)
		metrics.ArpQueriesTotal.Inc()
		slog.Debug("arp query sent", "ip", ip, "port", route.Port)
	}
	pkt.Release()
}

// Observe learns the sender mapping of one ARP frame and notifies
// listeners. Requests and replies both carry a usable SHA/SPA pair.
func (a *ARP) Observe(meta *core.Meta) {
	sha, spa := meta.ARP.SHA, meta.ARP.SPA
	if sha.IsZero() || sha.IsMulticast() || !spa.IsValid() || spa.IsUnspecified() {
		return
	}

	if _, known := a.cache[spa]; !known && len(a.cache) >= a.cacheMax {
		for stale := range a.cache {
			delete(a.cache, stale)
			break
		}
	}
	a.cache[spa] = sha

	for _, l := range a.listeners {
		l.ArpEvent(sha, spa)
	}
}

// Proxy answers a who-has arriving from an external segment when the
// target falls under a proxied route pointing elsewhere: the reply names
// the router's MAC so the traffic flows through the gateway. Returns
// true when a reply was sent, which consumes the request.
func (a *ARP) Proxy(meta *core.Meta) bool {
	if meta.ARP.Op != core.ARPRequest {
		return false
	}
	route, ok := a.table.Lookup(meta.ARP.TPA)
	if !ok || !route.Proxy || route.Port == meta.SrcPort {
		return false
	}

	m := core.Meta{
		Eth: core.EthernetHeader{Dst: meta.ARP.SHA, Src: a.mac, Type: core.TypeARP},
		ARP: core.ARPHeader{
			Op:  core.ARPReply,
			SHA: a.mac,
			SPA: meta.ARP.TPA,
			THA: meta.ARP.SHA,
			TPA: meta.ARP.SPA,
		},
	}
	var buf [codec.EthernetLen + codec.ARPLen]byte
	n := codec.PutHeaders(buf[:], &m)

	pkt := a.pool.Get()
	if pkt == nil {
		slog.Warn("proxy arp reply suppressed, pool exhausted", "target", meta.ARP.TPA)
		return false
	}
	sent := false
	if err := pkt.SetData(buf[:n]); err == nil {
		a.fab.Inject(core.MaskForPort(meta.SrcPort), pkt)
		sent = true
		slog.Debug("proxy arp reply", "target", meta.ARP.TPA, "asker", meta.ARP.SPA)
	}
	pkt.Release()
	return sent
}
