package router

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"firestige.xyz/strix/internal/core"
)

// Route is one forwarding entry: a destination prefix bound to an egress
// port, with an optional next-hop gateway and an optional fixed MAC that
// bypasses ARP resolution.
type Route struct {
	Prefix  netip.Prefix
	Port    core.PortIndex
	Gateway netip.Addr // invalid means directly attached
	MAC     core.MAC   // zero means resolve via ARP
	Proxy   bool       // answer external ARP requests for this prefix
}

// HasGateway reports whether the route forwards through a gateway.
func (r Route) HasGateway() bool {
	return r.Gateway.IsValid()
}

// HasMAC reports whether the next-hop MAC is statically configured.
func (r Route) HasMAC() bool {
	return !r.MAC.IsZero()
}

// NextHop returns the address ARP must resolve to reach dst through r:
// the gateway when one is set, the destination itself when the prefix is
// directly attached.
func (r Route) NextHop(dst netip.Addr) netip.Addr {
	if r.Gateway.IsValid() {
		return r.Gateway
	}
	return dst
}

// Table holds the static routes. Lookup reads an atomic snapshot, so the
// table may be reloaded while the forwarding loop runs; the swap itself
// happens between loop steps.
type Table struct {
	routes atomic.Pointer[[]Route]

	path      string
	ports     map[string]core.PortIndex
	listeners []Listener
}

// NewTable returns a table over a fixed route set, not backed by a file.
func NewTable(routes []Route) *Table {
	t := &Table{}
	t.routes.Store(&routes)
	return t
}

// LoadTable reads the YAML routes file at path. Port references in the
// file are names; ports maps them to fabric indices.
func LoadTable(path string, ports map[string]core.PortIndex) (*Table, error) {
	t := &Table{path: path, ports: ports}
	routes, err := t.read()
	if err != nil {
		return nil, err
	}
	t.routes.Store(&routes)
	return t, nil
}

// OnGatewayChange registers l to be told when a reload moves a prefix to
// a different gateway.
func (t *Table) OnGatewayChange(l Listener) {
	t.listeners = append(t.listeners, l)
}

// Lookup returns the longest-prefix route containing addr.
func (t *Table) Lookup(addr netip.Addr) (Route, bool) {
	routes := *t.routes.Load()
	best := -1
	bestBits := -1
	for i := range routes {
		if routes[i].Prefix.Contains(addr) && routes[i].Prefix.Bits() > bestBits {
			best, bestBits = i, routes[i].Prefix.Bits()
		}
	}
	if best < 0 {
		return Route{}, false
	}
	return routes[best], true
}

// Routes returns the current snapshot.
func (t *Table) Routes() []Route {
	return *t.routes.Load()
}

// Reload re-reads the backing file, swaps the table atomically and
// notifies listeners about prefixes whose gateway moved. Call from loop
// context so in-flight resolutions observe a consistent table.
func (t *Table) Reload() error {
	if t.path == "" {
		return fmt.Errorf("route table has no backing file: %w", core.ErrConfigInvalid)
	}
	fresh, err := t.read()
	if err != nil {
		return err
	}

	old := *t.routes.Load()
	prev := make(map[netip.Prefix]netip.Addr, len(old))
	for _, r := range old {
		prev[r.Prefix] = r.Gateway
	}
	t.routes.Store(&fresh)
	slog.Info("route table reloaded", "file", t.path, "routes", len(fresh))

	for _, r := range fresh {
		was, known := prev[r.Prefix]
		if !known || was == r.Gateway || !r.Gateway.IsValid() {
			continue
		}
		for _, l := range t.listeners {
			l.GatewayChange(r.Prefix, r.Gateway)
		}
	}
	return nil
}

// routeFile is the on-disk YAML schema. The default entry needs no
// prefix; it becomes 0.0.0.0/0.
type routeFile struct {
	Routes  []routeEntry `yaml:"routes"`
	Default *routeEntry  `yaml:"default"`
}

type routeEntry struct {
	Prefix   string `yaml:"prefix"`
	Port     string `yaml:"port"`
	Gateway  string `yaml:"gateway"`
	MAC      string `yaml:"mac"`
	ProxyARP bool   `yaml:"proxy_arp"`
}

func (t *Table) read() ([]Route, error) {
	raw, err := os.ReadFile(t.path)
	if err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}
	var file routeFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}

	routes := make([]Route, 0, len(file.Routes)+1)
	for i, e := range file.Routes {
		r, err := t.resolve(e, false)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		routes = append(routes, r)
	}
	if file.Default != nil {
		r, err := t.resolve(*file.Default, true)
		if err != nil {
			return nil, fmt.Errorf("default route: %w", err)
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func (t *Table) resolve(e routeEntry, isDefault bool) (Route, error) {
	var r Route

	if isDefault {
		r.Prefix = netip.PrefixFrom(netip.AddrFrom4([4]byte{}), 0)
	} else {
		p, err := netip.ParsePrefix(e.Prefix)
		if err != nil || !p.Addr().Is4() {
			return Route{}, fmt.Errorf("prefix %q: %w", e.Prefix, core.ErrRouteInvalid)
		}
		r.Prefix = p.Masked()
	}

	idx, ok := t.ports[e.Port]
	if !ok {
		return Route{}, fmt.Errorf("port %q: %w", e.Port, core.ErrRouteInvalid)
	}
	r.Port = idx

	if e.Gateway != "" {
		gw, err := netip.ParseAddr(e.Gateway)
		if err != nil || !gw.Is4() {
			return Route{}, fmt.Errorf("gateway %q: %w", e.Gateway, core.ErrRouteInvalid)
		}
		r.Gateway = gw
	}

	if e.MAC != "" {
		hw, err := net.ParseMAC(e.MAC)
		if err != nil || len(hw) != 6 {
			return Route{}, fmt.Errorf("mac %q: %w", e.MAC, core.ErrRouteInvalid)
		}
		copy(r.MAC[:], hw)
	}

	r.Proxy = e.ProxyARP
	return r, nil
}
