package router

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/strix/internal/core"
)

// recordListener captures resolution events for assertions.
type recordListener struct {
	arps     []netip.Addr
	prefixes []netip.Prefix
	gateways []netip.Addr
}

func (l *recordListener) ArpEvent(mac core.MAC, ip netip.Addr) {
	l.arps = append(l.arps, ip)
}

func (l *recordListener) GatewayChange(dst netip.Prefix, gw netip.Addr) {
	l.prefixes = append(l.prefixes, dst)
	l.gateways = append(l.gateways, gw)
}

func TestLookupLongestPrefix(t *testing.T) {
	tbl := NewTable([]Route{
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Port: 0},
		{Prefix: netip.MustParsePrefix("10.0.2.0/24"), Port: 2},
		{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Port: 1},
	})

	r, ok := tbl.Lookup(netip.MustParseAddr("10.0.2.9"))
	require.True(t, ok)
	assert.Equal(t, core.PortIndex(2), r.Port, "the /24 beats the /8")

	r, ok = tbl.Lookup(netip.MustParseAddr("10.9.9.9"))
	require.True(t, ok)
	assert.Equal(t, core.PortIndex(0), r.Port)

	r, ok = tbl.Lookup(netip.MustParseAddr("172.16.1.1"))
	require.True(t, ok)
	assert.Equal(t, core.PortIndex(1), r.Port, "the default route catches the rest")
}

func TestLookupWithoutDefaultMisses(t *testing.T) {
	tbl := NewTable([]Route{
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Port: 0},
	})
	_, ok := tbl.Lookup(netip.MustParseAddr("192.168.1.1"))
	assert.False(t, ok)
}

func TestRouteNextHop(t *testing.T) {
	dst := netip.MustParseAddr("10.0.2.9")

	direct := Route{Prefix: netip.MustParsePrefix("10.0.2.0/24"), Port: 2}
	assert.False(t, direct.HasGateway())
	assert.False(t, direct.HasMAC())
	assert.Equal(t, dst, direct.NextHop(dst), "directly attached nets resolve the destination itself")

	via := Route{Prefix: netip.MustParsePrefix("10.0.2.0/24"), Port: 2, Gateway: gwIP2}
	assert.True(t, via.HasGateway())
	assert.Equal(t, gwIP2, via.NextHop(dst))
}

func TestLoadTableFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	doc := `routes:
  - prefix: 10.0.1.0/24
    port: wan0
    gateway: 10.0.1.1
  - prefix: 10.0.2.0/24
    port: lan0
    mac: "02:00:00:00:02:01"
    proxy_arp: true
default:
  port: wan0
  gateway: 10.0.1.1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	tbl, err := LoadTable(path, map[string]core.PortIndex{"wan0": 0, "lan0": 2})
	require.NoError(t, err)
	routes := tbl.Routes()
	require.Len(t, routes, 3)

	assert.Equal(t, netip.MustParsePrefix("10.0.1.0/24"), routes[0].Prefix)
	assert.Equal(t, core.PortIndex(0), routes[0].Port)
	assert.Equal(t, netip.MustParseAddr("10.0.1.1"), routes[0].Gateway)
	assert.False(t, routes[0].HasMAC())

	assert.Equal(t, core.MAC{0x02, 0x00, 0x00, 0x00, 0x02, 0x01}, routes[1].MAC)
	assert.True(t, routes[1].Proxy)
	assert.False(t, routes[1].HasGateway())

	assert.Equal(t, netip.MustParsePrefix("0.0.0.0/0"), routes[2].Prefix)

	r, ok := tbl.Lookup(netip.MustParseAddr("203.0.113.7"))
	require.True(t, ok)
	assert.Equal(t, core.PortIndex(0), r.Port)
}

func TestLoadTableRejectsBadEntries(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"UnknownPort", "routes:\n  - prefix: 10.0.1.0/24\n    port: nosuch\n"},
		{"BadPrefix", "routes:\n  - prefix: banana\n    port: wan0\n"},
		{"IPv6Prefix", "routes:\n  - prefix: 2001:db8::/64\n    port: wan0\n"},
		{"BadGateway", "routes:\n  - prefix: 10.0.1.0/24\n    port: wan0\n    gateway: nope\n"},
		{"BadMAC", "routes:\n  - prefix: 10.0.1.0/24\n    port: wan0\n    mac: zz\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "routes.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.doc), 0o644))
			_, err := LoadTable(path, map[string]core.PortIndex{"wan0": 0})
			assert.ErrorIs(t, err, core.ErrRouteInvalid)
		})
	}
}

func TestReloadNotifiesGatewayChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	write := func(gw string) {
		doc := fmt.Sprintf(`routes:
  - prefix: 10.0.1.0/24
    port: wan0
    gateway: %s
  - prefix: 10.0.2.0/24
    port: lan0
    gateway: 10.0.2.1
`, gw)
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	}

	write("10.0.1.1")
	tbl, err := LoadTable(path, map[string]core.PortIndex{"wan0": 0, "lan0": 2})
	require.NoError(t, err)

	var l recordListener
	tbl.OnGatewayChange(&l)

	write("10.0.1.200")
	require.NoError(t, tbl.Reload())
	require.Len(t, l.gateways, 1, "only the moved prefix notifies")
	assert.Equal(t, netip.MustParsePrefix("10.0.1.0/24"), l.prefixes[0])
	assert.Equal(t, netip.MustParseAddr("10.0.1.200"), l.gateways[0])

	r, ok := tbl.Lookup(netip.MustParseAddr("10.0.1.9"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.1.200"), r.Gateway)
}

func TestReloadRequiresBackingFile(t *testing.T) {
	tbl := NewTable(nil)
	assert.ErrorIs(t, tbl.Reload(), core.ErrConfigInvalid)
}
