// Package nat implements stateless subnet address translation riding on
// the switch pipeline. One instance pair straddles a boundary port: the
// ingress half maps external addresses to internal ones, the egress half
// maps them back. No per-connection state is kept; the two subnets are
// equal-size and related by a fixed offset.
package nat

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/core/codec"
	"firestige.xyz/strix/internal/pool"
	"firestige.xyz/strix/pkg/plugin"
)

// Options names the two equal-size subnets the translator maps between.
type Options struct {
	External string `mapstructure:"external"`
	Internal string `mapstructure:"internal"`
}

// translator rewrites addresses inside the from subnet into the to
// subnet. IPv4 and TCP checksums are repaired incrementally, half-word
// by half-word (RFC 1624); one's complement arithmetic sees a 32-bit
// address change as two independent 16-bit deltas.
type translator struct {
	name  string
	from  netip.Prefix
	to    netip.Prefix
	delta uint32
}

// Name returns the plugin name.
func (tr *translator) Name() string {
	return tr.name
}

// configure parses the subnet pair. The reverse flag flips direction so
// the egress half maps internal addresses back out.
func (tr *translator) configure(opts map[string]any, reverse bool) error {
	var o Options
	if err := plugin.DecodeOptions(opts, &o); err != nil {
		return err
	}
	ext, err := parseSubnet(o.External)
	if err != nil {
		return fmt.Errorf("nat external: %w", err)
	}
	inn, err := parseSubnet(o.Internal)
	if err != nil {
		return fmt.Errorf("nat internal: %w", err)
	}
	if ext.Bits() != inn.Bits() {
		return fmt.Errorf("nat subnets %v and %v differ in size: %w", ext, inn, core.ErrConfigInvalid)
	}
	tr.from, tr.to = ext, inn
	if reverse {
		tr.from, tr.to = inn, ext
	}
	tr.delta = addr32(tr.to.Addr()) - addr32(tr.from.Addr())
	return nil
}

func parseSubnet(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil || !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("subnet %q: %w", s, core.ErrConfigInvalid)
	}
	return p.Masked(), nil
}

func addr32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// apply translates one packet in the configured direction.
func (tr *translator) apply(m *core.Meta, pkt *pool.Packet) {
	switch {
	case m.IsARP():
		m.ARP.SPA = tr.translate(m.ARP.SPA)
		m.ARP.TPA = tr.translate(m.ARP.TPA)
	case m.IsIP():
		tr.applyIPv4(m, pkt)
	}
}

// translate maps a into the to subnet when it lies inside from. The
// subnets share a prefix length and both bases are masked, so adding the
// delta preserves the host part.
func (tr *translator) translate(a netip.Addr) netip.Addr {
	if !tr.from.Contains(a) {
		return a
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], addr32(a)+tr.delta)
	return netip.AddrFrom4(b)
}

func (tr *translator) applyIPv4(m *core.Meta, pkt *pool.Packet) {
	src := tr.translate(m.IP.Src)
	dst := tr.translate(m.IP.Dst)
	if src == m.IP.Src && dst == m.IP.Dst {
		return
	}

	chk := m.IP.Checksum
	tchk, tcpOff := tcpChecksum(m, pkt)
	if src != m.IP.Src {
		chk = codec.ChecksumUpdate32(chk, addr32(m.IP.Src), addr32(src))
		tchk = codec.ChecksumUpdate32(tchk, addr32(m.IP.Src), addr32(src))
	}
	if dst != m.IP.Dst {
		chk = codec.ChecksumUpdate32(chk, addr32(m.IP.Dst), addr32(dst))
		tchk = codec.ChecksumUpdate32(tchk, addr32(m.IP.Dst), addr32(dst))
	}

	// The TCP checksum covers a pseudo-header holding both addresses,
	// so it takes the same correction. It sits past the rewritable
	// header region and is patched on the wire directly. UDP checksums
	// are never touched: this stack emits them disabled.
	if tcpOff >= 0 {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], tchk)
		if err := pkt.Overwrite(tcpOff, b[:]); err != nil {
			return
		}
	}
	m.IP.Src, m.IP.Dst, m.IP.Checksum = src, dst, chk
}

// tcpChecksum returns the wire TCP checksum and its frame offset, or -1
// when the packet carries no reachable TCP header. Non-initial fragments
// have no transport header to patch.
func tcpChecksum(m *core.Meta, pkt *pool.Packet) (uint16, int) {
	if m.IP.Protocol != codec.ProtoTCP || m.IP.FlagFrag&0x1FFF != 0 {
		return 0, -1
	}
	off := codec.EthernetSize(&m.Eth) + m.IP.HeaderLen() + 16
	if off+2 > pkt.Len() {
		return 0, -1
	}
	return binary.BigEndian.Uint16(pkt.Bytes()[off : off+2]), off
}

// Ingress is the external-to-internal half of the pair.
type Ingress struct {
	translator
}

// NewIngress creates the external-to-internal translator.
func NewIngress() plugin.IngressPlugin {
	return &Ingress{translator{name: "nat"}}
}

// Init parses the subnet pair.
func (p *Ingress) Init(opts map[string]any) error {
	return p.configure(opts, false)
}

// Ingress rewrites one inbound packet.
func (p *Ingress) Ingress(meta *core.Meta, pkt *pool.Packet) {
	p.apply(meta, pkt)
}

// Egress is the internal-to-external half of the pair.
type Egress struct {
	translator
}

// NewEgress creates the internal-to-external translator.
func NewEgress() plugin.EgressPlugin {
	return &Egress{translator{name: "nat"}}
}

// Init parses the subnet pair.
func (p *Egress) Init(opts map[string]any) error {
	return p.configure(opts, true)
}

// Egress rewrites one outbound packet.
func (p *Egress) Egress(meta *core.Meta, pkt *pool.Packet) {
	p.apply(meta, pkt)
}
