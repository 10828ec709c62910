// Package codec implements protocol field codecs.
package codec

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/strix/internal/core"
)

// ICMP types and codes the router originates (RFC 792, RFC 1812).
const (
	ICMPTypeDestUnreachable uint8 = 3
	ICMPTypeRedirect        uint8 = 5
	ICMPTypeTimeExceeded    uint8 = 11

	ICMPCodeNetUnreachable  uint8 = 0
	ICMPCodeHostUnreachable uint8 = 1
	ICMPCodeNetProhibited   uint8 = 9
	ICMPCodeTTLInTransit    uint8 = 0
	ICMPCodeRedirectHost    uint8 = 1
)

const (
	icmpHeaderLen = 8
	icmpEchoExtra = 8 // payload bytes echoed past the offending IP header
	icmpReplyTTL  = 64
)

// ICMPSpec selects one ICMP error or advisory message.
type ICMPSpec struct {
	Type    uint8
	Code    uint8
	Gateway netip.Addr // redirect next hop; unset for errors
}

// BuildICMPError assembles a complete Ethernet+IPv4+ICMP frame into dst,
// addressed back to the sender of the offending packet: the reply echoes
// the offending IP header plus its first eight payload bytes. orig is
// the offending frame as received, m its parsed view. Returns the frame
// length written.
func BuildICMPError(dst []byte, m *core.Meta, orig []byte, sp ICMPSpec, routerMAC core.MAC, routerIP netip.Addr) (int, error) {
	if !m.IsIP() {
		return 0, core.ErrUnsupportedProto
	}

	ethLen := EthernetSize(&m.Eth)
	if len(orig) < ethLen {
		return 0, core.ErrPacketTooShort
	}
	echo := orig[ethLen:]
	if max := m.IP.HeaderLen() + icmpEchoExtra; len(echo) > max {
		echo = echo[:max]
	}

	eth := core.EthernetHeader{
		Dst:  m.Eth.Src,
		Src:  routerMAC,
		Vlan: m.Eth.Vlan,
		Type: core.TypeIPv4,
	}
	total := EthernetSize(&eth) + IPv4FixedLen + icmpHeaderLen + len(echo)
	if len(dst) < total {
		return 0, core.ErrBufferBounds
	}

	n := PutEthernet(dst, &eth)

	ip := core.IPv4Header{
		IHL:      5,
		TotalLen: uint16(IPv4FixedLen + icmpHeaderLen + len(echo)),
		TTL:      icmpReplyTTL,
		Protocol: ProtoICMP,
		Src:      routerIP,
		Dst:      m.IP.Src,
	}
	PutIPv4(dst[n:], &ip)
	binary.BigEndian.PutUint16(dst[n+10:n+12], Checksum(dst[n:n+IPv4FixedLen]))

	icmp := dst[n+IPv4FixedLen : total]
	icmp[0] = sp.Type
	icmp[1] = sp.Code
	icmp[2], icmp[3] = 0, 0
	if sp.Gateway.IsValid() {
		gw := sp.Gateway.As4()
		copy(icmp[4:8], gw[:])
	} else {
		clear(icmp[4:8])
	}
	copy(icmp[icmpHeaderLen:], echo)
	binary.BigEndian.PutUint16(icmp[2:4], Checksum(icmp))

	return total, nil
}
