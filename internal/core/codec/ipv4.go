// Package codec implements protocol field codecs.
package codec

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/strix/internal/core"
)

// IP protocol numbers the forwarding path cares about.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// ParseIPv4 decodes the fixed 20-byte IPv4 prefix. Options beyond the
// prefix are left in the packet untouched; IHL records their presence.
func ParseIPv4(data []byte) (core.IPv4Header, error) {
	if len(data) < IPv4FixedLen {
		return core.IPv4Header{}, core.ErrPacketTooShort
	}

	version := data[0] >> 4
	if version != 4 {
		return core.IPv4Header{}, core.ErrUnsupportedProto
	}
	ihl := data[0] & 0x0F
	if int(ihl)*4 < IPv4FixedLen {
		return core.IPv4Header{}, core.ErrPacketTooShort
	}

	ip := core.IPv4Header{
		IHL:      ihl,
		TOS:      data[1],
		TotalLen: binary.BigEndian.Uint16(data[2:4]),
		Ident:    binary.BigEndian.Uint16(data[4:6]),
		FlagFrag: binary.BigEndian.Uint16(data[6:8]),
		TTL:      data[8],
		Protocol: data[9],
		Checksum: binary.BigEndian.Uint16(data[10:12]),
		Src:      netip.AddrFrom4([4]byte(data[12:16])),
		Dst:      netip.AddrFrom4([4]byte(data[16:20])),
	}
	return ip, nil
}

// PutIPv4 serializes the fixed prefix of h into dst and returns
// IPv4FixedLen. Option bytes past the prefix are not touched, so a
// rewrite over a header with options preserves them as parsed.
func PutIPv4(dst []byte, h *core.IPv4Header) int {
	dst[0] = 0x40 | (h.IHL & 0x0F)
	dst[1] = h.TOS
	binary.BigEndian.PutUint16(dst[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(dst[4:6], h.Ident)
	binary.BigEndian.PutUint16(dst[6:8], h.FlagFrag)
	dst[8] = h.TTL
	dst[9] = h.Protocol
	binary.BigEndian.PutUint16(dst[10:12], h.Checksum)
	src := h.Src.As4()
	copy(dst[12:16], src[:])
	dstAddr := h.Dst.As4()
	copy(dst[16:20], dstAddr[:])
	return IPv4FixedLen
}
