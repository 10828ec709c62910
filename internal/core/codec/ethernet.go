// Package codec implements protocol field codecs.
package codec

import (
	"encoding/binary"

	"firestige.xyz/strix/internal/core"
)

const (
	// EthernetLen is the untagged L2 header length.
	EthernetLen = 14
	// VlanShimLen is the 802.1Q tag inserted after the source MAC.
	VlanShimLen = 4
	// ARPLen is the IPv4-over-Ethernet ARP body length.
	ARPLen = 28
	// IPv4FixedLen is the option-less IPv4 header length; the parse
	// window never extends past it, options stay opaque in the packet.
	IPv4FixedLen = 20

	// MaxHeaderLen bounds the rewritable header region: a tagged
	// Ethernet header plus the larger of the two overlays.
	MaxHeaderLen = EthernetLen + VlanShimLen + ARPLen
)

// ParseEthernet decodes the L2 header, honoring at most one 802.1Q tag.
// Returns the header and the bytes consumed (14, or 18 when tagged).
// A wire tag of zero is not representable and reads back as untagged.
func ParseEthernet(data []byte) (core.EthernetHeader, int, error) {
	if len(data) < EthernetLen {
		return core.EthernetHeader{}, 0, core.ErrPacketTooShort
	}

	var eth core.EthernetHeader
	copy(eth.Dst[:], data[0:6])
	copy(eth.Src[:], data[6:12])

	etherType := core.EtherType(binary.BigEndian.Uint16(data[12:14]))
	n := EthernetLen

	if etherType == core.TypeVLAN {
		if len(data) < EthernetLen+VlanShimLen {
			return core.EthernetHeader{}, 0, core.ErrPacketTooShort
		}
		eth.Vlan = core.VlanTag(binary.BigEndian.Uint16(data[14:16]))
		etherType = core.EtherType(binary.BigEndian.Uint16(data[16:18]))
		n += VlanShimLen
	}

	eth.Type = etherType
	return eth, n, nil
}

// EthernetSize returns the serialized length of h: 14 bytes, or 18 when
// the header carries a tag.
func EthernetSize(h *core.EthernetHeader) int {
	if h.Vlan != 0 {
		return EthernetLen + VlanShimLen
	}
	return EthernetLen
}

// PutEthernet serializes h into dst and returns the bytes written. dst
// must hold at least EthernetSize(h) bytes.
func PutEthernet(dst []byte, h *core.EthernetHeader) int {
	copy(dst[0:6], h.Dst[:])
	copy(dst[6:12], h.Src[:])
	if h.Vlan != 0 {
		binary.BigEndian.PutUint16(dst[12:14], uint16(core.TypeVLAN))
		binary.BigEndian.PutUint16(dst[14:16], uint16(h.Vlan))
		binary.BigEndian.PutUint16(dst[16:18], uint16(h.Type))
		return EthernetLen + VlanShimLen
	}
	binary.BigEndian.PutUint16(dst[12:14], uint16(h.Type))
	return EthernetLen
}
