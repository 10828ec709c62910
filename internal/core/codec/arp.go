// Package codec implements protocol field codecs.
package codec

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/strix/internal/core"
)

const (
	arpHTypeEthernet = 1
	arpHLenEthernet  = 6
	arpPLenIPv4      = 4
)

// ParseARP decodes an IPv4-over-Ethernet ARP body. Any other
// hardware/protocol combination is rejected as unsupported.
func ParseARP(data []byte) (core.ARPHeader, error) {
	if len(data) < ARPLen {
		return core.ARPHeader{}, core.ErrPacketTooShort
	}

	htype := binary.BigEndian.Uint16(data[0:2])
	ptype := core.EtherType(binary.BigEndian.Uint16(data[2:4]))
	if htype != arpHTypeEthernet || ptype != core.TypeIPv4 ||
		data[4] != arpHLenEthernet || data[5] != arpPLenIPv4 {
		return core.ARPHeader{}, core.ErrUnsupportedProto
	}

	var arp core.ARPHeader
	arp.Op = binary.BigEndian.Uint16(data[6:8])
	copy(arp.SHA[:], data[8:14])
	arp.SPA = netip.AddrFrom4([4]byte(data[14:18]))
	copy(arp.THA[:], data[18:24])
	arp.TPA = netip.AddrFrom4([4]byte(data[24:28]))
	return arp, nil
}

// PutARP serializes h into dst (ARPLen bytes) and returns ARPLen.
func PutARP(dst []byte, h *core.ARPHeader) int {
	binary.BigEndian.PutUint16(dst[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(dst[2:4], uint16(core.TypeIPv4))
	dst[4] = arpHLenEthernet
	dst[5] = arpPLenIPv4
	binary.BigEndian.PutUint16(dst[6:8], h.Op)
	copy(dst[8:14], h.SHA[:])
	spa := h.SPA.As4()
	copy(dst[14:18], spa[:])
	copy(dst[18:24], h.THA[:])
	tpa := h.TPA.As4()
	copy(dst[24:28], tpa[:])
	return ARPLen
}
