// Package core defines the forwarding-path types with zero external dependencies.
package core

import (
	"fmt"
	"math/bits"
	"net/netip"
)

// MAC is a 48-bit IEEE 802 hardware address in wire order.
type MAC [6]byte

// BroadcastMAC is the all-ones L2 broadcast address.
var BroadcastMAC = MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether m is the all-ones broadcast address.
func (m MAC) IsBroadcast() bool {
	return m == BroadcastMAC
}

// IsMulticast reports whether the group bit (I/G) is set.
func (m MAC) IsMulticast() bool {
	return m[0]&0x01 != 0
}

// IsZero reports whether m is the unset all-zero address.
func (m MAC) IsZero() bool {
	return m == MAC{}
}

// EtherType identifies the L3 payload of an Ethernet frame.
type EtherType uint16

const (
	TypeIPv4 EtherType = 0x0800
	TypeARP  EtherType = 0x0806
	TypeVLAN EtherType = 0x8100 // 802.1Q tag shim
)

// VlanTag is the 16-bit tag control information word of a single 802.1Q
// tag. Zero means untagged; the tag is otherwise opaque to the switch and
// only rewritten wholesale by port egress policy.
type VlanTag uint16

// PortIndex identifies one switch port; it is also the port's bit
// position within a PortMask.
type PortIndex uint8

// PortMask is a set of ports, bit i = port i. It doubles as a single-port
// identity when exactly one bit is set.
type PortMask uint32

const (
	MaskNone PortMask = 0
	MaskAll  PortMask = ^PortMask(0)

	// MaxPorts is the mask width; registrations past it are refused.
	MaxPorts = 32
)

// MaskForPort returns the single-bit mask identifying port i.
func MaskForPort(i PortIndex) PortMask {
	return PortMask(1) << i
}

// Contains reports whether port i is a member of the set.
func (m PortMask) Contains(i PortIndex) bool {
	return m&MaskForPort(i) != 0
}

// Count returns the number of ports in the set.
func (m PortMask) Count() int {
	return bits.OnesCount32(uint32(m))
}

// Index returns the lowest port index present in the mask. Only meaningful
// for non-empty masks; identity masks hold exactly one bit.
func (m PortMask) Index() PortIndex {
	return PortIndex(bits.TrailingZeros32(uint32(m)))
}

// MaskAllocator hands out port identity bits from a fixed-width mask and
// tracks the free bits as a complement set.
type MaskAllocator struct {
	free PortMask
}

// NewMaskAllocator returns an allocator with all MaxPorts bits free.
func NewMaskAllocator() *MaskAllocator {
	return &MaskAllocator{free: MaskAll}
}

// Allocate claims and returns the lowest free identity bit. Returns
// ErrMaskExhausted when every bit is taken.
func (a *MaskAllocator) Allocate() (PortMask, error) {
	lsb := a.free & (-a.free) // isolate lowest set bit
	if lsb == 0 {
		return MaskNone, ErrMaskExhausted
	}
	a.free &^= lsb
	return lsb, nil
}

// Release returns an identity bit to the free set.
func (a *MaskAllocator) Release(bit PortMask) {
	a.free |= bit
}

// Free returns the number of identity bits still available.
func (a *MaskAllocator) Free() int {
	return a.free.Count()
}

// EthernetHeader is the parsed L2 header of one frame.
type EthernetHeader struct {
	Dst  MAC
	Src  MAC
	Vlan VlanTag // TCI of one optional 802.1Q tag, 0 = untagged
	Type EtherType
}

// IPv4Header is the fixed 20-byte IPv4 prefix as parsed from the peek
// window. Options beyond the fixed prefix stay in the packet untouched.
type IPv4Header struct {
	IHL      uint8 // header length in 32-bit words, 5-15
	TOS      uint8
	TotalLen uint16
	Ident    uint16
	FlagFrag uint16 // flags (3 bits) + fragment offset
	TTL      uint8
	Protocol uint8 // TCP=6, UDP=17, ICMP=1
	Checksum uint16
	Src      netip.Addr
	Dst      netip.Addr
}

// HeaderLen returns the full header length in bytes, options included.
func (h *IPv4Header) HeaderLen() int {
	return int(h.IHL) * 4
}

// ARPHeader is the IPv4-over-Ethernet ARP body (28 bytes on the wire).
type ARPHeader struct {
	Op  uint16 // 1=request, 2=reply
	SHA MAC
	SPA netip.Addr
	THA MAC
	TPA netip.Addr
}

const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2
)
