// Package core defines the forwarding-path types.
package core

// Meta is the ephemeral per-packet view threaded through the plugin
// pipeline. It is built fresh at pipeline entry, mutated in place by each
// plugin in registration order, and never outlives one delivery.
type Meta struct {
	Eth EthernetHeader
	IP  IPv4Header // valid only when Eth.Type == TypeIPv4
	ARP ARPHeader  // valid only when Eth.Type == TypeARP

	SrcPort  PortIndex
	DstMask  PortMask
	Diverted bool
	Reason   DropReason

	// HeaderLen is the byte length of the parsed header region.
	// In-place rewrites must reproduce exactly this many bytes.
	HeaderLen int
}

// IsIP reports whether the IPv4 overlay is valid.
func (m *Meta) IsIP() bool {
	return m.Eth.Type == TypeIPv4
}

// IsARP reports whether the ARP overlay is valid.
func (m *Meta) IsARP() bool {
	return m.Eth.Type == TypeARP
}

// Dropped reports whether the destination set has been emptied.
func (m *Meta) Dropped() bool {
	return m.DstMask == MaskNone
}

// Drop empties the destination set and records the first reason given.
// Later calls keep the original reason so diagnostics name the stage that
// actually killed the packet.
func (m *Meta) Drop(r DropReason) {
	m.DstMask = MaskNone
	if m.Reason == DropNone {
		m.Reason = r
	}
}

// Divert marks the packet as claimed: the pipeline stops and default
// delivery is skipped, but the packet is not counted as dropped.
func (m *Meta) Divert() {
	m.Diverted = true
}

// HeaderView bundles the rewritable header fields for change detection.
// All members are comparable, so a pipeline can snapshot one before the
// plugin chain and decide afterwards whether an in-place rewrite is due.
type HeaderView struct {
	Eth EthernetHeader
	IP  IPv4Header
	ARP ARPHeader
}

// Header returns the current rewritable header fields.
func (m *Meta) Header() HeaderView {
	return HeaderView{Eth: m.Eth, IP: m.IP, ARP: m.ARP}
}
