// Package codec implements protocol field codecs.
package codec

import "firestige.xyz/strix/internal/core"

// ParseHeaders fills m from the frame prefix: the Ethernet header
// always, then the ARP or IPv4 overlay when the EtherType selects one.
// m.HeaderLen is set to the region an in-place rewrite must reproduce
// byte for byte. Other EtherTypes parse successfully with no overlay.
func ParseHeaders(data []byte, m *core.Meta) error {
	eth, n, err := ParseEthernet(data)
	if err != nil {
		return err
	}
	m.Eth = eth
	m.HeaderLen = n

	switch eth.Type {
	case core.TypeARP:
		arp, err := ParseARP(data[n:])
		if err != nil {
			return err
		}
		m.ARP = arp
		m.HeaderLen = n + ARPLen
	case core.TypeIPv4:
		ip, err := ParseIPv4(data[n:])
		if err != nil {
			return err
		}
		m.IP = ip
		m.HeaderLen = n + IPv4FixedLen
	}
	return nil
}

// PutHeaders serializes the rewritable header region of m into dst and
// returns the bytes written. Callers compare the count against the
// parsed HeaderLen before committing an in-place rewrite; a mismatch
// means a plugin resized the header, which the fabric treats as fatal
// for the packet.
func PutHeaders(dst []byte, m *core.Meta) int {
	n := PutEthernet(dst, &m.Eth)
	switch m.Eth.Type {
	case core.TypeARP:
		n += PutARP(dst[n:], &m.ARP)
	case core.TypeIPv4:
		n += PutIPv4(dst[n:], &m.IP)
	}
	return n
}
