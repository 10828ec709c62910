package codec

import (
	"bytes"
	"net/netip"
	"testing"

	"firestige.xyz/strix/internal/core"
)

func buildOffendingFrame(t *testing.T) ([]byte, core.Meta) {
	t.Helper()

	frame := append([]byte{
		0x02, 0x00, 0x00, 0x00, 0x00, 0x01, // Dst: router MAC
		0x02, 0x00, 0x00, 0x00, 0x00, 0x99, // Src: sender MAC
		0x08, 0x00,
	}, refIPv4...)
	// 12 payload bytes; only the first 8 get echoed.
	frame = append(frame, []byte{
		0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17,
		0x18, 0x19, 0x1A, 0x1B,
	}...)

	var m core.Meta
	if err := ParseHeaders(frame, &m); err != nil {
		t.Fatalf("ParseHeaders failed: %v", err)
	}
	return frame, m
}

func TestBuildICMPTimeExceeded(t *testing.T) {
	frame, m := buildOffendingFrame(t)
	routerMAC := core.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	routerIP := netip.MustParseAddr("192.168.0.254")

	buf := make([]byte, 256)
	n, err := BuildICMPError(buf, &m, frame, ICMPSpec{
		Type: ICMPTypeTimeExceeded,
		Code: ICMPCodeTTLInTransit,
	}, routerMAC, routerIP)
	if err != nil {
		t.Fatalf("BuildICMPError failed: %v", err)
	}

	// Addressed back to the offender at L2 and L3.
	var reply core.Meta
	if err := ParseHeaders(buf[:n], &reply); err != nil {
		t.Fatalf("reply does not parse: %v", err)
	}
	if reply.Eth.Dst != m.Eth.Src {
		t.Errorf("reply L2 dst %v, want %v", reply.Eth.Dst, m.Eth.Src)
	}
	if reply.Eth.Src != routerMAC {
		t.Errorf("reply L2 src %v, want router", reply.Eth.Src)
	}
	if reply.IP.Dst != m.IP.Src {
		t.Errorf("reply L3 dst %v, want %v", reply.IP.Dst, m.IP.Src)
	}
	if reply.IP.Src != routerIP {
		t.Errorf("reply L3 src %v, want router", reply.IP.Src)
	}
	if reply.IP.Protocol != ProtoICMP {
		t.Errorf("reply protocol %d, want ICMP", reply.IP.Protocol)
	}

	// Both checksums must validate.
	ipRegion := buf[EthernetLen : EthernetLen+IPv4FixedLen]
	if Checksum(ipRegion) != 0 {
		t.Error("IP checksum invalid")
	}
	icmpRegion := buf[EthernetLen+IPv4FixedLen : n]
	if Checksum(icmpRegion) != 0 {
		t.Error("ICMP checksum invalid")
	}

	if icmpRegion[0] != ICMPTypeTimeExceeded || icmpRegion[1] != ICMPCodeTTLInTransit {
		t.Errorf("type/code mismatch: %d/%d", icmpRegion[0], icmpRegion[1])
	}

	// Echo: offending IP header plus exactly eight payload bytes.
	wantEcho := append(append([]byte{}, refIPv4...),
		0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17)
	if !bytes.Equal(icmpRegion[8:], wantEcho) {
		t.Errorf("echo mismatch:\n got %x\nwant %x", icmpRegion[8:], wantEcho)
	}

	// Total length field agrees with what was built.
	if int(reply.IP.TotalLen) != n-EthernetLen {
		t.Errorf("total length %d, frame carries %d", reply.IP.TotalLen, n-EthernetLen)
	}
}

func TestBuildICMPRedirectCarriesGateway(t *testing.T) {
	frame, m := buildOffendingFrame(t)
	gw := netip.MustParseAddr("192.168.0.253")

	buf := make([]byte, 256)
	n, err := BuildICMPError(buf, &m, frame, ICMPSpec{
		Type:    ICMPTypeRedirect,
		Code:    ICMPCodeRedirectHost,
		Gateway: gw,
	}, core.MAC{0x02, 0, 0, 0, 0, 1}, netip.MustParseAddr("192.168.0.254"))
	if err != nil {
		t.Fatalf("BuildICMPError failed: %v", err)
	}

	icmpRegion := buf[EthernetLen+IPv4FixedLen : n]
	wantGW := gw.As4()
	if !bytes.Equal(icmpRegion[4:8], wantGW[:]) {
		t.Errorf("gateway field %x, want %x", icmpRegion[4:8], wantGW)
	}
	if Checksum(icmpRegion) != 0 {
		t.Error("ICMP checksum invalid")
	}
}

func TestBuildICMPShortPayload(t *testing.T) {
	// Offender with no payload past the IP header: echo is header-only.
	frame := append([]byte{
		0x02, 0x00, 0x00, 0x00, 0x00, 0x01,
		0x02, 0x00, 0x00, 0x00, 0x00, 0x99,
		0x08, 0x00,
	}, refIPv4...)

	var m core.Meta
	if err := ParseHeaders(frame, &m); err != nil {
		t.Fatalf("ParseHeaders failed: %v", err)
	}

	buf := make([]byte, 256)
	n, err := BuildICMPError(buf, &m, frame, ICMPSpec{
		Type: ICMPTypeDestUnreachable,
		Code: ICMPCodeNetUnreachable,
	}, core.MAC{0x02, 0, 0, 0, 0, 1}, netip.MustParseAddr("192.168.0.254"))
	if err != nil {
		t.Fatalf("BuildICMPError failed: %v", err)
	}

	wantLen := EthernetLen + IPv4FixedLen + 8 + len(refIPv4)
	if n != wantLen {
		t.Errorf("frame length %d, want %d", n, wantLen)
	}
}

func TestBuildICMPRejectsNonIP(t *testing.T) {
	var m core.Meta
	m.Eth.Type = core.TypeARP

	buf := make([]byte, 256)
	_, err := BuildICMPError(buf, &m, make([]byte, 64), ICMPSpec{}, core.MAC{}, netip.Addr{})
	if err != core.ErrUnsupportedProto {
		t.Errorf("Expected ErrUnsupportedProto, got %v", err)
	}
}
