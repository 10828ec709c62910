// Package utils holds small helpers shared across packages, currently
// classic-BPF match program construction for Ethernet frames.
package utils

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// Byte offsets of the tested fields within an Ethernet frame. Transport
// ports sit past the variable-length IPv4 header and are addressed
// indirectly through the X register.
const (
	offEtherType = 12
	offFragOff   = 20
	offProtocol  = 23
	offIPHeader  = 14
)

const (
	etherTypeIPv4 = 0x0800
	protoTCP      = 6
	protoUDP      = 17
)

// acceptLen is the byte count an accepting program returns, large enough
// to pass any frame through uncut.
const acceptLen = 65535

// Criteria selects the frames a built program accepts. Zero fields are
// not tested. Protocol and Port imply an IPv4 EtherType test; setting
// EtherType to anything else alongside them is rejected. Port matches
// either direction of a TCP or UDP segment and never matches non-initial
// fragments, which carry no transport header.
type Criteria struct {
	EtherType uint16
	Protocol  uint8
	Port      uint16
}

// Build compiles c into a classic-BPF program for Ethernet link frames.
// The program returns acceptLen on match and 0 otherwise, the verdict
// convention shared by the in-process VM and the kernel socket filter.
func Build(c Criteria) ([]bpf.Instruction, error) {
	if c.EtherType == 0 && c.Protocol == 0 && c.Port == 0 {
		return nil, fmt.Errorf("bpf criteria: no match fields set")
	}

	ipNeeded := c.Protocol != 0 || c.Port != 0
	et := uint32(c.EtherType)
	if ipNeeded {
		if et != 0 && et != etherTypeIPv4 {
			return nil, fmt.Errorf("bpf criteria: ethertype %#04x cannot carry protocol or port tests", c.EtherType)
		}
		et = etherTypeIPv4
	}

	var (
		ins      []bpf.Instruction
		toReject []int
		toAccept []int
	)
	fail := func(cond bpf.JumpTest, val uint32) {
		ins = append(ins, bpf.JumpIf{Cond: cond, Val: val})
		toReject = append(toReject, len(ins)-1)
	}

	ins = append(ins, bpf.LoadAbsolute{Off: offEtherType, Size: 2})
	fail(bpf.JumpNotEqual, et)

	if c.Protocol != 0 {
		ins = append(ins, bpf.LoadAbsolute{Off: offProtocol, Size: 1})
		fail(bpf.JumpNotEqual, uint32(c.Protocol))
	}

	if c.Port != 0 {
		if c.Protocol == 0 {
			// Either transport carries ports; anything else cannot match.
			ins = append(ins,
				bpf.LoadAbsolute{Off: offProtocol, Size: 1},
				bpf.JumpIf{Cond: bpf.JumpEqual, Val: protoTCP, SkipTrue: 1})
			fail(bpf.JumpNotEqual, protoUDP)
		}
		ins = append(ins, bpf.LoadAbsolute{Off: offFragOff, Size: 2})
		fail(bpf.JumpBitsSet, 0x1fff)
		ins = append(ins,
			bpf.LoadMemShift{Off: offIPHeader},
			bpf.LoadIndirect{Off: offIPHeader + 0, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(c.Port)})
		toAccept = append(toAccept, len(ins)-1)
		ins = append(ins, bpf.LoadIndirect{Off: offIPHeader + 2, Size: 2})
		fail(bpf.JumpNotEqual, uint32(c.Port))
	}

	accept := len(ins)
	reject := accept + 1
	ins = append(ins,
		bpf.RetConstant{Val: acceptLen},
		bpf.RetConstant{Val: 0})

	for _, i := range toReject {
		j := ins[i].(bpf.JumpIf)
		j.SkipTrue = uint8(reject - i - 1)
		ins[i] = j
	}
	for _, i := range toAccept {
		j := ins[i].(bpf.JumpIf)
		j.SkipTrue = uint8(accept - i - 1)
		ins[i] = j
	}
	return ins, nil
}

// BuildRaw compiles c and assembles the result for attachment as a
// kernel socket filter.
func BuildRaw(c Criteria) ([]bpf.RawInstruction, error) {
	ins, err := Build(c)
	if err != nil {
		return nil, err
	}
	raw, err := bpf.Assemble(ins)
	if err != nil {
		return nil, fmt.Errorf("bpf assemble: %w", err)
	}
	return raw, nil
}
