// Package codec implements wire codecs for the frame headers the switch
// parses and rewrites.
package codec

import "encoding/binary"

// Checksum computes the RFC 1071 internet checksum over data: the one's
// complement of the one's complement sum of all 16-bit big-endian words,
// an odd trailing byte padded with zero.
func Checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return ^uint16(sum)
}

// ChecksumUpdate folds the replacement of one 16-bit field into an
// existing checksum without revisiting the rest of the packet, per
// RFC 1624 equation 3: HC' = ~(~HC + ~m + m').
func ChecksumUpdate(chk, old, new uint16) uint16 {
	sum := uint32(^chk) + uint32(^old) + uint32(new)
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return ^uint16(sum)
}

// ChecksumUpdate32 applies a 32-bit field replacement as two independent
// 16-bit corrections. One's complement arithmetic sees a 32-bit address
// change as two half-word deltas, never as one 32-bit quantity.
func ChecksumUpdate32(chk uint16, old, new uint32) uint16 {
	chk = ChecksumUpdate(chk, uint16(old>>16), uint16(new>>16))
	return ChecksumUpdate(chk, uint16(old&0xFFFF), uint16(new&0xFFFF))
}

// DecrementTTL decrements the TTL byte of an IPv4 header in place and
// repairs the header checksum incrementally (RFC 1141): the stored value
// grows by 0x0100, folding the end-around carry back in when the high
// byte wraps from 0xFF. The full sum is never recomputed.
func DecrementTTL(hdr []byte) {
	hdr[8]--
	chk := binary.BigEndian.Uint16(hdr[10:12])
	if chk >= 0xFF00 {
		chk += 0x0101
	} else {
		chk += 0x0100
	}
	binary.BigEndian.PutUint16(hdr[10:12], chk)
}
