// Package core defines core types.
package core

// DropReason classifies why the forwarding path discarded a packet. The
// zero value means "not dropped"; every other value doubles as a metrics
// label via String.
type DropReason uint8

const (
	DropNone    DropReason = iota // not dropped
	DropUnknown                   // mask zeroed without a recorded reason

	// Admission and pipeline drops
	DropBadFrame // unparseable L2/L3 header
	DropFilter   // admission filter violation (RFC 1812 or plugin filter)
	DropPlugin   // plugin policy decision

	// Router drops
	DropTTLExpired // TTL reached zero, ICMP time-exceeded sent
	DropNoRoute    // destination has no deliverable route
	DropProhibited // pipeline zeroed the mask for a routed packet
	DropLinkDown   // route egress link administratively down
	DropDeferFull  // deferred-forwarding queue at capacity
	DropDeferAged  // ARP retries exhausted, ICMP unreachable sent

	// Delivery drops
	DropNoBuffer       // admission failed, packet pool exhausted
	DropQueueFull      // port egress queue overflow
	DropHeaderMismatch // rewritten header length differs from original
)

var dropReasonNames = map[DropReason]string{
	DropNone:           "none",
	DropUnknown:        "unknown",
	DropBadFrame:       "bad_frame",
	DropFilter:         "filter",
	DropPlugin:         "plugin",
	DropTTLExpired:     "ttl_expired",
	DropNoRoute:        "no_route",
	DropProhibited:     "prohibited",
	DropLinkDown:       "link_down",
	DropDeferFull:      "defer_full",
	DropDeferAged:      "defer_aged",
	DropNoBuffer:       "no_buffer",
	DropQueueFull:      "queue_full",
	DropHeaderMismatch: "header_mismatch",
}

func (r DropReason) String() string {
	if s, ok := dropReasonNames[r]; ok {
		return s
	}
	return "unknown"
}
