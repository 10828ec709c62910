// Package plugin defines plugin interfaces.
package plugin

import "firestige.xyz/strix/internal/core"

// SwitchPlugin sees every admitted packet, after the source port's ingress
// chain and before the destination mask is finalized.
type SwitchPlugin interface {
	Plugin
	// Query inspects one packet. It may narrow meta.DstMask, zero it to
	// drop, or divert the packet; it must not block.
	Query(meta *core.Meta)
}
