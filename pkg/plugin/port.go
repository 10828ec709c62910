// Package plugin defines plugin interfaces.
package plugin

import (
	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/pool"
)

// IngressPlugin runs on one port's inbound packets, before the switch-wide
// chain.
type IngressPlugin interface {
	Plugin
	// Ingress inspects one inbound packet. Header mutations go through meta
	// and are committed by the switch core after the pipeline; mutations
	// past the header region use pkt.Overwrite and must preserve length.
	Ingress(meta *core.Meta, pkt *pool.Packet)
}

// EgressPlugin runs in one port's egress state machine, after the VLAN
// egress policy is applied and before the header is written out.
type EgressPlugin interface {
	Plugin
	Egress(meta *core.Meta, pkt *pool.Packet)
}
