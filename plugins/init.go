// Package plugins registers all built-in plugins.
package plugins

import (
	"firestige.xyz/strix/pkg/plugin"
	"firestige.xyz/strix/plugins/bpffilter"
	"firestige.xyz/strix/plugins/nat"
	"firestige.xyz/strix/plugins/ratelimit"
)

func init() {
	// Register ingress plugins
	plugin.RegisterIngress("nat", nat.NewIngress)
	plugin.RegisterIngress("bpffilter", bpffilter.New)
	plugin.RegisterIngress("ratelimit", ratelimit.New)

	// Register egress plugins
	plugin.RegisterEgress("nat", nat.NewEgress)
}
