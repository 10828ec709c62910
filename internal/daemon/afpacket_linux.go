//go:build linux

package daemon

import (
	"fmt"

	"golang.org/x/net/bpf"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/transport"
	"firestige.xyz/strix/internal/utils"
	"firestige.xyz/strix/pkg/plugin"
)

type afpacketOptions struct {
	Interface string `mapstructure:"interface"`

	// Optional kernel filter, same criteria as the bpffilter plugin.
	EtherType uint16 `mapstructure:"ethertype"`
	Protocol  uint8  `mapstructure:"protocol"`
	Port      uint16 `mapstructure:"port"`
}

func (d *Daemon) newAFPacket(options map[string]any) (transport.Transport, error) {
	var opts afpacketOptions
	if err := plugin.DecodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("afpacket transport options: %w", err)
	}
	if opts.Interface == "" {
		return nil, fmt.Errorf("afpacket transport requires 'interface': %w", core.ErrConfigInvalid)
	}

	var filter []bpf.RawInstruction
	if opts.EtherType != 0 || opts.Protocol != 0 || opts.Port != 0 {
		raw, err := utils.BuildRaw(utils.Criteria{
			EtherType: opts.EtherType,
			Protocol:  opts.Protocol,
			Port:      opts.Port,
		})
		if err != nil {
			return nil, fmt.Errorf("afpacket filter: %w", err)
		}
		filter = raw
	}
	return transport.NewAFPacket(opts.Interface, d.config.Pool.FrameSize, filter)
}
