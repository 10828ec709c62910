// Package bpffilter implements an ingress admission filter backed by a
// classic-BPF program. Frames the program rejects are dropped before the
// switch pipeline sees them.
package bpffilter

import (
	"fmt"

	"golang.org/x/net/bpf"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/pool"
	"firestige.xyz/strix/internal/utils"
	"firestige.xyz/strix/pkg/plugin"
)

// Options selects the frames the filter passes; everything else is
// dropped. Fields mirror utils.Criteria and zero fields are not tested.
type Options struct {
	EtherType uint16 `mapstructure:"ethertype"`
	Protocol  uint8  `mapstructure:"protocol"`
	Port      uint16 `mapstructure:"port"`
}

// Filter runs one compiled program per ingress packet.
type Filter struct {
	name string
	vm   *bpf.VM
}

// New creates an unconfigured filter.
func New() plugin.IngressPlugin {
	return &Filter{name: "bpffilter"}
}

// Name returns the plugin name.
func (f *Filter) Name() string {
	return f.name
}

// Init compiles the match program from the options.
func (f *Filter) Init(opts map[string]any) error {
	var o Options
	if err := plugin.DecodeOptions(opts, &o); err != nil {
		return err
	}
	prog, err := utils.Build(utils.Criteria{
		EtherType: o.EtherType,
		Protocol:  o.Protocol,
		Port:      o.Port,
	})
	if err != nil {
		return fmt.Errorf("bpffilter: %w", err)
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return fmt.Errorf("bpffilter vm: %w", err)
	}
	f.vm = vm
	return nil
}

// Ingress evaluates the program over the raw frame. A zero verdict, or a
// frame the program cannot evaluate, is dropped.
func (f *Filter) Ingress(meta *core.Meta, pkt *pool.Packet) {
	n, err := f.vm.Run(pkt.Bytes())
	if err != nil || n == 0 {
		meta.Drop(core.DropFilter)
	}
}
