package daemon

import (
	"fmt"
	"log/slog"

	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/fabric"
	"firestige.xyz/strix/internal/pool"
	"firestige.xyz/strix/internal/router"
	"firestige.xyz/strix/internal/sched"
	"firestige.xyz/strix/internal/sink/console"
	"firestige.xyz/strix/internal/sink/pcap"
	"firestige.xyz/strix/internal/transport"
	"firestige.xyz/strix/pkg/plugin"
)

const defaultMemBudget = 64 * 1024

// assemble builds the forwarding graph bottom-up: scheduler loop and
// packet pool, then the fabric with its watch-points, then every
// configured port with its transport and plugin chains, and finally the
// router policy when enabled.
func (d *Daemon) assemble() error {
	cfg := d.config
	d.loop = sched.NewLoop()
	d.pool = pool.New(cfg.Pool.Count, cfg.Pool.FrameSize)

	ingressMirror, err := d.newSink(cfg.Switch.WatchPoints.Ingress, "ingress")
	if err != nil {
		return err
	}
	pipelineMirror, err := d.newSink(cfg.Switch.WatchPoints.Pipeline, "pipeline")
	if err != nil {
		return err
	}

	d.fab = fabric.New(fabric.Config{
		Loop:           d.loop,
		Pool:           d.pool,
		StatsEtherType: core.EtherType(cfg.Switch.StatsEtherType),
		IngressMirror:  ingressMirror,
		PipelineMirror: pipelineMirror,
	})

	promisc := make(map[string]bool, len(cfg.Switch.Promiscuous))
	for _, name := range cfg.Switch.Promiscuous {
		promisc[name] = true
	}

	portIdx := make(map[string]core.PortIndex, len(cfg.Switch.Ports))
	for i := range cfg.Switch.Ports {
		pc := &cfg.Switch.Ports[i]

		tr, err := d.newTransport(pc.Transport)
		if err != nil {
			return fmt.Errorf("port %q: %w", pc.Name, err)
		}
		ingress, err := buildIngress(pc.Ingress)
		if err != nil {
			return fmt.Errorf("port %q: %w", pc.Name, err)
		}
		egress, err := buildEgress(pc.Egress)
		if err != nil {
			return fmt.Errorf("port %q: %w", pc.Name, err)
		}
		mirror, err := d.newSink(pc.WatchPoint, pc.Name)
		if err != nil {
			return fmt.Errorf("port %q: %w", pc.Name, err)
		}

		port, err := d.fab.AddPort(fabric.PortConfig{
			Name:         pc.Name,
			Transport:    tr,
			Vlan:         vlanPolicy(pc.Vlan),
			QueueLen:     pc.QueueLen,
			Ingress:      ingress,
			Egress:       egress,
			Promiscuous:  promisc[pc.Name],
			EgressMirror: mirror,
		})
		if err != nil {
			return err
		}
		portIdx[pc.Name] = port.Index()
	}

	for _, pl := range cfg.Switch.Plugins {
		factory, err := plugin.GetSwitchFactory(pl.Name)
		if err != nil {
			return err
		}
		p := factory()
		if err := p.Init(pl.Options); err != nil {
			return fmt.Errorf("plugin %q: %w", pl.Name, err)
		}
		d.fab.AddPlugin(p)
	}

	if !cfg.Router.Enabled {
		return nil
	}

	table, err := router.LoadTable(cfg.Router.Routes, portIdx)
	if err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	arp := router.NewARP(router.ARPConfig{
		Fabric: d.fab,
		Table:  table,
		Pool:   d.pool,
		MAC:    cfg.Router.MACAddr,
		IP:     cfg.Router.IPAddr,
	})
	deferq := router.NewDeferFwd(router.DeferConfig{
		Fabric:     d.fab,
		ARP:        arp,
		Pool:       d.pool,
		MAC:        cfg.Router.MACAddr,
		IP:         cfg.Router.IPAddr,
		Capacity:   cfg.Router.Defer.Capacity,
		RetryLimit: cfg.Router.Defer.RetryLimit,
		Tick:       cfg.Router.Defer.TickDuration,
	})
	arp.Subscribe(deferq)
	table.OnGatewayChange(deferq)

	d.fab.SetPolicy(router.NewDispatch(router.Config{
		Fabric:       d.fab,
		Table:        table,
		ARP:          arp,
		Defer:        deferq,
		Pool:         d.pool,
		MAC:          cfg.Router.MACAddr,
		IP:           cfg.Router.IPAddr,
		InternalPort: portIdx[cfg.Router.InternalPort],
	}))
	deferq.Start(d.loop)

	d.table = table
	d.deferq = deferq
	slog.Info("router enabled",
		"ip", cfg.Router.IPAddr,
		"internal_port", cfg.Router.InternalPort,
		"routes", len(table.Routes()))
	return nil
}

type memOptions struct {
	Budget int `mapstructure:"budget"`
}

type udpOptions struct {
	Listen string `mapstructure:"listen"`
	Remote string `mapstructure:"remote"`
}

func (d *Daemon) newTransport(tc config.TransportConfig) (transport.Transport, error) {
	switch tc.Type {
	case "mem":
		var opts memOptions
		if err := plugin.DecodeOptions(tc.Options, &opts); err != nil {
			return nil, fmt.Errorf("mem transport options: %w", err)
		}
		if opts.Budget <= 0 {
			opts.Budget = defaultMemBudget
		}
		return transport.NewMem(opts.Budget), nil

	case "udp":
		var opts udpOptions
		if err := plugin.DecodeOptions(tc.Options, &opts); err != nil {
			return nil, fmt.Errorf("udp transport options: %w", err)
		}
		if opts.Listen == "" {
			return nil, fmt.Errorf("udp transport requires 'listen': %w", core.ErrConfigInvalid)
		}
		return transport.NewUDP(opts.Listen, opts.Remote, d.config.Pool.FrameSize)

	case "afpacket":
		return d.newAFPacket(tc.Options)

	default:
		return nil, fmt.Errorf("transport type %q: %w", tc.Type, core.ErrConfigInvalid)
	}
}

// newSink opens one watch-point: "console" for summary lines on stdout,
// anything else as a pcap file path. Empty spec means no mirror.
func (d *Daemon) newSink(spec, tag string) (fabric.Mirror, error) {
	switch spec {
	case "":
		return nil, nil
	case "console":
		s := console.NewSink(tag)
		d.sinks = append(d.sinks, s)
		return s, nil
	default:
		w, err := pcap.NewWriter(spec)
		if err != nil {
			return nil, err
		}
		d.sinks = append(d.sinks, w)
		return w, nil
	}
}

func (d *Daemon) closeSinks() {
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			slog.Error("error closing watch-point", "error", err)
		}
	}
	d.sinks = nil
}

func buildIngress(cfgs []config.PluginConfig) ([]plugin.IngressPlugin, error) {
	out := make([]plugin.IngressPlugin, 0, len(cfgs))
	for _, pc := range cfgs {
		factory, err := plugin.GetIngressFactory(pc.Name)
		if err != nil {
			return nil, err
		}
		p := factory()
		if err := p.Init(pc.Options); err != nil {
			return nil, fmt.Errorf("plugin %q: %w", pc.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func buildEgress(cfgs []config.PluginConfig) ([]plugin.EgressPlugin, error) {
	out := make([]plugin.EgressPlugin, 0, len(cfgs))
	for _, pc := range cfgs {
		factory, err := plugin.GetEgressFactory(pc.Name)
		if err != nil {
			return nil, err
		}
		p := factory()
		if err := p.Init(pc.Options); err != nil {
			return nil, fmt.Errorf("plugin %q: %w", pc.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func vlanPolicy(vc config.VlanConfig) fabric.VlanPolicy {
	p := fabric.VlanPolicy{Tag: core.VlanTag(vc.Tag)}
	switch vc.Mode {
	case "strip":
		p.Mode = fabric.VlanStrip
	case "force":
		p.Mode = fabric.VlanForce
	default:
		p.Mode = fabric.VlanKeep
	}
	return p
}
