// Package config handles global configuration loading using viper.
// The YAML file uses `strix:` as its root key; env vars override with a
// STRIX_ prefix (e.g. STRIX_LOG_LEVEL).
package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/pkg/plugin"
)

// Config is the top-level static configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Switch  SwitchConfig  `mapstructure:"switch"`
	Router  RouterConfig  `mapstructure:"router"`
}

// configRoot is the top-level wrapper matching the YAML structure `strix: ...`.
type configRoot struct {
	Strix Config `mapstructure:"strix"`
}

// ─── Logging ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations; stdout
// is always included.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// PoolConfig sizes the shared packet pool.
type PoolConfig struct {
	Count     int `mapstructure:"count"`
	FrameSize int `mapstructure:"frame_size"`
}

// ─── Switch ───

// SwitchConfig describes the fabric: its ports, switch-wide plugin
// chain, promiscuous set and debug watch-points.
type SwitchConfig struct {
	Ports          []PortConfig      `mapstructure:"ports"`
	Plugins        []PluginConfig    `mapstructure:"plugins"`
	Promiscuous    []string          `mapstructure:"promiscuous"`
	StatsEtherType uint16            `mapstructure:"stats_ethertype"` // 0 = count everything
	WatchPoints    WatchPointsConfig `mapstructure:"watch_points"`
}

// PortConfig describes one switch port.
type PortConfig struct {
	Name      string          `mapstructure:"name"`
	Transport TransportConfig `mapstructure:"transport"`
	Vlan      VlanConfig      `mapstructure:"vlan"`
	QueueLen  int             `mapstructure:"queue_len"`
	Ingress   []PluginConfig  `mapstructure:"ingress"`
	Egress    []PluginConfig  `mapstructure:"egress"`

	// WatchPoint mirrors this port's transmitted frames: a pcap file
	// path, or "console" for summary lines. Empty disables it.
	WatchPoint string `mapstructure:"watch_point"`
}

// TransportConfig selects a port's physical attachment. Options are
// decoded by the transport itself at assembly time.
type TransportConfig struct {
	Type    string         `mapstructure:"type"` // afpacket / udp / mem
	Options map[string]any `mapstructure:"options"`
}

// VlanConfig is a port's egress VLAN policy.
type VlanConfig struct {
	Mode string `mapstructure:"mode"` // keep / strip / force
	Tag  uint16 `mapstructure:"tag"`
}

// PluginConfig names a registered plugin and carries its raw options
// block, decoded by the plugin's Init.
type PluginConfig struct {
	Name    string         `mapstructure:"name"`
	Options map[string]any `mapstructure:"options"`
}

// WatchPointsConfig holds the fabric-level debug mirrors, same syntax
// as a port watch-point.
type WatchPointsConfig struct {
	Ingress  string `mapstructure:"ingress"`
	Pipeline string `mapstructure:"pipeline"`
}

// ─── Router ───

// RouterConfig enables gateway forwarding on top of the switch.
type RouterConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	MAC          string      `mapstructure:"mac"`
	IP           string      `mapstructure:"ip"`
	InternalPort string      `mapstructure:"internal_port"`
	Routes       string      `mapstructure:"routes"` // routes file path
	Defer        DeferConfig `mapstructure:"defer"`

	// Parsed by Validate.
	MACAddr core.MAC   `mapstructure:"-"`
	IPAddr  netip.Addr `mapstructure:"-"`
}

// DeferConfig bounds the ARP-pending forwarding queue.
type DeferConfig struct {
	Capacity   int    `mapstructure:"capacity"`
	RetryLimit int    `mapstructure:"retry_limit"`
	Tick       string `mapstructure:"tick"` // duration, e.g. "500ms"

	// Parsed by Validate.
	TickDuration time.Duration `mapstructure:"-"`
}

// ─── Loading ───

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Env overrides: key "strix.log.level" maps to STRIX_LOG_LEVEL.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Strix

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values. All keys use the "strix." prefix to
// match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("strix.log.level", "info")
	v.SetDefault("strix.log.format", "json")
	v.SetDefault("strix.log.outputs.file.enabled", false)
	v.SetDefault("strix.log.outputs.file.path", "/var/log/strix/strix.log")
	v.SetDefault("strix.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("strix.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("strix.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("strix.log.outputs.file.rotation.compress", true)

	v.SetDefault("strix.metrics.enabled", false)
	v.SetDefault("strix.metrics.listen", ":9090")
	v.SetDefault("strix.metrics.path", "/metrics")

	v.SetDefault("strix.pool.count", 512)
	v.SetDefault("strix.pool.frame_size", 2048)

	v.SetDefault("strix.router.defer.capacity", 64)
	v.SetDefault("strix.router.defer.retry_limit", 3)
	v.SetDefault("strix.router.defer.tick", "500ms")
}

// ─── Validation ───

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validTransports = map[string]bool{"afpacket": true, "udp": true, "mem": true}

var validVlanModes = map[string]bool{"": true, "keep": true, "strip": true, "force": true}

// Validate applies defaults that depend on other fields and rejects
// inconsistent configurations.
func (cfg *Config) Validate() error {
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("log level %q (must be debug/info/warn/error): %w", cfg.Log.Level, core.ErrConfigInvalid)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("log format %q (must be json/text): %w", cfg.Log.Format, core.ErrConfigInvalid)
	}
	if cfg.Pool.Count <= 0 || cfg.Pool.FrameSize <= 0 {
		return fmt.Errorf("pool count and frame_size must be positive: %w", core.ErrConfigInvalid)
	}

	if len(cfg.Switch.Ports) == 0 {
		return fmt.Errorf("at least one switch port required: %w", core.ErrConfigInvalid)
	}
	names := make(map[string]bool, len(cfg.Switch.Ports))
	for i := range cfg.Switch.Ports {
		p := &cfg.Switch.Ports[i]
		if p.Name == "" {
			return fmt.Errorf("port %d: name required: %w", i, core.ErrConfigInvalid)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate port name %q: %w", p.Name, core.ErrConfigInvalid)
		}
		names[p.Name] = true
		if !validTransports[p.Transport.Type] {
			return fmt.Errorf("port %q: transport type %q (must be afpacket/udp/mem): %w",
				p.Name, p.Transport.Type, core.ErrConfigInvalid)
		}
		if !validVlanModes[p.Vlan.Mode] {
			return fmt.Errorf("port %q: vlan mode %q (must be keep/strip/force): %w",
				p.Name, p.Vlan.Mode, core.ErrConfigInvalid)
		}
		for _, pl := range p.Ingress {
			if _, err := plugin.GetIngressFactory(pl.Name); err != nil {
				return fmt.Errorf("port %q: %w: %w", p.Name, err, core.ErrConfigInvalid)
			}
		}
		for _, pl := range p.Egress {
			if _, err := plugin.GetEgressFactory(pl.Name); err != nil {
				return fmt.Errorf("port %q: %w: %w", p.Name, err, core.ErrConfigInvalid)
			}
		}
	}
	for _, pl := range cfg.Switch.Plugins {
		if _, err := plugin.GetSwitchFactory(pl.Name); err != nil {
			return fmt.Errorf("switch plugins: %w: %w", err, core.ErrConfigInvalid)
		}
	}
	for _, name := range cfg.Switch.Promiscuous {
		if !names[name] {
			return fmt.Errorf("promiscuous port %q not configured: %w", name, core.ErrConfigInvalid)
		}
	}

	if !cfg.Router.Enabled {
		return nil
	}
	r := &cfg.Router
	if r.InternalPort == "" {
		return fmt.Errorf("router enabled without internal_port: %w", core.ErrConfigInvalid)
	}
	if !names[r.InternalPort] {
		return fmt.Errorf("router internal_port %q not configured: %w", r.InternalPort, core.ErrConfigInvalid)
	}
	hw, err := net.ParseMAC(r.MAC)
	if err != nil || len(hw) != 6 {
		return fmt.Errorf("router mac %q: %w", r.MAC, core.ErrConfigInvalid)
	}
	copy(r.MACAddr[:], hw)
	ip, err := netip.ParseAddr(r.IP)
	if err != nil || !ip.Is4() {
		return fmt.Errorf("router ip %q: %w", r.IP, core.ErrConfigInvalid)
	}
	r.IPAddr = ip
	if r.Routes == "" {
		return fmt.Errorf("router enabled without a routes file: %w", core.ErrConfigInvalid)
	}
	if r.Defer.Capacity <= 0 || r.Defer.RetryLimit <= 0 {
		return fmt.Errorf("router defer capacity and retry_limit must be positive: %w", core.ErrConfigInvalid)
	}
	tick, err := time.ParseDuration(r.Defer.Tick)
	if err != nil || tick <= 0 {
		return fmt.Errorf("router defer tick %q: %w", r.Defer.Tick, core.ErrConfigInvalid)
	}
	r.Defer.TickDuration = tick
	return nil
}
