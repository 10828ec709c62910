// Package ratelimit implements a token-bucket ingress rate limiter.
// Each configured instance rides on one port, so the budget is per port.
package ratelimit

import (
	"fmt"
	"time"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/pool"
	"firestige.xyz/strix/pkg/plugin"
)

// Defaults applied when an options field is omitted.
const (
	defaultRate  = 10000 // packets per second
	defaultBurst = 256   // bucket depth in packets
)

// Options configures one limiter instance.
type Options struct {
	Rate  float64 `mapstructure:"rate"`  // sustained packets per second
	Burst int     `mapstructure:"burst"` // bucket depth in packets
}

// Limiter drops ingress packets that exceed the configured rate. The
// bucket refills continuously from the wall clock; a full bucket absorbs
// a burst before the sustained rate takes over. State is confined to the
// owning loop, so no locking is needed.
type Limiter struct {
	name     string
	rate     float64
	burst    float64
	tokens   float64
	last     time.Time
	rejected uint64
}

// New creates an unconfigured limiter.
func New() plugin.IngressPlugin {
	return &Limiter{name: "ratelimit"}
}

// Name returns the plugin name.
func (l *Limiter) Name() string {
	return l.name
}

// Init applies the options and fills the bucket.
func (l *Limiter) Init(opts map[string]any) error {
	var o Options
	if err := plugin.DecodeOptions(opts, &o); err != nil {
		return err
	}
	if o.Rate < 0 || o.Burst < 0 {
		return fmt.Errorf("ratelimit: rate and burst must be positive: %w", core.ErrConfigInvalid)
	}
	if o.Rate == 0 {
		o.Rate = defaultRate
	}
	if o.Burst == 0 {
		o.Burst = defaultBurst
	}
	l.rate = o.Rate
	l.burst = float64(o.Burst)
	l.tokens = l.burst
	return nil
}

// Ingress drops the packet when the bucket is empty.
func (l *Limiter) Ingress(meta *core.Meta, pkt *pool.Packet) {
	if !l.allow(time.Now()) {
		meta.Drop(core.DropPlugin)
	}
}

// allow takes one token, first crediting the bucket for the time elapsed
// since the previous packet.
func (l *Limiter) allow(now time.Time) bool {
	if !l.last.IsZero() {
		l.tokens += now.Sub(l.last).Seconds() * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
	}
	l.last = now
	if l.tokens < 1 {
		l.rejected++
		return false
	}
	l.tokens--
	return true
}

// Rejected reports how many packets the limiter has dropped so far.
func (l *Limiter) Rejected() uint64 {
	return l.rejected
}
