package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/strix/internal/core"
)

func newLimiter(t *testing.T, opts map[string]any) *Limiter {
	t.Helper()
	l := New().(*Limiter)
	require.NoError(t, l.Init(opts))
	return l
}

func TestLimiterBurstThenThrottle(t *testing.T) {
	l := newLimiter(t, map[string]any{"rate": 10, "burst": 3})
	base := time.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, l.allow(base), "burst packet %d", i)
	}
	assert.False(t, l.allow(base))

	// 100ms at 10 pps buys exactly one more token.
	later := base.Add(100 * time.Millisecond)
	assert.True(t, l.allow(later))
	assert.False(t, l.allow(later))

	assert.Equal(t, uint64(2), l.Rejected())
}

func TestLimiterIdleCapsAtBurst(t *testing.T) {
	l := newLimiter(t, map[string]any{"rate": 10, "burst": 3})
	base := time.Now()
	require.True(t, l.allow(base))

	// A long idle period refills to the burst depth, never beyond.
	later := base.Add(time.Minute)
	for i := 0; i < 3; i++ {
		assert.True(t, l.allow(later), "refilled packet %d", i)
	}
	assert.False(t, l.allow(later))
}

func TestLimiterDefaults(t *testing.T) {
	l := newLimiter(t, nil)
	assert.Equal(t, float64(defaultRate), l.rate)
	assert.Equal(t, float64(defaultBurst), l.burst)
	assert.Equal(t, "ratelimit", l.Name())
}

func TestLimiterIngressDropsOverBudget(t *testing.T) {
	l := newLimiter(t, map[string]any{"rate": 0.001, "burst": 1})

	m := &core.Meta{DstMask: core.MaskAll}
	l.Ingress(m, nil)
	require.False(t, m.Dropped())

	l.Ingress(m, nil)
	assert.True(t, m.Dropped())
	assert.Equal(t, core.DropPlugin, m.Reason)
}

func TestLimiterRejectsBadOptions(t *testing.T) {
	l := New().(*Limiter)
	assert.ErrorIs(t, l.Init(map[string]any{"rate": -5}), core.ErrConfigInvalid)
	assert.Error(t, l.Init(map[string]any{"pps": 100}))
}
