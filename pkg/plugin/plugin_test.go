package plugin

import (
	"testing"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/pool"
)

// Mock implementations for testing interface compliance

type mockPlugin struct {
	name       string
	initErr    error
	initCalled bool
	opts       map[string]any
}

func (m *mockPlugin) Name() string {
	return m.name
}

func (m *mockPlugin) Init(opts map[string]any) error {
	m.initCalled = true
	m.opts = opts
	return m.initErr
}

// Test Plugin interface
func TestPluginInterface(t *testing.T) {
	t.Run("BasicLifecycle", func(t *testing.T) {
		mock := &mockPlugin{name: "test-plugin"}

		if mock.Name() != "test-plugin" {
			t.Errorf("expected name 'test-plugin', got %s", mock.Name())
		}

		opts := map[string]any{"key": "value"}
		if err := mock.Init(opts); err != nil {
			t.Errorf("Init failed: %v", err)
		}
		if !mock.initCalled {
			t.Error("Init was not called")
		}
		if mock.opts["key"] != "value" {
			t.Error("Init did not receive options")
		}
	})
}

// Mock switch-wide plugin
type mockSwitch struct {
	mockPlugin
	queries int
	verdict func(meta *core.Meta)
}

func (m *mockSwitch) Query(meta *core.Meta) {
	m.queries++
	if m.verdict != nil {
		m.verdict(meta)
	}
}

func TestSwitchPluginInterface(t *testing.T) {
	t.Run("QueryDrops", func(t *testing.T) {
		mock := &mockSwitch{
			mockPlugin: mockPlugin{name: "mock-switch"},
			verdict:    func(meta *core.Meta) { meta.Drop(core.DropFilter) },
		}

		// Test interface compliance
		var _ SwitchPlugin = mock

		meta := core.Meta{DstMask: core.MaskAll}
		mock.Query(&meta)
		if m := mock.queries; m != 1 {
			t.Errorf("expected 1 query, got %d", m)
		}
		if !meta.Dropped() {
			t.Error("expected Query to drop the packet")
		}
		if meta.Reason != core.DropFilter {
			t.Errorf("expected DropFilter, got %v", meta.Reason)
		}
	})

	t.Run("QueryPassesThrough", func(t *testing.T) {
		mock := &mockSwitch{mockPlugin: mockPlugin{name: "mock-switch"}}

		meta := core.Meta{DstMask: core.MaskForPort(3)}
		mock.Query(&meta)
		if meta.Dropped() || meta.Diverted {
			t.Error("expected untouched Meta to pass through")
		}
	})
}

// Mock port-scoped plugins
type mockIngress struct {
	mockPlugin
	calls   int
	verdict func(meta *core.Meta, pkt *pool.Packet)
}

func (m *mockIngress) Ingress(meta *core.Meta, pkt *pool.Packet) {
	m.calls++
	if m.verdict != nil {
		m.verdict(meta, pkt)
	}
}

type mockEgress struct {
	mockPlugin
	calls   int
	verdict func(meta *core.Meta, pkt *pool.Packet)
}

func (m *mockEgress) Egress(meta *core.Meta, pkt *pool.Packet) {
	m.calls++
	if m.verdict != nil {
		m.verdict(meta, pkt)
	}
}

func TestPortPluginInterfaces(t *testing.T) {
	p := pool.New(1, 64)

	t.Run("IngressNarrowsMask", func(t *testing.T) {
		mock := &mockIngress{
			mockPlugin: mockPlugin{name: "mock-ingress"},
			verdict: func(meta *core.Meta, pkt *pool.Packet) {
				meta.DstMask &= core.MaskForPort(0)
			},
		}

		// Test interface compliance
		var _ IngressPlugin = mock

		pkt := p.Get()
		if pkt == nil {
			t.Fatal("pool exhausted")
		}
		defer pkt.Release()

		meta := core.Meta{DstMask: core.MaskAll}
		mock.Ingress(&meta, pkt)
		if m := mock.calls; m != 1 {
			t.Errorf("expected 1 call, got %d", m)
		}
		if meta.DstMask != core.MaskForPort(0) {
			t.Errorf("expected mask narrowed to port 0, got %v", meta.DstMask)
		}
	})

	t.Run("EgressDiverts", func(t *testing.T) {
		mock := &mockEgress{
			mockPlugin: mockPlugin{name: "mock-egress"},
			verdict: func(meta *core.Meta, pkt *pool.Packet) {
				meta.Divert()
			},
		}

		// Test interface compliance
		var _ EgressPlugin = mock

		meta := core.Meta{DstMask: core.MaskForPort(1)}
		mock.Egress(&meta, nil)
		if !meta.Diverted {
			t.Error("expected Egress to divert the packet")
		}
		if meta.Dropped() {
			t.Error("diverted packet must not count as dropped")
		}
	})
}

func TestDecodeOptions(t *testing.T) {
	type natOptions struct {
		External string `mapstructure:"external"`
		Internal string `mapstructure:"internal"`
		Prefix   int    `mapstructure:"prefix"`
	}

	t.Run("Decodes", func(t *testing.T) {
		var opts natOptions
		err := DecodeOptions(map[string]any{
			"external": "192.168.1.0",
			"internal": "10.0.0.0",
			"prefix":   24,
		}, &opts)
		if err != nil {
			t.Fatalf("DecodeOptions failed: %v", err)
		}
		if opts.External != "192.168.1.0" || opts.Internal != "10.0.0.0" || opts.Prefix != 24 {
			t.Errorf("unexpected options: %+v", opts)
		}
	})

	t.Run("WeakTyping", func(t *testing.T) {
		// Values arriving from YAML config may be strings.
		var opts natOptions
		err := DecodeOptions(map[string]any{"prefix": "24"}, &opts)
		if err != nil {
			t.Fatalf("DecodeOptions failed: %v", err)
		}
		if opts.Prefix != 24 {
			t.Errorf("expected prefix 24, got %d", opts.Prefix)
		}
	})

	t.Run("RejectsUnknownKeys", func(t *testing.T) {
		var opts natOptions
		err := DecodeOptions(map[string]any{"external": "10.0.0.0", "typo": true}, &opts)
		if err == nil {
			t.Error("expected error for unknown option key")
		}
	})
}
