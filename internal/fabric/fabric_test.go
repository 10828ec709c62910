package fabric

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/core/codec"
	"firestige.xyz/strix/internal/pool"
	"firestige.xyz/strix/internal/sched"
	"firestige.xyz/strix/internal/transport"
	"firestige.xyz/strix/pkg/plugin"
)

// typeTest is an EtherType with no parsed overlay, so test frames need
// nothing past the Ethernet header.
const typeTest = core.EtherType(0x88B5)

var (
	macA = core.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x0A}
	macB = core.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x0B}
)

type testRig struct {
	loop  *sched.Loop
	pool  *pool.Pool
	fab   *Core
	ports []*Port
	mems  []*transport.Mem
}

// newRig builds a fabric with n plain ports on standalone Mem transports.
func newRig(t *testing.T, n, budget int) *testRig {
	t.Helper()
	r := &testRig{
		loop: sched.NewLoop(),
		pool: pool.New(32, 512),
	}
	r.fab = New(Config{Loop: r.loop, Pool: r.pool})
	for i := 0; i < n; i++ {
		r.addPort(t, PortConfig{Name: fmt.Sprintf("port%d", i)}, budget)
	}
	return r
}

func (r *testRig) addPort(t *testing.T, cfg PortConfig, budget int) *Port {
	t.Helper()
	m := transport.NewMem(budget)
	cfg.Transport = m
	p, err := r.fab.AddPort(cfg)
	require.NoError(t, err)
	r.mems = append(r.mems, m)
	r.ports = append(r.ports, p)
	return p
}

// deliver pushes one frame through the fabric as if port src received it.
func (r *testRig) deliver(t *testing.T, src core.PortIndex, frame []byte) int {
	t.Helper()
	pkt := r.pool.Get()
	require.NotNil(t, pkt)
	require.NoError(t, pkt.SetData(frame))
	pkt.SrcPort = src
	n := r.fab.Deliver(pkt)
	pkt.Release()
	return n
}

// drain polls port i until no further finalized frame appears.
func (r *testRig) drain(i int) [][]byte {
	var out [][]byte
	for {
		r.ports[i].Poll()
		frame, ok := r.mems[i].ReadFrame()
		if !ok {
			return out
		}
		out = append(out, frame)
	}
}

func ethFrame(dst, src core.MAC, typ core.EtherType, payload []byte) []byte {
	hdr := core.EthernetHeader{Dst: dst, Src: src, Type: typ}
	buf := make([]byte, codec.EthernetLen+len(payload))
	n := codec.PutEthernet(buf, &hdr)
	copy(buf[n:], payload)
	return buf
}

func taggedFrame(dst, src core.MAC, tag core.VlanTag, typ core.EtherType, payload []byte) []byte {
	hdr := core.EthernetHeader{Dst: dst, Src: src, Vlan: tag, Type: typ}
	buf := make([]byte, codec.EthernetLen+codec.VlanShimLen+len(payload))
	n := codec.PutEthernet(buf, &hdr)
	copy(buf[n:], payload)
	return buf
}

// Plugin stubs shared by the fabric and port tests.

type stubSwitch struct {
	name  string
	calls int
	query func(*core.Meta)
}

func (s *stubSwitch) Name() string {
	return s.name
}

func (s *stubSwitch) Init(map[string]any) error {
	return nil
}

func (s *stubSwitch) Query(m *core.Meta) {
	s.calls++
	if s.query != nil {
		s.query(m)
	}
}

type stubIngress struct {
	name  string
	calls int
	fn    func(*core.Meta, *pool.Packet)
}

func (s *stubIngress) Name() string {
	return s.name
}

func (s *stubIngress) Init(map[string]any) error {
	return nil
}

func (s *stubIngress) Ingress(m *core.Meta, pkt *pool.Packet) {
	s.calls++
	if s.fn != nil {
		s.fn(m, pkt)
	}
}

type stubEgress struct {
	name  string
	calls int
	fn    func(*core.Meta, *pool.Packet)
}

func (s *stubEgress) Name() string {
	return s.name
}

func (s *stubEgress) Init(map[string]any) error {
	return nil
}

func (s *stubEgress) Egress(m *core.Meta, pkt *pool.Packet) {
	s.calls++
	if s.fn != nil {
		s.fn(m, pkt)
	}
}

type stubPolicy struct {
	calls int
	fn    func(*core.Meta, *pool.Packet)
}

func (s *stubPolicy) Dispatch(m *core.Meta, pkt *pool.Packet) {
	s.calls++
	if s.fn != nil {
		s.fn(m, pkt)
	}
}

func TestDeliverFloodsAllButSource(t *testing.T) {
	r := newRig(t, 3, 1024)
	frame := ethFrame(macB, macA, typeTest, []byte("flood me"))

	n := r.deliver(t, 1, frame)
	assert.Equal(t, 2, n)

	assert.Equal(t, [][]byte{frame}, r.drain(0))
	assert.Empty(t, r.drain(1), "source port must not hear its own frame")
	assert.Equal(t, [][]byte{frame}, r.drain(2))
	assert.Equal(t, 0, r.pool.InUse())
}

func TestNoLoopbackEvenWhenPromiscuous(t *testing.T) {
	r := newRig(t, 2, 1024)
	r.fab.SetPromiscuous(0, true)

	n := r.deliver(t, 0, ethFrame(macB, macA, typeTest, nil))
	assert.Equal(t, 1, n)
	assert.Empty(t, r.drain(0))
	assert.Len(t, r.drain(1), 1)
}

func TestPromiscuousHearsNarrowedTraffic(t *testing.T) {
	r := newRig(t, 3, 1024)
	r.fab.SetPromiscuous(0, true)
	r.fab.AddPlugin(&stubSwitch{name: "narrow", query: func(m *core.Meta) {
		m.DstMask = core.MaskForPort(2)
	}})

	n := r.deliver(t, 1, ethFrame(macB, macA, typeTest, nil))
	assert.Equal(t, 2, n, "narrowed target plus the promiscuous port")
	assert.Len(t, r.drain(0), 1)
	assert.Len(t, r.drain(2), 1)
}

func TestPluginDropStopsPipeline(t *testing.T) {
	r := newRig(t, 0, 1024)
	first := &stubIngress{name: "dropper", fn: func(m *core.Meta, _ *pool.Packet) {
		m.Drop(core.DropFilter)
	}}
	second := &stubIngress{name: "after"}
	sw := &stubSwitch{name: "wide"}
	r.addPort(t, PortConfig{Name: "in", Ingress: []plugin.IngressPlugin{first, second}}, 1024)
	r.addPort(t, PortConfig{Name: "out"}, 1024)
	r.fab.AddPlugin(sw)

	n := r.deliver(t, 0, ethFrame(macB, macA, typeTest, nil))
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls, "plugins after a drop must not run")
	assert.Equal(t, 0, sw.calls)
	assert.Equal(t, uint64(1), r.fab.Stats().Dropped)
	assert.Empty(t, r.drain(1))
}

func TestPluginDivertClaimsPacket(t *testing.T) {
	r := newRig(t, 2, 1024)
	r.fab.AddPlugin(&stubSwitch{name: "claim", query: func(m *core.Meta) {
		m.Divert()
	}})

	n := r.deliver(t, 0, ethFrame(macB, macA, typeTest, nil))
	assert.Equal(t, 0, n)
	st := r.fab.Stats()
	assert.Equal(t, uint64(1), st.Diverted)
	assert.Equal(t, uint64(0), st.Dropped, "a diverted packet is not a drop")
	assert.Empty(t, r.drain(1))
	assert.Equal(t, 0, r.pool.InUse())
}

func TestMaskZeroWithoutReasonCountsUnknown(t *testing.T) {
	r := newRig(t, 2, 1024)
	r.fab.AddPlugin(&stubSwitch{name: "silent", query: func(m *core.Meta) {
		m.DstMask = core.MaskNone
	}})

	assert.Equal(t, 0, r.deliver(t, 0, ethFrame(macB, macA, typeTest, nil)))
	assert.Equal(t, uint64(1), r.fab.Stats().Dropped)
}

func TestHeaderRewriteCommitsToFrame(t *testing.T) {
	r := newRig(t, 0, 1024)
	rewritten := core.MAC{0x02, 0xEE, 0xEE, 0xEE, 0xEE, 0x01}
	rewrite := &stubIngress{name: "rewrite", fn: func(m *core.Meta, _ *pool.Packet) {
		m.Eth.Dst = rewritten
	}}
	r.addPort(t, PortConfig{Name: "in", Ingress: []plugin.IngressPlugin{rewrite}}, 1024)
	r.addPort(t, PortConfig{Name: "out"}, 1024)

	payload := []byte("payload stays put")
	n := r.deliver(t, 0, ethFrame(macB, macA, typeTest, payload))
	require.Equal(t, 1, n)

	out := r.drain(1)
	require.Len(t, out, 1)
	eth, hlen, err := codec.ParseEthernet(out[0])
	require.NoError(t, err)
	assert.Equal(t, rewritten, eth.Dst)
	assert.Equal(t, macA, eth.Src)
	assert.Equal(t, payload, out[0][hlen:])
}

func TestHeaderResizeIsFatalForPacket(t *testing.T) {
	r := newRig(t, 0, 1024)
	// Tagging an untagged frame grows the serialized header, which the
	// ingress commit refuses.
	grow := &stubIngress{name: "grow", fn: func(m *core.Meta, _ *pool.Packet) {
		m.Eth.Vlan = 0x0064
	}}
	r.addPort(t, PortConfig{Name: "in", Ingress: []plugin.IngressPlugin{grow}}, 1024)
	r.addPort(t, PortConfig{Name: "out"}, 1024)

	n := r.deliver(t, 0, ethFrame(macB, macA, typeTest, []byte("x")))
	assert.Equal(t, 0, n)
	assert.Equal(t, uint64(1), r.fab.Stats().Dropped)
	assert.Empty(t, r.drain(1))
	assert.Equal(t, 0, r.pool.InUse())
}

func TestMalformedFrameDropped(t *testing.T) {
	r := newRig(t, 2, 1024)
	assert.Equal(t, 0, r.deliver(t, 0, []byte{0x01, 0x02, 0x03}))
	assert.Equal(t, uint64(1), r.fab.Stats().Dropped)
}

func TestPolicyHookShapesDelivery(t *testing.T) {
	t.Run("RestrictsMask", func(t *testing.T) {
		r := newRig(t, 3, 1024)
		pol := &stubPolicy{fn: func(m *core.Meta, _ *pool.Packet) {
			m.DstMask = core.MaskForPort(2)
		}}
		r.fab.SetPolicy(pol)

		n := r.deliver(t, 0, ethFrame(macB, macA, typeTest, nil))
		assert.Equal(t, 1, n)
		assert.Equal(t, 1, pol.calls)
		assert.Empty(t, r.drain(1))
		assert.Len(t, r.drain(2), 1)
	})

	t.Run("SeesPipelineDrops", func(t *testing.T) {
		r := newRig(t, 2, 1024)
		var sawDropped bool
		pol := &stubPolicy{fn: func(m *core.Meta, _ *pool.Packet) {
			sawDropped = m.Dropped()
		}}
		r.fab.SetPolicy(pol)
		r.fab.AddPlugin(&stubSwitch{name: "dropper", query: func(m *core.Meta) {
			m.Drop(core.DropFilter)
		}})

		assert.Equal(t, 0, r.deliver(t, 0, ethFrame(macB, macA, typeTest, nil)))
		assert.Equal(t, 1, pol.calls, "the policy inspects pipeline drops")
		assert.True(t, sawDropped)
		assert.Equal(t, uint64(1), r.fab.Stats().Dropped)
	})

	t.Run("SkippedAfterDivert", func(t *testing.T) {
		r := newRig(t, 2, 1024)
		pol := &stubPolicy{}
		r.fab.SetPolicy(pol)
		r.fab.AddPlugin(&stubSwitch{name: "claim", query: func(m *core.Meta) {
			m.Divert()
		}})

		r.deliver(t, 0, ethFrame(macB, macA, typeTest, nil))
		assert.Equal(t, 0, pol.calls)
	})

	t.Run("MayDivert", func(t *testing.T) {
		r := newRig(t, 2, 1024)
		r.fab.SetPolicy(&stubPolicy{fn: func(m *core.Meta, _ *pool.Packet) {
			m.Divert()
		}})

		assert.Equal(t, 0, r.deliver(t, 0, ethFrame(macB, macA, typeTest, nil)))
		assert.Equal(t, uint64(1), r.fab.Stats().Diverted)
	})
}

func TestInjectSkipsPipelineAndAllowsLoopback(t *testing.T) {
	r := newRig(t, 2, 1024)
	sw := &stubSwitch{name: "wide", query: func(m *core.Meta) {
		m.Drop(core.DropFilter)
	}}
	r.fab.AddPlugin(sw)

	frame := ethFrame(macB, macA, typeTest, []byte("icmp reply"))
	pkt := r.pool.Get()
	require.NotNil(t, pkt)
	require.NoError(t, pkt.SetData(frame))
	pkt.SrcPort = 0

	n := r.fab.Inject(core.MaskForPort(0)|core.MaskForPort(1), pkt)
	pkt.Release()

	assert.Equal(t, 2, n, "inject may loop back to the stamped source")
	assert.Equal(t, 0, sw.calls, "inject bypasses the pipeline")
	assert.Len(t, r.drain(0), 1)
	assert.Len(t, r.drain(1), 1)
}

func TestDeliveredCountSkipsDownLinks(t *testing.T) {
	r := newRig(t, 3, 1024)
	r.mems[2].SetLinkUp(false)

	n := r.deliver(t, 0, ethFrame(macB, macA, typeTest, nil))
	assert.Equal(t, 1, n)
	assert.Len(t, r.drain(1), 1)
	assert.Empty(t, r.drain(2))
	assert.Equal(t, 0, r.pool.InUse())
}

func TestEgressQueueOverflowDropsSilently(t *testing.T) {
	r := newRig(t, 1, 1024)
	r.addPort(t, PortConfig{Name: "tiny", QueueLen: 1}, 1024)

	frame := ethFrame(macB, macA, typeTest, nil)
	assert.Equal(t, 1, r.deliver(t, 0, frame))
	assert.Equal(t, 0, r.deliver(t, 0, frame), "second frame finds the queue full")
	assert.Equal(t, uint64(1), r.fab.Stats().Dropped)

	assert.Len(t, r.drain(1), 1)
	assert.Equal(t, 0, r.pool.InUse())
}

func TestStatsEtherTypeFilter(t *testing.T) {
	loop := sched.NewLoop()
	pl := pool.New(8, 512)
	fab := New(Config{Loop: loop, Pool: pl, StatsEtherType: core.TypeARP})
	p0, err := fab.AddPort(PortConfig{Name: "eth0", Transport: transport.NewMem(1024)})
	require.NoError(t, err)
	_, err = fab.AddPort(PortConfig{Name: "eth1", Transport: transport.NewMem(1024)})
	require.NoError(t, err)

	other := ethFrame(macB, macA, typeTest, nil)
	pkt := pl.Get()
	require.NoError(t, pkt.SetData(other))
	pkt.SrcPort = 0
	fab.Deliver(pkt)
	pkt.Release()
	assert.Equal(t, uint64(0), p0.Stats().RxPackets)

	arpMeta := core.Meta{
		Eth: core.EthernetHeader{Dst: core.MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, Src: macA, Type: core.TypeARP},
		ARP: core.ARPHeader{Op: core.ARPRequest, SHA: macA},
	}
	buf := make([]byte, 64)
	n := codec.PutHeaders(buf, &arpMeta)
	pkt = pl.Get()
	require.NoError(t, pkt.SetData(buf[:n]))
	pkt.SrcPort = 0
	fab.Deliver(pkt)
	pkt.Release()
	assert.Equal(t, uint64(1), p0.Stats().RxPackets)
}

func TestAddPortValidation(t *testing.T) {
	t.Run("NilTransport", func(t *testing.T) {
		r := newRig(t, 0, 0)
		_, err := r.fab.AddPort(PortConfig{Name: "bad"})
		assert.ErrorIs(t, err, core.ErrConfigInvalid)
	})

	t.Run("MaskExhaustion", func(t *testing.T) {
		r := newRig(t, 0, 0)
		for i := 0; i < core.MaxPorts; i++ {
			r.addPort(t, PortConfig{Name: fmt.Sprintf("p%d", i)}, 64)
		}
		_, err := r.fab.AddPort(PortConfig{Name: "overflow", Transport: transport.NewMem(64)})
		assert.ErrorIs(t, err, core.ErrMaskExhausted)
	})
}

type captureMirror struct {
	frames [][]byte
}

func (c *captureMirror) Mirror(data []byte) {
	c.frames = append(c.frames, append([]byte(nil), data...))
}

func TestWatchPointsSeeTraffic(t *testing.T) {
	ingress := &captureMirror{}
	pipeline := &captureMirror{}
	loop := sched.NewLoop()
	pl := pool.New(8, 512)
	fab := New(Config{Loop: loop, Pool: pl, IngressMirror: ingress, PipelineMirror: pipeline})
	_, err := fab.AddPort(PortConfig{Name: "eth0", Transport: transport.NewMem(1024)})
	require.NoError(t, err)
	_, err = fab.AddPort(PortConfig{Name: "eth1", Transport: transport.NewMem(1024)})
	require.NoError(t, err)
	fab.AddPlugin(&stubSwitch{name: "dropper", query: func(m *core.Meta) {
		m.Drop(core.DropFilter)
	}})

	frame := ethFrame(macB, macA, typeTest, []byte("observed"))
	pkt := pl.Get()
	require.NoError(t, pkt.SetData(frame))
	pkt.SrcPort = 0
	fab.Deliver(pkt)
	pkt.Release()

	require.Len(t, ingress.frames, 1)
	assert.Equal(t, frame, ingress.frames[0])
	assert.Empty(t, pipeline.frames, "dropped packets never reach the pipeline watch-point")
}
