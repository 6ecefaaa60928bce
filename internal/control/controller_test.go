package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/armctl/internal/config"
	"github.com/banshee-data/armctl/internal/devicelink"
	"github.com/banshee-data/armctl/internal/events"
	"github.com/banshee-data/armctl/internal/monitoring"
	"github.com/banshee-data/armctl/internal/motion"
	"github.com/banshee-data/armctl/internal/protocol"
	"github.com/banshee-data/armctl/internal/simulator"
	"github.com/banshee-data/armctl/internal/state"
	"github.com/banshee-data/armctl/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func strp(s string) *string     { return &s }
func intp(i int) *int           { return &i }
func floatp(f float64) *float64 { return &f }

func testConfig(motionAddr string, pumps map[string]string) *config.Config {
	cfg := &config.Config{
		Motion:          &config.LinkConfig{Address: motionAddr, Transport: "tcp", RWTimeout: strp("50ms")},
		MotionInterval:  strp("2ms"),
		PumpInterval:    strp("10ms"),
		WatchdogTimeout: strp("10s"),
		Profiles: map[string][]config.AnchorConfig{
			"approach": {{TimeUntilTarget: 2, Base: "default"}, {TimeUntilTarget: 0, Base: "zero", Interp: "linear"}},
		},
	}
	for name, addr := range pumps {
		cfg.Pumps = append(cfg.Pumps, config.PumpConfig{
			Name: name,
			Link: config.LinkConfig{
				Address:          addr,
				Transport:        "tcp",
				RWTimeout:        strp("50ms"),
				ReadBlockLength:  intp(16),
				WriteBlockLength: intp(4),
			},
			Capacity:     floatp(1),
			MaxFrequency: floatp(50),
		})
	}
	return cfg
}

func startMotionSim(t *testing.T, cfg simulator.MotionConfig) (*simulator.Motion, string) {
	t.Helper()
	sim := simulator.NewMotion(cfg)
	ln := testutil.Listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sim.Serve(ctx, ln)
	return sim, ln.Addr().String()
}

func startPumpSim(t *testing.T) (*simulator.Pump, string) {
	t.Helper()
	sim := simulator.NewPump(simulator.PumpConfig{MaxFrequency: 50})
	ln := testutil.Listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sim.Serve(ctx, ln)
	return sim, ln.Addr().String()
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func countKind(list []events.Event, k events.Kind) int {
	n := 0
	for _, e := range list {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func moveTo(x float64) protocol.Command {
	return protocol.Command{
		MoveType:  protocol.MoveLinear,
		PosType:   protocol.PosEuler,
		Primary:   protocol.Coordinate{X: x},
		Speed:     protocol.SpeedVector{TS: 100},
		SpeedMode: protocol.SpeedModeVector,
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("127.0.0.1:1", nil)
	cfg.ForerunDepth = intp(0)
	_, err := New(cfg, Options{})
	assert.ErrorContains(t, err, "forerun_depth")
}

func TestQueueAPI(t *testing.T) {
	c, err := New(testConfig("127.0.0.1:1", map[string]string{"p0": "127.0.0.1:2"}), Options{})
	require.NoError(t, err)

	require.NoError(t, c.SubmitMany([]protocol.Command{moveTo(1), moveTo(2), moveTo(3)}))
	require.NoError(t, c.Submit(moveTo(4)))
	// id 2 inserts before the existing second entry
	second := moveTo(9)
	second.ID = 2
	require.NoError(t, c.Submit(second))

	var xs []float64
	var ids []int32
	for _, cmd := range c.Snapshot() {
		xs = append(xs, cmd.Primary.X)
		ids = append(ids, cmd.ID)
	}
	assert.Equal(t, []int32{1, 2, 3, 4, 5}, ids)
	assert.Equal(t, []float64{1, 9, 2, 3, 4}, xs)

	require.NoError(t, c.ClearRange(2, 3))
	ids = ids[:0]
	for _, cmd := range c.Snapshot() {
		ids = append(ids, cmd.ID)
	}
	assert.Equal(t, []int32{1, 2, 3}, ids)
	assert.Error(t, c.ClearRange(3, 9))

	bad := moveTo(0)
	bad.ID = -1
	assert.Error(t, c.Submit(bad))

	c.Clear()
	assert.Empty(t, c.Snapshot())
}

func TestSettings(t *testing.T) {
	c, err := New(testConfig("127.0.0.1:1", map[string]string{"p0": "127.0.0.1:2"}), Options{})
	require.NoError(t, err)

	assert.Error(t, c.SetSpeedOverride(0))
	assert.Error(t, c.SetSpeedOverride(201))
	require.NoError(t, c.SetSpeedOverride(150))

	assert.ErrorIs(t, c.SetPumpMode("nope", state.PumpAuto), ErrUnknownPump)
	assert.Error(t, c.SetPumpMode("p0", state.PumpMode("turbo")))
	require.NoError(t, c.SetPumpMode("p0", state.PumpManual))

	assert.Error(t, c.SetPumpManual("p0", 101))
	require.NoError(t, c.SetPumpManual("p0", -40))

	assert.Error(t, c.SetPumpOverride("p0", -1))
	require.NoError(t, c.SetPumpOverride("p0", 80))

	assert.Error(t, c.SetPumpProfile("p0", "missing"))
	require.NoError(t, c.SetPumpProfile("p0", "approach"))

	v := c.View()
	assert.Equal(t, 150.0, v.SpeedOverride)
	require.Len(t, v.Pumps, 1)
	want := state.Pump{Name: "p0", Mode: state.PumpManual, ManualPercent: -40, Override: 80, Profile: "approach"}
	if diff := cmp.Diff(want, v.Pumps[0]); diff != "" {
		t.Errorf("pump settings mismatch (-want +got):\n%s", diff)
	}
}

func TestStartProcessing_RequiresConnection(t *testing.T) {
	c, err := New(testConfig("127.0.0.1:1", nil), Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, c.StartProcessing(), devicelink.ErrNotConnected)
	assert.False(t, c.View().Processing)
}

func TestConnect_ReportsFailedLinks(t *testing.T) {
	_, addr := startMotionSim(t, simulator.MotionConfig{})
	bus := events.NewBus(64)
	_, ch := bus.Subscribe()

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	dead.Close()

	c, err := New(testConfig(addr, map[string]string{"p0": deadAddr}), Options{Bus: bus})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	err = c.Connect(context.Background())
	require.Error(t, err)

	got := drain(ch)
	require.Equal(t, 1, countKind(got, events.LinkError))
	assert.Equal(t, "pump/p0", got[0].Link)

	w, ok := c.Watchdog(events.LinkMotion)
	require.True(t, ok)
	assert.True(t, w.Armed())
	w, ok = c.Watchdog("pump/p0")
	require.True(t, ok)
	assert.False(t, w.Armed())
}

func TestWatchdogBite_ForcesStop(t *testing.T) {
	sim, addr := startMotionSim(t, simulator.MotionConfig{})
	clock := testutil.Clock()
	bus := events.NewBus(256)
	_, ch := bus.Subscribe()

	c, err := New(testConfig(addr, nil), Options{Clock: clock, Bus: bus})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	require.NoError(t, c.Connect(context.Background()))
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Submit(moveTo(float64(i*10))))
	}
	require.NoError(t, c.StartProcessing())
	c.Motion().Tick()

	v := c.View()
	require.NotEmpty(t, v.InFlight)
	require.NotEmpty(t, v.Queue)
	drain(ch)

	w, _ := c.Watchdog(events.LinkMotion)
	clock.Advance(9 * time.Second)
	assert.False(t, w.Poll())
	clock.Advance(2 * time.Second)
	require.True(t, w.Poll())
	// a second poll does not bite again
	assert.False(t, w.Poll())

	got := drain(ch)
	assert.Equal(t, 1, countKind(got, events.ForcedStop))
	assert.Equal(t, 1, countKind(got, events.WatchdogBitten))

	v = c.View()
	assert.Empty(t, v.Queue)
	assert.Empty(t, v.InFlight)
	assert.False(t, v.Processing)
	assert.Eventually(t, func() bool { return sim.Stops() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.StartProcessing(), ErrBitten)

	assert.ErrorIs(t, c.Resume("pump/none"), ErrUnknownLink)
	require.NoError(t, c.Resume(events.LinkMotion))
	assert.NoError(t, c.StartProcessing())
}

func TestReconnectAfterBite(t *testing.T) {
	sim, addr := startMotionSim(t, simulator.MotionConfig{})
	clock := testutil.Clock()

	c, err := New(testConfig(addr, nil), Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Submit(moveTo(10)))
	require.NoError(t, c.StartProcessing())
	c.Motion().Tick()

	w, _ := c.Watchdog(events.LinkMotion)
	clock.Advance(11 * time.Second)
	require.True(t, w.Poll())
	c.Motion().Tick()
	assert.Equal(t, motion.PhaseDisconnected, c.Motion().Phase())

	require.NoError(t, c.Resume(events.LinkMotion))
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, w.Armed())
	c.Motion().Tick()
	assert.Equal(t, motion.PhaseIdle, c.Motion().Phase())

	require.NoError(t, c.Submit(moveTo(20)))
	require.NoError(t, c.StartProcessing())
	c.Motion().Tick()

	assert.Eventually(t, func() bool {
		for _, cmd := range sim.Received() {
			if cmd.MoveType == protocol.MoveLinear && cmd.Primary.X == 20 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatchdogBite_IdleOnlyClosesLink(t *testing.T) {
	sim, addr := startMotionSim(t, simulator.MotionConfig{})
	clock := testutil.Clock()
	bus := events.NewBus(64)
	_, ch := bus.Subscribe()

	c, err := New(testConfig(addr, nil), Options{Clock: clock, Bus: bus})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Submit(moveTo(1)))

	w, _ := c.Watchdog(events.LinkMotion)
	clock.Advance(11 * time.Second)
	require.True(t, w.Poll())

	got := drain(ch)
	assert.Zero(t, countKind(got, events.ForcedStop))
	assert.Equal(t, 1, countKind(got, events.WatchdogBitten))
	// the queue is kept when nothing was running
	assert.Len(t, c.Snapshot(), 1)
	assert.Zero(t, sim.Stops())
}

func TestRun_ProcessesQueueAgainstSimulator(t *testing.T) {
	sim, addr := startMotionSim(t, simulator.MotionConfig{Buffer: 12, StepInterval: 3 * time.Millisecond, TelemetryInterval: 2 * time.Millisecond})
	pumpSim, pumpAddr := startPumpSim(t)
	bus := events.NewBus(1024)
	_, ch := bus.Subscribe()

	c, err := New(testConfig(addr, map[string]string{"p0": pumpAddr}), Options{Bus: bus})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.SetPumpMode("p0", state.PumpManual))
	require.NoError(t, c.SetPumpManual("p0", 30))

	const n = 40
	cmds := make([]protocol.Command, n)
	for i := range cmds {
		cmds[i] = moveTo(float64((i + 1) * 10))
	}
	require.NoError(t, c.SubmitMany(cmds))
	require.NoError(t, c.StartProcessing())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	complete := false
	deadline := time.After(10 * time.Second)
	for !complete {
		select {
		case e := <-ch:
			complete = e.Kind == events.ProcessingComplete
		case <-deadline:
			t.Fatal("processing did not complete")
		}
	}
	assert.Eventually(t, func() bool { return pumpSim.Speed() == 30 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, sim.Overflows())
	var ids []int32
	for _, cmd := range sim.Received() {
		if cmd.MoveType != protocol.MoveStop {
			ids = append(ids, cmd.ID)
		}
	}
	want := make([]int32, n)
	for i := range want {
		want[i] = int32(i + 1)
	}
	assert.Equal(t, want, ids)

	v := c.View()
	assert.Empty(t, v.Queue)
	assert.Empty(t, v.InFlight)
	assert.False(t, v.Processing)
}
