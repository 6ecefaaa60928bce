package pump

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/armctl/internal/devicelink"
	"github.com/banshee-data/armctl/internal/events"
	"github.com/banshee-data/armctl/internal/monitoring"
	"github.com/banshee-data/armctl/internal/protocol"
	"github.com/banshee-data/armctl/internal/state"
	"github.com/banshee-data/armctl/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// fakeDrive answers every speed frame with a fixed status frame.
type fakeDrive struct {
	mu        sync.Mutex
	connected bool
	status    protocol.PumpTelemetry
	silent    bool
	sendErr   error
	speeds    []float64
	frameLens []int
}

func (f *fakeDrive) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeDrive) Send(frame []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	v, err := protocol.DecodePumpSpeed(frame)
	if err != nil {
		return 0, err
	}
	f.speeds = append(f.speeds, v)
	f.frameLens = append(f.frameLens, len(frame))
	return len(frame), nil
}

func (f *fakeDrive) Receive(n int, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.silent {
		return nil, &devicelink.TimeoutError{Link: "fake", Op: "receive", After: timeout}
	}
	return protocol.EncodePumpTelemetry(f.status, n)
}

func (f *fakeDrive) lastSpeed() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.speeds) == 0 {
		return -999
	}
	return f.speeds[len(f.speeds)-1]
}

type dog struct{ n int }

func (d *dog) Reset() { d.n++ }

type pumpFixture struct {
	st    *state.State
	links []*fakeDrive
	dogs  []*dog
	rec   *events.Recorder
	loop  *Loop
}

func newPumpFixture(params Params) *pumpFixture {
	f := &pumpFixture{st: state.New(1, []string{"p0", "p1"}), rec: &events.Recorder{}}
	var drives []*Drive
	for _, name := range []string{"p0", "p1"} {
		link := &fakeDrive{connected: true, status: protocol.PumpTelemetry{Freq: 25, Volt: 230, Amps: 1.5, Torque: 3}}
		d := &dog{}
		f.links = append(f.links, link)
		f.dogs = append(f.dogs, d)
		drives = append(drives, &Drive{
			Name:         name,
			Link:         link,
			Capacity:     1.0,
			MaxFrequency: 50,
			ReadLength:   20,
			WriteLength:  8,
			Watchdog:     d,
		})
	}
	f.loop = New(params, f.st, drives, Options{Publisher: f.rec})
	return f
}

func (f *pumpFixture) setPump(name string, fn func(*state.Pump)) {
	f.st.With(func(sh *state.Shared) { fn(sh.Pump(name)) })
}

func TestLoop_ManualWithOverride(t *testing.T) {
	f := newPumpFixture(testParams())
	f.setPump("p0", func(p *state.Pump) {
		p.Mode = state.PumpManual
		p.ManualPercent = 40
		p.Override = 50
	})

	f.loop.Tick()

	assert.InDelta(t, 20, f.links[0].lastSpeed(), 1e-6)
	assert.Equal(t, []int{8}, f.links[0].frameLens)
	// p1 is off
	assert.Equal(t, 0.0, f.links[1].lastSpeed())

	v := f.st.Snapshot()
	assert.InDelta(t, 50, v.Pumps[0].SpeedPercent, 1e-6)
	assert.InDelta(t, 20, v.Pumps[0].TargetPercent, 1e-6)
	assert.InDelta(t, 230, v.Pumps[0].Telemetry.Volt, 1e-6)
	assert.True(t, v.Pumps[0].Connected)

	status := f.rec.OfKind(events.PumpStatus)
	require.Len(t, status, 2)
	assert.Equal(t, "pump/p0", status[0].Link)
	assert.InDelta(t, 50, status[0].Pump.SpeedPercent, 1e-6)
	assert.Equal(t, 1, f.dogs[0].n)
}

func TestLoop_AutoFollowsCurrentCommand(t *testing.T) {
	p := testParams()
	p.LookaheadDistance = 0
	f := newPumpFixture(p)
	f.setPump("p0", func(p *state.Pump) { p.Mode = state.PumpAuto })
	f.setPump("p1", func(p *state.Pump) { p.Mode = state.PumpAuto })

	cmd := at(10, 0.75)
	f.st.With(func(sh *state.Shared) { sh.Queue.AppendAuto(cmd) })

	// queued but not processing: pumps stay off
	f.loop.Tick()
	assert.Equal(t, 0.0, f.links[0].lastSpeed())

	f.st.With(func(sh *state.Shared) {
		c, _ := sh.Queue.PopFirst()
		sh.InFlight.SetNextID(c.ID)
		sh.InFlight.AppendAuto(c)
		sh.Processing = true
	})
	f.loop.Tick()
	assert.InDelta(t, 7.5, f.links[0].lastSpeed(), 1e-6)
	assert.InDelta(t, 2.5, f.links[1].lastSpeed(), 1e-6)
}

func TestLoop_SilentDriveIsNotReset(t *testing.T) {
	f := newPumpFixture(testParams())
	f.links[0].silent = true

	f.loop.Tick()

	assert.Zero(t, f.dogs[0].n)
	assert.Equal(t, 1, f.dogs[1].n)
	assert.Zero(t, f.rec.Count(events.LinkError))
	assert.Equal(t, 1, f.rec.Count(events.PumpStatus))
}

func TestLoop_SendErrorSurfaced(t *testing.T) {
	f := newPumpFixture(testParams())
	f.links[1].sendErr = &devicelink.IOError{Link: "pump/p1", Op: "send", Err: errors.New("reset")}

	f.loop.Tick()

	errs := f.rec.OfKind(events.LinkError)
	require.Len(t, errs, 1)
	assert.Equal(t, "pump/p1", errs[0].Link)
}

func TestLoop_LinkStateChanges(t *testing.T) {
	f := newPumpFixture(testParams())
	f.loop.Tick()

	f.links[0].mu.Lock()
	f.links[0].connected = false
	f.links[0].mu.Unlock()
	f.loop.Tick()
	f.loop.Tick()

	var p0 []string
	for _, e := range f.rec.OfKind(events.LinkState) {
		if e.Link == "pump/p0" {
			p0 = append(p0, e.State)
		}
	}
	assert.Equal(t, []string{"connected", "disconnected"}, p0)
	assert.False(t, f.st.Snapshot().Pumps[0].Connected)
}

func TestLoop_RunUsesClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := state.New(1, []string{"p0"})
	link := &fakeDrive{connected: true}
	rec := &events.Recorder{}
	loop := New(testParams(), st, []*Drive{{Name: "p0", Link: link, Capacity: 1, MaxFrequency: 50}},
		Options{Publisher: rec, Clock: clock, Interval: 250 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	require.True(t, clock.WaitForTickers(1, time.Second))
	clock.Advance(250 * time.Millisecond)

	require.Eventually(t, func() bool { return rec.Count(events.PumpStatus) == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done

	// unset lengths fall back to the minimum frame sizes
	assert.Equal(t, protocol.PumpTelemetryLength, loop.Drives()[0].ReadLength)
	assert.Equal(t, 4, loop.Drives()[0].WriteLength)
}
