// Package pump drives the pump links and derives pump speeds from the motion
// queue.
package pump

import (
	"context"
	"time"

	"github.com/banshee-data/armctl/internal/devicelink"
	"github.com/banshee-data/armctl/internal/events"
	"github.com/banshee-data/armctl/internal/monitoring"
	"github.com/banshee-data/armctl/internal/protocol"
	"github.com/banshee-data/armctl/internal/state"
	"github.com/banshee-data/armctl/internal/timeutil"
)

// upcomingWindow bounds how many queued commands the look-ahead inspects.
const upcomingWindow = 64

// Link is the part of a devicelink.Link the loop uses.
type Link interface {
	Send(frame []byte) (int, error)
	Receive(expectedLen int, timeout time.Duration) ([]byte, error)
	Connected() bool
}

// Resetter is fed on every pump telemetry frame.
type Resetter interface {
	Reset()
}

type nopResetter struct{}

func (nopResetter) Reset() {}

// Drive is one pump connection.
type Drive struct {
	Name         string
	Link         Link
	Capacity     float64
	MaxFrequency float64
	ReadLength   int
	WriteLength  int
	Watchdog     Resetter

	connected bool
}

// Loop ticks every drive in turn.
type Loop struct {
	params   Params
	st       *state.State
	drives   []*Drive
	pub      events.Publisher
	clock    timeutil.Clock
	interval time.Duration
	logf     func(format string, v ...interface{})
}

// Options are the optional collaborators of a Loop.
type Options struct {
	Publisher events.Publisher
	Clock     timeutil.Clock
	Interval  time.Duration
}

// New returns a loop for drives. Each drive's name must match a pump in st.
func New(params Params, st *state.State, drives []*Drive, opts Options) *Loop {
	l := &Loop{
		params:   params,
		st:       st,
		drives:   drives,
		pub:      opts.Publisher,
		clock:    opts.Clock,
		interval: opts.Interval,
		logf:     monitoring.Prefixed("pump"),
	}
	if l.pub == nil {
		l.pub = events.Discard
	}
	if l.clock == nil {
		l.clock = timeutil.RealClock{}
	}
	if l.interval <= 0 {
		l.interval = 250 * time.Millisecond
	}
	for _, d := range drives {
		if d.Watchdog == nil {
			d.Watchdog = nopResetter{}
		}
		if d.ReadLength < protocol.PumpTelemetryLength {
			d.ReadLength = protocol.PumpTelemetryLength
		}
		if d.WriteLength < 4 {
			d.WriteLength = 4
		}
	}
	return l
}

// Drives returns the loop's drives.
func (l *Loop) Drives() []*Drive { return l.drives }

// Run ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	ticker := l.clock.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			l.Tick()
		}
	}
}

// Tick sends every connected drive its speed and reads its status.
func (l *Loop) Tick() {
	for _, d := range l.drives {
		l.tickDrive(d)
	}
}

func (l *Loop) publish(e events.Event) { l.pub.Publish(e) }

func (l *Loop) setConnected(d *Drive, v bool) {
	if d.connected == v {
		return
	}
	d.connected = v
	l.st.With(func(sh *state.Shared) {
		if p := sh.Pump(d.Name); p != nil {
			p.Connected = v
		}
	})
	s := "disconnected"
	if v {
		s = "connected"
	}
	l.logf("%s: link %s", d.Name, s)
	l.publish(events.Event{Kind: events.LinkState, Link: events.PumpLinkName(d.Name), State: s})
}

func (l *Loop) tickDrive(d *Drive) {
	if !d.Link.Connected() {
		l.setConnected(d, false)
		return
	}
	l.setConnected(d, true)
	link := events.PumpLinkName(d.Name)

	var target float64
	l.st.With(func(sh *state.Shared) { target = l.Target(sh, d) })

	frame, err := protocol.EncodePumpSpeed(target, d.WriteLength)
	if err != nil {
		l.logf("%s: encode: %v", d.Name, err)
		return
	}
	if _, err := d.Link.Send(frame); err != nil {
		l.logf("%s: send: %v", d.Name, err)
		l.publish(events.Event{Kind: events.LinkError, Link: link, Err: err})
		return
	}
	l.st.With(func(sh *state.Shared) {
		if p := sh.Pump(d.Name); p != nil {
			p.TargetPercent = target
		}
	})

	resp, err := d.Link.Receive(d.ReadLength, 0)
	if err != nil {
		if devicelink.IsTimeout(err) {
			// the watchdog escalates a drive that stays silent
			return
		}
		l.logf("%s: receive: %v", d.Name, err)
		l.publish(events.Event{Kind: events.LinkError, Link: link, Err: err})
		return
	}
	tel, err := protocol.DecodePumpTelemetry(resp)
	if err != nil {
		l.logf("%s: dropping malformed status: %v", d.Name, err)
		return
	}

	pct := protocol.FrequencyPercent(tel.Freq, d.MaxFrequency)
	l.st.With(func(sh *state.Shared) {
		if p := sh.Pump(d.Name); p != nil {
			p.Telemetry = tel
			p.SpeedPercent = pct
		}
	})
	d.Watchdog.Reset()
	l.publish(events.Event{
		Kind: events.PumpStatus,
		Link: link,
		Pump: &events.PumpSample{Telemetry: tel, SpeedPercent: pct, TargetPercent: target},
	})
}

// Target returns the speed drive d should run at. Caller holds the state lock.
func (l *Loop) Target(sh *state.Shared, d *Drive) float64 {
	idx := sh.PumpIndex(d.Name)
	if idx < 0 {
		return 0
	}
	p := sh.Pumps[idx]

	var speed float64
	switch p.Mode {
	case state.PumpManual:
		speed = p.ManualPercent
	case state.PumpAuto:
		if !sh.Processing && sh.InFlight.Len() == 0 {
			return 0
		}
		cur, ok := sh.Current()
		if !ok {
			return 0
		}
		pos := sh.MoveStart
		if sh.HaveTelemetry {
			pos = sh.Telemetry.Coord
		}
		speed = l.params.Auto(idx, d.Capacity, Situation{
			Current:  cur,
			Upcoming: sh.Upcoming(upcomingWindow),
			Position: pos,
			Profile:  p.Profile,
		}).Percent
	default:
		return 0
	}
	return Clamp(speed * p.Override / 100)
}
