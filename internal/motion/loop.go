// Package motion runs the comm loop for the robot controller link.
//
// Each tick reads at most one telemetry frame, retires the commands the device
// has moved past, and then admits queued commands while the device is no more
// than the forerun depth behind the next queued id.
package motion

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/armctl/internal/devicelink"
	"github.com/banshee-data/armctl/internal/events"
	"github.com/banshee-data/armctl/internal/monitoring"
	"github.com/banshee-data/armctl/internal/protocol"
	"github.com/banshee-data/armctl/internal/state"
	"github.com/banshee-data/armctl/internal/timeutil"
)

// ErrStopped is returned by SendDirect once the loop has exited.
var ErrStopped = errors.New("motion: loop stopped")

// Link is the part of a devicelink.Link the loop uses.
type Link interface {
	Send(frame []byte) (int, error)
	Receive(expectedLen int, timeout time.Duration) ([]byte, error)
	Connected() bool
}

// Resetter is fed on every telemetry frame. *watchdog.Watchdog satisfies it.
type Resetter interface {
	Reset()
}

type nopResetter struct{}

func (nopResetter) Reset() {}

// Phase is the loop's connection state.
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseIdle      // connected, not processing
	PhaseAdmitting // processing, queue has commands
	PhaseDraining  // processing, queue empty, waiting on the device
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseIdle:
		return "idle"
	case PhaseAdmitting:
		return "admitting"
	case PhaseDraining:
		return "draining"
	}
	return "unknown"
}

// Config holds the loop parameters.
type Config struct {
	// Forerun is how many ids ahead of the device's current command may be sent.
	Forerun int32
	// Ceiling is where the device's id counter wraps back.
	Ceiling int32
	// TargetThreshold is the distance under which the last target counts as reached.
	TargetThreshold float64
	Interval        time.Duration
	// ReceiveTimeout bounds the per-tick telemetry read.
	ReceiveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Forerun <= 0 {
		c.Forerun = 10
	}
	if c.Ceiling <= 0 {
		c.Ceiling = 3000
	}
	if c.TargetThreshold <= 0 {
		c.TargetThreshold = 1.0
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Millisecond
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = 5 * time.Millisecond
	}
	return c
}

// Options are the optional collaborators of a Loop.
type Options struct {
	Watchdog  Resetter
	Publisher events.Publisher
	Clock     timeutil.Clock
}

type directRequest struct {
	cmd   protocol.Command
	reply chan directResult
}

type directResult struct {
	cmd protocol.Command
	err error
}

// Loop drives one motion link. Tick must only be called from one goroutine.
type Loop struct {
	cfg   Config
	st    *state.State
	link  Link
	dog   Resetter
	pub   events.Publisher
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	connecting atomic.Bool
	direct     chan directRequest
	done       chan struct{}

	// owned by the ticking goroutine
	connected bool
	lastID    int32
	haveLast  bool
	moveID    int32
	haveMove  bool
	drained   bool
}

// New returns a loop over link sharing st.
func New(cfg Config, st *state.State, link Link, opts Options) *Loop {
	l := &Loop{
		cfg:    cfg.withDefaults(),
		st:     st,
		link:   link,
		dog:    opts.Watchdog,
		pub:    opts.Publisher,
		clock:  opts.Clock,
		logf:   monitoring.Prefixed("motion"),
		direct: make(chan directRequest, 8),
		done:   make(chan struct{}),
	}
	if l.dog == nil {
		l.dog = nopResetter{}
	}
	if l.pub == nil {
		l.pub = events.Discard
	}
	if l.clock == nil {
		l.clock = timeutil.RealClock{}
	}
	return l
}

// Config returns the effective loop configuration.
func (l *Loop) Config() Config { return l.cfg }

// SetConnecting marks a connection attempt in progress for Phase.
func (l *Loop) SetConnecting(v bool) { l.connecting.Store(v) }

// Phase reports the current state of the loop.
func (l *Loop) Phase() Phase {
	if !l.link.Connected() {
		if l.connecting.Load() {
			return PhaseConnecting
		}
		return PhaseDisconnected
	}
	p := PhaseIdle
	l.st.With(func(sh *state.Shared) {
		switch {
		case !sh.Processing:
		case sh.Queue.Len() > 0:
			p = PhaseAdmitting
		default:
			p = PhaseDraining
		}
	})
	return p
}

// Run ticks the loop until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	ticker := l.clock.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.failDirect()
			return
		case <-ticker.C():
			l.Tick()
		}
	}
}

// Tick performs one iteration: receive, ingest, end-of-motion check, admission.
func (l *Loop) Tick() {
	var out []events.Event
	defer func() {
		for _, e := range out {
			l.pub.Publish(e)
		}
	}()

	if !l.link.Connected() {
		l.setConnected(false, &out)
		l.failDirect()
		return
	}
	l.setConnected(true, &out)

	frame, err := l.link.Receive(protocol.TelemetryFrameLength, l.cfg.ReceiveTimeout)
	switch {
	case err == nil:
		tel, derr := protocol.DecodeTelemetry(frame)
		if derr != nil || tel.ID < 0 {
			l.logf("dropping malformed telemetry frame: id=%d err=%v", tel.ID, derr)
			break
		}
		l.st.With(func(sh *state.Shared) { l.ingest(sh, tel, &out) })
		l.dog.Reset()
	case devicelink.IsTimeout(err):
		// no new data this tick
	default:
		l.logf("receive failed: %v", err)
		out = append(out, events.Event{Kind: events.LinkError, Link: events.LinkMotion, Err: err})
		if !l.link.Connected() {
			l.setConnected(false, &out)
			l.failDirect()
			return
		}
	}

	l.serveDirect(&out)

	l.st.With(func(sh *state.Shared) {
		l.checkTarget(sh, &out)
		l.admit(sh, &out)
	})
}

func (l *Loop) setConnected(v bool, out *[]events.Event) {
	if v == l.connected {
		return
	}
	l.connected = v
	if v {
		l.connecting.Store(false)
	}
	l.st.With(func(sh *state.Shared) { sh.MotionConnected = v })
	s := "disconnected"
	if v {
		s = "connected"
	}
	l.logf("link %s", s)
	*out = append(*out, events.Event{Kind: events.LinkState, Link: events.LinkMotion, State: s})
}

func (l *Loop) ingest(sh *state.Shared, tel protocol.Telemetry, out *[]events.Event) {
	if l.haveLast && tel.ID < l.lastID {
		l.wrap(sh, tel, out)
	}
	l.lastID, l.haveLast = tel.ID, true

	for _, c := range sh.InFlight.DropBelow(tel.ID) {
		*out = append(*out, ackEvent(c))
	}

	sh.Telemetry = tel
	sh.HaveTelemetry = true

	if cur, ok := sh.InFlight.Get(tel.ID); ok && (!l.haveMove || cur.ID != l.moveID) {
		if l.haveMove {
			sh.MoveStart = sh.MoveEnd
		} else {
			sh.MoveStart = tel.Coord
		}
		sh.MoveEnd = cur.Primary
		l.moveID, l.haveMove = cur.ID, true
	}

	t := tel
	*out = append(*out, events.Event{Kind: events.TelemetryUpdated, Link: events.LinkMotion, Telemetry: &t})
}

// wrap realigns local ids after the device counter passed the ceiling. Every
// in-flight entry still below the ceiling was executed before the wrap.
func (l *Loop) wrap(sh *state.Shared, tel protocol.Telemetry, out *[]events.Event) {
	c := l.cfg.Ceiling
	l.logf("id wraparound: telemetry %d after %d, shifting ids by %d", tel.ID, l.lastID, -c)

	for _, cmd := range sh.InFlight.DropBelow(c) {
		*out = append(*out, ackEvent(cmd))
	}
	sh.InFlight.Increment(-c)
	sh.Queue.Increment(-c)
	l.moveID -= c

	*out = append(*out, events.Event{Kind: events.Wraparound, Link: events.LinkMotion, Offset: -c})
}

// checkTarget retires the final in-flight command once the tool has arrived.
// While processing with more queued work the next admission handles it instead.
func (l *Loop) checkTarget(sh *state.Shared, out *[]events.Event) {
	if !sh.HaveTelemetry || sh.InFlight.Len() != 1 {
		return
	}
	if sh.Processing && sh.Queue.Len() > 0 {
		return
	}
	target, _ := sh.InFlight.First()

	var dist float64
	switch target.MoveType {
	case protocol.MoveTool, protocol.MoveStop:
		// no pose to reach; the device reporting the id is enough
		if sh.Telemetry.ID < target.ID {
			return
		}
	default:
		dist = floats.Distance(sh.Telemetry.Coord.Active(), target.Primary.Active(), 2)
		if dist >= l.cfg.TargetThreshold {
			return
		}
	}

	sh.InFlight.PopFirst()
	c := target
	*out = append(*out,
		events.Event{Kind: events.TargetReached, Link: events.LinkMotion, Command: &c, Distance: dist},
		ackEvent(target),
	)
}

// admit sends queued commands while they are within the forerun window of the
// device's current id.
func (l *Loop) admit(sh *state.Shared, out *[]events.Event) {
	if !sh.Processing {
		l.drained = false
		return
	}

	for {
		head, ok := sh.Queue.First()
		if !ok || sh.Telemetry.ID+l.cfg.Forerun < head.ID {
			break
		}
		sh.Queue.PopFirst()

		sent := head
		sent.Speed = head.Speed.Scale(sh.SpeedOverride / 100)
		if err := l.send(sent); err != nil {
			sh.Queue.SetNextID(head.ID)
			back := sh.Queue.InsertFrontDuringResync(head)
			l.logf("send of command %d failed, requeued as %d: %v", head.ID, back.ID, err)
			*out = append(*out, events.Event{Kind: events.LinkError, Link: events.LinkMotion, Command: &back, Err: err})
			return
		}
		sh.InFlight.SetNextID(sent.ID)
		sh.InFlight.AppendAuto(sent)
		c := sent
		*out = append(*out, events.Event{Kind: events.CommandSent, Link: events.LinkMotion, Command: &c})
	}

	if sh.Queue.Len() > 0 {
		l.drained = false
		return
	}
	if sh.InFlight.Len() > 0 {
		if !l.drained {
			l.drained = true
			*out = append(*out, events.Event{Kind: events.QueueEmpty, Link: events.LinkMotion})
		}
		return
	}

	sh.Processing = false
	l.drained = false
	l.logf("processing complete")
	*out = append(*out, events.Event{Kind: events.ProcessingComplete, Link: events.LinkMotion})
}

func (l *Loop) send(cmd protocol.Command) error {
	frame, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	_, err = l.link.Send(frame)
	return err
}

// nextDirectID is the id a command sent ahead of the queue receives.
func nextDirectID(sh *state.Shared) int32 {
	switch {
	case sh.InFlight.Len() > 0:
		return sh.InFlight.NextID()
	case sh.HaveTelemetry:
		return sh.Telemetry.ID + 1
	default:
		if c, ok := sh.Queue.First(); ok {
			return c.ID
		}
		return sh.Queue.NextID()
	}
}

// SendDirect sends cmd ahead of the queue on the next tick and returns it with
// the id it was sent under. Pending queue ids shift up to make room.
func (l *Loop) SendDirect(ctx context.Context, cmd protocol.Command) (protocol.Command, error) {
	req := directRequest{cmd: cmd, reply: make(chan directResult, 1)}
	select {
	case l.direct <- req:
	case <-l.done:
		return protocol.Command{}, ErrStopped
	case <-ctx.Done():
		return protocol.Command{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.cmd, r.err
	case <-l.done:
		return protocol.Command{}, ErrStopped
	case <-ctx.Done():
		return protocol.Command{}, ctx.Err()
	}
}

func (l *Loop) serveDirect(out *[]events.Event) {
	for {
		select {
		case req := <-l.direct:
			var res directResult
			l.st.With(func(sh *state.Shared) {
				res.cmd, res.err = l.sendDirect(sh, req.cmd, out)
			})
			req.reply <- res
		default:
			return
		}
	}
}

func (l *Loop) failDirect() {
	for {
		select {
		case req := <-l.direct:
			req.reply <- directResult{err: devicelink.ErrNotConnected}
		default:
			return
		}
	}
}

func (l *Loop) sendDirect(sh *state.Shared, cmd protocol.Command, out *[]events.Event) (protocol.Command, error) {
	cmd.ID = nextDirectID(sh)
	cmd.Speed = cmd.Speed.Scale(sh.SpeedOverride / 100)
	if err := l.send(cmd); err != nil {
		*out = append(*out, events.Event{Kind: events.LinkError, Link: events.LinkMotion, Command: &cmd, Err: err})
		return protocol.Command{}, err
	}

	head := sh.Queue.NextID()
	if c, ok := sh.Queue.First(); ok {
		head = c.ID
	}
	if head <= cmd.ID {
		sh.Queue.Increment(cmd.ID + 1 - head)
	}
	sh.InFlight.SetNextID(cmd.ID)
	sh.InFlight.AppendAuto(cmd)

	c := cmd
	*out = append(*out, events.Event{Kind: events.CommandSent, Link: events.LinkMotion, Command: &c})
	return cmd, nil
}

// SendStop sends an immediate stop frame without touching either queue. It is
// safe to call from any goroutine.
func (l *Loop) SendStop() error {
	var err error
	l.st.With(func(sh *state.Shared) {
		err = l.send(protocol.StopCommand(nextDirectID(sh)))
	})
	if err != nil {
		l.logf("stop frame failed: %v", err)
	}
	return err
}

// ForceStop halts a running queue in one critical section: processing is
// switched off, the stop frame is sent and both queues are cleared before any
// other goroutine can admit a command. It does nothing unless processing was
// on, and reports how many commands were dropped.
func (l *Loop) ForceStop() (dropped int, stopped bool, err error) {
	l.st.With(func(sh *state.Shared) {
		if !sh.Processing {
			return
		}
		stopped = true
		sh.Processing = false
		err = l.send(protocol.StopCommand(nextDirectID(sh)))
		dropped = sh.Queue.Len() + sh.InFlight.Len()
		sh.Queue.Clear()
		sh.InFlight.Clear()
	})
	if err != nil {
		l.logf("stop frame failed: %v", err)
	}
	return dropped, stopped, err
}

func ackEvent(c protocol.Command) events.Event {
	return events.Event{Kind: events.CommandAcknowledged, Link: events.LinkMotion, Command: &c}
}
