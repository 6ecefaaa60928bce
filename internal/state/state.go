// Package state holds the data shared between the motion loop, the pump loop and
// external producers, behind a single mutex.
package state

import (
	"sync"

	"github.com/banshee-data/armctl/internal/protocol"
	"github.com/banshee-data/armctl/internal/queue"
)

// PumpMode selects how a pump's speed is chosen.
type PumpMode string

const (
	PumpOff    PumpMode = "off"
	PumpManual PumpMode = "manual"
	PumpAuto   PumpMode = "auto"
)

// Valid reports whether m is a known mode.
func (m PumpMode) Valid() bool {
	switch m {
	case PumpOff, PumpManual, PumpAuto:
		return true
	}
	return false
}

// Pump is the shared view of one pump.
type Pump struct {
	Name string
	Mode PumpMode
	// ManualPercent is the operator-set speed used in manual mode.
	ManualPercent float64
	// Override scales the derived speed in percent; 100 leaves it unchanged.
	Override float64
	// Profile is applied in auto mode when the running command names none.
	Profile string

	TargetPercent float64 // last speed sent
	SpeedPercent  float64 // last speed reported by the drive
	Telemetry     protocol.PumpTelemetry
	Connected     bool
}

// Shared is everything guarded by the State mutex. It is only ever touched
// inside State.With.
type Shared struct {
	Queue    *queue.Queue
	InFlight *queue.Queue

	Telemetry     protocol.Telemetry
	HaveTelemetry bool

	// MoveStart and MoveEnd bound the movement currently executing.
	MoveStart protocol.Coordinate
	MoveEnd   protocol.Coordinate

	Processing bool
	// SpeedOverride scales outgoing command speeds in percent.
	SpeedOverride float64

	MotionConnected bool

	Pumps []*Pump
}

// Pump returns the named pump or nil.
func (s *Shared) Pump(name string) *Pump {
	for _, p := range s.Pumps {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// PumpIndex returns the position of the named pump or -1.
func (s *Shared) PumpIndex(name string) int {
	for i, p := range s.Pumps {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Current returns the command the controller is executing: the in-flight entry
// matching the last telemetry id, else the head of the in-flight queue, else the
// head of the pending queue.
func (s *Shared) Current() (protocol.Command, bool) {
	if s.HaveTelemetry {
		if c, ok := s.InFlight.Get(s.Telemetry.ID); ok {
			return c, true
		}
	}
	if c, ok := s.InFlight.First(); ok {
		return c, true
	}
	return s.Queue.First()
}

// Upcoming returns up to n commands following the current one, in execution
// order across the in-flight and pending queues.
func (s *Shared) Upcoming(n int) []protocol.Command {
	cur, ok := s.Current()
	if !ok {
		return nil
	}
	out := make([]protocol.Command, 0, n)
	for _, c := range s.InFlight.Snapshot() {
		if len(out) == n {
			return out
		}
		if c.ID > cur.ID {
			out = append(out, c)
		}
	}
	for _, c := range s.Queue.Peek(n) {
		if len(out) == n {
			break
		}
		if c.ID > cur.ID {
			out = append(out, c)
		}
	}
	return out
}

// State owns Shared and its lock.
type State struct {
	mu     sync.Mutex
	shared Shared
}

// New returns the shared state for a controller with the given pumps. The first
// queued command receives firstID.
func New(firstID int32, pumps []string) *State {
	s := &State{shared: Shared{
		Queue:         queue.New(firstID),
		InFlight:      queue.New(firstID),
		SpeedOverride: 100,
	}}
	for _, name := range pumps {
		s.shared.Pumps = append(s.shared.Pumps, &Pump{Name: name, Mode: PumpOff, Override: 100})
	}
	return s
}

// With runs fn while holding the lock. fn must not block or retain the pointer.
func (s *State) With(fn func(*Shared)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.shared)
}

// View is a detached copy of the shared state for display.
type View struct {
	Queue         []protocol.Command
	InFlight      []protocol.Command
	Telemetry     protocol.Telemetry
	HaveTelemetry bool
	Processing    bool
	SpeedOverride float64
	Connected     bool
	Pumps         []Pump
}

// Snapshot copies the shared state.
func (s *State) Snapshot() View {
	var v View
	s.With(func(sh *Shared) {
		v = View{
			Queue:         sh.Queue.Snapshot(),
			InFlight:      sh.InFlight.Snapshot(),
			Telemetry:     sh.Telemetry,
			HaveTelemetry: sh.HaveTelemetry,
			Processing:    sh.Processing,
			SpeedOverride: sh.SpeedOverride,
			Connected:     sh.MotionConnected,
		}
		for _, p := range sh.Pumps {
			v.Pumps = append(v.Pumps, *p)
		}
	})
	return v
}
