package pump

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/armctl/internal/protocol"
)

// Base names the speed an anchor resolves to.
type Base string

const (
	BaseZero    Base = "zero"
	BaseMax     Base = "max"
	BaseMin     Base = "min"
	BaseDefault Base = "default" // volume formula for the running command
	BaseRetract Base = "retract" // configured retract speed
	BaseConn    Base = "conn"    // volume formula for the next command
)

// Interp selects how speed moves from one anchor to the next.
type Interp string

const (
	InterpInstant    Interp = "instant"
	InterpLinear     Interp = "linear"
	InterpSmoothstep Interp = "smoothstep"
)

// ModeDefault as a command's PumpMode forces the volume formula.
const ModeDefault = "default"

// Anchor is one point of a profile, active once the time left to the target
// drops to TimeUntilTarget seconds.
type Anchor struct {
	TimeUntilTarget float64
	Base            Base
	Interp          Interp
}

// Profile is a time-to-target speed schedule. Anchors are kept sorted by
// descending TimeUntilTarget.
type Profile struct {
	Name    string
	Anchors []Anchor
}

// NewProfile sorts anchors and returns the profile.
func NewProfile(name string, anchors []Anchor) Profile {
	sorted := slices.Clone(anchors)
	slices.SortStableFunc(sorted, func(a, b Anchor) int {
		switch {
		case a.TimeUntilTarget > b.TimeUntilTarget:
			return -1
		case a.TimeUntilTarget < b.TimeUntilTarget:
			return 1
		}
		return 0
	})
	return Profile{Name: name, Anchors: sorted}
}

// ProfileInput is what a profile needs to resolve its anchors.
type ProfileInput struct {
	Remaining float64 // distance left to the current target
	TS        float64 // transition speed of the current command
	Default   float64 // default-mode speed of the current command
	Conn      float64 // default-mode speed of the next command
	Retract   float64
}

func (in ProfileInput) resolve(b Base) float64 {
	switch b {
	case BaseMax:
		return 100
	case BaseMin:
		return -100
	case BaseDefault:
		return in.Default
	case BaseRetract:
		return in.Retract
	case BaseConn:
		return in.Conn
	}
	return 0
}

// Evaluate returns the profile speed for the given situation. The selected
// anchor is the first whose time is not greater than the time remaining; the
// value moves there from the previous anchor according to the selected
// anchor's interpolation.
func (p Profile) Evaluate(in ProfileInput) float64 {
	if len(p.Anchors) == 0 {
		return 0
	}
	remaining := math.Inf(1)
	if in.TS > 0 {
		remaining = in.Remaining / in.TS
	}

	i := slices.IndexFunc(p.Anchors, func(a Anchor) bool { return a.TimeUntilTarget <= remaining })
	switch i {
	case -1:
		return in.resolve(p.Anchors[len(p.Anchors)-1].Base)
	case 0:
		return in.resolve(p.Anchors[0].Base)
	}

	prev, cur := p.Anchors[i-1], p.Anchors[i]
	from, to := in.resolve(prev.Base), in.resolve(cur.Base)
	span := prev.TimeUntilTarget - cur.TimeUntilTarget
	t := 1.0
	if span > 0 {
		t = (prev.TimeUntilTarget - remaining) / span
	}
	t = min(max(t, 0), 1)

	switch cur.Interp {
	case InterpLinear:
		return from + (to-from)*t
	case InterpSmoothstep:
		return from + (to-from)*t*t*(3-2*t)
	default:
		return to
	}
}

// Clamp limits a speed to [-100, 100] percent.
func Clamp(percent float64) float64 {
	return min(max(percent, -100), 100)
}

// DefaultSpeed is the volume formula: transition speed in mm/s times the
// volume per distance, converted to litres and divided by the pump capacity in
// litres per second, as a clamped percentage.
func DefaultSpeed(ts, volumePerDistance, capacity float64) float64 {
	if capacity <= 0 {
		return 0
	}
	return Clamp(ts * volumePerDistance * 1e-3 / capacity * 100)
}

// LookaheadKind classifies a look-ahead walk.
type LookaheadKind int

const (
	// LookaheadClear means the window is covered and the ratio does not change.
	LookaheadClear LookaheadKind = iota
	// LookaheadPending means the queued commands end before the window does.
	LookaheadPending
	// LookaheadTransition means a command inside the window changes the ratio.
	LookaheadTransition
)

func (k LookaheadKind) String() string {
	switch k {
	case LookaheadClear:
		return "clear"
	case LookaheadPending:
		return "pending"
	case LookaheadTransition:
		return "transition"
	}
	return "unknown"
}

// LookaheadResult is the outcome of Lookahead. Next and Distance are set for
// transitions only.
type LookaheadResult struct {
	Kind LookaheadKind
	// Distance is the path length until Next begins.
	Distance float64
	Next     protocol.Command
	// Covered is how much path the walk examined.
	Covered float64
}

func hasPose(c protocol.Command) bool {
	return c.MoveType != protocol.MoveTool && c.MoveType != protocol.MoveStop
}

// Lookahead walks the path from position through current's target and the
// upcoming commands, looking for a pump ratio change within window.
func Lookahead(current protocol.Command, position protocol.Coordinate, upcoming []protocol.Command, window float64) LookaheadResult {
	prev := position.Active()
	acc := 0.0
	if hasPose(current) {
		acc = floats.Distance(prev, current.Primary.Active(), 2)
		prev = current.Primary.Active()
	}
	if acc > window {
		return LookaheadResult{Kind: LookaheadClear, Covered: acc}
	}

	for _, c := range upcoming {
		if c.PumpRatio != current.PumpRatio {
			return LookaheadResult{Kind: LookaheadTransition, Distance: acc, Next: c, Covered: acc}
		}
		if hasPose(c) {
			next := c.Primary.Active()
			acc += floats.Distance(prev, next, 2)
			prev = next
		}
		if acc > window {
			return LookaheadResult{Kind: LookaheadClear, Covered: acc}
		}
	}
	return LookaheadResult{Kind: LookaheadPending, Covered: acc}
}

// Params holds the auto-mode algorithm settings.
type Params struct {
	VolumePerDistance float64
	RetractSpeed      float64
	LookaheadDistance float64
	RetractFactor     float64
	PrerunFactor      float64
	Profiles          map[string]Profile
}

// Share returns the fraction of the flow pump idx delivers at the given ratio.
// The ratio is pump 0's share; pump 1 takes the rest and further pumps are
// never driven automatically.
func Share(idx int, ratio float64) float64 {
	ratio = min(max(ratio, 0), 1)
	switch idx {
	case 0:
		return ratio
	case 1:
		return 1 - ratio
	}
	return 0
}

// Situation is the motion context an auto-mode speed is derived from.
type Situation struct {
	Current  protocol.Command
	Upcoming []protocol.Command
	Position protocol.Coordinate
	// Profile applies when Current names no pump mode.
	Profile string
}

// Decision is an auto-mode speed with the look-ahead that shaped it.
type Decision struct {
	Percent   float64
	Base      float64
	Lookahead LookaheadResult
}

// BaseSpeed returns the total flow speed for the situation before it is split
// between pumps.
func (p Params) BaseSpeed(capacity float64, s Situation) float64 {
	cur := DefaultSpeed(float64(s.Current.Speed.TS), p.VolumePerDistance, capacity)

	mode := s.Current.PumpMode
	if mode == "" {
		mode = s.Profile
	}
	prof, ok := p.Profiles[mode]
	if mode == "" || mode == ModeDefault || !ok {
		return cur
	}

	var conn float64
	if len(s.Upcoming) > 0 {
		conn = DefaultSpeed(float64(s.Upcoming[0].Speed.TS), p.VolumePerDistance, capacity)
	}
	var remaining float64
	if hasPose(s.Current) {
		remaining = floats.Distance(s.Position.Active(), s.Current.Primary.Active(), 2)
	}
	return Clamp(prof.Evaluate(ProfileInput{
		Remaining: remaining,
		TS:        float64(s.Current.Speed.TS),
		Default:   cur,
		Conn:      conn,
		Retract:   p.RetractSpeed,
	}))
}

// Auto derives the speed of pump idx. A ratio change inside the look-ahead
// window scales a pump losing share down by RetractFactor and brings a pump
// gaining share up to PrerunFactor of its next speed.
func (p Params) Auto(idx int, capacity float64, s Situation) Decision {
	base := p.BaseSpeed(capacity, s)
	d := Decision{Base: base, Percent: base * Share(idx, s.Current.PumpRatio)}

	if p.LookaheadDistance <= 0 {
		d.Percent = Clamp(d.Percent)
		return d
	}
	d.Lookahead = Lookahead(s.Current, s.Position, s.Upcoming, p.LookaheadDistance)
	if d.Lookahead.Kind == LookaheadTransition {
		next := d.Lookahead.Next
		share, nextShare := Share(idx, s.Current.PumpRatio), Share(idx, next.PumpRatio)
		switch {
		case nextShare < share:
			d.Percent *= p.RetractFactor
		case nextShare > share:
			target := DefaultSpeed(float64(next.Speed.TS), p.VolumePerDistance, capacity) * nextShare
			d.Percent = max(d.Percent, target*p.PrerunFactor)
		}
	}
	d.Percent = Clamp(d.Percent)
	return d
}
