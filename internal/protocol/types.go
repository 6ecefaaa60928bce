// Package protocol defines the command and telemetry records exchanged with the
// robot controller and pumps, and the fixed-layout binary codecs for them.
package protocol

import (
	"fmt"
	"math"
)

// Coordinate is a pose plus one auxiliary component and one external axis.
type Coordinate struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Z   float64 `json:"z"`
	RX  float64 `json:"rx"`
	RY  float64 `json:"ry"`
	RZ  float64 `json:"rz"`
	Q   float64 `json:"q"`
	Ext float64 `json:"ext"`
}

// Add returns the componentwise sum c + o.
func (c Coordinate) Add(o Coordinate) Coordinate {
	return Coordinate{
		X: c.X + o.X, Y: c.Y + o.Y, Z: c.Z + o.Z,
		RX: c.RX + o.RX, RY: c.RY + o.RY, RZ: c.RZ + o.RZ,
		Q: c.Q + o.Q, Ext: c.Ext + o.Ext,
	}
}

// Sub returns the componentwise difference c - o.
func (c Coordinate) Sub(o Coordinate) Coordinate {
	return Coordinate{
		X: c.X - o.X, Y: c.Y - o.Y, Z: c.Z - o.Z,
		RX: c.RX - o.RX, RY: c.RY - o.RY, RZ: c.RZ - o.RZ,
		Q: c.Q - o.Q, Ext: c.Ext - o.Ext,
	}
}

// Round rounds every component to the given number of decimals.
func (c Coordinate) Round(decimals int) Coordinate {
	p := math.Pow(10, float64(decimals))
	r := func(v float64) float64 { return math.Round(v*p) / p }
	return Coordinate{
		X: r(c.X), Y: r(c.Y), Z: r(c.Z),
		RX: r(c.RX), RY: r(c.RY), RZ: r(c.RZ),
		Q: r(c.Q), Ext: r(c.Ext),
	}
}

// Active returns the components used for distance checks: X, Y, Z and the
// external axis. Rotations do not contribute to path length.
func (c Coordinate) Active() []float64 {
	return []float64{c.X, c.Y, c.Z, c.Ext}
}

func (c Coordinate) String() string {
	return fmt.Sprintf("[%.2f %.2f %.2f | %.2f %.2f %.2f | %.2f | %.2f]",
		c.X, c.Y, c.Z, c.RX, c.RY, c.RZ, c.Q, c.Ext)
}

// SpeedVector holds the motion speed parameters of a command.
type SpeedVector struct {
	Acc int32 `json:"acc"` // acceleration ramp
	Dec int32 `json:"dec"` // deceleration ramp
	TS  int32 `json:"ts"`  // transition speed, mm/s
	OS  int32 `json:"os"`  // orientation speed
}

// Scale multiplies every component by factor, rounding to the nearest integer.
// Used for live speed overrides.
func (s SpeedVector) Scale(factor float64) SpeedVector {
	r := func(v int32) int32 { return int32(math.Round(float64(v) * factor)) }
	return SpeedVector{Acc: r(s.Acc), Dec: r(s.Dec), TS: r(s.TS), OS: r(s.OS)}
}

// ToolCommand carries the actuator payload of a command. The controller passes it
// through to the device unchanged.
type ToolCommand struct {
	M1ID     int32 `json:"m1_id"`
	M1Steps  int32 `json:"m1_steps"`
	M2ID     int32 `json:"m2_id"`
	M2Steps  int32 `json:"m2_steps"`
	M3ID     int32 `json:"m3_id"`
	M3Steps  int32 `json:"m3_steps"`
	ClampID  int32 `json:"clamp_id"`
	Clamp    bool  `json:"clamp"`
	KnifeID  int32 `json:"knife_id"`
	Knife    bool  `json:"knife"`
	M4ID     int32 `json:"m4_id"`
	M4Steps  int32 `json:"m4_steps"`
	AuxID    int32 `json:"aux_id"`
	Aux      bool  `json:"aux"`
	TimeID   int32 `json:"time_id"`
	TimeTime int32 `json:"time_time"`
}

// Move types.
const (
	MoveLinear   byte = 'L'
	MoveJoint    byte = 'J'
	MoveCircular byte = 'C'
	MoveTool     byte = 'T'
	MoveStop     byte = 'S'
)

// Position types.
const (
	PosEuler      byte = 'E'
	PosQuaternion byte = 'Q'
	PosAxes       byte = 'A'
)

// SpeedMode selects whether a command's speed is derived from a duration or from
// its SpeedVector.
type SpeedMode byte

const (
	SpeedModeTime   SpeedMode = 'T'
	SpeedModeVector SpeedMode = 'V'
)

func (m SpeedMode) String() string {
	switch m {
	case SpeedModeTime:
		return "time"
	case SpeedModeVector:
		return "vector"
	default:
		return fmt.Sprintf("unknown(%d)", byte(m))
	}
}

// Command is one entry of the device's internal command queue.
type Command struct {
	ID             int32       `json:"id"`
	MoveType       byte        `json:"move_type"`
	PosType        byte        `json:"pos_type"`
	Primary        Coordinate  `json:"primary"`
	Secondary      Coordinate  `json:"secondary"`
	Speed          SpeedVector `json:"speed"`
	SpeedBasisTime int32       `json:"speed_basis_time"`
	SpeedMode      SpeedMode   `json:"speed_mode"`
	Zone           int32       `json:"zone"`
	Tool           ToolCommand `json:"tool"`

	// PumpMode optionally selects how pump speed is derived while this command
	// runs: "" leaves it to the pump settings, "default" forces the volume
	// formula, any other value names a profile.
	PumpMode  string  `json:"pump_mode,omitempty"`
	PumpRatio float64 `json:"pump_ratio"`
}

// StopCommand returns the command sent to halt the robot immediately.
func StopCommand(id int32) Command {
	return Command{
		ID:        id,
		MoveType:  MoveStop,
		PosType:   PosEuler,
		SpeedMode: SpeedModeVector,
	}
}

// Telemetry is the controller's report of the command it is executing and the
// current tool pose.
type Telemetry struct {
	ToolSpeed float32    `json:"tool_speed"`
	ID        int32      `json:"id"`
	Coord     Coordinate `json:"coord"`
}

// PumpTelemetry is one status sample from a pump drive.
type PumpTelemetry struct {
	Freq   float64 `json:"freq"`
	Volt   float64 `json:"volt"`
	Amps   float64 `json:"amps"`
	Torque float64 `json:"torque"`
}
