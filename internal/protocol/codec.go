package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// CommandFrameLength is the size of an outbound motion command frame.
	CommandFrameLength = 159
	// TelemetryFrameLength is the size of an inbound motion telemetry frame.
	TelemetryFrameLength = 36
)

// FrameLengthError reports a frame whose byte count does not match its layout.
type FrameLengthError struct {
	Frame string
	Want  int
	Got   int
}

func (e *FrameLengthError) Error() string {
	return fmt.Sprintf("%s frame: got %d bytes, want %d", e.Frame, e.Got, e.Want)
}

// wire layouts. binary.Write packs struct fields without padding.
type wireCoord [8]float32

type wireCommand struct {
	ID             int32
	MoveType       uint8
	PosType        uint8
	Primary        wireCoord
	Secondary      wireCoord
	Acc            int32
	Dec            int32
	TS             int32
	OS             int32
	SpeedBasisTime int32
	SpeedMode      uint8
	Zone           int32
	M1ID, M1Steps  int32
	M2ID, M2Steps  int32
	M3ID, M3Steps  int32
	ClampID, Clamp int32
	KnifeID, Knife int32
	M4ID, M4Steps  int32
	AuxID, Aux     int32
	TimeID, Time   int32
}

type wireTelemetry struct {
	ToolSpeed float32
	ID        int32
	// X, Y, Z, RX, RY, RZ, Ext
	Coord [7]float32
}

func toWireCoord(c Coordinate) wireCoord {
	return wireCoord{
		float32(c.X), float32(c.Y), float32(c.Z),
		float32(c.RX), float32(c.RY), float32(c.RZ),
		float32(c.Q), float32(c.Ext),
	}
}

func fromWireCoord(w wireCoord) Coordinate {
	return Coordinate{
		X: float64(w[0]), Y: float64(w[1]), Z: float64(w[2]),
		RX: float64(w[3]), RY: float64(w[4]), RZ: float64(w[5]),
		Q: float64(w[6]), Ext: float64(w[7]),
	}
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// EncodeCommand serialises cmd into a CommandFrameLength little-endian frame.
func EncodeCommand(cmd Command) ([]byte, error) {
	w := wireCommand{
		ID:             cmd.ID,
		MoveType:       cmd.MoveType,
		PosType:        cmd.PosType,
		Primary:        toWireCoord(cmd.Primary),
		Secondary:      toWireCoord(cmd.Secondary),
		Acc:            cmd.Speed.Acc,
		Dec:            cmd.Speed.Dec,
		TS:             cmd.Speed.TS,
		OS:             cmd.Speed.OS,
		SpeedBasisTime: cmd.SpeedBasisTime,
		SpeedMode:      uint8(cmd.SpeedMode),
		Zone:           cmd.Zone,
		M1ID:           cmd.Tool.M1ID,
		M1Steps:        cmd.Tool.M1Steps,
		M2ID:           cmd.Tool.M2ID,
		M2Steps:        cmd.Tool.M2Steps,
		M3ID:           cmd.Tool.M3ID,
		M3Steps:        cmd.Tool.M3Steps,
		ClampID:        cmd.Tool.ClampID,
		Clamp:          boolToInt32(cmd.Tool.Clamp),
		KnifeID:        cmd.Tool.KnifeID,
		Knife:          boolToInt32(cmd.Tool.Knife),
		M4ID:           cmd.Tool.M4ID,
		M4Steps:        cmd.Tool.M4Steps,
		AuxID:          cmd.Tool.AuxID,
		Aux:            boolToInt32(cmd.Tool.Aux),
		TimeID:         cmd.Tool.TimeID,
		Time:           cmd.Tool.TimeTime,
	}

	buf := bytes.NewBuffer(make([]byte, 0, CommandFrameLength))
	if err := binary.Write(buf, binary.LittleEndian, &w); err != nil {
		return nil, fmt.Errorf("encode command %d: %w", cmd.ID, err)
	}
	if buf.Len() != CommandFrameLength {
		return nil, &FrameLengthError{Frame: "command", Want: CommandFrameLength, Got: buf.Len()}
	}
	return buf.Bytes(), nil
}

// DecodeCommand parses a command frame. Only the simulator needs this direction.
func DecodeCommand(frame []byte) (Command, error) {
	if len(frame) < CommandFrameLength {
		return Command{}, &FrameLengthError{Frame: "command", Want: CommandFrameLength, Got: len(frame)}
	}
	var w wireCommand
	if err := binary.Read(bytes.NewReader(frame[:CommandFrameLength]), binary.LittleEndian, &w); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return Command{
		ID:             w.ID,
		MoveType:       w.MoveType,
		PosType:        w.PosType,
		Primary:        fromWireCoord(w.Primary),
		Secondary:      fromWireCoord(w.Secondary),
		Speed:          SpeedVector{Acc: w.Acc, Dec: w.Dec, TS: w.TS, OS: w.OS},
		SpeedBasisTime: w.SpeedBasisTime,
		SpeedMode:      SpeedMode(w.SpeedMode),
		Zone:           w.Zone,
		Tool: ToolCommand{
			M1ID: w.M1ID, M1Steps: w.M1Steps,
			M2ID: w.M2ID, M2Steps: w.M2Steps,
			M3ID: w.M3ID, M3Steps: w.M3Steps,
			ClampID: w.ClampID, Clamp: w.Clamp != 0,
			KnifeID: w.KnifeID, Knife: w.Knife != 0,
			M4ID: w.M4ID, M4Steps: w.M4Steps,
			AuxID: w.AuxID, Aux: w.Aux != 0,
			TimeID: w.TimeID, TimeTime: w.Time,
		},
	}, nil
}

// DecodeTelemetry parses a TelemetryFrameLength frame from the controller. Any
// bytes past the frame are ignored.
func DecodeTelemetry(frame []byte) (Telemetry, error) {
	if len(frame) < TelemetryFrameLength {
		return Telemetry{}, &FrameLengthError{Frame: "telemetry", Want: TelemetryFrameLength, Got: len(frame)}
	}
	var w wireTelemetry
	if err := binary.Read(bytes.NewReader(frame[:TelemetryFrameLength]), binary.LittleEndian, &w); err != nil {
		return Telemetry{}, fmt.Errorf("decode telemetry: %w", err)
	}
	return Telemetry{
		ToolSpeed: w.ToolSpeed,
		ID:        w.ID,
		Coord: Coordinate{
			X: float64(w.Coord[0]), Y: float64(w.Coord[1]), Z: float64(w.Coord[2]),
			RX: float64(w.Coord[3]), RY: float64(w.Coord[4]), RZ: float64(w.Coord[5]),
			Ext: float64(w.Coord[6]),
		},
	}, nil
}

// EncodeTelemetry serialises t the way the controller does. The Q component is
// not part of the telemetry frame.
func EncodeTelemetry(t Telemetry) ([]byte, error) {
	w := wireTelemetry{
		ToolSpeed: t.ToolSpeed,
		ID:        t.ID,
		Coord: [7]float32{
			float32(t.Coord.X), float32(t.Coord.Y), float32(t.Coord.Z),
			float32(t.Coord.RX), float32(t.Coord.RY), float32(t.Coord.RZ),
			float32(t.Coord.Ext),
		},
	}
	buf := bytes.NewBuffer(make([]byte, 0, TelemetryFrameLength))
	if err := binary.Write(buf, binary.LittleEndian, &w); err != nil {
		return nil, fmt.Errorf("encode telemetry: %w", err)
	}
	if buf.Len() != TelemetryFrameLength {
		return nil, &FrameLengthError{Frame: "telemetry", Want: TelemetryFrameLength, Got: buf.Len()}
	}
	return buf.Bytes(), nil
}
