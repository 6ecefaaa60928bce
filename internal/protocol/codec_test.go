package protocol

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCommand() Command {
	return Command{
		ID:             42,
		MoveType:       MoveLinear,
		PosType:        PosEuler,
		Primary:        Coordinate{X: 100, Y: -20.5, Z: 300, RX: 0, RY: 90, RZ: 180, Q: 0.5, Ext: 1200},
		Secondary:      Coordinate{X: 1, Y: 2, Z: 3},
		Speed:          SpeedVector{Acc: 10, Dec: 20, TS: 200, OS: 50},
		SpeedBasisTime: 7,
		SpeedMode:      SpeedModeVector,
		Zone:           5,
		Tool: ToolCommand{
			M1ID: 1, M1Steps: 100,
			M2ID: 2, M2Steps: -200,
			M3ID: 3, M3Steps: 300,
			ClampID: 4, Clamp: true,
			KnifeID: 5, Knife: false,
			M4ID: 6, M4Steps: 400,
			AuxID: 7, Aux: true,
			TimeID: 8, TimeTime: 1500,
		},
	}
}

func TestEncodeCommand_Length(t *testing.T) {
	for _, cmd := range []Command{{}, sampleCommand(), StopCommand(-1)} {
		frame, err := EncodeCommand(cmd)
		require.NoError(t, err)
		assert.Len(t, frame, CommandFrameLength)
	}
}

func TestEncodeCommand_Layout(t *testing.T) {
	frame, err := EncodeCommand(sampleCommand())
	require.NoError(t, err)

	le := binary.LittleEndian
	f32 := func(off int) float32 { return math.Float32frombits(le.Uint32(frame[off:])) }
	i32 := func(off int) int32 { return int32(le.Uint32(frame[off:])) }

	assert.Equal(t, int32(42), i32(0))
	assert.Equal(t, MoveLinear, frame[4])
	assert.Equal(t, PosEuler, frame[5])
	assert.Equal(t, float32(100), f32(6))
	assert.Equal(t, float32(-20.5), f32(10))
	assert.Equal(t, float32(1200), f32(6+7*4))   // primary ext
	assert.Equal(t, float32(1), f32(6+8*4))      // secondary x
	assert.Equal(t, int32(10), i32(70))          // acc
	assert.Equal(t, int32(200), i32(78))         // ts
	assert.Equal(t, int32(7), i32(86))           // speed basis time
	assert.Equal(t, byte(SpeedModeVector), frame[90]) // speed mode
	assert.Equal(t, int32(5), i32(91))           // zone
	assert.Equal(t, int32(1), i32(95))           // m1 id
	assert.Equal(t, int32(-200), i32(107))       // m2 steps
	assert.Equal(t, int32(1), i32(123))          // clamp flag
	assert.Equal(t, int32(0), i32(131))          // knife flag
	assert.Equal(t, int32(1500), i32(155))       // timed action duration
}

func TestDecodeCommand_InverseOfEncode(t *testing.T) {
	cmd := sampleCommand()
	frame, err := EncodeCommand(cmd)
	require.NoError(t, err)

	got, err := DecodeCommand(frame)
	require.NoError(t, err)
	if diff := cmp.Diff(cmd, got); diff != "" {
		t.Errorf("DecodeCommand mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeTelemetry(t *testing.T) {
	frame := make([]byte, TelemetryFrameLength)
	le := binary.LittleEndian
	le.PutUint32(frame[0:], math.Float32bits(12.5))
	le.PutUint32(frame[4:], uint32(int32(17)))
	for i, v := range []float32{1, 2, 3, 4, 5, 6, 7} {
		le.PutUint32(frame[8+i*4:], math.Float32bits(v))
	}

	tel, err := DecodeTelemetry(frame)
	require.NoError(t, err)

	want := Telemetry{
		ToolSpeed: 12.5,
		ID:        17,
		Coord:     Coordinate{X: 1, Y: 2, Z: 3, RX: 4, RY: 5, RZ: 6, Ext: 7},
	}
	assert.Equal(t, want, tel)
}

func TestDecodeTelemetry_Short(t *testing.T) {
	_, err := DecodeTelemetry(make([]byte, TelemetryFrameLength-1))
	var fle *FrameLengthError
	require.True(t, errors.As(err, &fle), "expected FrameLengthError, got %v", err)
	assert.Equal(t, TelemetryFrameLength, fle.Want)
	assert.Equal(t, TelemetryFrameLength-1, fle.Got)
}

func TestTelemetryRoundTrip(t *testing.T) {
	in := Telemetry{ToolSpeed: 3, ID: 2999, Coord: Coordinate{X: 10, Y: 20, Z: 30, Ext: 40}}
	frame, err := EncodeTelemetry(in)
	require.NoError(t, err)
	require.Len(t, frame, TelemetryFrameLength)

	out, err := DecodeTelemetry(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestPumpFrames(t *testing.T) {
	frame, err := EncodePumpSpeed(-42.5, 8)
	require.NoError(t, err)
	assert.Len(t, frame, 8)
	speed, err := DecodePumpSpeed(frame)
	require.NoError(t, err)
	assert.InDelta(t, -42.5, speed, 1e-6)

	_, err = EncodePumpSpeed(10, 2)
	assert.Error(t, err)

	status := PumpTelemetry{Freq: 25, Volt: 230, Amps: 1.5, Torque: 12}
	frame, err = EncodePumpTelemetry(status, 20)
	require.NoError(t, err)
	got, err := DecodePumpTelemetry(frame)
	require.NoError(t, err)
	assert.Equal(t, status, got)

	_, err = DecodePumpTelemetry(frame[:10])
	assert.Error(t, err)
}

func TestFrequencyPercent(t *testing.T) {
	assert.InDelta(t, 50.0, FrequencyPercent(25, 50), 1e-9)
	assert.InDelta(t, -100.0, FrequencyPercent(-50, 50), 1e-9)
	assert.Equal(t, 0.0, FrequencyPercent(10, 0))
}
