package protocol

import (
	"encoding/binary"
	"math"
)

// PumpTelemetryLength is the number of meaningful bytes at the start of a pump
// status frame. The configured read block may be longer.
const PumpTelemetryLength = 16

// EncodePumpSpeed builds a pump speed frame: one little-endian f32 percentage
// zero-padded to blockLen bytes.
func EncodePumpSpeed(percent float64, blockLen int) ([]byte, error) {
	if blockLen < 4 {
		return nil, &FrameLengthError{Frame: "pump speed", Want: 4, Got: blockLen}
	}
	frame := make([]byte, blockLen)
	binary.LittleEndian.PutUint32(frame, math.Float32bits(float32(percent)))
	return frame, nil
}

// DecodePumpSpeed reads the percentage back out of a pump speed frame.
func DecodePumpSpeed(frame []byte) (float64, error) {
	if len(frame) < 4 {
		return 0, &FrameLengthError{Frame: "pump speed", Want: 4, Got: len(frame)}
	}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(frame))), nil
}

// DecodePumpTelemetry parses freq, volt, amps and torque from a pump status frame.
func DecodePumpTelemetry(frame []byte) (PumpTelemetry, error) {
	if len(frame) < PumpTelemetryLength {
		return PumpTelemetry{}, &FrameLengthError{Frame: "pump telemetry", Want: PumpTelemetryLength, Got: len(frame)}
	}
	f := func(i int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(frame[i*4:])))
	}
	return PumpTelemetry{Freq: f(0), Volt: f(1), Amps: f(2), Torque: f(3)}, nil
}

// EncodePumpTelemetry builds a status frame of blockLen bytes.
func EncodePumpTelemetry(t PumpTelemetry, blockLen int) ([]byte, error) {
	if blockLen < PumpTelemetryLength {
		return nil, &FrameLengthError{Frame: "pump telemetry", Want: PumpTelemetryLength, Got: blockLen}
	}
	frame := make([]byte, blockLen)
	for i, v := range []float64{t.Freq, t.Volt, t.Amps, t.Torque} {
		binary.LittleEndian.PutUint32(frame[i*4:], math.Float32bits(float32(v)))
	}
	return frame, nil
}

// FrequencyPercent converts a drive frequency into a signed speed percentage of
// maxFreq. A non-positive maxFreq yields 0.
func FrequencyPercent(freq, maxFreq float64) float64 {
	if maxFreq <= 0 {
		return 0
	}
	return freq / maxFreq * 100
}
