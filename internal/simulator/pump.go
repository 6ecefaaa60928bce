package simulator

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"

	"github.com/banshee-data/armctl/internal/monitoring"
	"github.com/banshee-data/armctl/internal/protocol"
)

// PumpConfig configures a simulated pump drive.
type PumpConfig struct {
	// SpeedFrameLength is the size of the speed frames the controller sends.
	SpeedFrameLength int
	// StatusFrameLength is the size of the status frames sent back.
	StatusFrameLength int
	MaxFrequency      float64
}

func (c PumpConfig) withDefaults() PumpConfig {
	if c.SpeedFrameLength < 4 {
		c.SpeedFrameLength = 4
	}
	if c.StatusFrameLength < protocol.PumpTelemetryLength {
		c.StatusFrameLength = protocol.PumpTelemetryLength
	}
	if c.MaxFrequency <= 0 {
		c.MaxFrequency = 50
	}
	return c
}

// Pump answers every speed frame with a status frame whose frequency tracks
// the commanded speed.
type Pump struct {
	cfg  PumpConfig
	logf func(format string, v ...interface{})

	mu     sync.Mutex
	speed  float64
	frames int
}

func NewPump(cfg PumpConfig) *Pump {
	return &Pump{cfg: cfg.withDefaults(), logf: monitoring.Prefixed("sim pump")}
}

// Serve accepts connections on ln until ctx is done.
func (p *Pump) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.handle(conn)
	}
}

func (p *Pump) handle(conn net.Conn) {
	defer conn.Close()
	frame := make([]byte, p.cfg.SpeedFrameLength)
	for {
		if _, err := io.ReadFull(conn, frame); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.logf("read: %v", err)
			}
			return
		}
		speed, err := protocol.DecodePumpSpeed(frame)
		if err != nil {
			continue
		}
		out, err := protocol.EncodePumpTelemetry(p.status(speed), p.cfg.StatusFrameLength)
		if err != nil {
			p.logf("encode: %v", err)
			return
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (p *Pump) status(speed float64) protocol.PumpTelemetry {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speed = speed
	p.frames++
	return protocol.PumpTelemetry{
		Freq:   speed / 100 * p.cfg.MaxFrequency,
		Volt:   230,
		Amps:   math.Abs(speed) * 0.05,
		Torque: speed * 0.1,
	}
}

// Speed returns the last commanded speed.
func (p *Pump) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// Frames returns how many speed frames were received.
func (p *Pump) Frames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}
