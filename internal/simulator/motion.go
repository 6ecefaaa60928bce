// Package simulator provides stand-in devices that speak the controller's wire
// protocol, for integration tests and bench work without hardware.
package simulator

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/armctl/internal/monitoring"
	"github.com/banshee-data/armctl/internal/protocol"
)

// MotionConfig configures a simulated robot controller.
type MotionConfig struct {
	// Buffer is the size of the device's internal command buffer.
	Buffer int
	// Ceiling is where the reported id wraps to zero.
	Ceiling int32
	// StepInterval is how long each command takes. Zero means commands only
	// advance on Step.
	StepInterval time.Duration
	// TelemetryInterval is how often a telemetry frame is sent.
	TelemetryInterval time.Duration
}

func (c MotionConfig) withDefaults() MotionConfig {
	if c.Buffer <= 0 {
		c.Buffer = 20
	}
	if c.Ceiling <= 0 {
		c.Ceiling = 3000
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = 10 * time.Millisecond
	}
	return c
}

// Motion is a simulated robot controller. It accepts one connection at a time.
type Motion struct {
	cfg  MotionConfig
	logf func(format string, v ...interface{})

	mu       sync.Mutex
	buffer   []protocol.Command
	current  protocol.Command
	busy     bool
	pos      protocol.Coordinate
	received []protocol.Command
	overflow int
	stops    int
	mute     bool
}

// NewMotion returns a simulator with an empty buffer.
func NewMotion(cfg MotionConfig) *Motion {
	return &Motion{cfg: cfg.withDefaults(), logf: monitoring.Prefixed("sim motion")}
}

// Serve accepts connections on ln until ctx is done.
func (m *Motion) Serve(ctx context.Context, ln net.Listener) error {
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
		m.logf("client connected from %s", conn.RemoteAddr())
		m.handle(ctx, conn)
	}
}

func (m *Motion) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		frame := make([]byte, protocol.CommandFrameLength)
		for {
			if _, err := io.ReadFull(conn, frame); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					m.logf("read: %v", err)
				}
				return
			}
			cmd, err := protocol.DecodeCommand(frame)
			if err != nil {
				m.logf("bad frame: %v", err)
				continue
			}
			m.accept(cmd)
		}
	}()

	tel := time.NewTicker(m.cfg.TelemetryInterval)
	defer tel.Stop()
	var step <-chan time.Time
	if m.cfg.StepInterval > 0 {
		t := time.NewTicker(m.cfg.StepInterval)
		defer t.Stop()
		step = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-step:
			m.Step()
		case <-tel.C:
			if m.Muted() {
				continue
			}
			frame, err := protocol.EncodeTelemetry(m.Telemetry())
			if err != nil {
				m.logf("encode: %v", err)
				continue
			}
			if _, err := conn.Write(frame); err != nil {
				return
			}
		}
	}
}

func (m *Motion) accept(cmd protocol.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, cmd)
	if cmd.MoveType == protocol.MoveStop {
		m.stops++
		m.buffer = nil
		m.busy = false
		return
	}
	if len(m.buffer) >= m.cfg.Buffer {
		m.overflow++
		m.logf("buffer overflow, dropping command %d", cmd.ID)
		return
	}
	m.buffer = append(m.buffer, cmd)
	if !m.busy {
		m.startNextLocked()
	}
}

func (m *Motion) startNextLocked() {
	if len(m.buffer) == 0 {
		m.busy = false
		return
	}
	m.current = m.buffer[0]
	m.buffer = m.buffer[1:]
	m.busy = true
}

// Step finishes the running command: the tool arrives at its target and the
// next buffered command starts.
func (m *Motion) Step() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.busy {
		return
	}
	if m.current.MoveType != protocol.MoveTool {
		m.pos = m.current.Primary
	}
	if len(m.buffer) > 0 {
		m.startNextLocked()
	}
}

// Telemetry returns the frame the device would report now.
func (m *Motion) Telemetry() protocol.Telemetry {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.current.ID % m.cfg.Ceiling
	return protocol.Telemetry{ToolSpeed: float32(m.current.Speed.TS), ID: id, Coord: m.pos}
}

// SetMuted stops or restarts telemetry, to simulate a silent controller.
func (m *Motion) SetMuted(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mute = v
}

func (m *Motion) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mute
}

// Received returns every command received so far.
func (m *Motion) Received() []protocol.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Command(nil), m.received...)
}

// Overflows returns how many commands arrived while the buffer was full.
func (m *Motion) Overflows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflow
}

// Stops returns how many stop frames arrived.
func (m *Motion) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// Buffered returns the number of commands waiting behind the running one.
func (m *Motion) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}
