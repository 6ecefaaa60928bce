// Package devicelink owns the byte-stream connection to one device and frames
// fixed-length reads and writes over it with bounded timeouts.
package devicelink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Conn is the minimal connection a Link drives. *net.TCPConn satisfies it, as
// does the serial adapter below.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Dialer opens the connection described by cfg. The context carries the
// connect timeout.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cfg Config) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, cfg Config) (Conn, error) { return f(ctx, cfg) }

// DefaultDialer dials TCP with net.Dialer and opens serial devices with
// go.bug.st/serial.
var DefaultDialer Dialer = DialerFunc(dial)

func dial(ctx context.Context, cfg Config) (Conn, error) {
	switch cfg.Transport {
	case TransportSerial:
		mode, err := cfg.Serial.SerialMode()
		if err != nil {
			return nil, err
		}
		port, err := serial.Open(cfg.Address, mode)
		if err != nil {
			return nil, err
		}
		return &serialConn{Port: port}, nil
	case TransportTCP, "":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", cfg.Address)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// serialConn maps deadlines onto the port's read timeout. A serial read that
// times out returns (0, nil); Link.Receive treats that as an expired deadline.
type serialConn struct {
	serial.Port
}

func (s *serialConn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		return s.Port.SetReadTimeout(serial.NoTimeout)
	}
	d := time.Until(t)
	if d <= 0 {
		d = time.Millisecond
	}
	return s.Port.SetReadTimeout(d)
}

func (s *serialConn) SetWriteDeadline(time.Time) error { return nil }

// Link is one device connection. Send and Receive are meant to be called from
// the single loop that owns the link; Close may be called from anywhere.
type Link struct {
	cfg    Config
	dialer Dialer

	mu      sync.Mutex
	conn    Conn
	pending []byte
}

// New returns an unconnected link. A nil dialer selects DefaultDialer.
func New(cfg Config, dialer Dialer) *Link {
	if dialer == nil {
		dialer = DefaultDialer
	}
	return &Link{cfg: cfg.withDefaults(), dialer: dialer}
}

// Config returns the link's effective configuration.
func (l *Link) Config() Config { return l.cfg }

// Name returns the link label.
func (l *Link) Name() string { return l.cfg.Name }

// Connected reports whether the link currently holds a connection.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Connect dials the device, bounded by the configured connect timeout. It is a
// no-op on a connected link.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	conn, err := l.dialer.Dial(ctx, l.cfg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isDeadline(err) {
			return &TimeoutError{Link: l.cfg.Name, Op: "connect", After: l.cfg.ConnectTimeout}
		}
		return &IOError{Link: l.cfg.Name, Op: "connect", Err: err}
	}
	l.conn = conn
	l.pending = nil
	return nil
}

// Send writes one frame. The frame must match the configured write block length
// when one is set.
func (l *Link) Send(frame []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return 0, ErrNotConnected
	}
	if l.cfg.WriteBlockLength > 0 && len(frame) != l.cfg.WriteBlockLength {
		return 0, &FrameSizeError{Link: l.cfg.Name, Want: l.cfg.WriteBlockLength, Got: len(frame)}
	}

	if err := l.conn.SetWriteDeadline(time.Now().Add(l.cfg.RWTimeout)); err != nil {
		return 0, &IOError{Link: l.cfg.Name, Op: "send", Err: err}
	}
	n, err := l.conn.Write(frame)
	if err != nil {
		if isDeadline(err) {
			return n, &TimeoutError{Link: l.cfg.Name, Op: "send", After: l.cfg.RWTimeout}
		}
		return n, l.fail("send", err)
	}
	if n != len(frame) {
		return n, &IOError{Link: l.cfg.Name, Op: "send", Err: io.ErrShortWrite}
	}
	return n, nil
}

// Receive reads exactly expectedLen bytes or fails. A timeout keeps whatever
// arrived so the next call continues the same frame; it never returns a short
// buffer.
func (l *Link) Receive(expectedLen int, timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = l.cfg.RWTimeout
	}

	deadline := time.Now().Add(timeout)
	if err := l.conn.SetReadDeadline(deadline); err != nil {
		return nil, &IOError{Link: l.cfg.Name, Op: "receive", Err: err}
	}

	chunk := make([]byte, expectedLen)
	for len(l.pending) < expectedLen {
		n, err := l.conn.Read(chunk[:expectedLen-len(l.pending)])
		l.pending = append(l.pending, chunk[:n]...)
		if err != nil {
			if isDeadline(err) {
				return nil, &TimeoutError{Link: l.cfg.Name, Op: "receive", After: timeout, Partial: len(l.pending)}
			}
			return nil, l.fail("receive", err)
		}
		if n == 0 && !time.Now().Before(deadline) {
			return nil, &TimeoutError{Link: l.cfg.Name, Op: "receive", After: timeout, Partial: len(l.pending)}
		}
	}

	frame := make([]byte, expectedLen)
	copy(frame, l.pending)
	l.pending = l.pending[expectedLen:]
	if len(l.pending) == 0 {
		l.pending = nil
	}
	return frame, nil
}

// Close drops the connection. Closing an unconnected link is not an error.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	l.pending = nil
	return err
}

// fail wraps err and drops the connection when the peer is gone. Caller holds mu.
func (l *Link) fail(op string, err error) error {
	lost := errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
	if lost {
		l.conn.Close()
		l.conn = nil
		l.pending = nil
	}
	return &IOError{Link: l.cfg.Name, Op: op, Err: err, Lost: lost}
}

func isDeadline(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
