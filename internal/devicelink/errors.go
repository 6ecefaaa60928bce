package devicelink

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned when a link is used before Connect succeeds or
// after it has been closed.
var ErrNotConnected = errors.New("devicelink: not connected")

// TimeoutError is returned when a send or receive does not complete before its
// deadline. Bytes already read stay buffered in the link.
type TimeoutError struct {
	Link    string
	Op      string
	After   time.Duration
	Partial int
}

func (e *TimeoutError) Error() string {
	if e.Partial > 0 {
		return fmt.Sprintf("%s %s: timed out after %s with %d bytes buffered", e.Link, e.Op, e.After, e.Partial)
	}
	return fmt.Sprintf("%s %s: timed out after %s", e.Link, e.Op, e.After)
}

// Timeout lets callers treat the error like a net.Error timeout.
func (e *TimeoutError) Timeout() bool { return true }

// IOError wraps a transport failure. Lost is set when the link dropped the
// connection as a result.
type IOError struct {
	Link string
	Op   string
	Err  error
	Lost bool
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Link, e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// FrameSizeError is returned by Send when a frame does not match the configured
// write block length.
type FrameSizeError struct {
	Link string
	Want int
	Got  int
}

func (e *FrameSizeError) Error() string {
	return fmt.Sprintf("%s send: frame is %d bytes, write block length is %d", e.Link, e.Got, e.Want)
}

// IsTimeout reports whether err is a link timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
