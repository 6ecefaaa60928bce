// Package watchdog detects links that have gone silent.
//
// A Watchdog is armed by its first Reset and bites once when no Reset arrives
// within the timeout. Data that finally arrives after a longer gap bites as
// well. It then stays bitten, ignoring further resets, until the operator
// calls Resume.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/armctl/internal/monitoring"
	"github.com/banshee-data/armctl/internal/timeutil"
)

// BiteFunc is called, without the watchdog's lock held, when it bites.
type BiteFunc func(name string, silent time.Duration)

type Watchdog struct {
	name    string
	timeout time.Duration
	clock   timeutil.Clock
	onBite  BiteFunc

	mu     sync.Mutex
	last   time.Time
	armed  bool
	bitten bool
}

// New returns a disarmed watchdog. clock may be nil for the real clock.
func New(name string, timeout time.Duration, clock timeutil.Clock, onBite BiteFunc) *Watchdog {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if onBite == nil {
		onBite = func(string, time.Duration) {}
	}
	return &Watchdog{name: name, timeout: timeout, clock: clock, onBite: onBite}
}

func (w *Watchdog) Name() string { return w.name }

func (w *Watchdog) Timeout() time.Duration { return w.timeout }

// Reset records activity and arms the watchdog. A Reset that comes after the
// timeout has already passed bites instead, in the caller's goroutine.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	if w.bitten {
		w.mu.Unlock()
		return
	}
	now := w.clock.Now()
	if silent := now.Sub(w.last); w.armed && silent >= w.timeout {
		w.bitten = true
		w.mu.Unlock()
		w.bite(silent)
		return
	}
	w.last = now
	w.armed = true
	w.mu.Unlock()
}

// Poll bites if the timeout has elapsed since the last Reset. It reports
// whether this call caused the bite.
func (w *Watchdog) Poll() bool {
	w.mu.Lock()
	if !w.armed || w.bitten {
		w.mu.Unlock()
		return false
	}
	silent := w.clock.Since(w.last)
	if silent < w.timeout {
		w.mu.Unlock()
		return false
	}
	w.bitten = true
	w.mu.Unlock()

	w.bite(silent)
	return true
}

func (w *Watchdog) bite(silent time.Duration) {
	monitoring.Logf("[watchdog] %s: no data for %s, biting", w.name, silent)
	w.onBite(w.name, silent)
}

// untilDue is how long the watchdog can stay quiet before it must bite. A
// disarmed or bitten watchdog is looked at again after a full timeout.
func (w *Watchdog) untilDue() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed || w.bitten {
		return w.timeout
	}
	return max(w.timeout-w.clock.Since(w.last), 0)
}

// Bitten reports whether the watchdog has bitten and not been resumed.
func (w *Watchdog) Bitten() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bitten
}

// Armed reports whether the watchdog is currently timing.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed && !w.bitten
}

// Resume acknowledges a bite. The watchdog is left disarmed until the next
// Reset.
func (w *Watchdog) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bitten {
		monitoring.Logf("[watchdog] %s: resumed", w.name)
	}
	w.bitten = false
	w.armed = false
}

// Close disarms the watchdog without clearing a bite.
func (w *Watchdog) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = false
}

// Run bites at the deadline of the last Reset until ctx is done. The timer is
// rearmed after every expiry, so a Reset only moves the next check later.
func (w *Watchdog) Run(ctx context.Context) {
	timer := w.clock.NewTimer(w.untilDue())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			w.Poll()
			timer.Reset(w.untilDue())
		}
	}
}
