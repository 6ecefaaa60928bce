// Package events carries structured notifications from the comm loops to any
// number of consumers (console, event log, health reporter).
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/armctl/internal/monitoring"
	"github.com/banshee-data/armctl/internal/protocol"
)

// Kind identifies the type of an Event.
type Kind string

const (
	TelemetryUpdated    Kind = "telemetry-updated"
	CommandSent         Kind = "command-sent"
	CommandAcknowledged Kind = "command-acknowledged"
	QueueEmpty          Kind = "queue-empty"
	ProcessingComplete  Kind = "processing-complete"
	TargetReached       Kind = "target-reached"
	ForcedStop          Kind = "forced-stop"
	WatchdogBitten      Kind = "watchdog-bitten"
	LinkError           Kind = "link-error"
	LinkState           Kind = "link-state"
	PumpStatus          Kind = "pump-telemetry"
	Wraparound          Kind = "id-wraparound"
)

// Critical reports whether events of kind k must reach every subscriber. The
// bus waits briefly for room instead of dropping them.
func (k Kind) Critical() bool {
	switch k {
	case ForcedStop, WatchdogBitten, LinkError, LinkState, ProcessingComplete:
		return true
	}
	return false
}

// DefaultCriticalWait bounds how long Publish waits on full subscribers for a
// critical event.
const DefaultCriticalWait = 100 * time.Millisecond

// Link names used in events.
const (
	LinkMotion = "motion"
)

// PumpLinkName returns the event link name of a pump.
func PumpLinkName(pump string) string { return "pump/" + pump }

// PumpSample is the payload of a PumpStatus event.
type PumpSample struct {
	Telemetry     protocol.PumpTelemetry `json:"telemetry"`
	SpeedPercent  float64                `json:"speed_percent"`  // reported by the drive
	TargetPercent float64                `json:"target_percent"` // last value sent
}

// Event is one notification. Only the payload fields relevant to Kind are set.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`
	Link string    `json:"link,omitempty"`

	Command   *protocol.Command   `json:"command,omitempty"`
	Telemetry *protocol.Telemetry `json:"telemetry,omitempty"`
	Pump      *PumpSample         `json:"pump,omitempty"`

	// State is the new link state for LinkState events.
	State string `json:"state,omitempty"`
	// Distance is the remaining distance for TargetReached events.
	Distance float64 `json:"distance,omitempty"`
	// Offset is the id correction applied for Wraparound events.
	Offset int32 `json:"offset,omitempty"`

	Err     error  `json:"-"`
	Message string `json:"message,omitempty"`
}

// Publisher accepts events. Implementations must not block, apart from the
// bounded wait the Bus allows for critical kinds.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to subscribers. A subscriber that falls behind misses
// routine events instead of stalling the comm loops; critical events wait up
// to CriticalWait in total, and any that still cannot be delivered are logged.
type Bus struct {
	// CriticalWait is the total time one Publish of a critical event may wait.
	CriticalWait time.Duration

	mu          sync.Mutex
	subscribers map[string]chan Event
	buffer      int
	now         func() time.Time
	dropped     atomic.Int64
	closed      bool
}

// NewBus returns a bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		CriticalWait: DefaultCriticalWait,
		subscribers:  make(map[string]chan Event),
		buffer:       buffer,
		now:          time.Now,
	}
}

// Subscribe creates a new channel for receiving events. The returned id is used
// to unsubscribe.
func (b *Bus) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers e to every subscriber that has room. Critical kinds wait
// for room, bounded by CriticalWait across all subscribers.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	if e.Err != nil && e.Message == "" {
		e.Message = e.Err.Error()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var expired <-chan time.Time
	if e.Kind.Critical() && b.CriticalWait > 0 {
		timer := time.NewTimer(b.CriticalWait)
		defer timer.Stop()
		expired = timer.C
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- e:
			continue
		default:
		}
		if expired != nil {
			select {
			case ch <- e:
				continue
			case <-expired:
				expired = nil
			}
		}
		b.dropped.Add(1)
		if e.Kind.Critical() {
			monitoring.Logf("[events] subscriber %s full, dropped %s on %s", id, e.Kind, e.Link)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later subscriptions receive a closed
// channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Recorder is a Publisher that keeps every event, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind k were published.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// OfKind returns the events of kind k in publish order.
func (r *Recorder) OfKind(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
