package core

import (
	"sync"
	"time"
)

// Event is the interface for all lifecycle events.
type Event interface {
	eventMarker()
}

// JobScheduled is emitted when a job is inserted.
type JobScheduled struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobScheduled) eventMarker() {}

// JobStarted is emitted when a job transitions to running.
type JobStarted struct {
	Job       *Job
	SessionID string
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobFailed is emitted when a job fails permanently or is cancelled.
type JobFailed struct {
	Job       *Job
	Error     string
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}

// JobRetrying is emitted when a failed job re-enters pending.
type JobRetrying struct {
	Job       *Job
	Attempt   int
	Error     string
	NextRunAt time.Time
	Timestamp time.Time
}

func (*JobRetrying) eventMarker() {}

// SessionCleanupFailed is emitted when a session's cleanup budget is
// exhausted and the remote resource may still be live.
type SessionCleanupFailed struct {
	Session   *Session
	Error     string
	Timestamp time.Time
}

func (*SessionCleanupFailed) eventMarker() {}

// WebhookDelivered is emitted for each delivery attempt outcome.
type WebhookDelivered struct {
	Delivery  *WebhookDelivery
	Timestamp time.Time
}

func (*WebhookDelivered) eventMarker() {}

// Bus fans lifecycle events out to subscriber channels. Emission never
// blocks: a full subscriber drops events rather than stalling the
// orchestration path.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel of events. The caller must Unsubscribe when
// done to prevent resource leaks.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 100)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Subscribe. The channel
// is not closed; callers must stop reading before calling Unsubscribe.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers an event to all subscribers. Nil buses are safe to emit on
// so components can treat the bus as optional.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]chan Event, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}
