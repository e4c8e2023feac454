/*
Package audit provides fire-and-forget sinks for engine audit events.

PURPOSE:
  Every successful allocation transition (and every complaint assignment)
  emits one Event. Persisting and viewing the audit trail belongs to another
  system; the engine only hands events to a Sink and moves on.

CONTRACT:
  Sink.Record never returns an error and never blocks the caller for longer
  than the sink's own write timeout. Failures are logged and dropped.

IMPLEMENTATIONS:
  LogSink:       Writes events as structured logrus entries
  RedisSink:     XADDs events to a Redis stream for the audit service
  Multi:         Fans out to several sinks
  Recorder:      Keeps events in memory (tests)
  Nop:           Discards everything

SEE ALSO:
  - engine/manager.go: Emits allocation events after commit
  - routing/desk.go: Emits complaint assignment events
*/
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionAllocated         Action = "allocation.allocated"
	ActionDispatched        Action = "allocation.dispatched"
	ActionDelivered         Action = "allocation.delivered"
	ActionCancelled         Action = "allocation.cancelled"
	ActionRequestRejected   Action = "request.rejected"
	ActionComplaintAssigned Action = "complaint.assigned"
	ActionComplaintStarted  Action = "complaint.started"
	ActionComplaintResolved Action = "complaint.resolved"
)

// Event records who did what when.
type Event struct {
	ID        string
	At        time.Time
	Action    Action
	ActorID   string
	Entity    string // "allocation", "request"
	EntityID  string
	RequestID string
	Payload   map[string]string
}

// NewEvent fills ID and timestamp.
func NewEvent(action Action, entity, entityID string, at time.Time) Event {
	return Event{
		ID:       uuid.NewString(),
		At:       at,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Payload:  map[string]string{},
	}
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// =============================================================================
// SIMPLE SINKS
// =============================================================================

type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) {
	for _, s := range m {
		s.Record(ctx, e)
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Actions returns recorded actions in order.
func (r *Recorder) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Action, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}
