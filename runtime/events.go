// Package runtime defines the events produced while a run is tracked.
// Events flow from the stream reconciler into per-run broadcasters and on to
// observers such as the event store, metrics, tracing and NATS publishers.
package runtime

import (
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/runrelay/core"
)

// EventKind identifies the type of a run event.
// Upstream worker events whose name is not listed here are passed through
// verbatim.
type EventKind string

const (
	// EventCreated is emitted locally when a submission is accepted.
	EventCreated EventKind = "created"

	// EventStatus carries a status transition reported by the worker.
	EventStatus EventKind = "status"

	// EventMessage is used for upstream events that carry no name.
	EventMessage EventKind = "message"

	// EventError reports an upstream transport failure. It is informational:
	// the stream is reopened and the run continues.
	EventError EventKind = "error"

	// EventParseError reports an upstream frame that could not be decoded.
	EventParseError EventKind = "parse_error"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is one entry in a run's event sequence.
type Event struct {
	// ID uniquely identifies the event. Upstream ids are kept when present.
	ID string

	// Kind identifies the event type.
	Kind EventKind

	// RunID is the run this event belongs to.
	RunID string

	// Status is the run status after the event was applied (empty when the
	// event did not concern status).
	Status core.RunStatus

	// Time is when the event occurred.
	Time time.Time

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed), assigned by the
	// broadcaster on publish.
	Seq uint64
}

// NewEvent creates a new event with a fresh id and the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now().UTC(),
		Payload: make(map[string]any),
	}
}

// WithStatus sets the status on the event.
func (e Event) WithStatus(status core.RunStatus) Event {
	e.Status = status
	return e
}

// WithTime sets the event time.
func (e Event) WithTime(t time.Time) Event {
	e.Time = t
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// IsTerminal reports whether the event carries a terminal status.
func (e Event) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// The channel should have sufficient buffer to avoid blocking.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}

// WireEvent is the JSON form of an event delivered to clients.
type WireEvent struct {
	EventType string         `json:"eventType"`
	RunID     string         `json:"runId"`
	Status    string         `json:"status,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
}

// Wire converts the event to its client JSON form.
func (e Event) Wire() WireEvent {
	w := WireEvent{
		EventType: string(e.Kind),
		RunID:     e.RunID,
		Status:    string(e.Status),
		Timestamp: e.Time.UTC(),
		Seq:       e.Seq,
	}
	if len(e.Payload) > 0 {
		w.Payload = e.Payload
	}
	return w
}
