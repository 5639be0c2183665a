// Package bus distributes run events. A Broadcaster fans one run's event
// sequence out to any number of subscribers with bounded replay for late
// joiners, and an EventStore keeps a durable copy of the history so clients
// can page through it after the run has finished.
package bus

import "github.com/petal-labs/runrelay/runtime"

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription. The channel
	// is closed once the broadcaster completes and all queued events have
	// been delivered, or when the subscription is closed.
	Events() <-chan runtime.Event

	// Close unsubscribes and releases resources.
	Close() error
}
