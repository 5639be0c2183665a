// Package worker talks to the external analysis worker that executes runs.
//
// The worker exposes three operations: submit a run, fetch a run's
// authoritative status, and stream a run's events over Server-Sent Events.
// Client is the contract the run registry depends on; HTTPClient is the
// production implementation and workertest.Worker a scriptable fake.
package worker

import (
	"context"
	"time"

	"github.com/petal-labs/runrelay/core"
)

// Client is the remote worker contract.
type Client interface {
	// Submit asks the worker to start a run. It is not idempotent and is
	// never retried.
	Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error)

	// FetchStatus returns the worker's view of a run. An unknown id yields an
	// error matching core.ErrNotFound.
	FetchStatus(ctx context.Context, runID string) (RemoteRun, error)

	// OpenStream starts streaming a run's events and returns immediately.
	// Exactly one of OnError or OnClose is invoked when the stream ends, and
	// no handler is invoked once the returned CancelFunc has been called.
	// The stream lives until ctx is cancelled, the CancelFunc is called, or
	// the worker ends it.
	OpenStream(ctx context.Context, runID string, handlers StreamHandlers) (CancelFunc, error)
}

// CancelFunc tears down a stream and releases its connection.
// It is safe to call more than once and from inside a stream handler.
type CancelFunc func()

// SubmitRequest is the body of a run submission.
type SubmitRequest struct {
	Symbol    string         `json:"ticker"`
	TradeDate string         `json:"trade_date"`
	Config    map[string]any `json:"config,omitempty"`
}

// SubmitResponse is the worker's acknowledgement of a submission.
type SubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// RemoteRun is the worker's authoritative view of a run.
type RemoteRun struct {
	ID        string
	Symbol    string
	TradeDate string
	Status    core.RunStatus
	// RawStatus is the status string as reported, e.g. "queued".
	RawStatus string
	CreatedAt time.Time
	UpdatedAt time.Time
	Result    map[string]any
	Error     string
}

// StreamEvent is one decoded upstream event.
type StreamEvent struct {
	ID        string
	Event     string
	Timestamp time.Time
	Payload   map[string]any
}

// State returns payload.state for status events.
func (e StreamEvent) State() string {
	if s, ok := e.Payload["state"].(string); ok {
		return s
	}
	return ""
}

// StreamHandlers receive stream callbacks. Handlers for one stream are never
// invoked concurrently.
type StreamHandlers struct {
	OnEvent func(StreamEvent)
	OnError func(error)
	OnClose func()
}
