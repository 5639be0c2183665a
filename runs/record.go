package runs

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petal-labs/runrelay/bus"
	"github.com/petal-labs/runrelay/core"
	"github.com/petal-labs/runrelay/worker"
)

// streamState is the reconciler state of a record.
type streamState int

const (
	stateNoStream streamState = iota
	stateStreaming
	stateTerminal
)

func (s streamState) String() string {
	switch s {
	case stateStreaming:
		return "streaming"
	case stateTerminal:
		return "terminal"
	default:
		return "no_stream"
	}
}

// record is the registry's state for one run. Every field below mu is
// guarded by it.
type record struct {
	id          string
	broadcaster *bus.Broadcaster

	// persistMu serializes persistence attempts. It is always taken before mu.
	persistMu sync.Mutex

	mu        sync.Mutex
	symbol    string
	tradeDate string
	status    core.RunStatus
	createdAt time.Time
	updatedAt time.Time
	result    map[string]any
	runErr    *core.RunError

	state        streamState
	streamActive bool
	generation   uint64
	cancelStream worker.CancelFunc
	reconnect    *time.Timer
	backoff      *backoff.ExponentialBackOff
	seen         map[string]struct{}

	// streamNotFound is set when the stream reported the run unknown. gone
	// additionally means a status fetch agreed; such runs are left out of
	// sweeps until a fetch finds them again.
	streamNotFound bool
	gone           bool

	finalizing        bool
	persisted         bool
	persistIncomplete bool
	failedSummary     bool

	// failedArtifacts lists the artifact keys a retry must write. A nil set
	// while persistIncomplete is true means every artifact.
	failedArtifacts map[string]struct{}
}

func newRecord(id, symbol, tradeDate string, now time.Time, b *bus.Broadcaster, bo *backoff.ExponentialBackOff) *record {
	return &record{
		id:          id,
		broadcaster: b,
		symbol:      symbol,
		tradeDate:   tradeDate,
		status:      core.StatusPending,
		createdAt:   now,
		updatedAt:   now,
		backoff:     bo,
		seen:        make(map[string]struct{}),
	}
}

// touchLocked moves updatedAt forward to t.
func (rec *record) touchLocked(t time.Time) {
	if t.After(rec.updatedAt) {
		rec.updatedAt = t
	}
}

func (rec *record) targetLocked() string {
	return core.TargetKey(rec.symbol, rec.tradeDate)
}

func (rec *record) snapshotLocked() core.RunSummary {
	s := core.RunSummary{
		ID:           rec.id,
		Symbol:       rec.symbol,
		TradeDate:    rec.tradeDate,
		Status:       rec.status,
		CreatedAt:    rec.createdAt,
		UpdatedAt:    rec.updatedAt,
		StreamActive: rec.streamActive,
		Persisted:    rec.persisted,
	}
	if rec.status == core.StatusSuccess && rec.result != nil {
		s.Result = cloneMap(rec.result)
	}
	if rec.status == core.StatusFailed && rec.runErr != nil {
		e := *rec.runErr
		s.Error = &e
	}
	return s
}

func (rec *record) snapshot() core.RunSummary {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshotLocked()
}

// stopReconnectLocked cancels a pending reopen.
func (rec *record) stopReconnectLocked() {
	if rec.reconnect != nil {
		rec.reconnect.Stop()
		rec.reconnect = nil
	}
}

// detachStreamLocked releases the current stream handle and returns the
// record to NoStream unless it is already terminal.
func (rec *record) detachStreamLocked() {
	if rec.cancelStream != nil {
		rec.cancelStream()
		rec.cancelStream = nil
	}
	rec.streamActive = false
	if rec.state == stateStreaming {
		rec.state = stateNoStream
	}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
