package bus

import (
	"context"
	"errors"

	"github.com/petal-labs/runrelay/runtime"
)

// ErrDuplicateEvent is returned by Append when the run already holds an
// event with the same sequence number.
var ErrDuplicateEvent = errors.New("bus: duplicate event sequence")

// EventStore keeps the event history of every tracked run. The registry
// replays it to serve late readers, to continue sequence numbers when a run
// id is reused and to resume streams after a restart.
type EventStore interface {
	// Append records an event. Events must carry a non-zero Seq.
	Append(ctx context.Context, event runtime.Event) error

	// List returns a run's events with Seq > afterSeq in ascending order.
	// A limit of 0 returns everything.
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq ever appended for a run, or 0. It
	// survives pruning so sequence numbers never move backwards.
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// RunIDs returns the ids of runs with recorded history, sorted.
	RunIDs(ctx context.Context) ([]string, error)
}
