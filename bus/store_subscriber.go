package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petal-labs/runrelay/runtime"
)

const defaultAppendTimeout = 5 * time.Second

// StoreSubscriber records published run events in an EventStore. Register
// its Handle method as a registry observer.
type StoreSubscriber struct {
	store   EventStore
	logger  *slog.Logger
	timeout time.Duration
}

// NewStoreSubscriber returns a subscriber writing to store.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:   store,
		logger:  logger,
		timeout: defaultAppendTimeout,
	}
}

// Handle appends one event. Observers cannot fail a publish, so errors are
// logged. A duplicate means the event was already recorded before a restart
// and is only logged at debug level.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := s.store.Append(ctx, event)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateEvent):
		s.logger.Debug("event history: already recorded",
			"run_id", event.RunID, "seq", event.Seq)
	default:
		s.logger.Error("event history: append failed",
			"run_id", event.RunID,
			"event_type", event.Kind,
			"status", event.Status,
			"seq", event.Seq,
			"error", err,
		)
	}
}
