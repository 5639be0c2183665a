package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/runrelay/runtime"
)

// MetricsHandler translates run events into OpenTelemetry metrics.
// It counts events, terminal outcomes and stream errors, and records how long
// runs take from creation to their terminal status.
type MetricsHandler struct {
	events       metric.Int64Counter
	terminal     metric.Int64Counter
	streamErrors metric.Int64Counter
	runDuration  metric.Float64Histogram

	mu      sync.Mutex
	created map[string]time.Time
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to create
// instruments for recording run metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	events, err := meter.Int64Counter("runrelay.run.events",
		metric.WithDescription("Number of run events published"),
	)
	if err != nil {
		return nil, err
	}

	terminal, err := meter.Int64Counter("runrelay.run.terminal",
		metric.WithDescription("Number of runs that reached a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	streamErrors, err := meter.Int64Counter("runrelay.stream.errors",
		metric.WithDescription("Number of upstream stream failures"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("runrelay.run.duration",
		metric.WithDescription("Duration of a run from submission to terminal status in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		events:       events,
		terminal:     terminal,
		streamErrors: streamErrors,
		runDuration:  runDur,
		created:      make(map[string]time.Time),
	}, nil
}

// Handle processes a run event and records the appropriate metrics.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	h.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(e.Kind))))

	switch {
	case e.Kind == runtime.EventCreated:
		h.mu.Lock()
		if _, ok := h.created[e.RunID]; !ok {
			h.created[e.RunID] = e.Time
		}
		h.mu.Unlock()
	case e.Kind == runtime.EventError:
		h.streamErrors.Add(ctx, 1)
	case e.Kind == runtime.EventStatus && e.IsTerminal():
		h.handleTerminal(ctx, e)
	}
}

// handleTerminal counts the outcome and records the run duration when the
// creation time is known.
func (h *MetricsHandler) handleTerminal(ctx context.Context, e runtime.Event) {
	attrs := metric.WithAttributes(attribute.String("status", string(e.Status)))
	h.terminal.Add(ctx, 1, attrs)

	h.mu.Lock()
	start, ok := h.created[e.RunID]
	delete(h.created, e.RunID)
	h.mu.Unlock()

	if ok && !e.Time.Before(start) {
		h.runDuration.Record(ctx, e.Time.Sub(start).Seconds(), attrs)
	}
}
