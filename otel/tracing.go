// Package otel provides OpenTelemetry integration for run events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/runrelay/runtime"
)

// TracingHandler translates run events into OpenTelemetry spans: one span per
// run, with every other event recorded as a span event.
type TracingHandler struct {
	tracer trace.Tracer

	mu       sync.Mutex
	runSpans map[string]trace.Span // runID -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from run events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:   tracer,
		runSpans: make(map[string]trace.Span),
	}
}

// Handle processes a run event and creates or ends spans accordingly.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	span := h.spanFor(e)

	if e.Kind == runtime.EventStatus && e.IsTerminal() {
		h.endRun(span, e)
		return
	}
	if e.Kind == runtime.EventCreated {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int64("runrelay.seq", int64(e.Seq)),
	}
	if e.Status != "" {
		attrs = append(attrs, attribute.String("runrelay.status", string(e.Status)))
	}
	if e.Kind == runtime.EventError {
		span.RecordError(spanError(payloadString(e.Payload, "message", "stream error")), trace.WithTimestamp(e.Time))
		return
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// spanFor returns the run's span, starting it on the first event seen.
func (h *TracingHandler) spanFor(e runtime.Event) trace.Span {
	h.mu.Lock()
	defer h.mu.Unlock()

	if span, ok := h.runSpans[e.RunID]; ok {
		return span
	}
	attrs := []attribute.KeyValue{attribute.String("runrelay.run_id", e.RunID)}
	if ticker := payloadString(e.Payload, "ticker", ""); ticker != "" {
		attrs = append(attrs, attribute.String("runrelay.ticker", ticker))
	}
	if date := payloadString(e.Payload, "tradeDate", ""); date != "" {
		attrs = append(attrs, attribute.String("runrelay.trade_date", date))
	}
	_, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)
	h.runSpans[e.RunID] = span
	return span
}

// endRun ends the run span, with an error status for failed runs.
func (h *TracingHandler) endRun(span trace.Span, e runtime.Event) {
	h.mu.Lock()
	delete(h.runSpans, e.RunID)
	h.mu.Unlock()

	span.SetAttributes(attribute.String("runrelay.status", string(e.Status)))
	if e.Status == "failed" {
		msg := payloadString(e.Payload, "error", "")
		if msg == "" {
			msg = payloadString(e.Payload, "message", "run failed")
		}
		span.SetStatus(codes.Error, msg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.Lock()
	span, ok := h.runSpans[runID]
	h.mu.Unlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func payloadString(payload map[string]any, key, fallback string) string {
	if s, ok := payload[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
