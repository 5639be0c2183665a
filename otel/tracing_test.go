package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/runrelay/core"
	relayotel "github.com/petal-labs/runrelay/otel"
	"github.com/petal-labs/runrelay/runtime"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func hasAttr(span tracetest.SpanStub, key, value string) bool {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key && attr.Value.AsString() == value {
			return true
		}
	}
	return false
}

func TestTracingHandler_SpanPerRun(t *testing.T) {
	exporter, tp := newTestTracer()
	h := relayotel.NewTracingHandler(tp.Tracer("test"))
	start := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

	h.Handle(runtime.Event{
		Kind:    runtime.EventCreated,
		RunID:   "run-1",
		Time:    start,
		Seq:     1,
		Payload: map[string]any{"ticker": "NVDA", "tradeDate": "2025-01-15"},
	})
	if !h.ActiveRunSpanContext("run-1").IsValid() {
		t.Fatal("expected active span after created")
	}
	h.Handle(runtime.Event{Kind: runtime.EventMessage, RunID: "run-1", Time: start.Add(time.Second), Seq: 2})
	h.Handle(runtime.Event{Kind: runtime.EventStatus, RunID: "run-1", Status: core.StatusRunning, Time: start.Add(2 * time.Second), Seq: 3})

	if len(exporter.GetSpans()) != 0 {
		t.Fatal("span ended before terminal status")
	}

	h.Handle(runtime.Event{Kind: runtime.EventStatus, RunID: "run-1", Status: core.StatusSuccess, Time: start.Add(time.Minute), Seq: 4})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "run:run-1" {
		t.Errorf("name = %q", span.Name)
	}
	if !hasAttr(span, "runrelay.ticker", "NVDA") || !hasAttr(span, "runrelay.trade_date", "2025-01-15") || !hasAttr(span, "runrelay.status", "success") {
		t.Errorf("attributes = %v", span.Attributes)
	}
	if len(span.Events) != 2 || span.Events[0].Name != "message" || span.Events[1].Name != "status" {
		t.Errorf("events = %v", span.Events)
	}
	if span.Status.Code != otelcodes.Ok {
		t.Errorf("status = %v", span.Status)
	}
	if !span.StartTime.Equal(start) || !span.EndTime.Equal(start.Add(time.Minute)) {
		t.Errorf("span times = %v .. %v", span.StartTime, span.EndTime)
	}
	if h.ActiveRunSpanContext("run-1").IsValid() {
		t.Error("span still active after terminal status")
	}
}

func TestTracingHandler_FailedRunSetsErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer()
	h := relayotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runtime.Event{Kind: runtime.EventError, RunID: "run-1", Time: now, Payload: map[string]any{"message": "connection reset"}})
	h.Handle(runtime.Event{
		Kind:    runtime.EventStatus,
		RunID:   "run-1",
		Status:  core.StatusFailed,
		Time:    now.Add(time.Second),
		Payload: map[string]any{"message": "boom"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Status.Code != otelcodes.Error || spans[0].Status.Description != "boom" {
		t.Errorf("status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) != 1 || spans[0].Events[0].Name != "exception" {
		t.Errorf("expected recorded stream error, got %v", spans[0].Events)
	}
}

func TestTracingHandler_SeparateRuns(t *testing.T) {
	exporter, tp := newTestTracer()
	h := relayotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runtime.Event{Kind: runtime.EventCreated, RunID: "run-1", Time: now})
	h.Handle(runtime.Event{Kind: runtime.EventCreated, RunID: "run-2", Time: now})
	h.Handle(runtime.Event{Kind: runtime.EventStatus, RunID: "run-2", Status: core.StatusSuccess, Time: now})

	spans := exporter.GetSpans()
	if len(spans) != 1 || !hasAttr(spans[0], "runrelay.run_id", "run-2") {
		t.Fatalf("spans = %v", spans)
	}
	if !h.ActiveRunSpanContext("run-1").IsValid() {
		t.Error("run-1 span should remain active")
	}
}
