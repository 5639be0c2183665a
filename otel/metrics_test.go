package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petal-labs/runrelay/core"
	relayotel "github.com/petal-labs/runrelay/otel"
	"github.com/petal-labs/runrelay/runtime"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

// collectMetrics reads all metrics from the reader.
func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

// findMetric searches for a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumByAttr(t *testing.T, m *metricdata.Metrics, key string) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data, got %T", m.Data)
	}
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func newHandler(t *testing.T) (*relayotel.MetricsHandler, *metric.ManualReader) {
	t.Helper()
	reader, mp := newTestMeter()
	h, err := relayotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}
	return h, reader
}

func TestMetricsHandler_CountsEventsByKind(t *testing.T) {
	h, reader := newHandler(t)
	now := time.Now()

	h.Handle(runtime.Event{Kind: runtime.EventCreated, RunID: "run-1", Time: now, Seq: 1})
	h.Handle(runtime.Event{Kind: runtime.EventMessage, RunID: "run-1", Time: now, Seq: 2})
	h.Handle(runtime.Event{Kind: runtime.EventMessage, RunID: "run-1", Time: now, Seq: 3})

	rm := collectMetrics(t, reader)
	m := findMetric(rm, "runrelay.run.events")
	if m == nil {
		t.Fatal("runrelay.run.events metric not found")
	}
	got := sumByAttr(t, m, "kind")
	if got["created"] != 1 || got["message"] != 2 {
		t.Errorf("events by kind = %v", got)
	}
}

func TestMetricsHandler_TerminalRecordsDuration(t *testing.T) {
	h, reader := newHandler(t)
	start := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

	h.Handle(runtime.Event{Kind: runtime.EventCreated, RunID: "run-1", Time: start})
	h.Handle(runtime.Event{Kind: runtime.EventStatus, RunID: "run-1", Status: core.StatusRunning, Time: start.Add(time.Second)})
	h.Handle(runtime.Event{Kind: runtime.EventStatus, RunID: "run-1", Status: core.StatusSuccess, Time: start.Add(90 * time.Second)})
	h.Handle(runtime.Event{Kind: runtime.EventCreated, RunID: "run-2", Time: start})
	h.Handle(runtime.Event{Kind: runtime.EventStatus, RunID: "run-2", Status: core.StatusFailed, Time: start.Add(30 * time.Second)})

	rm := collectMetrics(t, reader)

	term := findMetric(rm, "runrelay.run.terminal")
	if term == nil {
		t.Fatal("runrelay.run.terminal metric not found")
	}
	if got := sumByAttr(t, term, "status"); got["success"] != 1 || got["failed"] != 1 || got["running"] != 0 {
		t.Errorf("terminal by status = %v", got)
	}

	dur := findMetric(rm, "runrelay.run.duration")
	if dur == nil {
		t.Fatal("runrelay.run.duration metric not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64] data, got %T", dur.Data)
	}
	var total float64
	var count uint64
	for _, dp := range hist.DataPoints {
		total += dp.Sum
		count += dp.Count
	}
	if count != 2 || total != 120 {
		t.Errorf("duration count=%d sum=%v, want 2 and 120", count, total)
	}
}

func TestMetricsHandler_TerminalWithoutCreatedSkipsDuration(t *testing.T) {
	h, reader := newHandler(t)
	h.Handle(runtime.Event{Kind: runtime.EventStatus, RunID: "run-1", Status: core.StatusSuccess, Time: time.Now()})

	rm := collectMetrics(t, reader)
	if dur := findMetric(rm, "runrelay.run.duration"); dur != nil {
		if hist := dur.Data.(metricdata.Histogram[float64]); len(hist.DataPoints) != 0 {
			t.Errorf("unexpected duration points: %d", len(hist.DataPoints))
		}
	}
}

func TestMetricsHandler_StreamErrors(t *testing.T) {
	h, reader := newHandler(t)
	h.Handle(runtime.Event{Kind: runtime.EventError, RunID: "run-1", Time: time.Now()})
	h.Handle(runtime.Event{Kind: runtime.EventError, RunID: "run-2", Time: time.Now()})

	rm := collectMetrics(t, reader)
	m := findMetric(rm, "runrelay.stream.errors")
	if m == nil {
		t.Fatal("runrelay.stream.errors metric not found")
	}
	sum := m.Data.(metricdata.Sum[int64])
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Errorf("stream errors = %d, want 2", total)
	}
}
