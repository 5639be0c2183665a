// Package sse serves a run's event sequence to HTTP clients as
// Server-Sent Events. Late joiners receive the retained history first, then
// live events, until the run reaches a terminal status.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/runrelay/bus"
	"github.com/petal-labs/runrelay/core"
	"github.com/petal-labs/runrelay/runtime"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// Subscriber opens a subscription on a run's events.
type Subscriber interface {
	Subscribe(ctx context.Context, runID string) (bus.Subscription, error)
}

// Handler serves an SSE stream of a run's events.
//
// The handler expects a "run_id" path value (Go 1.22+ ServeMux). Events with
// a sequence number at or below the Last-Event-ID header, or the "after"
// query parameter when the header is absent, are skipped.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every Heartbeat interval.
// The stream closes when the subscription ends or the client disconnects.
type Handler struct {
	subs Subscriber

	// Heartbeat overrides HeartbeatInterval.
	Heartbeat time.Duration

	// WriteError writes failures that happen before the stream starts.
	// The default writes a JSON error envelope.
	WriteError func(w http.ResponseWriter, err error)
}

// NewHandler creates a Handler backed by subs.
func NewHandler(subs Subscriber) *Handler {
	return &Handler{subs: subs, Heartbeat: HeartbeatInterval}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		h.writeError(w, fmt.Errorf("missing run_id: %w", core.ErrInvalidInput))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, errors.New("streaming not supported"))
		return
	}

	afterSeq, err := cursor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	sub, err := h.subs.Subscribe(r.Context(), runID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer func() { _ = sub.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.stream(r.Context(), w, flusher, sub, afterSeq)
}

// cursor returns the last sequence number the client has already seen.
func cursor(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	source := "Last-Event-ID"
	if raw == "" {
		raw = r.URL.Query().Get("after")
		source = "after"
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", source, raw, core.ErrInvalidInput)
	}
	return seq, nil
}

// stream writes events until the subscription ends or ctx is done.
func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub bus.Subscription, lastSeq uint64) {
	interval := h.Heartbeat
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}
			if err := WriteEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			lastSeq = evt.Seq

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// WriteEvent writes a single event in SSE format.
func WriteEvent(w http.ResponseWriter, evt runtime.Event) error {
	data, err := json.Marshal(evt.Wire())
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if h.WriteError != nil {
		h.WriteError(w, err)
		return
	}
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, core.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, core.ErrInvalidInput):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": err.Error()},
	})
}
