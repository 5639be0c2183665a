package runs

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petal-labs/runrelay/core"
	"github.com/petal-labs/runrelay/runtime"
	"github.com/petal-labs/runrelay/worker"
)

// ensureStreamLocked opens the upstream stream of a record in NoStream with
// a non-terminal status. An open failure schedules a reopen.
func (r *Registry) ensureStreamLocked(rec *record) {
	if rec.state != stateNoStream || rec.status.IsTerminal() || rec.gone || r.isClosed() {
		return
	}
	rec.stopReconnectLocked()

	rec.generation++
	gen := rec.generation
	cancel, err := r.worker.OpenStream(r.ctx, rec.id, worker.StreamHandlers{
		OnEvent: func(ev worker.StreamEvent) { r.onStreamEvent(rec, gen, ev) },
		OnError: func(err error) { r.onStreamError(rec, gen, err) },
		OnClose: func() { r.onStreamClose(rec, gen) },
	})
	if err != nil {
		r.logger.Warn("runs: open stream failed", "run_id", rec.id, "error", err)
		r.publishLocked(rec, runtime.NewEvent(runtime.EventError, rec.id).
			WithStatus(rec.status).
			WithTime(r.now()).
			WithPayload("message", err.Error()))
		r.scheduleReconnectLocked(rec)
		return
	}

	rec.cancelStream = cancel
	rec.streamActive = true
	rec.state = stateStreaming
	r.logger.Debug("runs: stream opened", "run_id", rec.id, "generation", gen)
}

func (r *Registry) onStreamEvent(rec *record, gen uint64, ev worker.StreamEvent) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if gen != rec.generation || rec.state != stateStreaming {
		return
	}
	// The worker replays a run's whole history on every connection.
	if ev.ID != "" {
		if _, dup := rec.seen[ev.ID]; dup {
			return
		}
		rec.seen[ev.ID] = struct{}{}
	}
	rec.backoff.Reset()

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}

	if ev.Event == string(runtime.EventStatus) {
		r.applyStatusEventLocked(rec, ev, ts)
		return
	}

	kind := runtime.EventKind(ev.Event)
	if kind == "" {
		kind = runtime.EventMessage
	}
	rec.touchLocked(ts)
	out := runtime.NewEvent(kind, rec.id).WithStatus(rec.status).WithTime(ts)
	if ev.ID != "" {
		out.ID = ev.ID
	}
	if ev.Payload != nil {
		out.Payload = cloneMap(ev.Payload)
	}
	r.publishLocked(rec, out)
}

// applyStatusEventLocked applies an upstream status event. Events that would
// move the status backwards, or change a terminal status, are dropped.
func (r *Registry) applyStatusEventLocked(rec *record, ev worker.StreamEvent, ts time.Time) {
	next := core.ParseRunStatus(ev.State())
	if !rec.status.Advances(next) {
		r.logger.Debug("runs: ignoring status event",
			"run_id", rec.id, "status", rec.status, "state", ev.State())
		return
	}
	rec.status = next
	rec.touchLocked(ts)

	switch next {
	case core.StatusSuccess:
		if result, ok := ev.Payload["result"].(map[string]any); ok {
			rec.result = cloneMap(result)
		}
		rec.runErr = nil
	case core.StatusFailed:
		rec.runErr = failureFromPayload(ev.Payload)
		rec.result = nil
	}

	out := runtime.NewEvent(runtime.EventStatus, rec.id).WithStatus(next).WithTime(ts)
	if ev.ID != "" {
		out.ID = ev.ID
	}
	if ev.Payload != nil {
		out.Payload = cloneMap(ev.Payload)
	}
	r.publishLocked(rec, out)

	if next.IsTerminal() {
		r.logger.Info("runs: run reached terminal status", "run_id", rec.id, "status", next)
		r.beginFinalizeLocked(rec, nil)
	}
}

func failureFromPayload(payload map[string]any) *core.RunError {
	msg := ""
	for _, key := range []string{"error", "message"} {
		if s, ok := payload[key].(string); ok && s != "" {
			msg = s
			break
		}
	}
	if msg == "" {
		msg = runnerErrorMessage
	}
	tb, _ := payload["traceback"].(string)
	return &core.RunError{Message: msg, Traceback: tb}
}

func (r *Registry) onStreamError(rec *record, gen uint64, err error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if gen != rec.generation || rec.state != stateStreaming {
		return
	}
	rec.detachStreamLocked()
	if rec.status.IsTerminal() {
		return
	}
	if errors.Is(err, core.ErrNotFound) {
		rec.streamNotFound = true
		r.logger.Warn("runs: worker does not know run, stream not reopened", "run_id", rec.id)
		return
	}

	r.logger.Warn("runs: stream failed", "run_id", rec.id, "error", err)
	r.publishLocked(rec, runtime.NewEvent(runtime.EventError, rec.id).
		WithStatus(rec.status).
		WithTime(r.now()).
		WithPayload("message", err.Error()))
	r.scheduleReconnectLocked(rec)
}

func (r *Registry) onStreamClose(rec *record, gen uint64) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if gen != rec.generation || rec.state != stateStreaming {
		return
	}
	rec.detachStreamLocked()
	if rec.status.IsTerminal() {
		return
	}
	r.logger.Debug("runs: stream closed before terminal status", "run_id", rec.id)
	r.scheduleReconnectLocked(rec)
}

// scheduleReconnectLocked arms a single reopen timer using the record's
// backoff.
func (r *Registry) scheduleReconnectLocked(rec *record) {
	if rec.reconnect != nil || r.isClosed() {
		return
	}
	delay := rec.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = r.maxReconnectDelay
	}
	rec.reconnect = time.AfterFunc(delay, func() { r.reopen(rec) })
}

func (r *Registry) reopen(rec *record) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.reconnect = nil
	if rec.state != stateNoStream || rec.status.IsTerminal() {
		return
	}
	r.logger.Debug("runs: reopening stream", "run_id", rec.id)
	r.ensureStreamLocked(rec)
}

// beginFinalizeLocked claims the finalize latch and runs the terminal path
// in the background. remote, when set, is used instead of a fresh fetch.
func (r *Registry) beginFinalizeLocked(rec *record, remote *worker.RemoteRun) {
	if rec.finalizing {
		return
	}
	rec.finalizing = true
	rec.stopReconnectLocked()

	var fetched *worker.RemoteRun
	if remote != nil {
		cp := *remote
		fetched = &cp
	}
	if !r.spawn(func() { r.finalize(rec, fetched) }) {
		r.logger.Warn("runs: registry closed, terminal path skipped", "run_id", rec.id)
	}
}

// finalize fetches the authoritative payload, persists the run, completes
// its broadcaster and releases the stream.
func (r *Registry) finalize(rec *record, remote *worker.RemoteRun) {
	ctx, cancel := context.WithTimeout(context.Background(), r.finalizeTimeout)
	defer cancel()

	if remote == nil {
		run, err := r.worker.FetchStatus(ctx, rec.id)
		if err != nil {
			r.logger.Warn("runs: terminal status fetch failed, keeping local state", "run_id", rec.id, "error", err)
		} else {
			remote = &run
		}
	}
	if remote != nil {
		rec.mu.Lock()
		r.applyRemoteLocked(rec, *remote)
		rec.mu.Unlock()
	}

	if err := r.persist(ctx, rec); err != nil {
		r.logger.Warn("runs: persistence incomplete", "run_id", rec.id, "error", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.broadcaster.Complete()
	rec.stopReconnectLocked()
	rec.detachStreamLocked()
	rec.state = stateTerminal
	r.logger.Debug("runs: run finalized", "run_id", rec.id, "status", rec.status)
}
