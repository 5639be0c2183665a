// Package workertest provides an in-memory worker.Client for tests.
//
// Runs live in a map, streams are driven explicitly by the test through Emit,
// DropStreams and CloseStreams, and every operation is counted so tests can
// assert on exactly how the registry used the worker.
package workertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/runrelay/core"
	"github.com/petal-labs/runrelay/worker"
)

// Worker is a scriptable fake worker.
type Worker struct {
	mu      sync.Mutex
	runs    map[string]*worker.RemoteRun
	streams map[string][]*stream

	submits int
	fetches map[string]int
	opens   map[string]int

	submitErr  error
	fetchErrs  map[string][]error
	openErr    error
	openSignal chan struct{}

	// BeforeSubmit, when set, runs at the start of every Submit call.
	BeforeSubmit func(worker.SubmitRequest)

	// SubmitStatus, when set, is the raw status Submit reports and stores
	// instead of "queued".
	SubmitStatus string

	// Now supplies timestamps (default time.Now).
	Now func() time.Time
}

// New returns an empty fake worker.
func New() *Worker {
	return &Worker{
		runs:       make(map[string]*worker.RemoteRun),
		streams:    make(map[string][]*stream),
		fetches:    make(map[string]int),
		opens:      make(map[string]int),
		fetchErrs:  make(map[string][]error),
		openSignal: make(chan struct{}, 1),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit records a new queued run.
func (w *Worker) Submit(_ context.Context, req worker.SubmitRequest) (worker.SubmitResponse, error) {
	if w.BeforeSubmit != nil {
		w.BeforeSubmit(req)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.submits++
	if w.submitErr != nil {
		return worker.SubmitResponse{}, w.submitErr
	}

	raw := "queued"
	if w.SubmitStatus != "" {
		raw = w.SubmitStatus
	}
	id := uuid.NewString()
	now := w.Now()
	w.runs[id] = &worker.RemoteRun{
		ID:        id,
		Symbol:    req.Symbol,
		TradeDate: req.TradeDate,
		Status:    core.ParseRunStatus(raw),
		RawStatus: raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return worker.SubmitResponse{ID: id, Status: raw}, nil
}

// FetchStatus returns a copy of the run, or a queued injected error.
func (w *Worker) FetchStatus(_ context.Context, runID string) (worker.RemoteRun, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.fetches[runID]++
	if errs := w.fetchErrs[runID]; len(errs) > 0 {
		w.fetchErrs[runID] = errs[1:]
		return worker.RemoteRun{}, errs[0]
	}

	run, ok := w.runs[runID]
	if !ok {
		return worker.RemoteRun{}, &core.TransportError{Op: "fetch status", StatusCode: 404, Err: core.ErrNotFound}
	}
	out := *run
	out.Result = cloneMap(run.Result)
	return out, nil
}

// OpenStream registers a stream for the run. Events are delivered only when
// the test calls Emit.
func (w *Worker) OpenStream(_ context.Context, runID string, handlers worker.StreamHandlers) (worker.CancelFunc, error) {
	w.mu.Lock()
	w.opens[runID]++
	if err := w.openErr; err != nil {
		w.mu.Unlock()
		w.signalOpen()
		return nil, err
	}
	s := &stream{owner: w, runID: runID, handlers: handlers}
	w.streams[runID] = append(w.streams[runID], s)
	w.mu.Unlock()

	w.signalOpen()
	return s.cancel, nil
}

func (w *Worker) signalOpen() {
	select {
	case w.openSignal <- struct{}{}:
	default:
	}
}

// AddRun seeds a run the registry has never submitted.
func (w *Worker) AddRun(run worker.RemoteRun) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := run
	cp.Result = cloneMap(run.Result)
	w.runs[run.ID] = &cp
}

// SetStatus changes the authoritative state of a run without emitting events.
func (w *Worker) SetStatus(runID string, status core.RunStatus, result map[string]any, errMsg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	run, ok := w.runs[runID]
	if !ok {
		return
	}
	run.Status = status
	run.RawStatus = string(status)
	run.Result = cloneMap(result)
	run.Error = errMsg
	run.UpdatedAt = w.Now()
}

// Forget removes a run so later fetches return not found.
func (w *Worker) Forget(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.runs, runID)
}

// Emit delivers an event to every open stream of the run, synchronously.
func (w *Worker) Emit(runID string, ev worker.StreamEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.Now()
	}
	for _, s := range w.openStreams(runID) {
		s.event(ev)
	}
}

// EmitStatus updates the run's authoritative status and emits the matching
// status event. Extra payload keys are merged into the event payload.
func (w *Worker) EmitStatus(runID, state string, extra map[string]any) {
	status := core.ParseRunStatus(state)
	w.mu.Lock()
	if run, ok := w.runs[runID]; ok {
		run.Status = status
		run.RawStatus = state
		run.UpdatedAt = w.Now()
		if result, ok := extra["result"].(map[string]any); ok {
			run.Result = cloneMap(result)
		}
		if status == core.StatusFailed {
			if msg, ok := extra["message"].(string); ok {
				run.Error = msg
			}
		}
	}
	w.mu.Unlock()

	payload := map[string]any{"state": state}
	for k, v := range extra {
		payload[k] = v
	}
	w.Emit(runID, worker.StreamEvent{Event: "status", Payload: payload})
}

// DropStreams fails every open stream of the run with err.
func (w *Worker) DropStreams(runID string, err error) {
	if err == nil {
		err = &core.TransportError{Op: "stream", Err: fmt.Errorf("connection reset")}
	}
	for _, s := range w.detach(runID) {
		s.fail(err)
	}
}

// CloseStreams ends every open stream of the run cleanly.
func (w *Worker) CloseStreams(runID string) {
	for _, s := range w.detach(runID) {
		s.close()
	}
}

// FailSubmit makes every later Submit return err (nil clears it).
func (w *Worker) FailSubmit(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.submitErr = err
}

// FailOpen makes every later OpenStream return err (nil clears it).
func (w *Worker) FailOpen(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.openErr = err
}

// FailNextFetch queues err for the next FetchStatus of the run.
func (w *Worker) FailNextFetch(runID string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fetchErrs[runID] = append(w.fetchErrs[runID], err)
}

// SubmitCount returns the number of Submit calls.
func (w *Worker) SubmitCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.submits
}

// FetchCount returns the number of FetchStatus calls for the run.
func (w *Worker) FetchCount(runID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fetches[runID]
}

// OpenCount returns the number of OpenStream calls for the run.
func (w *Worker) OpenCount(runID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opens[runID]
}

// ActiveStreams returns the number of streams still open for the run.
func (w *Worker) ActiveStreams(runID string) int {
	return len(w.openStreams(runID))
}

// WaitForOpens blocks until the run has been opened at least n times or the
// timeout elapses. It reports whether the count was reached.
func (w *Worker) WaitForOpens(runID string, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if w.OpenCount(runID) >= n {
			return true
		}
		select {
		case <-w.openSignal:
		case <-time.After(5 * time.Millisecond):
		case <-deadline.C:
			return w.OpenCount(runID) >= n
		}
	}
}

func (w *Worker) openStreams(runID string) []*stream {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*stream
	for _, s := range w.streams[runID] {
		if s.live() {
			out = append(out, s)
		}
	}
	return out
}

func (w *Worker) detach(runID string) []*stream {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.streams[runID]
	delete(w.streams, runID)
	return out
}

func (w *Worker) remove(target *stream) {
	w.mu.Lock()
	defer w.mu.Unlock()
	list := w.streams[target.runID]
	for i, s := range list {
		if s == target {
			w.streams[target.runID] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

type stream struct {
	owner    *Worker
	runID    string
	handlers worker.StreamHandlers

	dispatch sync.Mutex

	mu        sync.Mutex
	cancelled bool
	ended     bool
}

func (s *stream) cancel() {
	s.mu.Lock()
	already := s.cancelled
	s.cancelled = true
	s.mu.Unlock()
	if !already {
		s.owner.remove(s)
	}
}

func (s *stream) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cancelled && !s.ended
}

func (s *stream) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.ended {
		return false
	}
	s.ended = true
	return true
}

func (s *stream) event(ev worker.StreamEvent) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	if s.live() {
		ev.Payload = cloneMap(ev.Payload)
		s.handlers.OnEvent(ev)
	}
}

func (s *stream) fail(err error) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	if s.finish() && s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

func (s *stream) close() {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	if s.finish() && s.handlers.OnClose != nil {
		s.handlers.OnClose()
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

// Compile-time interface check.
var _ worker.Client = (*Worker)(nil)
