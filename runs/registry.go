// Package runs keeps the in-memory state of every run submitted to the
// worker and synchronizes it with the worker's own view.
//
// The Registry owns one record per run. Each record carries its own mutex,
// its own event Broadcaster and a stream reconciler that follows the
// worker's event stream, reconnecting after failures. When a run reaches a
// terminal status the registry fetches the authoritative result once,
// persists it at most once, and completes the broadcaster.
//
// Lock order: Registry.mu before record.mu; record.persistMu before
// record.mu. Registry.bgMu is a leaf lock.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petal-labs/runrelay/artifacts"
	"github.com/petal-labs/runrelay/bus"
	"github.com/petal-labs/runrelay/core"
	"github.com/petal-labs/runrelay/runtime"
	"github.com/petal-labs/runrelay/worker"
)

const (
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	defaultFinalizeTimeout   = 30 * time.Second
	historyLookupTimeout     = 5 * time.Second
	runnerErrorMessage       = "Runner error"
)

// Config configures a Registry.
type Config struct {
	// Worker executes runs. Required.
	Worker worker.Client

	// Persister stores summaries and artifacts of finished runs. Optional.
	Persister artifacts.Persister

	// Reports rejects submissions whose report already exists. Optional.
	Reports artifacts.ReportChecker

	// ConfigBuilder prepares the worker config of a submission. Optional;
	// the caller's config is passed through when nil.
	ConfigBuilder ConfigBuilder

	// History continues event sequence numbers after a restart. Optional.
	History bus.EventStore

	// ReplaySize is the per-run replay buffer (default bus.DefaultReplaySize).
	ReplaySize int

	// ReconnectDelay is the first stream reopen delay (default 1s).
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the reopen backoff (default 30s).
	MaxReconnectDelay time.Duration

	// FinalizeTimeout bounds the fetch and writes of the terminal path
	// (default 30s).
	FinalizeTimeout time.Duration

	// Observers receive every published event, in publish order per run.
	// They run while the run's lock is held and must not call back into
	// the registry.
	Observers []runtime.EventHandler

	Logger *slog.Logger
	Now    func() time.Time
}

// StartRequest asks the registry to start a run.
type StartRequest struct {
	Symbol    string
	TradeDate string
	Config    map[string]any
}

// Registry tracks runs and fans their events out to subscribers.
type Registry struct {
	worker            worker.Client
	persister         artifacts.Persister
	reports           artifacts.ReportChecker
	configBuilder     ConfigBuilder
	history           bus.EventStore
	replaySize        int
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	finalizeTimeout   time.Duration
	observe           runtime.EventHandler
	logger            *slog.Logger
	now               func() time.Time

	// ctx scopes every stream. It is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	records map[string]*record
	pending map[string]struct{}

	bgMu   sync.Mutex
	bg     sync.WaitGroup
	closed bool
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Worker == nil {
		return nil, errors.New("runs: worker is required")
	}
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = bus.DefaultReplaySize
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	var observe runtime.EventHandler
	if len(cfg.Observers) > 0 {
		observe = runtime.MultiEventHandler(cfg.Observers...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		worker:            cfg.Worker,
		persister:         cfg.Persister,
		reports:           cfg.Reports,
		configBuilder:     cfg.ConfigBuilder,
		history:           cfg.History,
		replaySize:        cfg.ReplaySize,
		reconnectDelay:    cfg.ReconnectDelay,
		maxReconnectDelay: cfg.MaxReconnectDelay,
		finalizeTimeout:   cfg.FinalizeTimeout,
		observe:           observe,
		logger:            cfg.Logger,
		now:               cfg.Now,
		ctx:               ctx,
		cancel:            cancel,
		records:           make(map[string]*record),
		pending:           make(map[string]struct{}),
	}, nil
}

// StartRun submits a run to the worker and begins tracking it. A second
// submission for the same symbol and date is rejected with a ConflictError
// while the first is still in flight or non-terminal.
func (r *Registry) StartRun(ctx context.Context, req StartRequest) (core.RunSummary, error) {
	symbol, err := core.NormalizeSymbol(req.Symbol)
	if err != nil {
		return core.RunSummary{}, err
	}
	tradeDate, err := core.NormalizeTradeDate(req.TradeDate)
	if err != nil {
		return core.RunSummary{}, err
	}
	target := core.TargetKey(symbol, tradeDate)

	if err := r.reserve(target, symbol, tradeDate); err != nil {
		return core.RunSummary{}, err
	}
	defer r.release(target)

	if r.reports != nil {
		exists, err := r.reports.HasCompletedReport(ctx, symbol, tradeDate)
		if err != nil {
			r.logger.Warn("runs: report check failed, treating report as existing",
				"ticker", symbol, "trade_date", tradeDate, "error", err)
			exists = true
		}
		if exists {
			return core.RunSummary{}, &core.ConflictError{
				Symbol:    symbol,
				TradeDate: tradeDate,
				Reason:    core.ConflictReportExists,
			}
		}
	}

	config := req.Config
	if r.configBuilder != nil {
		config = r.configBuilder.Build(symbol, tradeDate, req.Config)
	}

	resp, err := r.worker.Submit(ctx, worker.SubmitRequest{
		Symbol:    symbol,
		TradeDate: tradeDate,
		Config:    config,
	})
	if err != nil {
		return core.RunSummary{}, fmt.Errorf("runs: submit %s: %w", target, err)
	}

	rec := r.register(resp.ID, symbol, tradeDate)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.symbol != symbol || rec.tradeDate != tradeDate || rec.persisted {
		rec.symbol = symbol
		rec.tradeDate = tradeDate
		rec.persisted = false
		rec.persistIncomplete = false
	}
	rec.streamNotFound = false
	rec.gone = false
	if status := core.ParseRunStatus(resp.Status); rec.status.Advances(status) {
		rec.status = status
	}
	rec.touchLocked(r.now())

	r.publishLocked(rec, runtime.NewEvent(runtime.EventCreated, rec.id).
		WithStatus(rec.status).
		WithTime(r.now()).
		WithPayload("ticker", symbol).
		WithPayload("tradeDate", tradeDate))

	r.logger.Info("runs: run submitted",
		"run_id", rec.id, "ticker", symbol, "trade_date", tradeDate, "status", rec.status)

	r.ensureStreamLocked(rec)
	if rec.status.IsTerminal() {
		r.beginFinalizeLocked(rec, nil)
	}
	return rec.snapshotLocked(), nil
}

// reserve claims target for an in-flight submission.
func (r *Registry) reserve(target, symbol, tradeDate string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.pending[target]; busy {
		return &core.ConflictError{Symbol: symbol, TradeDate: tradeDate, Reason: core.ConflictInProgress}
	}
	for _, rec := range r.records {
		rec.mu.Lock()
		active := !rec.status.IsTerminal() && !rec.gone && rec.targetLocked() == target
		rec.mu.Unlock()
		if active {
			return &core.ConflictError{
				RunID:     rec.id,
				Symbol:    symbol,
				TradeDate: tradeDate,
				Reason:    core.ConflictInProgress,
			}
		}
	}
	r.pending[target] = struct{}{}
	return nil
}

func (r *Registry) release(target string) {
	r.mu.Lock()
	delete(r.pending, target)
	r.mu.Unlock()
}

// register returns the record for id, creating it when missing. A terminal
// record for a reused id is replaced so it gets a fresh broadcaster.
func (r *Registry) register(id, symbol, tradeDate string) *record {
	initialSeq := r.lastSeq(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		rec.mu.Lock()
		reusable := !rec.status.IsTerminal() && !rec.finalizing
		rec.mu.Unlock()
		if reusable {
			return rec
		}
		if last := rec.broadcaster.LastSeq(); last > initialSeq {
			initialSeq = last
		}
	}
	rec := r.newRecordLocked(id, symbol, tradeDate, initialSeq)
	r.records[id] = rec
	return rec
}

// adopt returns the record for a run known only to the worker.
func (r *Registry) adopt(remote worker.RemoteRun) *record {
	initialSeq := r.lastSeq(remote.ID)

	r.mu.Lock()
	if rec, ok := r.records[remote.ID]; ok {
		r.mu.Unlock()
		return rec
	}
	symbol, _ := core.NormalizeSymbol(remote.Symbol)
	tradeDate, err := core.NormalizeTradeDate(remote.TradeDate)
	if err != nil {
		tradeDate = ""
	}
	rec := r.newRecordLocked(remote.ID, symbol, tradeDate, initialSeq)
	r.records[remote.ID] = rec
	r.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !remote.CreatedAt.IsZero() {
		rec.createdAt = remote.CreatedAt
	}
	r.publishLocked(rec, runtime.NewEvent(runtime.EventCreated, rec.id).
		WithStatus(rec.status).
		WithTime(r.now()).
		WithPayload("ticker", symbol).
		WithPayload("tradeDate", tradeDate).
		WithPayload("source", "remote"))

	r.logger.Info("runs: adopted run from worker", "run_id", rec.id, "ticker", symbol, "trade_date", tradeDate)
	return rec
}

func (r *Registry) newRecordLocked(id, symbol, tradeDate string, initialSeq uint64) *record {
	b := bus.NewBroadcaster(bus.BroadcasterConfig{ReplaySize: r.replaySize, InitialSeq: initialSeq})
	return newRecord(id, symbol, tradeDate, r.now(), b, r.newBackoff())
}

func (r *Registry) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.reconnectDelay
	bo.MaxInterval = r.maxReconnectDelay
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// lastSeq returns the highest stored sequence number of a run.
func (r *Registry) lastSeq(id string) uint64 {
	if r.history == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(r.ctx, historyLookupTimeout)
	defer cancel()
	seq, err := r.history.LatestSeq(ctx, id)
	if err != nil {
		r.logger.Warn("runs: event history lookup failed", "run_id", id, "error", err)
		return 0
	}
	return seq
}

func (r *Registry) lookup(id string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[id]
}

// GetRun reconciles a run against the worker and returns its snapshot. When
// the worker cannot be reached the local snapshot is returned.
func (r *Registry) GetRun(ctx context.Context, id string) (core.RunSummary, error) {
	rec, err := r.reconcile(ctx, id)
	if err != nil {
		return core.RunSummary{}, err
	}
	return rec.snapshot(), nil
}

// reconcile fetches the worker's view of a run and applies it. A fetch
// failure falls back to the local record when one exists.
func (r *Registry) reconcile(ctx context.Context, id string) (*record, error) {
	remote, err := r.worker.FetchStatus(ctx, id)
	rec := r.lookup(id)
	if err != nil {
		if rec == nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil, fmt.Errorf("runs: run %s: %w", id, core.ErrNotFound)
			}
			return nil, fmt.Errorf("runs: fetch %s: %w", id, err)
		}
		if errors.Is(err, core.ErrNotFound) {
			r.markGone(rec)
		} else {
			r.logger.Warn("runs: status fetch failed, using local state", "run_id", id, "error", err)
		}
		return rec, nil
	}

	if rec == nil {
		rec = r.adopt(remote)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.streamNotFound = false
	rec.gone = false
	r.applyRemoteLocked(rec, remote)
	if rec.status.IsTerminal() {
		r.beginFinalizeLocked(rec, &remote)
	}
	return rec, nil
}

// markGone records a status fetch that did not find a run. When the stream
// already reported the same, the run is dropped from sweeps and the warning
// is logged once.
func (r *Registry) markGone(rec *record) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.gone || !rec.streamNotFound || rec.status.IsTerminal() {
		r.logger.Debug("runs: worker no longer knows run, using local state", "run_id", rec.id)
		return
	}
	rec.gone = true
	r.logger.Warn("runs: worker lost run, excluded from sweeps until it reappears",
		"run_id", rec.id, "status", rec.status)
}

// applyRemoteLocked merges the worker's view into the record. Status never
// regresses and a terminal status is never replaced.
func (r *Registry) applyRemoteLocked(rec *record, remote worker.RemoteRun) {
	next := remote.Status
	if next != rec.status && !rec.status.Advances(next) {
		return
	}
	changed := next != rec.status
	rec.status = next

	if rec.symbol == "" {
		rec.symbol, _ = core.NormalizeSymbol(remote.Symbol)
	}
	if rec.tradeDate == "" {
		if d, err := core.NormalizeTradeDate(remote.TradeDate); err == nil {
			rec.tradeDate = d
		}
	}
	if !remote.UpdatedAt.IsZero() {
		rec.touchLocked(remote.UpdatedAt)
	} else if changed {
		rec.touchLocked(r.now())
	}

	switch next {
	case core.StatusSuccess:
		if remote.Result != nil {
			rec.result = cloneMap(remote.Result)
		}
		rec.runErr = nil
	case core.StatusFailed:
		if remote.Error != "" {
			if rec.runErr == nil || rec.runErr.Message != remote.Error {
				rec.runErr = &core.RunError{Message: remote.Error}
			}
		} else if rec.runErr == nil {
			rec.runErr = &core.RunError{Message: runnerErrorMessage}
		}
		rec.result = nil
	}

	if changed {
		ev := runtime.NewEvent(runtime.EventStatus, rec.id).
			WithStatus(next).
			WithTime(rec.updatedAt).
			WithPayload("state", remote.RawStatus).
			WithPayload("source", "reconcile")
		if next == core.StatusFailed && rec.runErr != nil {
			ev = ev.WithPayload("message", rec.runErr.Message)
		}
		r.publishLocked(rec, ev)
	}
}

// Subscribe returns a subscription on a run's events. It opens the upstream
// stream when the run has none and is not terminal.
func (r *Registry) Subscribe(_ context.Context, id string) (bus.Subscription, error) {
	rec := r.lookup(id)
	if rec == nil {
		return nil, fmt.Errorf("runs: run %s: %w", id, core.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	r.ensureStreamLocked(rec)
	return rec.broadcaster.Subscribe(), nil
}

// Backfill reconciles a run and persists its results. Writes that already
// succeeded are not repeated.
func (r *Registry) Backfill(ctx context.Context, id string) error {
	rec, err := r.reconcile(ctx, id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	status := rec.status
	rec.mu.Unlock()
	if !status.IsTerminal() {
		return fmt.Errorf("runs: backfill %s (%s): %w", id, status, core.ErrRunNotTerminal)
	}
	return r.persist(ctx, rec)
}

// Runs returns a snapshot of every tracked run, newest first.
func (r *Registry) Runs() []core.RunSummary {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]core.RunSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reconcile examines every non-terminal run without an active stream,
// reconciles it against the worker and reopens its stream. It returns the
// number of runs examined.
func (r *Registry) Reconcile(ctx context.Context) int {
	r.mu.RLock()
	var orphans []string
	for id, rec := range r.records {
		rec.mu.Lock()
		if !rec.status.IsTerminal() && !rec.streamActive && !rec.gone {
			orphans = append(orphans, id)
		}
		rec.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range orphans {
		if ctx.Err() != nil {
			break
		}
		rec, err := r.reconcile(ctx, id)
		if err != nil {
			r.logger.Warn("runs: reconcile failed", "run_id", id, "error", err)
			continue
		}
		rec.mu.Lock()
		r.ensureStreamLocked(rec)
		rec.mu.Unlock()
	}
	if len(orphans) > 0 {
		r.logger.Info("runs: reconciled orphaned runs", "count", len(orphans))
	}
	return len(orphans)
}

// Close stops reconnect timers, cancels streams, waits for background
// finalizers and then completes every broadcaster, so subscribers of runs
// that are still in flight see their channel close.
func (r *Registry) Close() error {
	r.bgMu.Lock()
	if r.closed {
		r.bgMu.Unlock()
		return nil
	}
	r.closed = true
	r.bgMu.Unlock()

	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	for _, rec := range recs {
		rec.mu.Lock()
		rec.stopReconnectLocked()
		rec.detachStreamLocked()
		rec.mu.Unlock()
	}

	r.bg.Wait()

	r.mu.RLock()
	recs = recs[:0]
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()
	for _, rec := range recs {
		rec.mu.Lock()
		rec.broadcaster.Complete()
		rec.mu.Unlock()
	}

	r.cancel()
	return nil
}

func (r *Registry) isClosed() bool {
	r.bgMu.Lock()
	defer r.bgMu.Unlock()
	return r.closed
}

// spawn runs fn in the background unless the registry is closed.
func (r *Registry) spawn(fn func()) bool {
	r.bgMu.Lock()
	if r.closed {
		r.bgMu.Unlock()
		return false
	}
	r.bg.Add(1)
	r.bgMu.Unlock()

	go func() {
		defer r.bg.Done()
		fn()
	}()
	return true
}

// publishLocked broadcasts ev and hands the sequenced event to observers.
func (r *Registry) publishLocked(rec *record, ev runtime.Event) {
	sequenced, ok := rec.broadcaster.Publish(ev)
	if !ok {
		return
	}
	if r.observe != nil {
		r.observe(sequenced)
	}
}
