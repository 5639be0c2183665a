package runs

import (
	"context"
	"errors"

	"github.com/petal-labs/runrelay/artifacts"
	"github.com/petal-labs/runrelay/core"
)

// persistPlan selects the writes of one persistence attempt. A nil
// artifacts set means every artifact.
type persistPlan struct {
	summary   bool
	artifacts map[string]struct{}
}

func (p persistPlan) includes(key string) bool {
	if p.artifacts == nil {
		return true
	}
	_, ok := p.artifacts[key]
	return ok
}

// persist runs the guarded persistence path of a terminal run. The first
// call flips the persisted latch and performs every write. Later calls only
// repeat the writes that failed, and do nothing once all have succeeded.
// Attempts on one record never overlap.
func (r *Registry) persist(ctx context.Context, rec *record) error {
	rec.persistMu.Lock()
	defer rec.persistMu.Unlock()

	rec.mu.Lock()
	var plan persistPlan
	switch {
	case !rec.persisted:
		rec.persisted = true
		plan = persistPlan{summary: true}
	case rec.persistIncomplete:
		plan = persistPlan{summary: rec.failedSummary}
		if rec.failedArtifacts != nil {
			plan.artifacts = make(map[string]struct{}, len(rec.failedArtifacts))
			for key := range rec.failedArtifacts {
				plan.artifacts[key] = struct{}{}
			}
		}
	default:
		rec.mu.Unlock()
		return nil
	}
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	logger := r.logger.With("run_id", snap.ID, "ticker", snap.Symbol, "trade_date", snap.TradeDate)
	if snap.TradeDate == "" {
		// Keep the attempt open so a Backfill after the worker reports the
		// date writes everything.
		logger.Warn("runs: run has no trade date, deferring persistence")
		rec.mu.Lock()
		rec.persistIncomplete = true
		rec.failedSummary = true
		rec.failedArtifacts = nil
		rec.mu.Unlock()
		return nil
	}
	if r.persister == nil {
		return nil
	}

	var (
		errs          []error
		failedSummary bool
		failed        = make(map[string]struct{})
	)

	if plan.summary {
		summary := artifacts.NewRunSummary(snap)
		if err := r.persister.SaveRunSummary(ctx, summary); err != nil {
			pe := &core.PersistenceError{RunID: snap.ID, Key: summary.ItemKey(), Err: err}
			logger.Error("runs: failed to save run summary", "error", pe)
			errs = append(errs, pe)
			failedSummary = true
		}
	}

	for _, art := range artifacts.BuildArtifacts(snap.ID, snap.Symbol, snap.TradeDate, snap.Status, snap.Result) {
		key := art.ItemKey()
		if !plan.includes(key) {
			continue
		}
		if err := r.persister.SaveArtifact(ctx, art); err != nil {
			pe := &core.PersistenceError{RunID: snap.ID, Key: key, Err: err}
			logger.Error("runs: failed to save artifact", "key", key, "error", pe)
			errs = append(errs, pe)
			failed[key] = struct{}{}
		}
	}

	rec.mu.Lock()
	rec.failedSummary = failedSummary
	rec.failedArtifacts = failed
	rec.persistIncomplete = failedSummary || len(failed) > 0
	rec.mu.Unlock()

	if len(errs) == 0 {
		logger.Info("runs: run persisted", "status", snap.Status)
	}
	return errors.Join(errs...)
}
