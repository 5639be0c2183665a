package runs

import (
	"context"
	"fmt"
)

// Recover resumes tracking of runs whose stored history ends in a
// non-terminal event, typically after a restart. Each is reconciled against
// the worker and, unless it finished meanwhile, its stream is reopened. It
// returns the number of runs recovered.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	if r.history == nil {
		return 0, nil
	}
	ids, err := r.history.RunIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("runs: list event history: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		if r.lookup(id) != nil {
			continue
		}
		seq, err := r.history.LatestSeq(ctx, id)
		if err != nil || seq == 0 {
			continue
		}
		last, err := r.history.List(ctx, id, seq-1, 1)
		if err != nil {
			r.logger.Warn("runs: read event history failed", "run_id", id, "error", err)
			continue
		}
		if len(last) == 0 || last[0].IsTerminal() {
			continue
		}

		rec, err := r.reconcile(ctx, id)
		if err != nil {
			r.logger.Warn("runs: recover failed", "run_id", id, "error", err)
			continue
		}
		rec.mu.Lock()
		r.ensureStreamLocked(rec)
		rec.mu.Unlock()
		recovered++
	}
	if recovered > 0 {
		r.logger.Info("runs: recovered runs from event history", "count", recovered)
	}
	return recovered, nil
}
