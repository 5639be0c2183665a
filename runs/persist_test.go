package runs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/petal-labs/runrelay/core"
	"github.com/petal-labs/runrelay/worker"
)

func TestBackfill_ConcurrentWithFinalizeWritesOnce(t *testing.T) {
	env := newTestEnv(t)
	run := env.start(t, "NVDA", "2025-01-15")
	env.worker.EmitStatus(run.ID, "success", map[string]any{"result": map[string]any{"decision": "BUY"}})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.reg.Backfill(context.Background(), run.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Backfill: %v", err)
		}
	}
	env.waitFinalized(t, run.ID)

	if n := env.store.SummaryWrites(); n != 1 {
		t.Errorf("summary writes = %d, want 1", n)
	}
	if n := env.store.ArtifactWrites(); n != 1 {
		t.Errorf("artifact writes = %d, want 1", n)
	}
}

func TestBackfill_RepeatedCallsDoNotRewrite(t *testing.T) {
	env := newTestEnv(t)
	run := env.start(t, "NVDA", "2025-01-15")
	env.worker.EmitStatus(run.ID, "success", map[string]any{"result": map[string]any{
		"decision":        "HOLD",
		"investment_plan": "wait",
		"reports":         map[string]any{"market_report": "flat"},
	}})
	env.waitFinalized(t, run.ID)

	for i := 0; i < 2; i++ {
		if err := env.reg.Backfill(context.Background(), run.ID); err != nil {
			t.Fatalf("Backfill #%d: %v", i, err)
		}
	}
	if n := env.store.SummaryWrites(); n != 1 {
		t.Errorf("summary writes = %d, want 1", n)
	}
	if n := env.store.ArtifactWrites(); n != 3 {
		t.Errorf("artifact writes = %d, want 3", n)
	}
}

func TestBackfill_RequiresTerminalRun(t *testing.T) {
	env := newTestEnv(t)
	run := env.start(t, "NVDA", "2025-01-15")

	err := env.reg.Backfill(context.Background(), run.ID)
	if !errors.Is(err, core.ErrRunNotTerminal) {
		t.Fatalf("err = %v, want ErrRunNotTerminal", err)
	}
	if env.store.SummaryWrites() != 0 {
		t.Error("non-terminal run was persisted")
	}
}

func TestBackfill_UnknownRun(t *testing.T) {
	env := newTestEnv(t)
	if err := env.reg.Backfill(context.Background(), "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBackfill_RetriesOnlyFailedWrites(t *testing.T) {
	env := newTestEnv(t)
	outage := errors.New("table unavailable")
	env.store.FailKey("reports#decision", outage)

	run := env.start(t, "NVDA", "2025-01-15")
	env.worker.EmitStatus(run.ID, "success", map[string]any{"result": map[string]any{
		"decision":        "BUY",
		"investment_plan": "scale in",
	}})
	env.waitFinalized(t, run.ID)

	if n := env.store.ArtifactWrites(); n != 2 {
		t.Fatalf("artifact writes after finalize = %d, want 2", n)
	}

	err := env.reg.Backfill(context.Background(), run.ID)
	var pe *core.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
	if pe.RunID != run.ID || pe.Key != "reports#decision" || !errors.Is(err, outage) {
		t.Errorf("persistence error = %+v", pe)
	}
	if n := env.store.ArtifactWrites(); n != 3 {
		t.Errorf("artifact writes after failed retry = %d, want 3", n)
	}

	env.store.FailKey("reports#decision", nil)
	if err := env.reg.Backfill(context.Background(), run.ID); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n := env.store.ArtifactWrites(); n != 4 {
		t.Errorf("artifact writes after recovery = %d, want 4", n)
	}
	if n := env.store.SummaryWrites(); n != 1 {
		t.Errorf("summary writes = %d, want 1", n)
	}
	if n := len(env.store.Artifacts("NVDA", "2025-01-15")); n != 2 {
		t.Errorf("stored artifacts = %d, want 2", n)
	}

	if err := env.reg.Backfill(context.Background(), run.ID); err != nil {
		t.Fatalf("Backfill after recovery: %v", err)
	}
	if n := env.store.ArtifactWrites(); n != 4 {
		t.Errorf("artifact writes after complete backfill = %d, want 4", n)
	}
}

func TestPersist_SummaryFailureRetried(t *testing.T) {
	env := newTestEnv(t)
	run := env.start(t, "NVDA", "2025-01-15")
	env.store.FailKey("summary#"+run.ID, errors.New("throttled"))
	env.worker.EmitStatus(run.ID, "success", map[string]any{"result": map[string]any{"decision": "BUY"}})
	env.waitFinalized(t, run.ID)

	env.store.FailKey("summary#"+run.ID, nil)
	if err := env.reg.Backfill(context.Background(), run.ID); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n := env.store.SummaryWrites(); n != 2 {
		t.Errorf("summary writes = %d, want 2", n)
	}
	if n := env.store.ArtifactWrites(); n != 1 {
		t.Errorf("artifact writes = %d, want 1", n)
	}
	if n := len(env.store.Summaries("NVDA", "2025-01-15")); n != 1 {
		t.Errorf("stored summaries = %d, want 1", n)
	}
}

func TestPersist_MissingTradeDateDeferredToBackfill(t *testing.T) {
	env := newTestEnv(t)
	nodate := worker.RemoteRun{
		ID:        "run-nodate",
		Symbol:    "AAPL",
		Status:    core.StatusSuccess,
		RawStatus: "success",
		Result:    map[string]any{"decision": "SELL"},
	}
	env.worker.AddRun(nodate)

	if _, err := env.reg.GetRun(context.Background(), "run-nodate"); err != nil {
		t.Fatal(err)
	}
	env.waitFinalized(t, "run-nodate")

	got := env.reg.lookup("run-nodate").snapshot()
	if !got.Persisted {
		t.Error("persisted latch not set")
	}
	if env.store.SummaryWrites() != 0 || env.store.ArtifactWrites() != 0 {
		t.Fatal("run without trade date was written")
	}

	// Still unknown: Backfill keeps waiting.
	if err := env.reg.Backfill(context.Background(), "run-nodate"); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if env.store.SummaryWrites() != 0 {
		t.Fatal("summary written without trade date")
	}

	nodate.TradeDate = "2025-01-15"
	env.worker.AddRun(nodate)
	if err := env.reg.Backfill(context.Background(), "run-nodate"); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n := env.store.SummaryWrites(); n != 1 {
		t.Errorf("summary writes = %d, want 1", n)
	}
	if n := env.store.ArtifactWrites(); n == 0 {
		t.Error("artifacts not written once the trade date is known")
	}

	before := env.store.ArtifactWrites()
	if err := env.reg.Backfill(context.Background(), "run-nodate"); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if env.store.SummaryWrites() != 1 || env.store.ArtifactWrites() != before {
		t.Error("fully persisted run was written again")
	}
}

func TestPersist_NilPersisterLatchesOnly(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Persister = nil })
	run := env.start(t, "NVDA", "2025-01-15")
	env.worker.EmitStatus(run.ID, "success", map[string]any{"result": map[string]any{"decision": "BUY"}})
	env.waitFinalized(t, run.ID)

	if !env.reg.lookup(run.ID).snapshot().Persisted {
		t.Error("persisted latch not set")
	}
	if err := env.reg.Backfill(context.Background(), run.ID); err != nil {
		t.Errorf("Backfill: %v", err)
	}
}
