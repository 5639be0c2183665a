package runs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/petal-labs/runrelay/artifacts"
	"github.com/petal-labs/runrelay/bus"
	"github.com/petal-labs/runrelay/core"
	"github.com/petal-labs/runrelay/runtime"
	"github.com/petal-labs/runrelay/worker/workertest"
)

const waitTimeout = 2 * time.Second

type testEnv struct {
	reg    *Registry
	worker *workertest.Worker
	store  *artifacts.MemoryStore
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	w := workertest.New()
	store := artifacts.NewMemoryStore()
	cfg := Config{
		Worker:            w,
		Persister:         store,
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return &testEnv{reg: reg, worker: w, store: store}
}

func (e *testEnv) start(t *testing.T, symbol, date string) core.RunSummary {
	t.Helper()
	run, err := e.reg.StartRun(context.Background(), StartRequest{Symbol: symbol, TradeDate: date})
	if err != nil {
		t.Fatalf("StartRun(%s, %s): %v", symbol, date, err)
	}
	return run
}

func (e *testEnv) subscribe(t *testing.T, id string) bus.Subscription {
	t.Helper()
	sub, err := e.reg.Subscribe(context.Background(), id)
	if err != nil {
		t.Fatalf("Subscribe(%s): %v", id, err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

// waitFinalized blocks until the run's terminal path has completed.
func (e *testEnv) waitFinalized(t *testing.T, id string) {
	t.Helper()
	eventually(t, func() bool {
		rec := e.reg.lookup(id)
		if rec == nil {
			return false
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.state == stateTerminal
	}, "run %s finalized", id)
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}

func nextEvent(t *testing.T, sub bus.Subscription) runtime.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
	}
	return runtime.Event{}
}

func expectClosed(t *testing.T, sub bus.Subscription) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			t.Fatalf("unexpected event before close: %s seq=%d", ev.Kind, ev.Seq)
		case <-deadline:
			t.Fatal("subscription not closed")
		}
	}
}
