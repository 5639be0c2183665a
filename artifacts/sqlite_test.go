package artifacts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/petal-labs/runrelay/core"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "artifacts.db")
	s, err := NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_SummaryRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	duration := 42.5

	rec := RunSummaryRecord{
		RunID:           "run-1",
		Symbol:          "NVDA",
		TradeDate:       "2025-01-15",
		Status:          core.StatusSuccess,
		Result:          map[string]any{"decision": "BUY"},
		DurationSeconds: &duration,
		Metadata:        map[string]any{"log_path": "/tmp/x.log"},
	}
	if err := s.SaveRunSummary(ctx, rec); err != nil {
		t.Fatalf("SaveRunSummary: %v", err)
	}

	got, err := s.GetRunSummary(ctx, "NVDA", "2025-01-15", "run-1")
	if err != nil {
		t.Fatalf("GetRunSummary: %v", err)
	}
	if got.Status != core.StatusSuccess || got.Result["decision"] != "BUY" {
		t.Errorf("summary = %+v", got)
	}
	if got.DurationSeconds == nil || *got.DurationSeconds != 42.5 {
		t.Errorf("duration = %v", got.DurationSeconds)
	}
	if got.Metadata["log_path"] != "/tmp/x.log" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	if _, err := s.GetRunSummary(ctx, "NVDA", "2025-01-15", "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("missing summary err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_UpsertKeepsCreatedAt(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	first := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return first }
	rec := ArtifactRecord{Symbol: "NVDA", TradeDate: "2025-01-15", Namespace: "reports", Key: "news", Content: "v1", ContentSize: 2}
	if err := s.SaveArtifact(ctx, rec); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}

	second := first.Add(time.Hour)
	s.now = func() time.Time { return second }
	rec.Content, rec.ContentSize = "version2", 8
	if err := s.SaveArtifact(ctx, rec); err != nil {
		t.Fatalf("SaveArtifact again: %v", err)
	}

	list, err := s.ListArtifacts(ctx, "NVDA", "2025-01-15")
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1 (upsert)", len(list))
	}
	if list[0].Content != "version2" || list[0].ContentSize != 8 {
		t.Errorf("artifact = %+v", list[0])
	}
	if !list[0].CreatedAt.Equal(first) || !list[0].UpdatedAt.Equal(second) {
		t.Errorf("created %v updated %v", list[0].CreatedAt, list[0].UpdatedAt)
	}
}

func TestSQLiteStore_ListArtifactsExcludesSummaries(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.SaveRunSummary(ctx, RunSummaryRecord{RunID: "r", Symbol: "A", TradeDate: "2025-01-01", Status: core.StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	for _, rec := range BuildArtifacts("r", "A", "2025-01-01", core.StatusSuccess, map[string]any{
		"decision":        "SELL",
		"investment_plan": "hold",
	}) {
		if err := s.SaveArtifact(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListArtifacts(ctx, "A", "2025-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ItemKey() != "plans#investment_plan" || list[1].ItemKey() != "reports#decision" {
		t.Errorf("keys = %s, %s", list[0].ItemKey(), list[1].ItemKey())
	}
	if list[1].Metadata["runId"] != "r" {
		t.Errorf("metadata = %v", list[1].Metadata)
	}
}

func TestSQLiteStore_HasCompletedReport(t *testing.T) {
	tests := []struct {
		name    string
		status  core.RunStatus
		reports map[string]any
		want    bool
	}{
		{"success with report", core.StatusSuccess, map[string]any{"decision": "BUY"}, true},
		{"failed with report", core.StatusFailed, map[string]any{"decision": "BUY"}, false},
		{"success plans only", core.StatusSuccess, map[string]any{"investment_plan": "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSQLiteStore(t)
			ctx := context.Background()
			if err := s.SaveRunSummary(ctx, RunSummaryRecord{RunID: "r", Symbol: "A", TradeDate: "2025-01-01", Status: tt.status}); err != nil {
				t.Fatal(err)
			}
			for _, rec := range BuildArtifacts("r", "A", "2025-01-01", tt.status, tt.reports) {
				if err := s.SaveArtifact(ctx, rec); err != nil {
					t.Fatal(err)
				}
			}
			got, err := s.HasCompletedReport(ctx, "A", "2025-01-01")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("HasCompletedReport = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSQLiteStore_TickerIndex(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, pair := range [][2]string{
		{"NVDA", "2025-01-14"},
		{"NVDA", "2025-01-15"},
		{"AAPL", "2025-01-15"},
		{"NVDA", "2025-01-15"},
	} {
		if err := s.RecordTickerRun(ctx, pair[0], pair[1]); err != nil {
			t.Fatal(err)
		}
	}

	tickers, err := s.ListTickers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tickers) != 2 || tickers[0] != "AAPL" || tickers[1] != "NVDA" {
		t.Errorf("tickers = %v", tickers)
	}

	dates, err := s.ListRunDates(ctx, "NVDA")
	if err != nil {
		t.Fatal(err)
	}
	if len(dates) != 2 || dates[0] != "2025-01-15" || dates[1] != "2025-01-14" {
		t.Errorf("dates = %v", dates)
	}

	none, err := s.ListRunDates(ctx, "MSFT")
	if err != nil {
		t.Fatal(err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", none)
	}
}
