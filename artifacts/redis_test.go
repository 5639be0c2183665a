package artifacts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/petal-labs/runrelay/core"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewRedisStore(RedisConfig{Client: client, Prefix: "test:"})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	return s, mr
}

func TestNewRedisStore_RequiresTarget(t *testing.T) {
	if _, err := NewRedisStore(RedisConfig{}); err == nil {
		t.Error("expected error without client or URL")
	}
	if _, err := NewRedisStore(RedisConfig{URL: "ftp://localhost:6379"}); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestRedisStore_Layout(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.SaveRunSummary(ctx, RunSummaryRecord{RunID: "run-1", Symbol: "NVDA", TradeDate: "2025-01-15", Status: core.StatusSuccess}); err != nil {
		t.Fatalf("SaveRunSummary: %v", err)
	}
	if err := s.SaveArtifact(ctx, ArtifactRecord{Symbol: "NVDA", TradeDate: "2025-01-15", Namespace: "reports", Key: "decision", Content: "BUY", ContentSize: 3}); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}

	if !mr.Exists("test:NVDA#2025-01-15") {
		t.Fatal("target hash missing")
	}
	fields, err := mr.HKeys("test:NVDA#2025-01-15")
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 2 {
		t.Errorf("fields = %v", fields)
	}
	if ok, _ := mr.SIsMember("test:tickers", "NVDA"); !ok {
		t.Error("ticker set missing NVDA")
	}
	if ok, _ := mr.SIsMember("test:dates:NVDA", "2025-01-15"); !ok {
		t.Error("date set missing 2025-01-15")
	}
}

func TestRedisStore_UpsertAndList(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	first := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return first }
	rec := ArtifactRecord{Symbol: "A", TradeDate: "2025-01-01", Namespace: "reports", Key: "news", Content: "v1"}
	if err := s.SaveArtifact(ctx, rec); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return first.Add(time.Minute) }
	rec.Content = "v2"
	if err := s.SaveArtifact(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRunSummary(ctx, RunSummaryRecord{RunID: "r", Symbol: "A", TradeDate: "2025-01-01", Status: core.StatusSuccess}); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListArtifacts(ctx, "A", "2025-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}
	if list[0].Content != "v2" {
		t.Errorf("content = %q", list[0].Content)
	}
	if !list[0].CreatedAt.Equal(first) || !list[0].UpdatedAt.Equal(first.Add(time.Minute)) {
		t.Errorf("created %v updated %v", list[0].CreatedAt, list[0].UpdatedAt)
	}

	sum, err := s.GetRunSummary(ctx, "A", "2025-01-01", "r")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Status != core.StatusSuccess {
		t.Errorf("status = %s", sum.Status)
	}
	if _, err := s.GetRunSummary(ctx, "A", "2025-01-01", "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_HasCompletedReport(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := s.HasCompletedReport(ctx, "A", "2025-01-01")
	if err != nil || ok {
		t.Fatalf("empty target: ok=%v err=%v", ok, err)
	}

	if err := s.SaveRunSummary(ctx, RunSummaryRecord{RunID: "r", Symbol: "A", TradeDate: "2025-01-01", Status: core.StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.HasCompletedReport(ctx, "A", "2025-01-01"); ok {
		t.Error("summary alone should not count as a report")
	}

	if err := s.SaveArtifact(ctx, ArtifactRecord{Symbol: "A", TradeDate: "2025-01-01", Namespace: "reports", Key: "decision", Content: "HOLD"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.HasCompletedReport(ctx, "A", "2025-01-01"); !ok {
		t.Error("expected completed report")
	}
}

func TestRedisStore_TickerIndex(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_ = s.RecordTickerRun(ctx, "NVDA", "2025-01-14")
	_ = s.RecordTickerRun(ctx, "NVDA", "2025-01-16")
	_ = s.RecordTickerRun(ctx, "AAPL", "2025-01-15")

	tickers, err := s.ListTickers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tickers) != 2 || tickers[0] != "AAPL" {
		t.Errorf("tickers = %v", tickers)
	}
	dates, err := s.ListRunDates(ctx, "NVDA")
	if err != nil {
		t.Fatal(err)
	}
	if len(dates) != 2 || dates[0] != "2025-01-16" {
		t.Errorf("dates = %v", dates)
	}
}
