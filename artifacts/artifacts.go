// Package artifacts persists the results of finished runs.
//
// A finished run produces one run summary and a set of derived artifacts
// (decision, plans, report sections). Every item is addressed by a partition
// key of the form SYMBOL#DATE and an item key: "summary#<runId>" for
// summaries, "<namespace>#<key>" for artifacts. Writes are upserts, so
// repeating a write for the same keys is harmless.
//
// Backends:
//   - SQLiteStore: embedded relational store, also answers report checks
//   - RedisStore: key-value layout for shared deployments
//   - ObjectStore: S3-compatible buckets via MinIO
//   - TickerIndex: Postgres ticker_runs index used by IndexedPersister
//   - Fanout and MemoryStore for composition and tests
package artifacts

import (
	"context"
	"time"

	"github.com/petal-labs/runrelay/core"
)

// ContentTypeMarkdown is the content type of rendered artifacts.
const ContentTypeMarkdown = "text/markdown"

// SummaryPrefix prefixes the item key of run summaries.
const SummaryPrefix = "summary#"

// Persister stores run summaries and artifacts. Implementations must treat
// writes as idempotent upserts keyed by partition and item key.
type Persister interface {
	SaveRunSummary(ctx context.Context, rec RunSummaryRecord) error
	SaveArtifact(ctx context.Context, rec ArtifactRecord) error
}

// ReportChecker reports whether a completed report already exists for a
// symbol and trade date.
type ReportChecker interface {
	HasCompletedReport(ctx context.Context, symbol, tradeDate string) (bool, error)
}

// TickerIndexer records which symbols ran on which dates.
type TickerIndexer interface {
	RecordTickerRun(ctx context.Context, symbol, tradeDate string) error
	ListTickers(ctx context.Context) ([]string, error)
	ListRunDates(ctx context.Context, symbol string) ([]string, error)
}

// Catalog lists stored results by symbol and trade date.
type Catalog interface {
	ListTickers(ctx context.Context) ([]string, error)
	ListRunDates(ctx context.Context, symbol string) ([]string, error)
	ListArtifacts(ctx context.Context, symbol, tradeDate string) ([]ArtifactRecord, error)
}

// RunSummaryRecord is the persisted summary of one run.
type RunSummaryRecord struct {
	RunID           string         `json:"runId"`
	Symbol          string         `json:"ticker"`
	TradeDate       string         `json:"runDate"`
	Status          core.RunStatus `json:"status"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	DurationSeconds *float64       `json:"durationSeconds,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// PartitionKey returns SYMBOL#DATE.
func (r RunSummaryRecord) PartitionKey() string {
	return core.TargetKey(r.Symbol, r.TradeDate)
}

// ItemKey returns summary#<runId>.
func (r RunSummaryRecord) ItemKey() string {
	return SummaryPrefix + r.RunID
}

// ArtifactRecord is one derived artifact of a run.
type ArtifactRecord struct {
	Symbol      string         `json:"ticker"`
	TradeDate   string         `json:"runDate"`
	Namespace   string         `json:"artifactNamespace"`
	Key         string         `json:"key"`
	Content     string         `json:"content"`
	ContentSize int            `json:"contentSize"`
	ContentType string         `json:"contentType,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// PartitionKey returns SYMBOL#DATE.
func (a ArtifactRecord) PartitionKey() string {
	return core.TargetKey(a.Symbol, a.TradeDate)
}

// ItemKey returns <namespace>#<key>.
func (a ArtifactRecord) ItemKey() string {
	return a.Namespace + "#" + a.Key
}

func stampTimes(created, updated *time.Time, now time.Time) {
	if created.IsZero() {
		*created = now
	}
	*updated = now
}
