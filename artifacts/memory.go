package artifacts

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Persister, ReportChecker and TickerIndexer.
// It counts every write so tests can assert on persistence behavior.
type MemoryStore struct {
	mu        sync.RWMutex
	summaries map[string]RunSummaryRecord // partition|item -> record
	artifacts map[string]ArtifactRecord
	tickers   map[string]map[string]struct{}

	summaryWrites  int
	artifactWrites int
	failKeys       map[string]error

	now func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		summaries: make(map[string]RunSummaryRecord),
		artifacts: make(map[string]ArtifactRecord),
		tickers:   make(map[string]map[string]struct{}),
		failKeys:  make(map[string]error),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// FailKey makes writes of the given item key fail with err until cleared
// with a nil err.
func (m *MemoryStore) FailKey(itemKey string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failKeys, itemKey)
		return
	}
	m.failKeys[itemKey] = err
}

func (m *MemoryStore) SaveRunSummary(_ context.Context, rec RunSummaryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaryWrites++
	if err := m.failKeys[rec.ItemKey()]; err != nil {
		return err
	}
	id := rec.PartitionKey() + "|" + rec.ItemKey()
	if prev, ok := m.summaries[id]; ok {
		rec.CreatedAt = prev.CreatedAt
	}
	stampTimes(&rec.CreatedAt, &rec.UpdatedAt, m.now())
	m.summaries[id] = rec
	m.indexLocked(rec.Symbol, rec.TradeDate)
	return nil
}

func (m *MemoryStore) SaveArtifact(_ context.Context, rec ArtifactRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifactWrites++
	if err := m.failKeys[rec.ItemKey()]; err != nil {
		return err
	}
	id := rec.PartitionKey() + "|" + rec.ItemKey()
	if prev, ok := m.artifacts[id]; ok {
		rec.CreatedAt = prev.CreatedAt
	}
	stampTimes(&rec.CreatedAt, &rec.UpdatedAt, m.now())
	m.artifacts[id] = rec
	m.indexLocked(rec.Symbol, rec.TradeDate)
	return nil
}

func (m *MemoryStore) indexLocked(symbol, date string) {
	dates, ok := m.tickers[symbol]
	if !ok {
		dates = make(map[string]struct{})
		m.tickers[symbol] = dates
	}
	dates[date] = struct{}{}
}

// HasCompletedReport reports whether a success summary and at least one
// non-empty report artifact exist for the target.
func (m *MemoryStore) HasCompletedReport(_ context.Context, symbol, tradeDate string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	success := false
	for _, s := range m.summaries {
		if s.Symbol == symbol && s.TradeDate == tradeDate && s.Status == "success" {
			success = true
			break
		}
	}
	if !success {
		return false, nil
	}
	for _, a := range m.artifacts {
		if a.Symbol == symbol && a.TradeDate == tradeDate && a.Namespace == NamespaceReports && strings.TrimSpace(a.Content) != "" {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) RecordTickerRun(_ context.Context, symbol, tradeDate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexLocked(symbol, tradeDate)
	return nil
}

func (m *MemoryStore) ListTickers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tickers))
	for t := range m.tickers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) ListRunDates(_ context.Context, symbol string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tickers[symbol]))
	for d := range m.tickers[symbol] {
		out = append(out, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// SummaryWrites returns the number of SaveRunSummary calls.
func (m *MemoryStore) SummaryWrites() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.summaryWrites
}

// ArtifactWrites returns the number of SaveArtifact calls.
func (m *MemoryStore) ArtifactWrites() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.artifactWrites
}

// Summaries returns the stored summaries for a target.
func (m *MemoryStore) Summaries(symbol, tradeDate string) []RunSummaryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RunSummaryRecord
	for _, s := range m.summaries {
		if s.Symbol == symbol && s.TradeDate == tradeDate {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// Artifacts returns the stored artifacts for a target, ordered by item key.
func (m *MemoryStore) Artifacts(symbol, tradeDate string) []ArtifactRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ArtifactRecord
	for _, a := range m.artifacts {
		if a.Symbol == symbol && a.TradeDate == tradeDate {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemKey() < out[j].ItemKey() })
	return out
}

// ListArtifacts returns the stored artifacts for a target.
func (m *MemoryStore) ListArtifacts(_ context.Context, symbol, tradeDate string) ([]ArtifactRecord, error) {
	out := m.Artifacts(symbol, tradeDate)
	if out == nil {
		out = []ArtifactRecord{}
	}
	return out, nil
}

// Compile-time interface checks.
var (
	_ Persister     = (*MemoryStore)(nil)
	_ ReportChecker = (*MemoryStore)(nil)
	_ TickerIndexer = (*MemoryStore)(nil)
	_ Catalog       = (*MemoryStore)(nil)
)
