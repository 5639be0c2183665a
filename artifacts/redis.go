package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petal-labs/runrelay/core"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "runrelay"

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// Client is an existing client. When nil, URL is parsed instead.
	Client *redis.Client

	// URL is a redis:// connection URL.
	URL string

	// Prefix namespaces keys (default "runrelay").
	Prefix string
}

// RedisStore lays out items as one hash per target:
//
//	<prefix>:<SYMBOL>#<DATE>   field <item key> -> JSON item
//	<prefix>:tickers           set of symbols
//	<prefix>:dates:<SYMBOL>    set of trade dates
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
	now    func() time.Time
}

// NewRedisStore builds a RedisStore from cfg.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := cfg.Client
	owned := false
	if client == nil {
		if cfg.URL == "" {
			return nil, errors.New("artifacts redis: client or URL is required")
		}
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("artifacts redis: parse url: %w", err)
		}
		client = redis.NewClient(opts)
		owned = true
	}
	prefix := strings.TrimSuffix(cfg.Prefix, ":")
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		owned:  owned,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("artifacts redis: ping: %w", err)
	}
	return nil
}

// Close closes the client when the store created it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) targetKey(symbol, tradeDate string) string {
	return s.prefix + ":" + core.TargetKey(symbol, tradeDate)
}

func (s *RedisStore) tickersKey() string { return s.prefix + ":tickers" }

func (s *RedisStore) datesKey(symbol string) string { return s.prefix + ":dates:" + symbol }

func (s *RedisStore) SaveRunSummary(ctx context.Context, rec RunSummaryRecord) error {
	hash := s.targetKey(rec.Symbol, rec.TradeDate)
	var prev RunSummaryRecord
	if found, err := s.load(ctx, hash, rec.ItemKey(), &prev); err != nil {
		return err
	} else if found {
		rec.CreatedAt = prev.CreatedAt
	}
	stampTimes(&rec.CreatedAt, &rec.UpdatedAt, s.now())
	return s.store(ctx, rec.Symbol, rec.TradeDate, rec.ItemKey(), rec)
}

func (s *RedisStore) SaveArtifact(ctx context.Context, rec ArtifactRecord) error {
	hash := s.targetKey(rec.Symbol, rec.TradeDate)
	var prev ArtifactRecord
	if found, err := s.load(ctx, hash, rec.ItemKey(), &prev); err != nil {
		return err
	} else if found {
		rec.CreatedAt = prev.CreatedAt
	}
	stampTimes(&rec.CreatedAt, &rec.UpdatedAt, s.now())
	return s.store(ctx, rec.Symbol, rec.TradeDate, rec.ItemKey(), rec)
}

func (s *RedisStore) load(ctx context.Context, hash, field string, into any) (bool, error) {
	raw, err := s.client.HGet(ctx, hash, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("artifacts redis: get %s: %w", field, err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return false, fmt.Errorf("artifacts redis: decode %s: %w", field, err)
	}
	return true, nil
}

func (s *RedisStore) store(ctx context.Context, symbol, tradeDate, field string, item any) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("artifacts redis: encode %s: %w", field, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.targetKey(symbol, tradeDate), field, raw)
		pipe.SAdd(ctx, s.tickersKey(), symbol)
		pipe.SAdd(ctx, s.datesKey(symbol), tradeDate)
		return nil
	})
	if err != nil {
		return fmt.Errorf("artifacts redis: save %s: %w", field, err)
	}
	return nil
}

// RecordTickerRun adds the pair to the ticker and date sets.
func (s *RedisStore) RecordTickerRun(ctx context.Context, symbol, tradeDate string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.tickersKey(), symbol)
		pipe.SAdd(ctx, s.datesKey(symbol), tradeDate)
		return nil
	})
	if err != nil {
		return fmt.Errorf("artifacts redis: record ticker run: %w", err)
	}
	return nil
}

// ListArtifacts returns the artifacts of a target ordered by item key,
// excluding run summaries.
func (s *RedisStore) ListArtifacts(ctx context.Context, symbol, tradeDate string) ([]ArtifactRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.targetKey(symbol, tradeDate)).Result()
	if err != nil {
		return nil, fmt.Errorf("artifacts redis: list artifacts: %w", err)
	}
	out := make([]ArtifactRecord, 0, len(fields))
	for field, raw := range fields {
		if strings.HasPrefix(field, SummaryPrefix) {
			continue
		}
		var rec ArtifactRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("artifacts redis: decode %s: %w", field, err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemKey() < out[j].ItemKey() })
	return out, nil
}

// GetRunSummary returns one run summary, or core.ErrNotFound.
func (s *RedisStore) GetRunSummary(ctx context.Context, symbol, tradeDate, runID string) (RunSummaryRecord, error) {
	var rec RunSummaryRecord
	found, err := s.load(ctx, s.targetKey(symbol, tradeDate), SummaryPrefix+runID, &rec)
	if err != nil {
		return RunSummaryRecord{}, err
	}
	if !found {
		return RunSummaryRecord{}, fmt.Errorf("artifacts redis: summary %s: %w", runID, core.ErrNotFound)
	}
	return rec, nil
}

// HasCompletedReport reports whether the target holds a successful run
// summary and at least one non-empty report artifact.
func (s *RedisStore) HasCompletedReport(ctx context.Context, symbol, tradeDate string) (bool, error) {
	fields, err := s.client.HGetAll(ctx, s.targetKey(symbol, tradeDate)).Result()
	if err != nil {
		return false, fmt.Errorf("artifacts redis: report check: %w", err)
	}
	success, report := false, false
	for field, raw := range fields {
		switch {
		case strings.HasPrefix(field, SummaryPrefix):
			var rec RunSummaryRecord
			if json.Unmarshal([]byte(raw), &rec) == nil && rec.Status == core.StatusSuccess {
				success = true
			}
		case strings.HasPrefix(field, NamespaceReports+"#"):
			var rec ArtifactRecord
			if json.Unmarshal([]byte(raw), &rec) == nil && strings.TrimSpace(rec.Content) != "" {
				report = true
			}
		}
	}
	return success && report, nil
}

// ListTickers returns every indexed symbol in ascending order.
func (s *RedisStore) ListTickers(ctx context.Context) ([]string, error) {
	tickers, err := s.client.SMembers(ctx, s.tickersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("artifacts redis: list tickers: %w", err)
	}
	sort.Strings(tickers)
	return tickers, nil
}

// ListRunDates returns the trade dates of a symbol, newest first.
func (s *RedisStore) ListRunDates(ctx context.Context, symbol string) ([]string, error) {
	dates, err := s.client.SMembers(ctx, s.datesKey(symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("artifacts redis: list run dates: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// Compile-time interface checks.
var (
	_ Persister     = (*RedisStore)(nil)
	_ ReportChecker = (*RedisStore)(nil)
	_ TickerIndexer = (*RedisStore)(nil)
	_ Catalog       = (*RedisStore)(nil)
)
