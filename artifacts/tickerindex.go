package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ticker_runs (
	ticker       VARCHAR(32) NOT NULL,
	run_date     DATE        NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (ticker, run_date)
);
`

// PostgresConfig configures the ticker index connection pool.
type PostgresConfig struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPostgresConfig returns pool settings for url.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("database url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("max idle conns must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle conns must be <= max open conns")
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return errors.New("connection lifetimes must be >= 0")
	}
	return nil
}

// OpenPostgres opens a pgx-backed pool and pings it.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("artifacts postgres: %w", err)
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("artifacts postgres: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("artifacts postgres: ping: %w", err)
	}
	return db, nil
}

// TickerIndex records (symbol, trade date) pairs in Postgres.
type TickerIndex struct {
	db *sql.DB
}

// NewTickerIndex wraps db and creates the ticker_runs table when missing.
func NewTickerIndex(ctx context.Context, db *sql.DB) (*TickerIndex, error) {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("artifacts postgres: create schema: %w", err)
	}
	return &TickerIndex{db: db}, nil
}

// Close closes the pool.
func (t *TickerIndex) Close() error {
	return t.db.Close()
}

func (t *TickerIndex) RecordTickerRun(ctx context.Context, symbol, tradeDate string) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO ticker_runs (ticker, run_date) VALUES ($1, $2::date)
		 ON CONFLICT (ticker, run_date) DO UPDATE SET last_seen_at = NOW()`,
		symbol, tradeDate,
	)
	if err != nil {
		return fmt.Errorf("artifacts postgres: record ticker run: %w", err)
	}
	return nil
}

func (t *TickerIndex) ListTickers(ctx context.Context) ([]string, error) {
	return t.queryStrings(ctx, `SELECT DISTINCT ticker FROM ticker_runs ORDER BY ticker ASC`)
}

func (t *TickerIndex) ListRunDates(ctx context.Context, symbol string) ([]string, error) {
	return t.queryStrings(ctx,
		`SELECT to_char(run_date, 'YYYY-MM-DD') FROM ticker_runs WHERE ticker = $1 ORDER BY run_date DESC`,
		symbol)
}

func (t *TickerIndex) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("artifacts postgres: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("artifacts postgres: scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// IndexedPersister records the ticker run after every successful write to
// the wrapped Persister. Index failures are logged and never returned.
type IndexedPersister struct {
	next   Persister
	index  TickerIndexer
	logger *slog.Logger
}

// NewIndexedPersister decorates next with index.
func NewIndexedPersister(next Persister, index TickerIndexer, logger *slog.Logger) *IndexedPersister {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexedPersister{next: next, index: index, logger: logger}
}

func (p *IndexedPersister) SaveRunSummary(ctx context.Context, rec RunSummaryRecord) error {
	if err := p.next.SaveRunSummary(ctx, rec); err != nil {
		return err
	}
	p.record(ctx, rec.Symbol, rec.TradeDate)
	return nil
}

func (p *IndexedPersister) SaveArtifact(ctx context.Context, rec ArtifactRecord) error {
	if err := p.next.SaveArtifact(ctx, rec); err != nil {
		return err
	}
	p.record(ctx, rec.Symbol, rec.TradeDate)
	return nil
}

func (p *IndexedPersister) record(ctx context.Context, symbol, tradeDate string) {
	if err := p.index.RecordTickerRun(ctx, symbol, tradeDate); err != nil {
		p.logger.Warn("artifacts: ticker index update failed",
			"ticker", symbol, "trade_date", tradeDate, "error", err)
	}
}

// Compile-time interface checks.
var (
	_ TickerIndexer = (*TickerIndex)(nil)
	_ Persister     = (*IndexedPersister)(nil)
)
