package artifacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petal-labs/runrelay/core"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS run_summaries (
	ticker           TEXT NOT NULL,
	run_date         TEXT NOT NULL,
	run_id           TEXT NOT NULL,
	status           TEXT NOT NULL,
	result           TEXT,
	error            TEXT NOT NULL DEFAULT '',
	duration_seconds REAL,
	metadata         TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	PRIMARY KEY (ticker, run_date, run_id)
);
CREATE TABLE IF NOT EXISTS artifacts (
	ticker       TEXT    NOT NULL,
	run_date     TEXT    NOT NULL,
	namespace    TEXT    NOT NULL,
	key          TEXT    NOT NULL,
	content      TEXT    NOT NULL,
	content_size INTEGER NOT NULL,
	content_type TEXT    NOT NULL DEFAULT '',
	metadata     TEXT,
	created_at   TEXT    NOT NULL,
	updated_at   TEXT    NOT NULL,
	PRIMARY KEY (ticker, run_date, namespace, key)
);
CREATE TABLE IF NOT EXISTS ticker_runs (
	ticker       TEXT NOT NULL,
	run_date     TEXT NOT NULL,
	last_seen_at TEXT NOT NULL,
	PRIMARY KEY (ticker, run_date)
);
`

// SQLiteStore keeps run summaries, artifacts and the ticker index in one
// SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the artifact database at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("artifacts sqlite: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("artifacts sqlite: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("artifacts sqlite: create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveRunSummary(ctx context.Context, rec RunSummaryRecord) error {
	result, err := marshalNullable(rec.Result)
	if err != nil {
		return fmt.Errorf("artifacts sqlite: marshal result: %w", err)
	}
	meta, err := marshalNullable(rec.Metadata)
	if err != nil {
		return fmt.Errorf("artifacts sqlite: marshal metadata: %w", err)
	}
	var duration sql.NullFloat64
	if rec.DurationSeconds != nil {
		duration = sql.NullFloat64{Float64: *rec.DurationSeconds, Valid: true}
	}
	now := formatTime(s.now())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_summaries
			(ticker, run_date, run_id, status, result, error, duration_seconds, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (ticker, run_date, run_id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			duration_seconds = excluded.duration_seconds,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		rec.Symbol, rec.TradeDate, rec.RunID, string(rec.Status),
		result, rec.Error, duration, meta, now, now,
	)
	if err != nil {
		return fmt.Errorf("artifacts sqlite: save summary: %w", err)
	}
	return s.RecordTickerRun(ctx, rec.Symbol, rec.TradeDate)
}

func (s *SQLiteStore) SaveArtifact(ctx context.Context, rec ArtifactRecord) error {
	meta, err := marshalNullable(rec.Metadata)
	if err != nil {
		return fmt.Errorf("artifacts sqlite: marshal metadata: %w", err)
	}
	now := formatTime(s.now())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts
			(ticker, run_date, namespace, key, content, content_size, content_type, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (ticker, run_date, namespace, key) DO UPDATE SET
			content = excluded.content,
			content_size = excluded.content_size,
			content_type = excluded.content_type,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		rec.Symbol, rec.TradeDate, rec.Namespace, rec.Key,
		rec.Content, rec.ContentSize, rec.ContentType, meta, now, now,
	)
	if err != nil {
		return fmt.Errorf("artifacts sqlite: save artifact: %w", err)
	}
	return s.RecordTickerRun(ctx, rec.Symbol, rec.TradeDate)
}

// RecordTickerRun upserts the (symbol, date) pair into the ticker index.
func (s *SQLiteStore) RecordTickerRun(ctx context.Context, symbol, tradeDate string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ticker_runs (ticker, run_date, last_seen_at) VALUES (?, ?, ?)
		 ON CONFLICT (ticker, run_date) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		symbol, tradeDate, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("artifacts sqlite: record ticker run: %w", err)
	}
	return nil
}

// ListArtifacts returns the artifacts stored for a target, ordered by item
// key. Run summaries are not included.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, symbol, tradeDate string) ([]ArtifactRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticker, run_date, namespace, key, content, content_size, content_type, metadata, created_at, updated_at
		 FROM artifacts WHERE ticker = ? AND run_date = ?
		 ORDER BY namespace, key`,
		symbol, tradeDate,
	)
	if err != nil {
		return nil, fmt.Errorf("artifacts sqlite: list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ArtifactRecord
	for rows.Next() {
		var (
			rec              ArtifactRecord
			meta             sql.NullString
			created, updated string
		)
		if err := rows.Scan(&rec.Symbol, &rec.TradeDate, &rec.Namespace, &rec.Key,
			&rec.Content, &rec.ContentSize, &rec.ContentType, &meta, &created, &updated); err != nil {
			return nil, fmt.Errorf("artifacts sqlite: scan artifact: %w", err)
		}
		if rec.Metadata, err = unmarshalNullable(meta); err != nil {
			return nil, fmt.Errorf("artifacts sqlite: decode metadata: %w", err)
		}
		rec.CreatedAt = parseTime(created)
		rec.UpdatedAt = parseTime(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRunSummary returns the summary of one run. It returns core.ErrNotFound
// when the run has no summary for the target.
func (s *SQLiteStore) GetRunSummary(ctx context.Context, symbol, tradeDate, runID string) (RunSummaryRecord, error) {
	var (
		rec              RunSummaryRecord
		status           string
		result, meta     sql.NullString
		duration         sql.NullFloat64
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT ticker, run_date, run_id, status, result, error, duration_seconds, metadata, created_at, updated_at
		 FROM run_summaries WHERE ticker = ? AND run_date = ? AND run_id = ?`,
		symbol, tradeDate, runID,
	).Scan(&rec.Symbol, &rec.TradeDate, &rec.RunID, &status, &result, &rec.Error, &duration, &meta, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummaryRecord{}, fmt.Errorf("artifacts sqlite: summary %s: %w", runID, core.ErrNotFound)
	}
	if err != nil {
		return RunSummaryRecord{}, fmt.Errorf("artifacts sqlite: get summary: %w", err)
	}

	rec.Status = core.RunStatus(status)
	if rec.Result, err = unmarshalNullable(result); err != nil {
		return RunSummaryRecord{}, fmt.Errorf("artifacts sqlite: decode result: %w", err)
	}
	if rec.Metadata, err = unmarshalNullable(meta); err != nil {
		return RunSummaryRecord{}, fmt.Errorf("artifacts sqlite: decode metadata: %w", err)
	}
	if duration.Valid {
		d := duration.Float64
		rec.DurationSeconds = &d
	}
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

// HasCompletedReport reports whether the target has a successful run summary
// and at least one non-empty report artifact.
func (s *SQLiteStore) HasCompletedReport(ctx context.Context, symbol, tradeDate string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM run_summaries
		 WHERE ticker = ? AND run_date = ? AND status = ?
		   AND EXISTS (
			SELECT 1 FROM artifacts
			WHERE ticker = ? AND run_date = ? AND namespace = ? AND TRIM(content) <> ''
		   )
		 LIMIT 1`,
		symbol, tradeDate, string(core.StatusSuccess), symbol, tradeDate, NamespaceReports,
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("artifacts sqlite: report check: %w", err)
	}
	return true, nil
}

// ListTickers returns every indexed symbol in ascending order.
func (s *SQLiteStore) ListTickers(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT DISTINCT ticker FROM ticker_runs ORDER BY ticker`)
}

// ListRunDates returns the indexed trade dates of a symbol, newest first.
func (s *SQLiteStore) ListRunDates(ctx context.Context, symbol string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT run_date FROM ticker_runs WHERE ticker = ? ORDER BY run_date DESC`, symbol)
}

func (s *SQLiteStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("artifacts sqlite: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("artifacts sqlite: scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func marshalNullable(v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalNullable(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Compile-time interface checks.
var (
	_ Persister     = (*SQLiteStore)(nil)
	_ ReportChecker = (*SQLiteStore)(nil)
	_ TickerIndexer = (*SQLiteStore)(nil)
	_ Catalog       = (*SQLiteStore)(nil)
)
