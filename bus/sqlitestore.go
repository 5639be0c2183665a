package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/runrelay/core"
	"github.com/petal-labs/runrelay/runtime"

	_ "modernc.org/sqlite"
)

// run_history tracks one row per run so the latest sequence number and the
// terminal flag outlive event pruning.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS run_events (
	run_id      TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	event_id    TEXT    NOT NULL DEFAULT '',
	event_type  TEXT    NOT NULL,
	status      TEXT    NOT NULL DEFAULT '',
	occurred_at INTEGER NOT NULL,
	payload     TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS run_history (
	run_id      TEXT    PRIMARY KEY,
	last_seq    INTEGER NOT NULL,
	last_status TEXT    NOT NULL DEFAULT '',
	terminal    INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_history_updated ON run_history (terminal, updated_at);
`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database path or connection string.
	DSN string

	// RetentionAge drops the whole history of a finished run once its last
	// event is older than this. Runs that have not reached a terminal
	// status are never dropped by age.
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per run.
	RetentionCount int

	// PruneInterval defaults to one hour.
	PruneInterval time.Duration

	// Now overrides the clock used by pruning.
	Now func() time.Time
}

// SQLiteEventStore keeps run history in SQLite. The database runs in WAL
// mode so readers replaying history do not block the observer appending
// new events.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens or creates the history tables at cfg.DSN and
// starts the pruner when a retention policy is set.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlitestore: dsn is required")
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Append records the event and advances the run's history row in one
// transaction.
func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) (err error) {
	if event.Seq == 0 {
		return fmt.Errorf("sqlitestore: event for run %s has no sequence number", event.RunID)
	}
	var payload string
	if len(event.Payload) > 0 {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("sqlitestore: marshal payload: %w", err)
		}
		payload = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, event_id, event_type, status, occurred_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (run_id, seq) DO NOTHING`,
		event.RunID, event.Seq, event.ID, string(event.Kind), string(event.Status),
		event.Time.UnixNano(), payload,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s seq %d", ErrDuplicateEvent, event.RunID, event.Seq)
	}

	// Status only moves forward with the newest event; an event without a
	// status keeps the previous one.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_history (run_id, last_seq, last_status, terminal, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
			last_seq    = MAX(last_seq, excluded.last_seq),
			last_status = CASE WHEN excluded.last_seq >= last_seq AND excluded.last_status != ''
			                   THEN excluded.last_status ELSE last_status END,
			terminal    = CASE WHEN excluded.last_seq >= last_seq AND excluded.last_status != ''
			                   THEN excluded.terminal ELSE terminal END,
			updated_at  = MAX(updated_at, excluded.updated_at)`,
		event.RunID, event.Seq, string(event.Status), boolInt(event.IsTerminal()), event.Time.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: update history: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return nil
}

// List returns a run's events after afterSeq, oldest first.
func (s *SQLiteEventStore) List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	query := `SELECT run_id, seq, event_id, event_type, status, occurred_at, payload
	          FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list %s: %w", runID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestSeq reads the run's history row, so it is unaffected by pruning.
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM run_history WHERE run_id = ?`, runID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq %s: %w", runID, err)
	}
	if seq < 0 {
		return 0, nil
	}
	return uint64(seq), nil // #nosec G115 -- checked above
}

// RunIDs lists every run with a history row.
func (s *SQLiteEventStore) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM run_history ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: run ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the pruner and closes the database.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune applies the retention policy once.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := s.cfg.Now().Add(-s.cfg.RetentionAge).UnixNano()
		if err := s.pruneFinishedBefore(ctx, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.RetentionCount > 0 {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM run_events WHERE seq <= (
				SELECT h.last_seq - ? FROM run_history h WHERE h.run_id = run_events.run_id
			)`, s.cfg.RetentionCount,
		)
		if err != nil {
			return fmt.Errorf("sqlitestore: prune by count: %w", err)
		}
	}
	return nil
}

func (s *SQLiteEventStore) pruneFinishedBefore(ctx context.Context, cutoff int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin prune: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const expired = `SELECT run_id FROM run_history WHERE terminal = 1 AND updated_at < ?`
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM run_events WHERE run_id IN (`+expired+`)`, cutoff,
	); err != nil {
		return fmt.Errorf("sqlitestore: prune events by age: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM run_history WHERE terminal = 1 AND updated_at < ?`, cutoff,
	); err != nil {
		return fmt.Errorf("sqlitestore: prune history by age: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit prune: %w", err)
	}
	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]runtime.Event, error) {
	var events []runtime.Event
	for rows.Next() {
		var (
			e          runtime.Event
			kind       string
			status     string
			occurredAt int64
			payload    string
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &e.ID, &kind, &status, &occurredAt, &payload); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}
		e.Kind = runtime.EventKind(kind)
		e.Status = core.RunStatus(status)
		e.Time = time.Unix(0, occurredAt).UTC()
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: decode payload of %s/%d: %w", e.RunID, e.Seq, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ EventStore = (*SQLiteEventStore)(nil)
