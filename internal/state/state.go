// Package state provides a SQLite-backed store for sync bookkeeping: the
// incremental sync watermark and a history of recent sync runs. The watermark
// is what lets a delta sync ask the catalog only for items changed since the
// previous successful run.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// SyncState is the persisted watermark of the last successful sync.
type SyncState struct {
	// LastSync is the timestamp the next delta sync should resume from.
	LastSync time.Time
	// ItemCount is the number of items in the index after that sync.
	ItemCount int
}

// Run is one completed sync attempt, successful or not.
type Run struct {
	// StartedAt is when the run began.
	StartedAt time.Time
	// FinishedAt is when the run ended.
	FinishedAt time.Time
	// Mode is "full" or "delta".
	Mode string
	// Outcome is "ok", "partial" (some items failed), or "error".
	Outcome string
	// Fetched is the number of items retrieved from the catalog.
	Fetched int
	// Embedded is the number of items whose embeddings were produced.
	Embedded int
	// Upserted is the number of documents written to the index.
	Upserted int
	// Deleted is the number of stale documents removed from the index.
	Deleted int
	// Failed is the number of items that could not be processed.
	Failed int
	// Error holds the fatal error message for Outcome "error".
	Error string
}

// Store persists sync state across process restarts. Implementations must be
// safe for concurrent use.
type Store interface {
	// State returns the current sync watermark, or nil if no sync has
	// completed yet.
	State(ctx context.Context) (*SyncState, error)
	// SetState replaces the sync watermark.
	SetState(ctx context.Context, st SyncState) error
	// RecordRun appends a run to the history.
	RecordRun(ctx context.Context, run Run) error
	// RecentRuns returns up to n of the most recent runs, newest-first.
	RecentRuns(ctx context.Context, n int) ([]Run, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a Store backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the sync state database.
// It resolves to ~/.worklens/state.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("state: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".worklens")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("state: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "state.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sync_state (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    last_sync  INTEGER NOT NULL,  -- Unix timestamp (seconds)
    item_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at  INTEGER NOT NULL,  -- Unix timestamp (seconds)
    finished_at INTEGER NOT NULL,
    mode        TEXT    NOT NULL CHECK (mode IN ('full','delta')),
    outcome     TEXT    NOT NULL CHECK (outcome IN ('ok','partial','error')),
    fetched     INTEGER NOT NULL,
    embedded    INTEGER NOT NULL,
    upserted    INTEGER NOT NULL,
    deleted     INTEGER NOT NULL,
    failed      INTEGER NOT NULL,
    error       TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_started
    ON sync_runs (started_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("state: migrate: %w", err)
	}
	return nil
}

// State returns the current sync watermark, or nil if no sync has completed.
func (s *SQLiteStore) State(ctx context.Context) (*SyncState, error) {
	const q = `SELECT last_sync, item_count FROM sync_state WHERE id = 1`
	var ts int64
	var count int
	err := s.db.QueryRowContext(ctx, q).Scan(&ts, &count)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load: %w", err)
	}
	return &SyncState{LastSync: time.Unix(ts, 0).UTC(), ItemCount: count}, nil
}

// SetState replaces the sync watermark atomically via upsert.
func (s *SQLiteStore) SetState(ctx context.Context, st SyncState) error {
	const q = `
INSERT INTO sync_state (id, last_sync, item_count) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET last_sync = excluded.last_sync, item_count = excluded.item_count`
	if _, err := s.db.ExecContext(ctx, q, st.LastSync.Unix(), st.ItemCount); err != nil {
		return fmt.Errorf("state: save: %w", err)
	}
	return nil
}

// RecordRun appends a run to the history.
func (s *SQLiteStore) RecordRun(ctx context.Context, run Run) error {
	const q = `
INSERT INTO sync_runs (started_at, finished_at, mode, outcome, fetched, embedded, upserted, deleted, failed, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		run.StartedAt.Unix(), run.FinishedAt.Unix(), run.Mode, run.Outcome,
		run.Fetched, run.Embedded, run.Upserted, run.Deleted, run.Failed, run.Error,
	)
	if err != nil {
		return fmt.Errorf("state: record run: %w", err)
	}
	return nil
}

// RecentRuns returns up to n of the most recent runs, newest-first.
func (s *SQLiteStore) RecentRuns(ctx context.Context, n int) ([]Run, error) {
	const q = `
SELECT started_at, finished_at, mode, outcome, fetched, embedded, upserted, deleted, failed, error
FROM   sync_runs
ORDER  BY started_at DESC, id DESC
LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("state: recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&started, &finished, &r.Mode, &r.Outcome,
			&r.Fetched, &r.Embedded, &r.Upserted, &r.Deleted, &r.Failed, &r.Error); err != nil {
			return nil, fmt.Errorf("state: recent runs scan: %w", err)
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		r.FinishedAt = time.Unix(finished, 0).UTC()
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: recent runs rows: %w", err)
	}
	return runs, nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("state: close: %w", err)
	}
	return nil
}
