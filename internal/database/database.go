// Package database is the persistent store behind the catalog, the transfer
// queue and source links. It is a single SQLite file that may be shared by a
// CLI process and a dashboard process; every read-modify-write runs in a
// short BEGIN IMMEDIATE transaction and busy results are retried with backoff.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go-remote-download/internal/metrics"

	log "github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid queue status transition")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrInvalidFilter     = errors.New("invalid filter")
)

const (
	defaultMaxRetries  = 5
	defaultRetryDelay  = 50 * time.Millisecond
	defaultBusyTimeout = 2 * time.Second
)

// Options tunes how the store handles contention.
type Options struct {
	MaxRetries  int           // Retries after the first busy attempt
	RetryDelay  time.Duration // Initial backoff, doubled per attempt
	BusyTimeout time.Duration // SQLite busy_timeout for each attempt
	Now         func() time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db         *sql.DB
	path       string
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS entries (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		path        TEXT    NOT NULL UNIQUE,
		dir         TEXT    NOT NULL,
		name        TEXT    NOT NULL,
		kind        TEXT    NOT NULL CHECK (kind IN ('file', 'directory')),
		size        INTEGER,
		modified_at INTEGER NOT NULL DEFAULT 0,
		first_seen  INTEGER NOT NULL,
		last_seen   INTEGER NOT NULL,
		note        TEXT    NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_dir ON entries(dir)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_last_seen ON entries(last_seen)`,
	`CREATE TABLE IF NOT EXISTS queue_items (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id    INTEGER NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
		destination TEXT,
		status      TEXT    NOT NULL DEFAULT 'queued' CHECK (status IN ('queued', 'completed', 'failed')),
		note        TEXT    NOT NULL DEFAULT '',
		reason      TEXT    NOT NULL DEFAULT '',
		final_path  TEXT    NOT NULL DEFAULT '',
		queued_at   INTEGER NOT NULL,
		finished_at INTEGER
	)`,
	// At most one active item per entry.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active_entry ON queue_items(entry_id) WHERE status = 'queued'`,
	`CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_items(status)`,
	`CREATE TABLE IF NOT EXISTS source_links (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id    INTEGER NOT NULL UNIQUE REFERENCES entries(id) ON DELETE CASCADE,
		source_path TEXT    NOT NULL,
		note        TEXT    NOT NULL DEFAULT ''
	)`,
}

// Open opens (or creates) the store at path and migrates the schema.
func Open(path string, opts Options) (*Store, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database %s: %v", ErrStoreUnavailable, path, err)
	}
	// One connection per process; cross-process exclusion is SQLite's job.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:         db,
		path:       path,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		now:        opts.Now,
	}

	ctx := context.Background()
	if err := s.retry(ctx, "migrate", func() error {
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database %s: %w", path, err)
	}

	log.Debugf("Store opened at %s", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// withTx runs fn inside BEGIN IMMEDIATE on a dedicated connection, so the
// write lock is taken before anything is read. Busy results are retried.
func (s *Store) withTx(ctx context.Context, op string, fn func(q querier) error) error {
	return s.retry(ctx, op, func() error {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			return err
		}
		if err := fn(conn); err != nil {
			if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
				log.WithError(rbErr).Warnf("[%s] Rollback failed", op)
			}
			return err
		}
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
			return err
		}
		return nil
	})
}

// read runs a read-only fn with the same busy handling as withTx.
func (s *Store) read(ctx context.Context, op string, fn func(q querier) error) error {
	return s.retry(ctx, op, func() error { return fn(s.db) })
}

// retry calls fn until it succeeds, fails with a non-busy error, or the
// retry budget is spent. Backoff is delay * 2^(attempt-1).
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.retryDelay * time.Duration(1<<(attempt-1))
			log.Debugf("[%s] Store busy, retrying in %v (Attempt %d/%d)...", op, backoff, attempt+1, s.maxRetries+1)
			metrics.RecordStoreRetry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		log.WithError(err).Warnf("[%s] Attempt %d/%d found the store busy", op, attempt+1, s.maxRetries+1)
	}
	metrics.RecordStoreUnavailable()
	return fmt.Errorf("%w: %s gave up after %d attempts: %v", ErrStoreUnavailable, op, s.maxRetries+1, err)
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
