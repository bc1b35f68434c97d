package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `CREATE TABLE IF NOT EXISTS rate_limits (
	client_key   TEXT PRIMARY KEY,
	count        INTEGER NOT NULL,
	window_start INTEGER NOT NULL
)`

// SQLiteStore keeps counters in a SQLite database so quotas survive
// restarts and can be shared by processes on one host.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the counter database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Pragmas are per connection; a single connection keeps them applied.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string { return s.path }

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Increment implements Store. The read-modify-write runs in one statement so
// concurrent callers never lose counts.
func (s *SQLiteStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	nowMs := now.UnixMilli()
	expired := now.Add(-window).UnixMilli()
	var (
		count   int
		startMs int64
	)
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
INSERT INTO rate_limits (client_key, count, window_start) VALUES (?, 1, ?)
ON CONFLICT(client_key) DO UPDATE SET
	count = CASE WHEN rate_limits.window_start <= ? THEN 1 ELSE rate_limits.count + 1 END,
	window_start = CASE WHEN rate_limits.window_start <= ? THEN excluded.window_start ELSE rate_limits.window_start END
RETURNING count, window_start`, key, nowMs, expired, expired).Scan(&count, &startMs)
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment %q: %w", key, err)
	}
	return count, time.UnixMilli(startMs), nil
}

// Prune deletes counters whose window ended before now.
func (s *SQLiteStore) Prune(ctx context.Context, now time.Time, window time.Duration) (int64, error) {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE window_start <= ?`, now.Add(-window).UnixMilli())
		return execErr
	})
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
