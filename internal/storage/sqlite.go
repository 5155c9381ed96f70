package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// The supervisor and every worker process open the same file, so
// contention between processes is expected. Pragmas go in the DSN so they
// apply to every pooled connection, not just the first.
const dsnPragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

// timeLayout is RFC 3339 with a fixed nine-digit fraction, so stored
// timestamps sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Timestamp formats t for a TEXT time column.
func Timestamp(t time.Time) string { return t.UTC().Format(timeLayout) }

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := requireLocalFS(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string) string {
	u := url.URL{Scheme: "file", Path: path}
	return u.String() + "?" + dsnPragmas
}

// BootstrapSQLite creates tables/indexes if missing. Safe to call from
// several processes at once.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_queue (
  id           TEXT PRIMARY KEY,
  queue        TEXT NOT NULL,
  title        TEXT NOT NULL,
  status       TEXT NOT NULL,
  payload      BLOB NOT NULL,
  result       BLOB,
  created_at   TEXT NOT NULL,
  started_at   TEXT,
  completed_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS queue_state (
  queue      TEXT PRIMARY KEY,
  paused     INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS credentials (
  ref        TEXT PRIMARY KEY,
  blob       BLOB NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS job_queue_queue_status_idx ON job_queue(queue, status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
