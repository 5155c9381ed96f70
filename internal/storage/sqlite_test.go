package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"job_queue", "queue_state", "credentials"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestOpenSQLiteAppliesPragmasToEveryConnection(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(3)

	for i := 0; i < 3; i++ {
		var mode string
		if err := db.QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
			t.Fatalf("journal_mode: %v", err)
		}
		if !strings.EqualFold(mode, "wal") {
			t.Fatalf("journal_mode = %q, want wal", mode)
		}
		var timeout int
		if err := db.QueryRow("PRAGMA busy_timeout;").Scan(&timeout); err != nil {
			t.Fatalf("busy_timeout: %v", err)
		}
		if timeout != 5000 {
			t.Fatalf("busy_timeout = %d, want 5000", timeout)
		}
	}
}

func TestOpenSQLiteTwiceSharesFile(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	a, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	b, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite b: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if _, err := a.Exec("INSERT INTO queue_state(queue, paused, updated_at) VALUES('q', 1, 'now');"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var paused int
	if err := b.QueryRow("SELECT paused FROM queue_state WHERE queue='q';").Scan(&paused); err != nil {
		t.Fatalf("select: %v", err)
	}
	if paused != 1 {
		t.Fatalf("paused = %d, want 1", paused)
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestTimestampSortsInTimeOrder(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stamps := []time.Time{
		base,
		base.Add(100 * time.Millisecond),
		base.Add(120 * time.Millisecond),
		base.Add(time.Second),
	}
	for n := 1; n < len(stamps); n++ {
		prev, cur := Timestamp(stamps[n-1]), Timestamp(stamps[n])
		if prev >= cur {
			t.Fatalf("%q does not sort before %q", prev, cur)
		}
	}

	local := base.In(time.FixedZone("X", 3600))
	got := Timestamp(local)
	if got != "2026-03-01T12:00:00.000000000Z" {
		t.Fatalf("Timestamp(%v) = %q", local, got)
	}
	parsed, err := time.Parse(time.RFC3339Nano, Timestamp(stamps[2]))
	if err != nil || !parsed.Equal(stamps[2]) {
		t.Fatalf("round trip = %v, %v", parsed, err)
	}
}
