package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/platformd/internal/credentials"
	"github.com/mattjoyce/platformd/internal/queue"
	"github.com/mattjoyce/platformd/internal/storage"
)

const queueName = "parent-1:loopback-abc:1a2b3c4d"

func seed(t *testing.T) *sql.DB {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	opts := queue.Options{
		Name:           queueName,
		ParentSecret:   []byte("parent-secret"),
		InstanceSecret: []byte("instance-secret"),
		PollInterval:   10 * time.Millisecond,
		OpTimeout:      time.Second,
	}
	q, err := queue.New(db, opts)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	c, err := queue.NewConsumer(db, opts)
	if err != nil {
		t.Fatalf("queue.NewConsumer: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := q.Add(ctx, "s1", json.RawMessage(`{"type":"send","object":"top secret"}`)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := c.Step(ctx, func(context.Context, queue.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if _, err := c.Step(ctx, func(context.Context, queue.Job) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}); err != nil {
		t.Fatalf("Step: %v", err)
	}

	other, err := queue.New(db, queue.Options{Name: "standalone", ParentSecret: []byte("p"), InstanceSecret: []byte("i")})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	if err := other.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	store, err := credentials.New(db, []byte("parent-secret"), []byte("session-secret"))
	if err != nil {
		t.Fatalf("credentials.New: %v", err)
	}
	if _, err := store.Save(ctx, "alice", json.RawMessage(`{"token":"t"}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return db
}

func TestBuildReportSummarizesQueues(t *testing.T) {
	t.Parallel()
	db := seed(t)

	out, err := BuildReport(context.Background(), db)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, needle := range []string{
		"Queues      : 2",
		"Credentials : 1",
		queueName,
		"instance  : loopback-abc",
		"1 queued, 0 running, 1 completed, 1 failed",
		"standalone",
		"state     : paused",
	} {
		if !strings.Contains(out, needle) {
			t.Fatalf("output missing %q:\n%s", needle, out)
		}
	}
	if strings.Contains(out, "top secret") {
		t.Fatalf("report leaked a payload:\n%s", out)
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()
	db := seed(t)

	out, err := BuildJSONReport(context.Background(), db)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to unmarshal JSON output: %v", err)
	}
	if len(report.Queues) != 2 {
		t.Fatalf("expected 2 queues, got %d", len(report.Queues))
	}
	got := report.Queues[0]
	if got.Parent != "parent-1" || got.Instance != "loopback-abc" || got.Queued != 1 {
		t.Errorf("unexpected summary: %+v", got)
	}
	if !report.Queues[1].Paused {
		t.Errorf("standalone queue should be paused")
	}
}

func TestBuildQueueReportListsJobs(t *testing.T) {
	t.Parallel()
	db := seed(t)

	out, err := BuildJSONQueueReport(context.Background(), db, queueName)
	if err != nil {
		t.Fatalf("BuildJSONQueueReport: %v", err)
	}
	var report QueueReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to unmarshal JSON output: %v", err)
	}
	if len(report.Jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(report.Jobs))
	}
	want := []string{"completed", "failed", "queued"}
	for i, j := range report.Jobs {
		if j.Status != want[i] {
			t.Errorf("job %d status = %s, want %s", i, j.Status, want[i])
		}
		if j.Title != "job-"+string(rune('1'+i)) {
			t.Errorf("job %d title = %s", i, j.Title)
		}
	}
	if !report.Jobs[0].Sealed || !report.Jobs[1].Sealed || report.Jobs[2].Sealed {
		t.Errorf("unexpected sealed outcomes: %+v", report.Jobs)
	}
	if report.Jobs[2].CompletedAt != nil {
		t.Errorf("queued job has a completion time")
	}

	text, err := BuildQueueReport(context.Background(), db, queueName)
	if err != nil {
		t.Fatalf("BuildQueueReport: %v", err)
	}
	if !strings.Contains(text, "job-1") || !strings.Contains(text, "(sealed outcome)") {
		t.Fatalf("unexpected text report:\n%s", text)
	}
}

func TestBuildQueueReportUnknownQueue(t *testing.T) {
	t.Parallel()
	db := seed(t)

	_, err := BuildQueueReport(context.Background(), db, "nope")
	if !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
	if _, err := BuildQueueReport(context.Background(), db, " "); err == nil {
		t.Fatal("expected error for empty name")
	}
}
