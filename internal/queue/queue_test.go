package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/platformd/internal/log"
	"github.com/mattjoyce/platformd/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testOptions(name string) Options {
	return Options{
		Name:           name,
		ParentSecret:   []byte("parent-secret"),
		InstanceSecret: []byte("instance-secret"),
		PollInterval:   10 * time.Millisecond,
		OpTimeout:      time.Second,
	}
}

func newPair(t *testing.T, db *sql.DB, name string) (*Queue, *Consumer) {
	t.Helper()
	q, err := New(db, testOptions(name))
	require.NoError(t, err)
	c, err := NewConsumer(db, testOptions(name))
	require.NoError(t, err)
	return q, c
}

// collect drains q once and returns every event delivered.
func collect(t *testing.T, q *Queue) []Event {
	t.Helper()
	var events []Event
	unsubC := q.OnCompleted(func(ev Event) { events = append(events, ev) })
	unsubF := q.OnFailed(func(ev Event) { events = append(events, ev) })
	defer unsubC()
	defer unsubF()
	require.NoError(t, q.Drain(context.Background()))
	return events
}

func TestAddConsumeCompletedWithoutResult(t *testing.T) {
	db := openDB(t)
	q, c := newPair(t, db, "p1:echo-global:a")
	ctx := context.Background()

	msg := json.RawMessage(`{"type":"send","context":"echo"}`)
	job, err := q.Add(ctx, "session-1", msg)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.Title)

	worked, err := c.Step(ctx, func(_ context.Context, got Job) (json.RawMessage, error) {
		assert.Equal(t, *job, got)
		return nil, nil
	})
	require.NoError(t, err)
	require.True(t, worked)

	events := collect(t, q)
	require.Len(t, events, 1)
	assert.Equal(t, KindCompleted, events[0].Kind)
	assert.Equal(t, Job{Title: "job-1", SessionID: "session-1", Message: msg}, events[0].Job)
	assert.Empty(t, events[0].Result)
	assert.Empty(t, events[0].Err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Empty(t, collect(t, q), "rows are removed once delivered")
}

func TestHandlerOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		handler    Handler
		wantKind   Kind
		wantResult string
		wantErr    string
	}{
		{
			name:     "error",
			handler:  func(context.Context, Job) (json.RawMessage, error) { return nil, errors.New("bad password") },
			wantKind: KindFailed,
			wantErr:  "bad password",
		},
		{
			name:       "replacement payload",
			handler:    func(context.Context, Job) (json.RawMessage, error) { return json.RawMessage(`{"ok":true}`), nil },
			wantKind:   KindCompleted,
			wantResult: `{"ok":true}`,
		},
		{
			name:     "panic",
			handler:  func(context.Context, Job) (json.RawMessage, error) { panic("boom") },
			wantKind: KindFailed,
			wantErr:  "job handler panicked: boom",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := openDB(t)
			q, c := newPair(t, db, "outcomes")
			ctx := context.Background()

			_, err := q.Add(ctx, "s", json.RawMessage(`{}`))
			require.NoError(t, err)
			_, err = c.Step(ctx, tc.handler)
			require.NoError(t, err)

			events := collect(t, q)
			require.Len(t, events, 1)
			assert.Equal(t, tc.wantKind, events[0].Kind)
			assert.Equal(t, tc.wantErr, events[0].Err)
			if tc.wantResult != "" {
				assert.JSONEq(t, tc.wantResult, string(events[0].Result))
			}
		})
	}
}

func TestFIFO(t *testing.T) {
	db := openDB(t)
	q, c := newPair(t, db, "fifo")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Add(ctx, "s", json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	var seen []string
	for i := 0; i < 3; i++ {
		_, err := c.Step(ctx, func(_ context.Context, j Job) (json.RawMessage, error) {
			seen = append(seen, j.Title)
			return nil, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, seen)

	worked, err := c.Step(ctx, func(context.Context, Job) (json.RawMessage, error) { return nil, nil })
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestPauseResume(t *testing.T) {
	db := openDB(t)
	q, c := newPair(t, db, "pause")
	ctx := context.Background()

	_, err := q.Add(ctx, "s", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))
	assert.True(t, q.Paused())

	_, err = q.Add(ctx, "s", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrQueueClosed)

	worked, err := c.Step(ctx, func(context.Context, Job) (json.RawMessage, error) { return nil, nil })
	require.NoError(t, err)
	assert.False(t, worked, "paused queue is not consumed")

	require.NoError(t, q.Resume(ctx))
	_, err = q.Add(ctx, "s", json.RawMessage(`{}`))
	require.NoError(t, err)

	worked, err = c.Step(ctx, func(context.Context, Job) (json.RawMessage, error) { return nil, nil })
	require.NoError(t, err)
	assert.True(t, worked)
}

func TestWrongSecretCannotReadJobs(t *testing.T) {
	db := openDB(t)
	q, err := New(db, testOptions("iso"))
	require.NoError(t, err)

	opts := testOptions("iso")
	opts.InstanceSecret = []byte("someone-else")
	c, err := NewConsumer(db, opts)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = q.Add(ctx, "s", json.RawMessage(`{"secret":"x"}`))
	require.NoError(t, err)

	called := false
	_, err = c.Step(ctx, func(context.Context, Job) (json.RawMessage, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, called)

	events := collect(t, q)
	require.Len(t, events, 1)
	assert.Equal(t, KindFailed, events[0].Kind)
}

func TestOnJobOnce(t *testing.T) {
	db := openDB(t)
	_, c := newPair(t, db, "once")
	h := func(context.Context, Job) (json.RawMessage, error) { return nil, nil }

	require.NoError(t, c.OnJob(h))
	assert.ErrorIs(t, c.OnJob(h), ErrHandlerRegistered)
}

func TestRunWithoutHandler(t *testing.T) {
	db := openDB(t)
	_, c := newPair(t, db, "nohandler")
	assert.ErrorIs(t, c.Run(context.Background()), ErrNoHandler)
}

func TestRunCancelledBeforeStartIsCleanStop(t *testing.T) {
	db := openDB(t)
	_, c := newPair(t, db, "cancelled")
	require.NoError(t, c.OnJob(func(context.Context, Job) (json.RawMessage, error) { return nil, nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.Run(ctx))
}

func TestUnsubscribe(t *testing.T) {
	db := openDB(t)
	q, c := newPair(t, db, "unsub")
	ctx := context.Background()

	calls := 0
	unsub := q.OnCompleted(func(Event) { calls++ })
	unsub()
	unsub()

	_, err := q.Add(ctx, "s", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = c.Step(ctx, func(context.Context, Job) (json.RawMessage, error) { return nil, nil })
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))
	assert.Zero(t, calls)
}

func TestRunAndWatcherEndToEnd(t *testing.T) {
	db := openDB(t)
	q, c := newPair(t, db, "e2e")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A job left running by a crashed worker is picked up again.
	_, err := q.Add(ctx, "s", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE job_queue SET status = 'running' WHERE queue = 'e2e';`)
	require.NoError(t, err)

	done := make(chan Event, 4)
	q.OnCompleted(func(ev Event) { done <- ev })
	q.Start(ctx)

	require.NoError(t, c.OnJob(func(_ context.Context, j Job) (json.RawMessage, error) {
		return j.Message, nil
	}))
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	_, err = q.Add(ctx, "s", json.RawMessage(`{"n":2}`))
	require.NoError(t, err)

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-done:
			got = append(got, string(ev.Result))
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, got)

	cancel()
	require.NoError(t, <-runErr)
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestShutdownObliterates(t *testing.T) {
	db := openDB(t)
	q, _ := newPair(t, db, "gone")
	other, _ := newPair(t, db, "kept")
	ctx := context.Background()

	_, err := q.Add(ctx, "s", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = other.Add(ctx, "s", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx))

	require.NoError(t, q.Shutdown(ctx))
	require.NoError(t, q.Shutdown(ctx))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM job_queue WHERE queue = 'gone';`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM queue_state WHERE queue = 'gone';`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM job_queue WHERE queue = 'kept';`).Scan(&n))
	assert.Equal(t, 1, n)

	require.NoError(t, q.Resume(ctx))
	_, err = q.Add(ctx, "s", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestListStats(t *testing.T) {
	db := openDB(t)
	a, ca := newPair(t, db, "a")
	b, _ := newPair(t, db, "b")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := a.Add(ctx, "s", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	_, err := ca.Step(ctx, func(context.Context, Job) (json.RawMessage, error) { return nil, errors.New("x") })
	require.NoError(t, err)
	require.NoError(t, b.Pause(ctx))

	stats, err := ListStats(ctx, db)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, Stats{Queue: "a", Queued: 1, Failed: 1}, stats[0])
	assert.Equal(t, Stats{Queue: "b", Paused: true}, stats[1])
}
