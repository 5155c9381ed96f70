package janitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/platformd/internal/config"
	"github.com/mattjoyce/platformd/internal/events"
	"github.com/mattjoyce/platformd/internal/instance"
	"github.com/mattjoyce/platformd/internal/janitor/mocks"
	"github.com/mattjoyce/platformd/internal/log"
	"github.com/mattjoyce/platformd/internal/platform"
	"github.com/mattjoyce/platformd/internal/procman"
	"github.com/mattjoyce/platformd/internal/session"
	"github.com/mattjoyce/platformd/internal/storage"
	"github.com/mattjoyce/platformd/internal/workertest"
	"github.com/mattjoyce/platformd/pkg/worker"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// syncBuffer is a bytes.Buffer safe for a logger and a test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSlogger() (*slog.Logger, *syncBuffer) {
	var buf syncBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func idleWorker(*worker.Worker) worker.Handler {
	return func(context.Context, *worker.Job) (json.RawMessage, error) { return nil, nil }
}

func newManager(t *testing.T) *procman.Manager {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := platform.NewRegistry()
	require.NoError(t, reg.Add(&platform.Platform{Name: "echo"}))
	require.NoError(t, reg.Add(&platform.Platform{Name: "loopback", Config: platform.Config{Persist: true}}))

	m := procman.New(reg, &instance.Deps{
		DB: db,
		Launcher: &workertest.Launcher{
			DB:        db,
			Factories: map[string]worker.Factory{"echo": idleWorker, "loopback": idleWorker},
		},
		Sessions:     session.NewHub(8),
		Events:       events.Discard,
		ParentID:     "parent-1",
		ParentSecret: []byte("0123456789abcdef0123456789abcdef"),
		StatePath:    "state.db",
		Supervisor: config.SupervisorConfig{
			HandshakeTimeout:  2 * time.Second,
			HeartbeatInterval: time.Hour,
			HeartbeatTimeout:  time.Second,
			KillGrace:         time.Second,
			QueuePoll:         10 * time.Millisecond,
			QueueOpTimeout:    time.Second,
		},
	})
	t.Cleanup(func() { _ = m.ShutdownAll(context.Background()) })
	return m
}

func get(t *testing.T, m *procman.Manager, platformName, actor, sessionID string) *instance.Instance {
	t.Helper()
	inst, err := m.Get(context.Background(), platformName, actor, sessionID)
	require.NoError(t, err)
	return inst
}

func TestSweepTwoCycleGrace(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	lister := mocks.NewMockSessionLister(ctrl)
	m := newManager(t)
	hub := events.NewHub(16)
	slogger, logBuf := newTestSlogger()
	j := New(config.JanitorConfig{Interval: time.Hour, GraceCycles: 1}, m, lister, hub, slogger)
	ctx := context.Background()

	inst := get(t, m, "loopback", "alice", "A")
	get(t, m, "loopback", "alice", "B")

	gomock.InOrder(
		lister.EXPECT().LiveSessions(gomock.Any()).Return([]string{"B"}, nil),
		lister.EXPECT().LiveSessions(gomock.Any()).Return([]string{}, nil),
		lister.EXPECT().LiveSessions(gomock.Any()).Return(nil, nil),
	)

	t.Run("one session left", func(t *testing.T) {
		report, err := j.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Detached)
		assert.Equal(t, []string{"B"}, inst.Sessions())
		assert.False(t, inst.Flagged())
		assert.True(t, inst.Alive())
	})

	t.Run("last session gone flags", func(t *testing.T) {
		report, err := j.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{inst.ID()}, report.Flagged)
		assert.Empty(t, report.Destroyed)
		assert.Empty(t, inst.Sessions())
		assert.True(t, inst.Flagged())
		assert.True(t, inst.Alive())
	})

	t.Run("still unreferenced destroys", func(t *testing.T) {
		report, err := j.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{inst.ID()}, report.Destroyed)
		assert.False(t, inst.Alive())
		assert.Empty(t, m.Instances())
		assert.Contains(t, logBuf.String(), "destroyed unreferenced instance")
	})

	var published int
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type == events.JanitorSweep {
			published++
		}
	}
	assert.Equal(t, 3, published)
}

func TestSweepReconnectClearsFlag(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	lister := mocks.NewMockSessionLister(ctrl)
	m := newManager(t)
	slogger, _ := newTestSlogger()
	j := New(config.JanitorConfig{Interval: time.Hour, GraceCycles: 1}, m, lister, nil, slogger)
	ctx := context.Background()

	inst := get(t, m, "loopback", "alice", "A")

	lister.EXPECT().LiveSessions(gomock.Any()).Return(nil, nil)
	_, err := j.Sweep(ctx)
	require.NoError(t, err)
	require.True(t, inst.Flagged())

	// The page reloads and the client comes back under a new session.
	same := get(t, m, "loopback", "alice", "A2")
	require.Same(t, inst, same)

	lister.EXPECT().LiveSessions(gomock.Any()).Return([]string{"A2"}, nil)
	report, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID()}, report.Unflagged)
	assert.False(t, inst.Flagged())

	// The strike count starts over.
	lister.EXPECT().LiveSessions(gomock.Any()).Return(nil, nil)
	report, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Destroyed)
	assert.True(t, inst.Alive())
}

func TestSweepExemptsGlobalInstances(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	lister := mocks.NewMockSessionLister(ctrl)
	m := newManager(t)
	slogger, _ := newTestSlogger()
	j := New(config.JanitorConfig{Interval: time.Hour, GraceCycles: 1}, m, lister, nil, slogger)

	inst := get(t, m, "echo", "", "A")
	lister.EXPECT().LiveSessions(gomock.Any()).Return(nil, nil).Times(3)
	for range 3 {
		report, err := j.Sweep(context.Background())
		require.NoError(t, err)
		assert.Empty(t, report.Flagged)
		assert.Empty(t, report.Destroyed)
	}
	assert.Empty(t, inst.Sessions())
	assert.False(t, inst.Flagged())
	assert.True(t, inst.Alive())
}

func TestSweepHonorsGraceCycles(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	lister := mocks.NewMockSessionLister(ctrl)
	m := newManager(t)
	slogger, _ := newTestSlogger()
	j := New(config.JanitorConfig{Interval: time.Hour, GraceCycles: 2}, m, lister, nil, slogger)

	inst := get(t, m, "loopback", "alice", "A")
	lister.EXPECT().LiveSessions(gomock.Any()).Return(nil, nil).Times(3)

	for range 2 {
		report, err := j.Sweep(context.Background())
		require.NoError(t, err)
		assert.Empty(t, report.Destroyed)
		assert.True(t, inst.Alive())
	}
	report, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID()}, report.Destroyed)
}

func TestSweepListerErrorTouchesNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	lister := mocks.NewMockSessionLister(ctrl)
	m := newManager(t)
	slogger, _ := newTestSlogger()
	j := New(config.JanitorConfig{Interval: time.Hour, GraceCycles: 1}, m, lister, nil, slogger)

	inst := get(t, m, "loopback", "alice", "A")
	lister.EXPECT().LiveSessions(gomock.Any()).Return(nil, errors.New("redis down"))

	_, err := j.Sweep(context.Background())
	assert.ErrorContains(t, err, "redis down")
	assert.Equal(t, []string{"A"}, inst.Sessions())
	assert.False(t, inst.Flagged())
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	lister := mocks.NewMockSessionLister(ctrl)
	m := newManager(t)
	slogger, _ := newTestSlogger()
	j := New(config.JanitorConfig{Interval: 10 * time.Millisecond, GraceCycles: 1}, m, lister, nil, slogger)

	swept := make(chan struct{}, 8)
	lister.EXPECT().LiveSessions(gomock.Any()).DoAndReturn(func(context.Context) ([]string, error) {
		select {
		case swept <- struct{}{}:
		default:
		}
		return nil, nil
	}).MinTimes(2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	for range 2 {
		select {
		case <-swept:
		case <-time.After(5 * time.Second):
			t.Fatal("janitor did not sweep")
		}
	}
	cancel()
	assert.NoError(t, <-done)
}
