package procman

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mattjoyce/platformd/internal/config"
	"github.com/mattjoyce/platformd/internal/events"
	"github.com/mattjoyce/platformd/internal/instance"
	"github.com/mattjoyce/platformd/internal/log"
	"github.com/mattjoyce/platformd/internal/platform"
	"github.com/mattjoyce/platformd/internal/queue"
	"github.com/mattjoyce/platformd/internal/session"
	"github.com/mattjoyce/platformd/internal/storage"
	"github.com/mattjoyce/platformd/internal/workertest"
	"github.com/mattjoyce/platformd/pkg/worker"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func echoWorker(w *worker.Worker) worker.Handler {
	return func(_ context.Context, job *worker.Job) (json.RawMessage, error) {
		return json.Marshal(map[string]any{
			"type":    job.Activity.Type,
			"context": w.Platform(),
			"object":  "handled by " + w.Actor(),
		})
	}
}

func newManager(t *testing.T) (*Manager, *workertest.Launcher) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := platform.NewRegistry()
	require.NoError(t, reg.Add(&platform.Platform{Name: "echo"}))
	require.NoError(t, reg.Add(&platform.Platform{Name: "loopback", Config: platform.Config{Persist: true}}))
	require.NoError(t, reg.Add(&platform.Platform{Name: "chat", Config: platform.Config{Persist: true}}))

	launcher := &workertest.Launcher{
		DB: db,
		Factories: map[string]worker.Factory{
			"echo":     echoWorker,
			"loopback": echoWorker,
			"chat":     echoWorker,
		},
	}
	m := New(reg, &instance.Deps{
		DB:           db,
		Launcher:     launcher,
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
	return m, launcher
}

func get(t *testing.T, m *Manager, platformName, actor, sessionID string) *instance.Instance {
	t.Helper()
	inst, err := m.Get(context.Background(), platformName, actor, sessionID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, inst.WaitReady(ctx))
	return inst
}

func TestGetSharesGlobalInstance(t *testing.T) {
	m, launcher := newManager(t)

	a := get(t, m, "echo", "alice", "s1")
	b := get(t, m, "echo", "bob", "s2")

	assert.Same(t, a, b)
	assert.Equal(t, "echo-global", a.ID())
	assert.Equal(t, []string{"s1", "s2"}, a.Sessions())
	assert.Len(t, launcher.Processes(), 1)
}

func TestGetPrivateInstancePerActor(t *testing.T) {
	m, launcher := newManager(t)

	alice := get(t, m, "loopback", "alice", "s1")
	again := get(t, m, "loopback", "alice", "s2")
	bob := get(t, m, "loopback", "bob", "s3")

	assert.Same(t, alice, again)
	assert.NotSame(t, alice, bob)
	assert.Equal(t, instance.ID("loopback", true, "alice"), alice.ID())
	assert.Equal(t, "alice", alice.Actor())
	assert.Len(t, launcher.Processes(), 2)
	assert.Len(t, m.Instances(), 2)
}

func TestGetUnknownPlatform(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Get(context.Background(), "telegraph", "alice", "s1")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	assert.Empty(t, m.Instances())
}

func TestGetReplacesCrashedInstance(t *testing.T) {
	m, launcher := newManager(t)

	first := get(t, m, "loopback", "alice", "s1")
	launcher.Last().Crash()
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("crashed instance was not torn down")
	}

	second := get(t, m, "loopback", "alice", "s1")
	assert.NotSame(t, first, second)
	assert.True(t, second.Alive())
	assert.Equal(t, first.ID(), second.ID())
	assert.NotEqual(t, first.Queue().Name(), second.Queue().Name())
	assert.Len(t, launcher.Processes(), 2)
}

func TestGetConcurrentCallersShareOneWorker(t *testing.T) {
	m, launcher := newManager(t)

	const callers = 16
	got := make([]*instance.Instance, callers)
	var wg sync.WaitGroup
	for n := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := m.Get(context.Background(), "loopback", "alice", fmt.Sprintf("s%d", n))
			assert.NoError(t, err)
			got[n] = inst
		}()
	}
	wg.Wait()

	for _, inst := range got[1:] {
		assert.Same(t, got[0], inst)
	}
	assert.Len(t, launcher.Processes(), 1)
	assert.Len(t, got[0].Sessions(), callers)
}

func TestSessionDrivesOnePrivateInstancePerPlatform(t *testing.T) {
	m, _ := newManager(t)

	alice := get(t, m, "loopback", "alice", "s1")
	shared := get(t, m, "echo", "", "s1")
	chat := get(t, m, "chat", "alice", "s1")
	bob := get(t, m, "loopback", "bob", "s1")

	assert.False(t, alice.HasSession("s1"))
	assert.True(t, bob.HasSession("s1"))
	assert.True(t, shared.HasSession("s1"), "shared instances are not affected")
	assert.True(t, chat.HasSession("s1"), "other platforms are not affected")
}

func TestSubmitRoundTrip(t *testing.T) {
	m, _ := newManager(t)
	inst := get(t, m, "loopback", "alice", "s1")

	results := make(chan instance.Result, 1)
	job, err := inst.Submit(context.Background(), "s1",
		json.RawMessage(`{"type":"send","context":"loopback","actor":{"id":"alice"}}`),
		func(r instance.Result) { results <- r })
	require.NoError(t, err)

	select {
	case r := <-results:
		assert.Equal(t, queue.KindCompleted, r.Kind)
		assert.Equal(t, job.Title, r.Title)
		assert.JSONEq(t, `{"type":"send","context":"loopback","object":"handled by alice"}`, string(r.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("job never completed")
	}
}

func TestDiscardSpawnsFreshWorker(t *testing.T) {
	m, launcher := newManager(t)

	first := get(t, m, "loopback", "alice", "s1")
	m.Discard(first)
	<-first.Done()

	second := get(t, m, "loopback", "alice", "s1")
	assert.NotSame(t, first, second)
	assert.Len(t, launcher.Processes(), 2)
}

func TestShutdownAll(t *testing.T) {
	m, launcher := newManager(t)
	ignore := goleak.IgnoreCurrent()

	get(t, m, "echo", "", "s1")
	get(t, m, "loopback", "alice", "s1")
	get(t, m, "chat", "bob", "s2")

	require.NoError(t, m.ShutdownAll(context.Background()))
	assert.Zero(t, m.Registry().Len())
	for _, p := range launcher.Processes() {
		assert.NoError(t, p.Err())
	}
	goleak.VerifyNone(t, ignore, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func TestDestroy(t *testing.T) {
	m, _ := newManager(t)
	inst := get(t, m, "loopback", "alice", "s1")

	assert.True(t, m.Destroy(context.Background(), inst.ID()))
	assert.False(t, inst.Alive())
	assert.False(t, m.Destroy(context.Background(), inst.ID()))
}

func writePlatform(t *testing.T, root, name, manifest string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"), 0o755))
}

func TestCatalogAppliesOverrides(t *testing.T) {
	root := t.TempDir()
	writePlatform(t, root, "irc", "name: irc\nprotocol: 1\nentrypoint: run.sh\npersist: true\nrequire_credentials: [connect]\n")
	writePlatform(t, root, "feeds", "name: feeds\nprotocol: 1\nentrypoint: run.sh\n")
	writePlatform(t, root, "legacy", "name: legacy\nprotocol: 1\nentrypoint: run.sh\n")

	persist := true
	shared := false
	reg, err := Catalog(root, map[string]config.PlatformConf{
		"feeds":  {Persist: &persist, RequireCredentials: []string{"subscribe"}},
		"irc":    {Persist: &shared},
		"legacy": {Disabled: true},
		"ghost":  {Disabled: true},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"feeds", "irc"}, reg.Names())
	feeds, _ := reg.Get("feeds")
	assert.True(t, feeds.Config.Persist)
	assert.True(t, feeds.Config.RequiresCredentials("subscribe"))
	irc, _ := reg.Get("irc")
	assert.False(t, irc.Config.Persist)
	assert.Empty(t, irc.Config.RequireCredentials)
}
