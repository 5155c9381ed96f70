package worker_test

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/platformd/internal/credentials"
	"github.com/mattjoyce/platformd/internal/instance"
	"github.com/mattjoyce/platformd/internal/protocol"
	"github.com/mattjoyce/platformd/internal/queue"
	"github.com/mattjoyce/platformd/internal/storage"
	"github.com/mattjoyce/platformd/pkg/worker"
)

var (
	parentSecret   = []byte("parent-secret-0123456789abcdef")
	instanceSecret = []byte("instance-secret-0123456789abcd")
)

type harness struct {
	db       *sql.DB
	producer *queue.Queue
	control  *io.PipeWriter
	events   chan protocol.Event
	served   chan error
	results  chan queue.Event
}

func start(t *testing.T, factory worker.Factory, timeout time.Duration) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	opts := queue.Options{Name: "p:echo-global:1", ParentSecret: parentSecret, InstanceSecret: instanceSecret, PollInterval: 10 * time.Millisecond}
	producer, err := queue.New(db, opts)
	require.NoError(t, err)
	producer.Start(ctx)
	t.Cleanup(func() { _ = producer.Shutdown(context.Background()) })

	h := &harness{
		db:       db,
		producer: producer,
		events:   make(chan protocol.Event, 16),
		served:   make(chan error, 1),
		results:  make(chan queue.Event, 4),
	}
	producer.OnCompleted(func(ev queue.Event) { h.results <- ev })
	producer.OnFailed(func(ev queue.Event) { h.results <- ev })

	controlR, controlW := io.Pipe()
	eventR, eventW := io.Pipe()
	h.control = controlW
	t.Cleanup(func() { _ = controlW.Close() })

	go func() {
		scanner := bufio.NewScanner(eventR)
		for scanner.Scan() {
			ev, err := protocol.DecodeEvent(scanner.Bytes())
			if err == nil {
				h.events <- ev
			}
		}
	}()
	go func() {
		h.served <- worker.Serve(ctx, worker.Options{
			Queue:            opts.Name,
			Platform:         "echo",
			InstanceID:       "echo-global",
			PollInterval:     10 * time.Millisecond,
			HandshakeTimeout: timeout,
			Control:          controlR,
			Events:           eventW,
			DB:               db,
		}, factory)
		_ = eventW.Close()
	}()
	return h
}

func (h *harness) send(t *testing.T, c protocol.Control) {
	t.Helper()
	require.NoError(t, protocol.EncodeControl(h.control, c))
}

func (h *harness) next(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event from worker")
		return nil
	}
}

func (h *harness) result(t *testing.T) queue.Event {
	t.Helper()
	select {
	case ev := <-h.results:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no job result")
		return queue.Event{}
	}
}

func (h *harness) handshake(t *testing.T) {
	t.Helper()
	h.send(t, protocol.Secrets{ParentSecret1: parentSecret, ParentSecret2: instanceSecret})
	assert.Equal(t, protocol.SecretsAck{}, h.next(t))
}

func echoFactory(w *worker.Worker) worker.Handler {
	return func(ctx context.Context, job *worker.Job) (json.RawMessage, error) {
		switch job.Activity.Type {
		case "fail":
			return nil, errors.New("asked to fail")
		case "ping":
			return nil, nil
		}
		return json.Marshal(map[string]any{"type": job.Activity.Type, "context": w.Platform(), "object": "echoed"})
	}
}

func TestServeHandshakeJobsAndHeartbeat(t *testing.T) {
	h := start(t, echoFactory, time.Second)
	h.handshake(t)

	_, err := h.producer.Add(context.Background(), "s1", json.RawMessage(`{"type":"send","context":"echo"}`))
	require.NoError(t, err)
	ev := h.result(t)
	assert.Equal(t, queue.KindCompleted, ev.Kind)
	assert.JSONEq(t, `{"type":"send","context":"echo","object":"echoed"}`, string(ev.Result))

	_, err = h.producer.Add(context.Background(), "s1", json.RawMessage(`{"type":"fail","context":"echo"}`))
	require.NoError(t, err)
	ev = h.result(t)
	assert.Equal(t, queue.KindFailed, ev.Kind)
	assert.Equal(t, "asked to fail", ev.Err)

	_, err = h.producer.Add(context.Background(), "s1", json.RawMessage(`{"type":"ping","context":"echo"}`))
	require.NoError(t, err)
	ev = h.result(t)
	assert.Equal(t, queue.KindCompleted, ev.Kind)
	assert.Nil(t, ev.Result)

	h.send(t, protocol.Ping{Seq: 7})
	assert.Equal(t, protocol.Pong{Seq: 7}, h.next(t))

	h.send(t, protocol.Shutdown{})
	select {
	case err := <-h.served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on shutdown")
	}
}

func TestServeRejectsInvalidActivity(t *testing.T) {
	h := start(t, echoFactory, time.Second)
	h.handshake(t)

	_, err := h.producer.Add(context.Background(), "s1", json.RawMessage(`{"type":"send"}`))
	require.NoError(t, err)
	ev := h.result(t)
	assert.Equal(t, queue.KindFailed, ev.Kind)
	assert.Contains(t, ev.Err, "no context")
}

func TestServeWithoutSecretsTimesOut(t *testing.T) {
	h := start(t, echoFactory, 50*time.Millisecond)
	select {
	case err := <-h.served:
		assert.ErrorIs(t, err, worker.ErrNoSecrets)
	case <-time.After(5 * time.Second):
		t.Fatal("worker waited forever for secrets")
	}
}

func TestServeStopsWhenControlCloses(t *testing.T) {
	h := start(t, echoFactory, time.Second)
	h.handshake(t)
	require.NoError(t, h.control.Close())
	select {
	case err := <-h.served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker outlived its control stream")
	}
}

func TestJobCredentialsAndUpdateActor(t *testing.T) {
	creds := json.RawMessage(`{"password":"hunter2","server":"irc.example"}`)
	hash, err := credentials.Hash(creds)
	require.NoError(t, err)

	type seen struct {
		creds json.RawMessage
		err   error
	}
	got := make(chan seen, 2)

	h := start(t, func(w *worker.Worker) worker.Handler {
		return func(ctx context.Context, job *worker.Job) (json.RawMessage, error) {
			c, err := job.Credentials(ctx, hash)
			got <- seen{c, err}
			if err != nil {
				return nil, err
			}
			if err := w.UpdateActor(ctx, job, "alice/laptop"); err != nil {
				return nil, err
			}
			assert.Equal(t, "alice/laptop", w.Actor())
			return nil, nil
		}
	}, time.Second)

	store, err := credentials.New(h.db, parentSecret, []byte("session-secret"))
	require.NoError(t, err)
	_, err = store.Save(context.Background(), "alice", creds)
	require.NoError(t, err)

	h.handshake(t)
	_, err = h.producer.Add(context.Background(), "s1",
		json.RawMessage(`{"type":"connect","context":"echo","actor":{"id":"alice"},"sessionSecret":"session-secret"}`))
	require.NoError(t, err)

	s := <-got
	require.NoError(t, s.err)
	assert.JSONEq(t, string(creds), string(s.creds))
	assert.Equal(t, protocol.UpdateActor{ActorID: "alice/laptop"}, h.next(t))
	assert.Equal(t, queue.KindCompleted, h.result(t).Kind)

	moved, err := store.Get(context.Background(), "alice/laptop", hash)
	require.NoError(t, err)
	assert.JSONEq(t, string(creds), string(moved))

	// A different session secret sees nothing.
	_, err = h.producer.Add(context.Background(), "s2",
		json.RawMessage(`{"type":"connect","context":"echo","actor":{"id":"alice"},"sessionSecret":"other-secret"}`))
	require.NoError(t, err)
	s = <-got
	assert.ErrorIs(t, s.err, credentials.ErrNotFound)
	assert.Equal(t, queue.KindFailed, h.result(t).Kind)
}

func TestWorkerSendAndFatal(t *testing.T) {
	ready := make(chan *worker.Worker, 1)
	h := start(t, func(w *worker.Worker) worker.Handler {
		ready <- w
		return func(context.Context, *worker.Job) (json.RawMessage, error) { return nil, nil }
	}, time.Second)
	h.handshake(t)
	w := <-ready

	require.NoError(t, w.Send("message", map[string]string{"type": "message", "content": "hi"}))
	ev, ok := h.next(t).(protocol.ClientMessage)
	require.True(t, ok)
	assert.Equal(t, "message", ev.Verb)
	assert.JSONEq(t, `{"type":"message","content":"hi"}`, string(ev.Payload))

	require.NoError(t, w.Fatal("cannot continue"))
	assert.Equal(t, protocol.Fatal{Message: "cannot continue"}, h.next(t))
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv(instance.EnvQueue, "")
	_, err := worker.OptionsFromEnv()
	assert.Error(t, err)

	t.Setenv(instance.EnvQueue, "p:echo-global:1")
	t.Setenv(instance.EnvStatePath, "/tmp/state.db")
	t.Setenv(instance.EnvPlatform, "echo")
	t.Setenv(instance.EnvActor, "alice")
	t.Setenv(instance.EnvQueuePoll, "25ms")
	opts, err := worker.OptionsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "p:echo-global:1", opts.Queue)
	assert.Equal(t, "echo", opts.Platform)
	assert.Equal(t, "alice", opts.Actor)
	assert.Equal(t, 25*time.Millisecond, opts.PollInterval)

	t.Setenv(instance.EnvQueuePoll, "soon")
	_, err = worker.OptionsFromEnv()
	assert.Error(t, err)
}
