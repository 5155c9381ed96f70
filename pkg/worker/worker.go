// Package worker is the runtime every platform worker links. It waits for
// the supervisor's secrets, consumes the instance queue, answers heartbeats
// and carries worker events back to the supervisor.
//
// A worker's main is usually just:
//
//	func main() {
//		if err := worker.Run(context.Background(), newHandler); err != nil {
//			os.Exit(1)
//		}
//	}
package worker

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/platformd/internal/activity"
	"github.com/mattjoyce/platformd/internal/credentials"
	"github.com/mattjoyce/platformd/internal/instance"
	"github.com/mattjoyce/platformd/internal/log"
	"github.com/mattjoyce/platformd/internal/protocol"
	"github.com/mattjoyce/platformd/internal/queue"
	"github.com/mattjoyce/platformd/internal/storage"
)

const defaultHandshakeTimeout = 30 * time.Second

// ErrNoSecrets is returned when the supervisor never sends secrets.
var ErrNoSecrets = errors.New("no secrets received from supervisor")

// Handler runs one job. See queue.Handler for the meaning of its returns.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// Factory builds the handler once the worker is connected.
type Factory func(w *Worker) Handler

// Options wires one worker to its supervisor.
type Options struct {
	StatePath    string
	ParentID     string
	Queue        string
	InstanceID   string
	Platform     string
	Actor        string
	PollInterval time.Duration
	// HandshakeTimeout bounds the wait for secrets.
	HandshakeTimeout time.Duration

	Control io.Reader
	Events  io.Writer
	// DB reuses an open store instead of opening StatePath.
	DB *sql.DB
}

// OptionsFromEnv reads the variables the supervisor sets for its workers.
func OptionsFromEnv() (Options, error) {
	opts := Options{
		StatePath:  os.Getenv(instance.EnvStatePath),
		ParentID:   os.Getenv(instance.EnvParentID),
		Queue:      os.Getenv(instance.EnvQueue),
		InstanceID: os.Getenv(instance.EnvInstanceID),
		Platform:   os.Getenv(instance.EnvPlatform),
		Actor:      os.Getenv(instance.EnvActor),
		Control:    os.Stdin,
		Events:     os.Stdout,
	}
	if v := os.Getenv(instance.EnvQueuePoll); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Options{}, fmt.Errorf("%s: %w", instance.EnvQueuePoll, err)
		}
		opts.PollInterval = d
	}
	if opts.Queue == "" {
		return Options{}, fmt.Errorf("%s is not set; workers are started by platformd", instance.EnvQueue)
	}
	if opts.StatePath == "" {
		return Options{}, fmt.Errorf("%s is not set", instance.EnvStatePath)
	}
	return opts, nil
}

// Run serves a worker started by the supervisor: options come from the
// environment, frames from stdin and stdout. Logs go to stderr.
func Run(ctx context.Context, factory Factory) error {
	log.Configure(log.Options{Level: "info", Format: "text", Output: os.Stderr})
	opts, err := OptionsFromEnv()
	if err != nil {
		log.Error("worker misconfigured", "error", err)
		return err
	}
	if err := Serve(ctx, opts, factory); err != nil {
		log.Error("worker stopped", "error", err)
		return err
	}
	return nil
}

// Worker is the handle a platform uses to talk back to its supervisor.
type Worker struct {
	opts   Options
	db     *sql.DB
	logger *slog.Logger

	parentSecret   []byte
	instanceSecret []byte

	actorMu sync.Mutex
	actor   string

	sendMu sync.Mutex
}

func (w *Worker) Platform() string { return w.opts.Platform }

// Actor is the actor id the instance was created for.
func (w *Worker) Actor() string {
	w.actorMu.Lock()
	defer w.actorMu.Unlock()
	return w.actor
}

func (w *Worker) Logger() *slog.Logger { return w.logger }

// Send delivers payload to every session registered on the instance.
func (w *Worker) Send(verb string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", verb, err)
	}
	return w.emit(protocol.ClientMessage{Verb: verb, Payload: raw})
}

// UpdateActor reports the actor id the worker authenticated as. The job's
// credentials are saved under the new id first, so later jobs addressed to
// it still find them.
func (w *Worker) UpdateActor(ctx context.Context, job *Job, actorID string) error {
	if job != nil && job.Activity.ActorID() != "" && job.Activity.ActorID() != actorID {
		creds, err := job.Credentials(ctx, "")
		switch {
		case err == nil:
			store, err := job.store()
			if err != nil {
				return err
			}
			if _, err := store.Save(ctx, actorID, creds); err != nil {
				return fmt.Errorf("re-save credentials for %s: %w", actorID, err)
			}
		case errors.Is(err, credentials.ErrNotFound):
		default:
			return err
		}
	}
	w.actorMu.Lock()
	w.actor = actorID
	w.actorMu.Unlock()
	return w.emit(protocol.UpdateActor{ActorID: actorID})
}

// Fatal asks the supervisor to tear the instance down.
func (w *Worker) Fatal(msg string) error {
	return w.emit(protocol.Fatal{Message: msg})
}

func (w *Worker) emit(ev protocol.Event) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return protocol.EncodeEvent(w.opts.Events, ev)
}

// Job is one decrypted queue entry with its activity parsed.
type Job struct {
	queue.Job
	Activity activity.Activity

	worker *Worker
}

// Credentials returns the job actor's stored credentials. expectedHash,
// when set, must match or credentials.ErrStale is returned.
func (j *Job) Credentials(ctx context.Context, expectedHash string) (json.RawMessage, error) {
	store, err := j.store()
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, j.Activity.ActorID(), expectedHash)
}

func (j *Job) store() (*credentials.Store, error) {
	if j.Activity.SessionSecret == "" {
		return nil, fmt.Errorf("job %s carries no session secret", j.Title)
	}
	return credentials.New(j.worker.db, j.worker.parentSecret, []byte(j.Activity.SessionSecret))
}

// Serve runs one worker until the supervisor sends shutdown, closes the
// control stream, or ctx ends.
func Serve(ctx context.Context, opts Options, factory Factory) error {
	if opts.Control == nil || opts.Events == nil {
		return fmt.Errorf("worker needs control and event streams")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}

	w := &Worker{
		opts:   opts,
		actor:  opts.Actor,
		logger: log.WithInstance(opts.Platform, opts.InstanceID).With("component", "worker"),
	}

	controls := make(chan protocol.Control)
	readErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readControls(ctx, opts.Control, controls, readErr, w.logger)

	secrets, err := awaitSecrets(ctx, controls, readErr, opts.HandshakeTimeout)
	if err != nil {
		return err
	}
	w.parentSecret = secrets.ParentSecret1
	w.instanceSecret = secrets.ParentSecret2

	db := opts.DB
	if db == nil {
		db, err = storage.OpenSQLite(ctx, opts.StatePath)
		if err != nil {
			return err
		}
		defer db.Close()
	}
	w.db = db

	consumer, err := queue.NewConsumer(db, queue.Options{
		Name:           opts.Queue,
		ParentSecret:   w.parentSecret,
		InstanceSecret: w.instanceSecret,
		PollInterval:   opts.PollInterval,
	})
	if err != nil {
		return err
	}
	handle := factory(w)
	if err := consumer.OnJob(func(ctx context.Context, qj queue.Job) (json.RawMessage, error) {
		a, err := activity.Parse(qj.Message)
		if err != nil {
			return nil, err
		}
		return handle(ctx, &Job{Job: qj, Activity: a, worker: w})
	}); err != nil {
		return err
	}

	if err := w.emit(protocol.SecretsAck{}); err != nil {
		return fmt.Errorf("acknowledge secrets: %w", err)
	}
	w.logger.Debug("secrets received, consuming", "queue", opts.Queue)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return w.serveControls(gctx, controls, readErr)
	})
	return g.Wait()
}

func (w *Worker) serveControls(ctx context.Context, controls <-chan protocol.Control, readErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return err
			}
			// Supervisor closed our stdin.
			return nil
		case c := <-controls:
			switch c := c.(type) {
			case protocol.Ping:
				if err := w.emit(protocol.Pong{Seq: c.Seq}); err != nil {
					return fmt.Errorf("answer ping: %w", err)
				}
			case protocol.Shutdown:
				w.logger.Debug("shutdown requested")
				return nil
			case protocol.Secrets:
				w.logger.Warn("ignoring repeated secrets")
			}
		}
	}
}

func awaitSecrets(ctx context.Context, controls <-chan protocol.Control, readErr <-chan error, timeout time.Duration) (protocol.Secrets, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return protocol.Secrets{}, ctx.Err()
		case <-timer.C:
			return protocol.Secrets{}, fmt.Errorf("%w within %s", ErrNoSecrets, timeout)
		case err := <-readErr:
			if err == nil {
				err = io.EOF
			}
			return protocol.Secrets{}, fmt.Errorf("%w: %v", ErrNoSecrets, err)
		case c := <-controls:
			if s, ok := c.(protocol.Secrets); ok {
				return s, nil
			}
		}
	}
}

// readControls decodes control frames until EOF; it then reports nil on
// readErr.
func readControls(ctx context.Context, r io.Reader, out chan<- protocol.Control, readErr chan<- error, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxFrameBytes)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		c, err := protocol.DecodeControl(scanner.Bytes())
		if err != nil {
			logger.Warn("dropping malformed control frame", "error", err)
			continue
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return
		}
	}
	readErr <- scanner.Err()
}
