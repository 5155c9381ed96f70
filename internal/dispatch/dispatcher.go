package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/platformd/internal/activity"
	"github.com/mattjoyce/platformd/internal/credentials"
	"github.com/mattjoyce/platformd/internal/instance"
	"github.com/mattjoyce/platformd/internal/log"
	"github.com/mattjoyce/platformd/internal/procman"
	"github.com/mattjoyce/platformd/internal/queue"
)

// Dispatcher routes client messages to platform instances.
type Dispatcher struct {
	procs        *procman.Manager
	db           *sql.DB
	parentSecret []byte
	logger       *slog.Logger
}

// New creates a Dispatcher. db and parentSecret back the credential store.
func New(procs *procman.Manager, db *sql.DB, parentSecret []byte) *Dispatcher {
	return &Dispatcher{
		procs:        procs,
		db:           db,
		parentSecret: parentSecret,
		logger:       log.WithComponent("dispatch"),
	}
}

// Ticket is the handle for one submitted message. Title is empty when the
// reply was produced without queueing.
type Ticket struct {
	Title string
	Reply <-chan json.RawMessage
}

// reply delivers at most one message and then closes the channel.
type reply struct {
	ch   chan json.RawMessage
	once sync.Once
}

func newReply() *reply { return &reply{ch: make(chan json.RawMessage, 1)} }

func (r *reply) send(msg json.RawMessage) {
	r.once.Do(func() {
		r.ch <- msg
		close(r.ch)
	})
}

// Submit accepts one message from sessionID. The ticket's channel receives
// exactly one reply. An error is returned only for messages that are not
// activities at all.
func (d *Dispatcher) Submit(ctx context.Context, sessionID, sessionSecret string, raw json.RawMessage) (*Ticket, error) {
	a, err := activity.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid activity: %w", err)
	}
	r := newReply()
	logger := d.logger.With("session", sessionID, "platform", a.Context, "verb", a.Type)

	if sessionSecret == "" {
		r.send(d.failed(raw, a.Context, "session has no secret"))
		return &Ticket{Reply: r.ch}, nil
	}

	if a.Type == activity.TypeCredentials {
		r.send(d.saveCredentials(ctx, raw, a, sessionSecret))
		return &Ticket{Reply: r.ch}, nil
	}

	p, ok := d.procs.Platforms().Get(a.Context)
	if !ok {
		logger.Debug("message for unknown platform")
		r.send(d.failed(raw, a.Context, fmt.Sprintf("%s: %s", procman.ErrUnknownPlatform, a.Context)))
		return &Ticket{Reply: r.ch}, nil
	}
	if !p.SupportsVerb(a.Type) {
		r.send(d.failed(raw, a.Context, fmt.Sprintf("platform %s does not support %q", p.Name, a.Type)))
		return &Ticket{Reply: r.ch}, nil
	}

	msg, err := activity.WithSessionSecret(raw, sessionSecret)
	if err != nil {
		return nil, err
	}

	inst, err := d.procs.Get(ctx, a.Context, a.ActorID(), sessionID)
	if err != nil {
		logger.Warn("failed to resolve instance", "error", err)
		r.send(d.failed(raw, a.Context, err.Error()))
		return &Ticket{Reply: r.ch}, nil
	}

	job, err := d.enqueue(ctx, inst, sessionID, msg, r)
	if errors.Is(err, queue.ErrQueueClosed) && inst.CredentialsFailed() && p.Config.RequiresCredentials(a.Type) {
		logger.Info("retrying credential verb on a fresh worker", "instance", inst.ID())
		d.procs.Discard(inst)
		inst, err = d.procs.Get(ctx, a.Context, a.ActorID(), sessionID)
		if err == nil {
			job, err = d.enqueue(ctx, inst, sessionID, msg, r)
		}
	}
	if err != nil {
		logger.Warn("failed to enqueue", "error", err)
		r.send(d.failed(raw, a.Context, err.Error()))
		return &Ticket{Reply: r.ch}, nil
	}
	logger.Debug("enqueued", "instance", inst.ID(), "job", job.Title)
	return &Ticket{Title: job.Title, Reply: r.ch}, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, inst *instance.Instance, sessionID string, msg json.RawMessage, r *reply) (*queue.Job, error) {
	return inst.Submit(ctx, sessionID, msg, func(res instance.Result) {
		r.send(res.Payload)
	})
}

func (d *Dispatcher) saveCredentials(ctx context.Context, raw json.RawMessage, a activity.Activity, sessionSecret string) json.RawMessage {
	if a.ActorID() == "" {
		return d.failed(activity.Ack(raw), a.Context, "credentials need an actor id")
	}
	if len(a.Object) == 0 {
		return d.failed(activity.Ack(raw), a.Context, "credentials need an object")
	}
	store, err := credentials.New(d.db, d.parentSecret, []byte(sessionSecret))
	if err != nil {
		return d.failed(activity.Ack(raw), a.Context, err.Error())
	}
	if _, err := store.Save(ctx, a.ActorID(), a.Object); err != nil {
		d.logger.Error("failed to save credentials", "platform", a.Context, "error", err)
		return d.failed(activity.Ack(raw), a.Context, "failed to save credentials")
	}
	d.logger.Debug("credentials saved", "platform", a.Context)
	return activity.Prepare(activity.Ack(raw), a.Context, a.ActorID())
}

func (d *Dispatcher) failed(raw json.RawMessage, platform, msg string) json.RawMessage {
	var actorID string
	if a, err := activity.Parse(raw); err == nil {
		actorID = a.ActorID()
	}
	return activity.Prepare(activity.WithError(raw, msg), platform, actorID)
}
