// Package instance supervises one worker process per platform identity:
// its queue, the client sessions interested in it, secret delivery,
// heartbeats and teardown.
package instance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/platformd/internal/activity"
	"github.com/mattjoyce/platformd/internal/config"
	"github.com/mattjoyce/platformd/internal/events"
	"github.com/mattjoyce/platformd/internal/log"
	"github.com/mattjoyce/platformd/internal/platform"
	"github.com/mattjoyce/platformd/internal/protocol"
	"github.com/mattjoyce/platformd/internal/queue"
	"github.com/mattjoyce/platformd/internal/seal"
	"github.com/mattjoyce/platformd/internal/session"
)

// Deps are the collaborators every instance shares.
type Deps struct {
	DB           *sql.DB
	Registry     *Registry
	Launcher     Launcher
	Sessions     session.Sender
	Events       events.Publisher
	ParentID     string
	ParentSecret []byte
	StatePath    string
	Supervisor   config.SupervisorConfig
}

// EventKind names a per-session listener on the worker's event stream.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventClose   EventKind = "close"
)

// Subscription is one session's listener. Unsubscribe detaches it.
type Subscription struct {
	Kind      EventKind
	SessionID string

	fn     func(protocol.Event)
	once   sync.Once
	detach func()
}

func (s *Subscription) Unsubscribe() { s.once.Do(s.detach) }

// Result is the client-facing outcome of one submitted job.
type Result struct {
	Kind    queue.Kind
	Title   string
	Payload json.RawMessage
}

// CompletionFunc is called at most once with the result of a job.
type CompletionFunc func(Result)

type pending struct {
	message json.RawMessage
	fn      CompletionFunc
}

// Info is a point-in-time view of an instance.
type Info struct {
	ID          string    `json:"id"`
	Platform    string    `json:"platform"`
	Actor       string    `json:"actor,omitempty"`
	Global      bool      `json:"global"`
	Sessions    []string  `json:"sessions"`
	Flagged     bool      `json:"flagged"`
	Ready       bool      `json:"ready"`
	Initialized bool      `json:"initialized"`
	Paused      bool      `json:"paused"`
	PID         int       `json:"pid"`
	Queue       string    `json:"queue"`
	CreatedAt   time.Time `json:"created_at"`
}

// Instance owns one worker process and its queue.
type Instance struct {
	deps      *Deps
	platform  *platform.Platform
	global    bool
	queue     *queue.Queue
	proc      Process
	createdAt time.Time

	mu          sync.Mutex
	id          string
	actor       string
	logger      *slog.Logger
	sessions    map[string]struct{}
	listeners   map[EventKind]map[string]*Subscription
	pending     map[string]pending
	flagged     bool
	ready       bool
	initialized bool

	closing    atomic.Bool
	stop       chan struct{}
	done       chan struct{}
	readyCh    chan struct{}
	pongs      chan uint64
	out        *outbox
	handshake  *time.Timer
	unsubQueue []func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates the instance for actorID on p, spawns its worker and sends it
// the queue secrets. The caller registers it.
func New(ctx context.Context, deps *Deps, p *platform.Platform, actorID string) (*Instance, error) {
	global := !p.Config.Persist
	if global {
		actorID = ""
	} else if actorID == "" {
		return nil, fmt.Errorf("platform %s runs one worker per actor and needs an actor id", p.Name)
	}
	id := ID(p.Name, p.Config.Persist, actorID)

	instanceSecret, err := seal.NewSecret()
	if err != nil {
		return nil, err
	}

	sup := deps.Supervisor
	q, err := queue.New(deps.DB, queue.Options{
		Name:           fmt.Sprintf("%s:%s:%s", deps.ParentID, id, uuid.NewString()[:8]),
		ParentSecret:   deps.ParentSecret,
		InstanceSecret: instanceSecret,
		PollInterval:   sup.QueuePoll,
		OpTimeout:      sup.QueueOpTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create queue for %s: %w", id, err)
	}

	inst := &Instance{
		deps:        deps,
		platform:    p,
		global:      global,
		queue:       q,
		createdAt:   time.Now().UTC(),
		id:          id,
		actor:       actorID,
		logger:      log.WithInstance(p.Name, id),
		sessions:    make(map[string]struct{}),
		listeners:   map[EventKind]map[string]*Subscription{EventMessage: {}, EventClose: {}},
		pending:     make(map[string]pending),
		initialized: !p.Config.Persist || len(p.Config.RequireCredentials) == 0,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		readyCh:     make(chan struct{}),
		pongs:       make(chan uint64, 4),
		out:         newOutbox(),
	}

	proc, err := deps.Launcher.Launch(ctx, Spec{
		Platform:   p,
		InstanceID: id,
		Actor:      actorID,
		Queue:      q.Name(),
		ParentID:   deps.ParentID,
		StatePath:  deps.StatePath,
		QueuePoll:  sup.QueuePoll,
	})
	if err != nil {
		return nil, fmt.Errorf("launch %s worker: %w", p.Name, err)
	}
	inst.proc = proc

	runCtx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	inst.unsubQueue = []func(){q.OnCompleted(inst.onJobEvent), q.OnFailed(inst.onJobEvent)}
	q.Start(runCtx)

	timeout := sup.HandshakeTimeout
	inst.handshake = time.AfterFunc(timeout, func() {
		if !inst.Ready() {
			inst.fatal(fmt.Sprintf("worker did not acknowledge secrets within %s", timeout))
		}
	})

	inst.wg.Add(2)
	go inst.pump(runCtx)
	go inst.deliver()

	if err := proc.Send(protocol.Secrets{ParentSecret1: deps.ParentSecret, ParentSecret2: instanceSecret}); err != nil {
		inst.Shutdown(ctx)
		return nil, fmt.Errorf("send secrets to %s worker: %w", p.Name, err)
	}

	inst.publish(events.InstanceCreated, map[string]any{"pid": proc.PID(), "global": global})
	inst.log().Info("instance created", "pid", proc.PID(), "global", global)
	return inst, nil
}

func (i *Instance) ID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.id
}

func (i *Instance) Actor() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.actor
}

func (i *Instance) Platform() *platform.Platform { return i.platform }
func (i *Instance) Global() bool                 { return i.global }
func (i *Instance) Queue() *queue.Queue          { return i.queue }
func (i *Instance) Process() Process             { return i.proc }

// Done is closed once the instance has been torn down.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Alive reports whether the instance can still take work.
func (i *Instance) Alive() bool {
	return !i.closing.Load() && i.proc.Alive()
}

func (i *Instance) Ready() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ready
}

// WaitReady blocks until the worker has acknowledged its secrets.
func (i *Instance) WaitReady(ctx context.Context) error {
	select {
	case <-i.readyCh:
		return nil
	case <-i.done:
		return fmt.Errorf("instance %s shut down before it was ready", i.ID())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Instance) Initialized() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.initialized
}

func (i *Instance) Flagged() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.flagged
}

// SetFlagged marks or clears the instance for termination.
func (i *Instance) SetFlagged(flagged bool) {
	i.mu.Lock()
	changed := i.flagged != flagged
	i.flagged = flagged
	i.mu.Unlock()
	if !changed {
		return
	}
	if flagged {
		i.publish(events.InstanceFlagged, nil)
	} else {
		i.publish(events.InstanceUnflagged, nil)
	}
}

// CredentialsFailed reports whether a credential-gated verb failed and
// left the queue paused.
func (i *Instance) CredentialsFailed() bool {
	return i.platform.Config.Persist && i.queue.Paused() && !i.Initialized()
}

// Sessions returns the registered session ids, sorted.
func (i *Instance) Sessions() []string {
	i.mu.Lock()
	ids := make([]string, 0, len(i.sessions))
	for id := range i.sessions {
		ids = append(ids, id)
	}
	i.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (i *Instance) HasSession(sessionID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.sessions[sessionID]
	return ok
}

func (i *Instance) Info() Info {
	sessions := i.Sessions()
	i.mu.Lock()
	defer i.mu.Unlock()
	return Info{
		ID:          i.id,
		Platform:    i.platform.Name,
		Actor:       i.actor,
		Global:      i.global,
		Sessions:    sessions,
		Flagged:     i.flagged,
		Ready:       i.ready,
		Initialized: i.initialized,
		Paused:      i.queue.Paused(),
		PID:         i.proc.PID(),
		Queue:       i.queue.Name(),
		CreatedAt:   i.createdAt,
	}
}

// RegisterSession attaches message and close listeners for sessionID. It
// reports whether the session was new.
func (i *Instance) RegisterSession(sessionID string) bool {
	if sessionID == "" || i.closing.Load() {
		return false
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.sessions[sessionID]; ok {
		return false
	}
	i.sessions[sessionID] = struct{}{}

	i.listeners[EventMessage][sessionID] = i.subscribeLocked(EventMessage, sessionID, func(ev protocol.Event) {
		if msg, ok := ev.(protocol.ClientMessage); ok {
			i.SendToClient(context.Background(), sessionID, msg.Payload)
		}
	})
	i.listeners[EventClose][sessionID] = i.subscribeLocked(EventClose, sessionID, func(ev protocol.Event) {
		if f, ok := ev.(protocol.Fatal); ok {
			i.SendToClient(context.Background(), sessionID, activity.ErrorFor(i.platform.Name, i.Actor(), f.Message))
		}
	})

	i.logger.Debug("session registered", "session", sessionID)
	return true
}

func (i *Instance) subscribeLocked(kind EventKind, sessionID string, fn func(protocol.Event)) *Subscription {
	sub := &Subscription{Kind: kind, SessionID: sessionID, fn: fn}
	sub.detach = func() {
		i.mu.Lock()
		if cur := i.listeners[kind][sessionID]; cur == sub {
			delete(i.listeners[kind], sessionID)
		}
		i.mu.Unlock()
	}
	return sub
}

// UnregisterSession drops sessionID and detaches its listeners.
func (i *Instance) UnregisterSession(sessionID string) bool {
	i.mu.Lock()
	if _, ok := i.sessions[sessionID]; !ok {
		i.mu.Unlock()
		return false
	}
	delete(i.sessions, sessionID)
	var subs []*Subscription
	for _, byID := range i.listeners {
		if sub, ok := byID[sessionID]; ok {
			subs = append(subs, sub)
		}
	}
	i.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	i.log().Debug("session unregistered", "session", sessionID)
	return true
}

// SendToClient delivers msg to one session after removing the session
// secret and stamping the platform. A session that has gone away is not an
// error.
func (i *Instance) SendToClient(ctx context.Context, sessionID string, msg json.RawMessage) {
	out := i.prepare(msg)

	ctx, cancel := context.WithTimeout(ctx, i.deps.Supervisor.QueueOpTimeout)
	defer cancel()
	if err := i.deps.Sessions.Send(ctx, sessionID, out); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			i.log().Debug("session gone, message dropped", "session", sessionID)
			return
		}
		i.log().Warn("failed to deliver message", "session", sessionID, "error", err)
	}
}

// BroadcastToSharedPeers delivers msg to every registered session except
// origin.
func (i *Instance) BroadcastToSharedPeers(ctx context.Context, origin string, msg json.RawMessage) {
	for _, sid := range i.Sessions() {
		if sid == origin {
			continue
		}
		i.SendToClient(ctx, sid, msg)
	}
}

// Submit enqueues msg for sessionID. done, when set, is registered under
// the job title before the job is stored, so it can never miss the result.
// It is called exactly once for every job Submit accepts, including jobs
// caught by a concurrent teardown.
func (i *Instance) Submit(ctx context.Context, sessionID string, msg json.RawMessage, done CompletionFunc) (*queue.Job, error) {
	title := i.queue.NextTitle()

	// teardown sets closing before it takes i.mu to collect pending
	// handlers, so checking under the lock means a registered handler is
	// always collected.
	i.mu.Lock()
	if i.closing.Load() {
		i.mu.Unlock()
		return nil, queue.ErrQueueClosed
	}
	if done != nil {
		i.pending[title] = pending{message: msg, fn: done}
	}
	i.mu.Unlock()

	job, err := i.queue.AddTitled(ctx, title, sessionID, msg)
	if err != nil {
		i.takePending(title)
		return nil, err
	}
	if i.closing.Load() {
		if p, ok := i.takePending(title); ok {
			p.fn(Result{Kind: queue.KindFailed, Title: title, Payload: i.prepare(activity.WithError(msg, "platform instance shut down"))})
		}
	}
	return job, nil
}

func (i *Instance) takePending(title string) (pending, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.pending[title]
	if ok {
		delete(i.pending, title)
	}
	return p, ok
}

func (i *Instance) onJobEvent(ev queue.Event) {
	kind := events.JobCompleted
	if ev.Kind == queue.KindFailed {
		kind = events.JobFailed
	}
	i.publish(kind, map[string]any{"job": ev.Job.Title})
	i.HandleJobResult(ev)
}

// HandleJobResult routes one finished job. The credential policy runs
// first, so whoever sees the reply also sees the paused or resumed state.
// A failure is reported as the original message annotated with the error.
// The waiting completion handler, if any, gets the result; otherwise the
// origin session does. A replacement payload also reaches every peer
// session.
func (i *Instance) HandleJobResult(ev queue.Event) {
	ctx := context.Background()
	i.applyCredentialPolicy(ctx, ev)

	var payload json.RawMessage
	if ev.Kind == queue.KindFailed {
		payload = activity.WithError(ev.Job.Message, ev.Err)
		log.WithJob(ev.Job.Title).Debug("job failed", "instance", i.ID(), "error", ev.Err)
	} else {
		payload = ev.Result
	}

	if p, ok := i.takePending(ev.Job.Title); ok {
		reply := payload
		if reply == nil {
			reply = ev.Job.Message
		}
		p.fn(Result{Kind: ev.Kind, Title: ev.Job.Title, Payload: i.prepare(reply)})
	} else if payload != nil {
		i.SendToClient(ctx, ev.Job.SessionID, payload)
	}

	if ev.Kind == queue.KindCompleted && ev.Result != nil {
		i.BroadcastToSharedPeers(ctx, ev.Job.SessionID, ev.Result)
	}
}

// applyCredentialPolicy pauses a persist instance whose credential-gated
// verb failed, and resumes it when one succeeds. In-memory state flips
// before the queue state is persisted.
func (i *Instance) applyCredentialPolicy(ctx context.Context, ev queue.Event) {
	cfg := i.platform.Config
	if !cfg.Persist {
		return
	}
	verb := activity.Verb(ev.Job.Message)
	if !cfg.RequiresCredentials(verb) {
		return
	}

	failed := ev.Kind == queue.KindFailed
	i.mu.Lock()
	i.initialized = !failed
	i.mu.Unlock()
	i.SetFlagged(failed)

	if failed {
		if err := i.queue.Pause(ctx); err != nil {
			i.log().Warn("failed to pause queue", "error", err)
		}
		i.log().Warn("credential verb failed, queue paused", "verb", verb)
		return
	}
	if err := i.queue.Resume(ctx); err != nil {
		i.log().Warn("failed to resume queue", "error", err)
	}
}

func (i *Instance) pump(ctx context.Context) {
	defer i.wg.Done()

	evs := i.proc.Events()
	for {
		select {
		case <-i.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				evs = nil
				continue
			}
			i.handleEvent(ev)
		case <-i.proc.Done():
			i.drain(evs)
			// Last words of a crashed worker go out before the error.
			i.flushOutbox()
			i.fatal("worker exited unexpectedly")
			return
		}
	}
}

func (i *Instance) drain(evs <-chan protocol.Event) {
	for evs != nil {
		select {
		case ev, ok := <-evs:
			if !ok {
				return
			}
			i.handleEvent(ev)
		default:
			return
		}
	}
}

func (i *Instance) handleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.SecretsAck:
		i.markReady()
	case protocol.Pong:
		select {
		case i.pongs <- e.Seq:
		default:
		}
	case protocol.UpdateActor:
		i.rekey(e.ActorID)
	case protocol.Fatal:
		i.fatal(e.Message)
	case protocol.ClientMessage:
		i.out.push(e)
	default:
		i.log().Warn("unhandled worker event", "type", fmt.Sprintf("%T", ev))
	}
}

func (i *Instance) subscriptions(kind EventKind) []*Subscription {
	i.mu.Lock()
	defer i.mu.Unlock()
	subs := make([]*Subscription, 0, len(i.listeners[kind]))
	for _, sub := range i.listeners[kind] {
		subs = append(subs, sub)
	}
	return subs
}

func (i *Instance) markReady() {
	i.mu.Lock()
	if i.ready {
		i.mu.Unlock()
		return
	}
	i.ready = true
	i.mu.Unlock()

	i.handshake.Stop()
	close(i.readyCh)
	i.publish(events.InstanceReady, nil)
	i.log().Info("worker ready")

	if i.platform.Config.Persist && !i.closing.Load() {
		i.wg.Add(1)
		go i.heartbeat()
	}
}

// rekey moves the instance to the id of its authenticated actor.
func (i *Instance) rekey(actorID string) {
	if actorID == "" || i.closing.Load() {
		return
	}
	if i.global {
		i.log().Warn("ignoring actor update from shared worker", "actor", actorID)
		return
	}

	newID := ID(i.platform.Name, true, actorID)
	i.mu.Lock()
	oldID := i.id
	if oldID == newID {
		i.mu.Unlock()
		return
	}
	i.id = newID
	i.actor = actorID
	i.logger = log.WithInstance(i.platform.Name, newID)
	i.mu.Unlock()

	i.deps.Registry.Rekey(oldID, newID, i)
	i.publish(events.InstanceRekeyed, map[string]any{"from": oldID})
	i.log().Info("instance rekeyed", "from", oldID)
}

// fatal reports msg to every registered session and tears the instance
// down. Only the first caller does anything.
func (i *Instance) fatal(msg string) {
	if !i.closing.CompareAndSwap(false, true) {
		return
	}
	i.log().Error("worker fatal", "error", msg)
	i.publish(events.InstanceFatal, map[string]any{"error": msg})

	for _, sub := range i.subscriptions(EventClose) {
		sub.fn(protocol.Fatal{Message: msg})
	}
	i.teardown(context.Background(), msg, false)
}

// Shutdown stops the worker, obliterates the queue and removes the
// instance from the registry. It is safe to call any number of times and
// from any goroutine outside the instance's own.
func (i *Instance) Shutdown(ctx context.Context) {
	if !i.closing.CompareAndSwap(false, true) {
		<-i.done
		return
	}
	i.teardown(ctx, "platform instance shut down", true)
}

func (i *Instance) teardown(ctx context.Context, reason string, wait bool) {
	defer close(i.done)
	ctx = context.WithoutCancel(ctx)

	i.mu.Lock()
	id := i.id
	var subs []*Subscription
	for _, byID := range i.listeners {
		for _, sub := range byID {
			subs = append(subs, sub)
		}
	}
	pend := i.pending
	i.pending = make(map[string]pending)
	i.sessions = make(map[string]struct{})
	i.mu.Unlock()

	close(i.stop)
	if i.handshake != nil {
		i.handshake.Stop()
	}

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	for _, unsub := range i.unsubQueue {
		unsub()
	}

	i.guard("stop worker", func() error {
		_ = i.proc.Send(protocol.Shutdown{})
		return i.proc.Kill(i.deps.Supervisor.KillGrace)
	})
	i.guard("shut down queue", func() error {
		return i.queue.Shutdown(ctx)
	})
	i.guard("unregister", func() error {
		i.deps.Registry.Delete(id, i)
		return nil
	})
	for title, p := range pend {
		i.guard("fail pending job", func() error {
			p.fn(Result{Kind: queue.KindFailed, Title: title, Payload: i.prepare(activity.WithError(p.message, reason))})
			return nil
		})
	}
	if i.cancel != nil {
		i.cancel()
	}
	if wait {
		i.wg.Wait()
	}

	i.publish(events.InstanceDestroyed, map[string]any{"reason": reason})
	i.log().Info("instance destroyed", "reason", reason)
}

func (i *Instance) guard(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			i.log().Error("shutdown step panicked", "step", step, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		i.log().Warn("shutdown step failed", "step", step, "error", err)
	}
}

func (i *Instance) prepare(msg json.RawMessage) json.RawMessage {
	return activity.Prepare(msg, i.platform.Name, i.Actor())
}

func (i *Instance) log() *slog.Logger {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.logger
}

func (i *Instance) publish(eventType string, extra map[string]any) {
	if i.deps.Events == nil {
		return
	}
	data := map[string]any{"instance": i.ID(), "platform": i.platform.Name}
	for k, v := range extra {
		data[k] = v
	}
	i.deps.Events.Publish(eventType, data)
}
