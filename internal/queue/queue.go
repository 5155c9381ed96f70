package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/platformd/internal/log"
	"github.com/mattjoyce/platformd/internal/seal"
	"github.com/mattjoyce/platformd/internal/storage"
)

// Queue is the producer side of one encrypted channel. It owns the title
// sequence, the pause flag and the completion watcher.
type Queue struct {
	db     *sql.DB
	opts   Options
	key    seal.Key
	logger *slog.Logger

	seq      atomic.Uint64
	paused   atomic.Bool
	closed   atomic.Bool
	emitting atomic.Bool

	mu        sync.Mutex
	listeners map[Kind]map[uint64]Listener
	nextID    uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New derives the channel key and returns a producer. The watcher does not
// run until Start.
func New(db *sql.DB, opts Options) (*Queue, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("queue name is empty")
	}
	opts = opts.withDefaults()
	key, err := seal.QueueKey(opts.ParentSecret, opts.InstanceSecret, opts.Name)
	if err != nil {
		return nil, err
	}
	return &Queue{
		db:        db,
		opts:      opts,
		key:       key,
		logger:    log.WithComponent("queue").With("queue", opts.Name),
		listeners: map[Kind]map[uint64]Listener{KindCompleted: {}, KindFailed: {}},
		stopCh:    make(chan struct{}),
	}, nil
}

// Name returns the channel name shared with the consumer.
func (q *Queue) Name() string { return q.opts.Name }

// NextTitle reserves the next job title. Titles only need to be distinct
// within this queue.
func (q *Queue) NextTitle() string {
	return fmt.Sprintf("job-%d", q.seq.Add(1))
}

// Add enqueues message for sessionID under a fresh title.
func (q *Queue) Add(ctx context.Context, sessionID string, message json.RawMessage) (*Job, error) {
	return q.AddTitled(ctx, q.NextTitle(), sessionID, message)
}

// AddTitled enqueues under a title obtained from NextTitle. Callers that
// must register interest in the result before the job can complete reserve
// the title first.
func (q *Queue) AddTitled(ctx context.Context, title, sessionID string, message json.RawMessage) (*Job, error) {
	if q.closed.Load() || q.paused.Load() {
		return nil, ErrQueueClosed
	}
	if title == "" {
		return nil, fmt.Errorf("title is empty")
	}

	job := Job{Title: title, SessionID: sessionID, Message: message}
	plain, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	blob, err := seal.Seal(q.key, plain, payloadAAD(q.opts.Name, title))
	if err != nil {
		return nil, fmt.Errorf("seal job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, q.opts.OpTimeout)
	defer cancel()

	now := storage.Timestamp(time.Now())
	_, err = q.db.ExecContext(ctx, `
INSERT INTO job_queue(id, queue, title, status, payload, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, uuid.NewString(), q.opts.Name, title, StatusQueued, blob, now)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return &job, nil
}

// Pause makes later Add calls fail with ErrQueueClosed and stops the
// consumer from claiming further jobs. A job already running finishes.
func (q *Queue) Pause(ctx context.Context) error {
	q.paused.Store(true)
	return q.setPaused(ctx, true)
}

// Resume reverses Pause.
func (q *Queue) Resume(ctx context.Context) error {
	q.paused.Store(false)
	return q.setPaused(ctx, false)
}

// Paused reports the producer-side pause flag.
func (q *Queue) Paused() bool { return q.paused.Load() }

func (q *Queue) setPaused(ctx context.Context, paused bool) error {
	ctx, cancel := context.WithTimeout(ctx, q.opts.OpTimeout)
	defer cancel()

	v := 0
	if paused {
		v = 1
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO queue_state(queue, paused, updated_at) VALUES(?, ?, ?)
ON CONFLICT(queue) DO UPDATE SET paused = excluded.paused, updated_at = excluded.updated_at;
`, q.opts.Name, v, storage.Timestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("set queue paused=%v: %w", paused, err)
	}
	return nil
}

// OnCompleted registers fn for completed jobs and returns its unsubscribe.
func (q *Queue) OnCompleted(fn Listener) func() { return q.subscribe(KindCompleted, fn) }

// OnFailed registers fn for failed jobs and returns its unsubscribe.
func (q *Queue) OnFailed(fn Listener) func() { return q.subscribe(KindFailed, fn) }

func (q *Queue) subscribe(kind Kind, fn Listener) func() {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.listeners[kind][id] = fn
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.listeners[kind], id)
			q.mu.Unlock()
		})
	}
}

func (q *Queue) emit(ev Event) {
	q.mu.Lock()
	fns := make([]Listener, 0, len(q.listeners[ev.Kind]))
	for _, fn := range q.listeners[ev.Kind] {
		fns = append(fns, fn)
	}
	q.mu.Unlock()

	q.emitting.Store(true)
	defer q.emitting.Store(false)
	for _, fn := range fns {
		fn(ev)
	}
}

// Start runs the completion watcher until Shutdown or ctx is done.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		q.wg.Add(1)
		go q.watchLoop(ctx)
	})
}

func (q *Queue) watchLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			if err := q.Drain(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("completion poll failed", "error", err)
			}
		}
	}
}

type terminalRow struct {
	id      string
	title   string
	status  Status
	payload []byte
	result  []byte
}

// Drain delivers every finished job to listeners, in completion order, and
// removes each row once its listeners have returned.
func (q *Queue) Drain(ctx context.Context) error {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, title, status, payload, result
FROM job_queue
WHERE queue = ? AND status IN (?, ?)
ORDER BY completed_at ASC, rowid ASC;
`, q.opts.Name, StatusCompleted, StatusFailed)
	if err != nil {
		return fmt.Errorf("list finished jobs: %w", err)
	}

	var finished []terminalRow
	for rows.Next() {
		var (
			r      terminalRow
			status string
		)
		if err := rows.Scan(&r.id, &r.title, &status, &r.payload, &r.result); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan finished job: %w", err)
		}
		r.status = Status(status)
		finished = append(finished, r)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate finished jobs: %w", err)
	}

	for _, r := range finished {
		if q.closed.Load() {
			return nil
		}
		if ev, ok := q.decode(r); ok {
			q.emit(ev)
		}
		if _, err := q.db.ExecContext(ctx, `DELETE FROM job_queue WHERE id = ?;`, r.id); err != nil {
			return fmt.Errorf("remove finished job %s: %w", r.title, err)
		}
	}
	return nil
}

func (q *Queue) decode(r terminalRow) (Event, bool) {
	plain, err := seal.Open(q.key, r.payload, payloadAAD(q.opts.Name, r.title))
	if err != nil {
		q.logger.Error("dropping undecryptable job", "job", r.title, "error", err)
		return Event{}, false
	}
	var job Job
	if err := json.Unmarshal(plain, &job); err != nil {
		q.logger.Error("dropping malformed job", "job", r.title, "error", err)
		return Event{}, false
	}

	ev := Event{Kind: KindCompleted, Job: job}
	if r.status == StatusFailed {
		ev.Kind = KindFailed
	}
	if len(r.result) == 0 {
		if ev.Kind == KindFailed {
			ev.Err = "job failed"
		}
		return ev, true
	}

	var out outcome
	plainResult, err := seal.Open(q.key, r.result, resultAAD(q.opts.Name, r.title))
	if err == nil {
		err = json.Unmarshal(plainResult, &out)
	}
	if err != nil {
		return Event{Kind: KindFailed, Job: job, Err: "job result could not be read"}, true
	}
	ev.Result = out.Result
	ev.Err = out.Error
	if ev.Kind == KindFailed && ev.Err == "" {
		ev.Err = "job failed"
	}
	return ev, true
}

// Depth counts jobs not yet finished.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM job_queue WHERE queue = ? AND status IN (?, ?);
`, q.opts.Name, StatusQueued, StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Shutdown stops the watcher, closes the queue to new jobs and deletes
// every row belonging to it. In-flight work is abandoned. Safe to call more
// than once.
func (q *Queue) Shutdown(ctx context.Context) error {
	var err error
	q.stopOnce.Do(func() {
		q.closed.Store(true)
		close(q.stopCh)
		// A listener may shut the queue down from inside the watcher.
		if !q.emitting.Load() {
			q.wg.Wait()
		}

		q.mu.Lock()
		q.listeners = map[Kind]map[uint64]Listener{KindCompleted: {}, KindFailed: {}}
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(ctx, q.opts.OpTimeout)
		defer cancel()
		_, errJobs := q.db.ExecContext(ctx, `DELETE FROM job_queue WHERE queue = ?;`, q.opts.Name)
		_, errState := q.db.ExecContext(ctx, `DELETE FROM queue_state WHERE queue = ?;`, q.opts.Name)
		if e := errors.Join(errJobs, errState); e != nil {
			err = fmt.Errorf("obliterate queue %s: %w", q.opts.Name, e)
		}
	})
	return err
}
