package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/platformd/internal/log"
	"github.com/mattjoyce/platformd/internal/seal"
	"github.com/mattjoyce/platformd/internal/storage"
)

// Consumer is the worker side of one channel. Jobs are claimed one at a
// time in insertion order.
type Consumer struct {
	db     *sql.DB
	opts   Options
	key    seal.Key
	logger *slog.Logger

	mu      sync.Mutex
	handler Handler
}

// NewConsumer derives the same key as the producer built from opts.
func NewConsumer(db *sql.DB, opts Options) (*Consumer, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("queue name is empty")
	}
	opts = opts.withDefaults()
	key, err := seal.QueueKey(opts.ParentSecret, opts.InstanceSecret, opts.Name)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		db:     db,
		opts:   opts,
		key:    key,
		logger: log.WithComponent("consumer").With("queue", opts.Name),
	}, nil
}

// OnJob registers the single job handler.
func (c *Consumer) OnJob(h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return ErrHandlerRegistered
	}
	c.handler = h
	return nil
}

// Run processes jobs until ctx is done. Jobs left running by a previous
// consumer of this queue are requeued first.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return ErrNoHandler
	}

	if n, err := c.requeueAbandoned(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	} else if n > 0 {
		c.logger.Info("requeued abandoned jobs", "count", n)
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		worked, err := c.Step(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("job step failed", "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Consumer) requeueAbandoned(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
UPDATE job_queue SET status = ?, started_at = NULL
WHERE queue = ? AND status = ?;
`, StatusQueued, c.opts.Name, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("requeue running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Step claims and runs at most one job. It reports whether a job was found.
func (c *Consumer) Step(ctx context.Context, h Handler) (bool, error) {
	id, title, payload, err := c.claim(ctx)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}

	logger := c.logger.With("job", title)
	status, out := c.process(ctx, h, title, payload)
	if status == StatusFailed {
		logger.Debug("job failed", "error", out.Error)
	}
	if err := c.finish(ctx, id, title, status, out); err != nil {
		return true, err
	}
	return true, nil
}

func (c *Consumer) claim(ctx context.Context) (id, title string, payload []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()

	now := storage.Timestamp(time.Now())
	row := c.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM job_queue
  WHERE queue = ? AND status = ?
    AND NOT EXISTS (SELECT 1 FROM queue_state s WHERE s.queue = job_queue.queue AND s.paused = 1)
  ORDER BY rowid ASC
  LIMIT 1
)
UPDATE job_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING id, title, payload;
`, c.opts.Name, StatusQueued, StatusRunning, now)

	err = row.Scan(&id, &title, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil, nil
	}
	if err != nil {
		return "", "", nil, fmt.Errorf("claim job: %w", err)
	}
	return id, title, payload, nil
}

func (c *Consumer) process(ctx context.Context, h Handler, title string, payload []byte) (status Status, out outcome) {
	plain, err := seal.Open(c.key, payload, payloadAAD(c.opts.Name, title))
	if err != nil {
		return StatusFailed, outcome{Error: "job could not be decrypted"}
	}
	var job Job
	if err := json.Unmarshal(plain, &job); err != nil {
		return StatusFailed, outcome{Error: "job could not be decoded"}
	}

	defer func() {
		if r := recover(); r != nil {
			status, out = StatusFailed, outcome{Error: fmt.Sprintf("job handler panicked: %v", r)}
		}
	}()

	result, err := h(ctx, job)
	if err != nil {
		return StatusFailed, outcome{Error: err.Error()}
	}
	return StatusCompleted, outcome{Result: result}
}

func (c *Consumer) finish(ctx context.Context, id, title string, status Status, out outcome) error {
	var blob []byte
	if len(out.Result) > 0 || out.Error != "" {
		plain, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		blob, err = seal.Seal(c.key, plain, resultAAD(c.opts.Name, title))
		if err != nil {
			return fmt.Errorf("seal result: %w", err)
		}
	}

	// The job may already be gone if the producer shut the queue down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.OpTimeout)
	defer cancel()
	_, err := c.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, result = ?, completed_at = ?
WHERE id = ? AND status = ?;
`, status, blob, storage.Timestamp(time.Now()), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", title, err)
	}
	return nil
}
