package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Kind names a completion stream.
type Kind string

const (
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// Job is the decrypted form of one queue entry.
type Job struct {
	Title     string          `json:"title"`
	SessionID string          `json:"sessionId"`
	Message   json.RawMessage `json:"message"`
}

// Event is delivered to completion listeners. Result is nil when the
// worker finished without a replacement payload; Err is set for failures.
type Event struct {
	Kind   Kind
	Job    Job
	Result json.RawMessage
	Err    string
}

// Listener observes one completion stream.
type Listener func(Event)

// Handler processes one job inside the worker. Returning (nil, nil) marks
// the job completed without a result; a non-nil error marks it failed; a
// non-nil payload becomes the job's result.
type Handler func(ctx context.Context, job Job) (json.RawMessage, error)

// Options identifies one channel and the secrets that key it. The same
// values must be used by the producer and the consumer.
type Options struct {
	Name           string
	ParentSecret   []byte
	InstanceSecret []byte
	// PollInterval bounds how quickly completions and new jobs are noticed.
	PollInterval time.Duration
	// OpTimeout bounds each add and claim against the store.
	OpTimeout time.Duration
}

// Stats is a depth summary for one queue. Payloads are never read.
type Stats struct {
	Queue     string
	Queued    int
	Running   int
	Completed int
	Failed    int
	Paused    bool
}

// outcome is the sealed result record written by the consumer.
type outcome struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

var (
	// ErrQueueClosed is returned by Add while the queue is paused or shut down.
	ErrQueueClosed = errors.New("queue closed")
	// ErrHandlerRegistered is returned by a second OnJob call.
	ErrHandlerRegistered = errors.New("job handler already registered")
	ErrNoHandler         = errors.New("no job handler registered")
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultOpTimeout    = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = defaultOpTimeout
	}
	return o
}

func payloadAAD(queue, title string) []byte {
	return []byte(queue + "|" + title)
}

func resultAAD(queue, title string) []byte {
	return []byte(queue + "|" + title + "|result")
}
