// Package workertest runs the real worker runtime inside the test process,
// connected to the supervisor over in-memory pipes.
package workertest

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattjoyce/platformd/internal/instance"
	"github.com/mattjoyce/platformd/internal/protocol"
	"github.com/mattjoyce/platformd/pkg/worker"
)

// Launcher starts an in-process worker for each launch. Factories are
// looked up by platform name.
type Launcher struct {
	DB        *sql.DB
	Factories map[string]worker.Factory
	// Silent workers never acknowledge secrets.
	Silent map[string]bool

	mu    sync.Mutex
	procs []*Process
}

func (l *Launcher) Launch(ctx context.Context, spec instance.Spec) (instance.Process, error) {
	factory, ok := l.Factories[spec.Platform.Name]
	if !ok {
		return nil, fmt.Errorf("no test worker for platform %q", spec.Platform.Name)
	}

	controlR, controlW := io.Pipe()
	eventR, eventW := io.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())

	p := &Process{
		Spec:     spec,
		controlW: controlW,
		events:   make(chan protocol.Event, 16),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
		cancel:   cancel,
	}

	opts := worker.Options{
		StatePath:    spec.StatePath,
		ParentID:     spec.ParentID,
		Queue:        spec.Queue,
		InstanceID:   spec.InstanceID,
		Platform:     spec.Platform.Name,
		Actor:        spec.Actor,
		PollInterval: spec.QueuePoll,
		Control:      controlR,
		Events:       eventW,
		DB:           l.DB,
	}
	silent := l.Silent[spec.Platform.Name]

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer eventW.Close()
		defer controlR.Close()
		if silent {
			go func() { _, _ = io.Copy(io.Discard, controlR) }()
			<-runCtx.Done()
			return
		}
		p.err = worker.Serve(runCtx, opts, factory)
	}()
	go func() {
		defer wg.Done()
		p.readEvents(eventR)
	}()
	go func() {
		wg.Wait()
		close(p.done)
	}()

	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

// Processes returns every process launched so far.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.procs...)
}

// Last returns the most recent process.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// Process is an in-process worker.
type Process struct {
	Spec instance.Spec

	sendMu   sync.Mutex
	controlW *io.PipeWriter

	events    chan protocol.Event
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	err       error
}

func (p *Process) markClosing() {
	p.closeOnce.Do(func() { close(p.closing) })
}

// PID is the test process itself; liveness comes from Done.
func (p *Process) PID() int { return os.Getpid() }

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Process) Send(c protocol.Control) error {
	if !p.Alive() {
		return instance.ErrProcessExited
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := protocol.EncodeControl(p.controlW, c); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return instance.ErrProcessExited
		}
		return err
	}
	return nil
}

func (p *Process) Events() <-chan protocol.Event { return p.events }
func (p *Process) Done() <-chan struct{}         { return p.done }

// Kill closes the control stream and cancels the worker after grace.
func (p *Process) Kill(grace time.Duration) error {
	p.markClosing()
	_ = p.controlW.Close()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.cancel()
		<-p.done
	}
	p.cancel()
	return nil
}

// Crash ends the worker abruptly, as if the process died.
func (p *Process) Crash() {
	p.markClosing()
	p.cancel()
	_ = p.controlW.CloseWithError(io.ErrUnexpectedEOF)
	<-p.done
}

// Err is what worker.Serve returned, once Done is closed.
func (p *Process) Err() error {
	<-p.done
	return p.err
}

func (p *Process) readEvents(r *io.PipeReader) {
	defer close(p.events)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxFrameBytes)
	for scanner.Scan() {
		ev, err := protocol.DecodeEvent(scanner.Bytes())
		if err != nil {
			continue
		}
		select {
		case p.events <- ev:
		case <-p.closing:
		}
	}
	_ = r.CloseWithError(io.EOF)
}
