package instance

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mattjoyce/platformd/internal/log"
	"github.com/mattjoyce/platformd/internal/protocol"
)

// maxStderrLine caps one re-logged stderr line.
const maxStderrLine = 64 * 1024

// ExecLauncher runs a platform's entrypoint as a child process. Control
// frames go to its stdin, events come from its stdout, and stderr lines are
// logged.
type ExecLauncher struct {
	// Env is appended to the supervisor's environment for every worker.
	Env []string
}

func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	logger := log.WithInstance(spec.Platform.Name, spec.InstanceID)

	// Not CommandContext: the worker outlives the request that created it.
	cmd := exec.Command(spec.Platform.Entrypoint, spec.Platform.Args...)
	cmd.Dir = spec.Platform.Path
	cmd.Env = append(append(os.Environ(), l.Env...), spec.Env()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Platform.Entrypoint, err)
	}
	logger.Debug("worker started", "pid", cmd.Process.Pid, "entrypoint", spec.Platform.Entrypoint)

	p := &execProcess{
		cmd:     cmd,
		stdin:   stdin,
		events:  make(chan protocol.Event, 16),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		logger:  logger,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readEvents(stdout)
	}()
	go func() {
		defer readers.Done()
		p.logStderr(stderr)
	}()
	go func() {
		// Wait must not run before the pipes are drained.
		readers.Wait()
		p.waitErr = cmd.Wait()
		if p.waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(p.waitErr, &exitErr) {
				logger.Debug("worker exited", "exit_code", exitErr.ExitCode())
			} else {
				logger.Warn("wait for worker failed", "error", p.waitErr)
			}
		}
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	sendMu sync.Mutex
	stdin  io.WriteCloser

	events    chan protocol.Event
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	waitErr   error
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return PIDAlive(p.PID())
	}
}

func (p *execProcess) Send(c protocol.Control) error {
	select {
	case <-p.done:
		return ErrProcessExited
	default:
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := protocol.EncodeControl(p.stdin, c); err != nil {
		return fmt.Errorf("send control frame: %w", err)
	}
	return nil
}

func (p *execProcess) Events() <-chan protocol.Event { return p.events }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Kill(grace time.Duration) error {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.sendMu.Lock()
		_ = p.stdin.Close()
		p.sendMu.Unlock()
	})

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	p.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL", "grace", grace)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker: %w", err)
	}
	<-p.done
	return nil
}

func (p *execProcess) readEvents(r io.Reader) {
	defer close(p.events)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := protocol.DecodeEvent(line)
		if err != nil {
			p.logger.Warn("dropping malformed worker frame", "error", err)
			continue
		}
		select {
		case p.events <- ev:
		case <-p.closing:
			// Keep draining so the worker never blocks on a full pipe.
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("worker event stream failed", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *execProcess) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxStderrLine)
	for scanner.Scan() {
		p.logger.Info("worker stderr", "line", scanner.Text())
	}
	_, _ = io.Copy(io.Discard, r)
}
