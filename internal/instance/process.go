package instance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mattjoyce/platformd/internal/platform"
	"github.com/mattjoyce/platformd/internal/protocol"
)

// Worker environment. Secrets never travel this way.
const (
	EnvStatePath  = "PLATFORMD_STATE_PATH"
	EnvParentID   = "PLATFORMD_PARENT_ID"
	EnvQueue      = "PLATFORMD_QUEUE"
	EnvInstanceID = "PLATFORMD_INSTANCE_ID"
	EnvPlatform   = "PLATFORMD_PLATFORM"
	EnvActor      = "PLATFORMD_ACTOR"
	EnvQueuePoll  = "PLATFORMD_QUEUE_POLL"
)

// ErrProcessExited is returned by Send once the worker is gone.
var ErrProcessExited = errors.New("worker process exited")

// Process is one running worker as seen by its supervisor.
type Process interface {
	PID() int
	// Alive probes the OS, not just our own bookkeeping.
	Alive() bool
	Send(c protocol.Control) error
	// Events is closed when the worker's event stream ends.
	Events() <-chan protocol.Event
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Kill asks the worker to stop, then forces it after grace.
	Kill(grace time.Duration) error
}

// Spec is everything a launcher needs to start one worker.
type Spec struct {
	Platform   *platform.Platform
	InstanceID string
	Actor      string
	Queue      string
	ParentID   string
	StatePath  string
	QueuePoll  time.Duration
}

// Env renders s as worker environment variables.
func (s Spec) Env() []string {
	return []string{
		EnvStatePath + "=" + s.StatePath,
		EnvParentID + "=" + s.ParentID,
		EnvQueue + "=" + s.Queue,
		EnvInstanceID + "=" + s.InstanceID,
		EnvPlatform + "=" + s.Platform.Name,
		EnvActor + "=" + s.Actor,
		EnvQueuePoll + "=" + strconv.FormatInt(s.QueuePoll.Milliseconds(), 10) + "ms",
	}
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// PIDAlive reports whether pid names a live process. EPERM means the
// process exists but belongs to someone else, which still counts as alive.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func validateSpec(spec Spec) error {
	if spec.Platform == nil {
		return fmt.Errorf("launch spec has no platform")
	}
	if spec.Queue == "" {
		return fmt.Errorf("launch spec for %s has no queue", spec.Platform.Name)
	}
	return nil
}
