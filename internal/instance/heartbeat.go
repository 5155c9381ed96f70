package instance

import (
	"fmt"
	"time"

	"github.com/mattjoyce/platformd/internal/protocol"
)

// heartbeat pings a persist worker on a fixed interval. A missing pong is
// handled exactly like a crash.
func (i *Instance) heartbeat() {
	defer i.wg.Done()

	interval := i.deps.Supervisor.HeartbeatInterval
	timeout := i.deps.Supervisor.HeartbeatTimeout
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-i.stop:
			return
		case <-ticker.C:
		}

		seq++
		if err := i.proc.Send(protocol.Ping{Seq: seq}); err != nil {
			i.fatal(fmt.Sprintf("worker heartbeat failed: %v", err))
			return
		}
		if !i.awaitPong(seq, timeout) {
			return
		}
	}
}

func (i *Instance) awaitPong(seq uint64, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case got := <-i.pongs:
			if got >= seq {
				return true
			}
		case <-timer.C:
			i.fatal(fmt.Sprintf("worker missed heartbeat (no pong within %s)", timeout))
			return false
		case <-i.stop:
			return false
		}
	}
}
