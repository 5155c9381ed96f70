// Package janitor reclaims platform instances nobody is using. Each sweep
// drops sessions that have disconnected, flags private instances left with
// no sessions, and destroys those still unreferenced after the grace
// period.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/platformd/internal/config"
	"github.com/mattjoyce/platformd/internal/events"
	"github.com/mattjoyce/platformd/internal/instance"
)

// Report summarizes one sweep.
type Report struct {
	LiveSessions int      `json:"live_sessions"`
	Instances    int      `json:"instances"`
	Detached     int      `json:"detached"`
	Flagged      []string `json:"flagged,omitempty"`
	Unflagged    []string `json:"unflagged,omitempty"`
	Destroyed    []string `json:"destroyed,omitempty"`
}

type Janitor struct {
	cfg       config.JanitorConfig
	instances InstanceSource
	sessions  SessionLister
	events    events.Publisher
	logger    *slog.Logger

	mu sync.Mutex
	// strikes counts consecutive sweeps an instance has spent flagged.
	strikes map[*instance.Instance]int
}

func New(cfg config.JanitorConfig, instances InstanceSource, sessions SessionLister, pub events.Publisher, logger *slog.Logger) *Janitor {
	if pub == nil {
		pub = events.Discard
	}
	if cfg.GraceCycles < 1 {
		cfg.GraceCycles = 1
	}
	return &Janitor{
		cfg:       cfg,
		instances: instances,
		sessions:  sessions,
		events:    pub,
		logger:    logger.With("component", "janitor"),
		strikes:   make(map[*instance.Instance]int),
	}
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	j.logger.Info("janitor started", "interval", j.cfg.Interval, "grace_cycles", j.cfg.GraceCycles)
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return nil
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Warn("sweep skipped", "error", err)
			}
		}
	}
}

// Sweep runs one reclamation cycle. When the live session list cannot be
// read nothing is touched.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	live, err := j.sessions.LiveSessions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list live sessions: %w", err)
	}
	alive := make(map[string]struct{}, len(live))
	for _, id := range live {
		alive[id] = struct{}{}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	insts := j.instances.Instances()
	report := Report{LiveSessions: len(alive), Instances: len(insts)}
	seen := make(map[*instance.Instance]struct{}, len(insts))

	for _, inst := range insts {
		seen[inst] = struct{}{}
		before := inst.Sessions()
		for _, sid := range before {
			if _, ok := alive[sid]; ok {
				continue
			}
			if inst.UnregisterSession(sid) {
				report.Detached++
				j.logger.Debug("detached disconnected session", "instance", inst.ID(), "session", sid)
			}
		}
		if inst.Global() {
			continue
		}

		if len(inst.Sessions()) > 0 {
			delete(j.strikes, inst)
			if inst.Flagged() {
				inst.SetFlagged(false)
				report.Unflagged = append(report.Unflagged, inst.ID())
			}
			continue
		}

		strikes := j.strikes[inst]
		if strikes == 0 && inst.Flagged() && len(before) == 0 {
			// Flagged elsewhere, already unreferenced.
			strikes = 1
		}
		if strikes >= j.cfg.GraceCycles {
			id := inst.ID()
			delete(j.strikes, inst)
			inst.Shutdown(ctx)
			report.Destroyed = append(report.Destroyed, id)
			j.logger.Info("destroyed unreferenced instance", "instance", id, "sweeps_flagged", strikes)
			continue
		}
		if !inst.Flagged() {
			inst.SetFlagged(true)
			report.Flagged = append(report.Flagged, inst.ID())
		}
		j.strikes[inst] = strikes + 1
	}

	for inst := range j.strikes {
		if _, ok := seen[inst]; !ok {
			delete(j.strikes, inst)
		}
	}

	j.events.Publish(events.JanitorSweep, report)
	if report.Detached > 0 || len(report.Flagged) > 0 || len(report.Destroyed) > 0 {
		j.logger.Info("sweep finished",
			"instances", report.Instances,
			"detached", report.Detached,
			"flagged", len(report.Flagged),
			"destroyed", len(report.Destroyed))
	}
	return report, nil
}
