// Package procman resolves (platform, actor) pairs to running platform
// instances, spawning a worker when none is alive.
package procman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/platformd/internal/config"
	"github.com/mattjoyce/platformd/internal/instance"
	"github.com/mattjoyce/platformd/internal/log"
	"github.com/mattjoyce/platformd/internal/platform"
)

// ErrUnknownPlatform is returned by Get for a platform that was not
// discovered or is disabled.
var ErrUnknownPlatform = errors.New("unknown platform")

// Catalog discovers platforms under dir and applies the config overrides.
func Catalog(dir string, overrides map[string]config.PlatformConf) (*platform.Registry, error) {
	logger := log.WithComponent("platforms")
	reg, err := platform.Discover(dir, func(level, msg string, args ...any) {
		switch level {
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		default:
			logger.Info(msg, args...)
		}
	})
	if err != nil {
		return nil, err
	}
	for name, o := range overrides {
		p, ok := reg.Get(name)
		if !ok {
			logger.Warn("override for undiscovered platform ignored", "platform", name)
			continue
		}
		if o.Disabled {
			reg.Remove(name)
			logger.Info("platform disabled by config", "platform", name)
			continue
		}
		cfg := p.Config
		if o.Persist != nil {
			cfg.Persist = *o.Persist
		}
		if o.RequireCredentials != nil {
			cfg.RequireCredentials = o.RequireCredentials
		}
		if !cfg.Persist && len(cfg.RequireCredentials) > 0 {
			logger.Warn("credential gate dropped for shared platform", "platform", name)
			cfg.RequireCredentials = nil
		}
		if cfg.Persist != p.Config.Persist || o.RequireCredentials != nil {
			logger.Info("platform policy overridden", "platform", name, "persist", cfg.Persist, "require_credentials", cfg.RequireCredentials)
		}
		reg.Override(name, cfg)
	}
	return reg, nil
}

// Manager owns instance creation. Lookups for one identity are serialized;
// different identities resolve concurrently.
type Manager struct {
	platforms *platform.Registry
	deps      *instance.Deps
	group     singleflight.Group
	logger    *slog.Logger
}

func New(platforms *platform.Registry, deps *instance.Deps) *Manager {
	if deps.Registry == nil {
		deps.Registry = instance.NewRegistry()
	}
	return &Manager{
		platforms: platforms,
		deps:      deps,
		logger:    log.WithComponent("procman"),
	}
}

func (m *Manager) Platforms() *platform.Registry { return m.platforms }
func (m *Manager) Registry() *instance.Registry  { return m.deps.Registry }

// Instances returns every registered instance ordered by id.
func (m *Manager) Instances() []*instance.Instance { return m.deps.Registry.Snapshot() }

// Get returns the live instance for actorID on platformName, creating it if
// needed, and registers sessionID on it. Non-persist platforms ignore
// actorID and always resolve to their single global instance.
func (m *Manager) Get(ctx context.Context, platformName, actorID, sessionID string) (*instance.Instance, error) {
	p, ok := m.platforms.Get(platformName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platformName)
	}
	if !p.Config.Persist {
		actorID = ""
	}
	id := instance.ID(p.Name, p.Config.Persist, actorID)

	v, err, _ := m.group.Do(id, func() (any, error) {
		return m.resolve(ctx, id, p, actorID)
	})
	if err != nil {
		return nil, err
	}
	inst := v.(*instance.Instance)
	if sessionID != "" {
		m.attach(inst, sessionID)
	}
	return inst, nil
}

func (m *Manager) resolve(ctx context.Context, id string, p *platform.Platform, actorID string) (*instance.Instance, error) {
	if inst, ok := m.deps.Registry.Get(id); ok {
		if inst.Alive() {
			return inst, nil
		}
		m.logger.Info("replacing dead instance", "instance", id, "platform", p.Name)
		m.Discard(inst)
	}

	inst, err := instance.New(ctx, m.deps, p, actorID)
	if err != nil {
		return nil, fmt.Errorf("start %s instance: %w", p.Name, err)
	}
	if displaced := m.deps.Registry.Put(inst.ID(), inst); displaced != nil {
		go displaced.Shutdown(context.Background())
	}
	m.logger.Debug("instance created", "instance", inst.ID(), "platform", p.Name)
	return inst, nil
}

// attach registers sessionID on inst. A session drives at most one private
// instance per platform, so it is detached from any other first.
func (m *Manager) attach(inst *instance.Instance, sessionID string) {
	if !inst.Global() {
		for _, other := range m.deps.Registry.Snapshot() {
			if other == inst || other.Global() || other.Platform().Name != inst.Platform().Name {
				continue
			}
			if other.UnregisterSession(sessionID) {
				m.logger.Debug("session moved between instances", "session", sessionID, "from", other.ID(), "to", inst.ID())
			}
		}
	}
	inst.RegisterSession(sessionID)
}

// Discard unregisters inst and shuts it down in the background. The next
// Get for its identity spawns a fresh worker.
func (m *Manager) Discard(inst *instance.Instance) {
	m.deps.Registry.Delete(inst.ID(), inst)
	go inst.Shutdown(context.WithoutCancel(context.Background()))
}

// Destroy shuts down the instance registered under id and waits for it.
func (m *Manager) Destroy(ctx context.Context, id string) bool {
	inst, ok := m.deps.Registry.Get(id)
	if !ok {
		return false
	}
	inst.Shutdown(ctx)
	return true
}

// ShutdownAll stops every registered instance and waits for them.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	var g errgroup.Group
	for _, inst := range m.deps.Registry.Snapshot() {
		g.Go(func() error {
			inst.Shutdown(ctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
