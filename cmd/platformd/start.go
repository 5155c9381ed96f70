package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/platformd/internal/api"
	"github.com/mattjoyce/platformd/internal/config"
	"github.com/mattjoyce/platformd/internal/dispatch"
	"github.com/mattjoyce/platformd/internal/events"
	"github.com/mattjoyce/platformd/internal/instance"
	"github.com/mattjoyce/platformd/internal/janitor"
	"github.com/mattjoyce/platformd/internal/lock"
	"github.com/mattjoyce/platformd/internal/log"
	"github.com/mattjoyce/platformd/internal/procman"
	"github.com/mattjoyce/platformd/internal/seal"
	"github.com/mattjoyce/platformd/internal/session"
	"github.com/mattjoyce/platformd/internal/storage"
)

// eventBuffer is how many diagnostic events the hub replays to late
// subscribers.
const eventBuffer = 256

func runStart(args []string) int {
	fs := newFlagSet("start")
	configPath := fs.StringP("config", "c", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := resolveConfigPath("")
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Configure(log.Options{Level: cfg.Service.LogLevel, Format: cfg.Service.LogFormat})
	logger := log.WithComponent("main")
	logger.Info("platformd starting", "version", version, "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runSupervisor(ctx, cfg, logger); err != nil {
		logger.Error("supervisor failed", "error", err)
		return 1
	}
	logger.Info("platformd stopped")
	return 0
}

// supervisor is the set of long-lived components one daemon runs.
type supervisor struct {
	db        *sql.DB
	lock      *lock.PIDLock
	redis     *session.Redis
	procs     *procman.Manager
	sessions  *session.Hub
	events    *events.Hub
	janitor   *janitor.Janitor
	api       *api.Server
	killGrace time.Duration
}

// buildSupervisor wires every component from cfg. The caller must close
// the result.
func buildSupervisor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *supervisor, err error) {
	s := &supervisor{killGrace: cfg.Supervisor.KillGrace}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	lockPath := lock.PathFor(cfg.State.Path)
	if s.lock, err = lock.Acquire(lockPath); err != nil {
		return nil, fmt.Errorf("acquire supervisor lock %s: %w", lockPath, err)
	}
	logger.Info("acquired supervisor lock", "path", lockPath)

	if s.db, err = storage.OpenSQLite(ctx, cfg.State.Path); err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	logger.Info("database opened", "path", cfg.State.Path)

	parentSecret, err := cfg.ParentSecret()
	if err != nil {
		return nil, err
	}
	if parentSecret == nil {
		if parentSecret, err = seal.NewSecret(); err != nil {
			return nil, err
		}
		logger.Warn("service.secret not set; queued jobs and stored credentials will be unreadable after a restart")
	}

	platforms, err := procman.Catalog(cfg.PlatformsDir, cfg.Platforms)
	if err != nil {
		return nil, fmt.Errorf("platform discovery: %w", err)
	}
	logger.Info("platform discovery complete", "platforms_dir", cfg.PlatformsDir, "count", len(platforms.Names()))

	s.sessions = session.NewHub(cfg.Sessions.Buffer)
	var directory session.Directory = s.sessions
	if rc := cfg.Sessions.Redis; rc.Addr != "" {
		if s.redis, err = session.NewRedis(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB}, rc.Namespace); err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = s.redis.Ping(pingCtx)
		cancel()
		if err != nil {
			return nil, err
		}
		directory = session.Fanout{s.sessions, s.redis}
		logger.Info("redis session directory enabled", "addr", rc.Addr, "namespace", rc.Namespace)
	}

	s.events = events.NewHub(eventBuffer)
	parentID := uuid.NewString()
	s.procs = procman.New(platforms, &instance.Deps{
		DB:           s.db,
		Registry:     instance.NewRegistry(),
		Launcher:     &instance.ExecLauncher{},
		Sessions:     directory,
		Events:       s.events,
		ParentID:     parentID,
		ParentSecret: parentSecret,
		StatePath:    cfg.State.Path,
		Supervisor:   cfg.Supervisor,
	})
	logger.Info("process manager ready", "parent", parentID)

	s.janitor = janitor.New(cfg.Janitor, s.procs, directory, s.events, logger)
	disp := dispatch.New(s.procs, s.db, parentSecret)

	if cfg.API.Enabled {
		s.api = api.New(api.Config{
			Listen:      cfg.API.Listen,
			APIKey:      cfg.API.Auth.APIKey,
			SyncTimeout: cfg.API.SyncTimeout,
		}, disp, s.procs, s.sessions, s.events, logger)
	} else if s.redis == nil {
		logger.Warn("API disabled and no redis directory configured; no client sessions can connect")
	}
	return s, nil
}

// run blocks until ctx is done or a component fails, then shuts every
// platform instance down.
func (s *supervisor) run(ctx context.Context, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.janitor.Run(gctx) })
	if s.api != nil {
		g.Go(func() error {
			if err := s.api.Start(gctx); err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
	}

	logger.Info("platformd running (press Ctrl+C to stop)")
	err := g.Wait()

	// Every worker gets its kill grace plus headroom for queue cleanup.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*s.killGrace+5*time.Second)
	defer cancel()
	logger.Info("shutting down platform instances", "count", len(s.procs.Instances()))
	if serr := s.procs.ShutdownAll(shutdownCtx); serr != nil {
		logger.Warn("instance shutdown incomplete", "error", serr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *supervisor) close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.lock != nil {
		_ = s.lock.Release()
	}
}

func runSupervisor(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	s, err := buildSupervisor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()
	return s.run(ctx, logger)
}
