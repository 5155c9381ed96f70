package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/platformd/internal/config"
	"github.com/mattjoyce/platformd/internal/lock"
	"github.com/mattjoyce/platformd/internal/platform"
	"github.com/mattjoyce/platformd/internal/queue"
	"github.com/mattjoyce/platformd/internal/storage"
	"github.com/mattjoyce/platformd/internal/tui/watch"
)

type statusCheck struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail"`
	ActivePID int    `json:"active_pid,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Running bool          `json:"running"`
	Checks  []statusCheck `json:"checks"`
}

func (r *statusReport) add(c statusCheck) {
	r.Checks = append(r.Checks, c)
	if !c.OK {
		r.Healthy = false
	}
}

func runSystemStatus(args []string) int {
	fs := newFlagSet("status")
	configPath := fs.StringP("config", "c", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output status as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	quietLogs()

	report := buildStatus(context.Background(), *configPath)

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			state := "OK"
			if !c.OK {
				state = "FAIL"
			}
			fmt.Printf("%s: %s (%s)\n", c.Name, state, c.Detail)
		}
		if report.Healthy {
			fmt.Println("status: healthy")
		} else {
			fmt.Println("status: unhealthy")
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

func buildStatus(ctx context.Context, configPath string) *statusReport {
	report := &statusReport{Healthy: true}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		report.add(statusCheck{Name: "config_load", Detail: err.Error()})
		for _, name := range []string{"platforms", "state_db", "pid_lock"} {
			report.add(statusCheck{Name: name, Detail: "skipped: config not loaded"})
		}
		return report
	}
	report.add(statusCheck{Name: "config_load", OK: true, Detail: fmt.Sprintf("%d file(s)", len(cfg.SourceFiles))})

	report.add(checkPlatforms(cfg))
	report.add(checkStateDB(ctx, cfg))

	lockPath := lock.PathFor(cfg.State.Path)
	pid, held, err := lock.Probe(lockPath)
	switch {
	case err != nil:
		report.add(statusCheck{Name: "pid_lock", Detail: err.Error()})
	case held:
		report.Running = true
		report.add(statusCheck{Name: "pid_lock", OK: true, Detail: "held by running supervisor", ActivePID: pid})
	default:
		report.add(statusCheck{Name: "pid_lock", OK: true, Detail: "free (supervisor not running)"})
	}

	if report.Running && cfg.API.Enabled {
		report.add(checkAPI(ctx, cfg))
	}
	return report
}

func checkPlatforms(cfg *config.Config) statusCheck {
	reg, err := platform.Discover(cfg.PlatformsDir, func(string, string, ...any) {})
	if err != nil {
		return statusCheck{Name: "platforms", Detail: err.Error()}
	}
	return statusCheck{Name: "platforms", OK: true, Detail: fmt.Sprintf("%d discovered in %s", len(reg.Names()), cfg.PlatformsDir)}
}

func checkStateDB(ctx context.Context, cfg *config.Config) statusCheck {
	if _, err := os.Stat(cfg.State.Path); os.IsNotExist(err) {
		return statusCheck{Name: "state_db", OK: true, Detail: "not created yet; system start creates it"}
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return statusCheck{Name: "state_db", Detail: err.Error()}
	}
	defer db.Close()

	stats, err := queue.ListStats(ctx, db)
	if err != nil {
		return statusCheck{Name: "state_db", Detail: err.Error()}
	}
	return statusCheck{Name: "state_db", OK: true, Detail: fmt.Sprintf("%d queue(s) in %s", len(stats), cfg.State.Path)}
}

func checkAPI(ctx context.Context, cfg *config.Config) statusCheck {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	client := watch.NewClient("http://"+cfg.API.Listen, cfg.API.Auth.APIKey)
	health, err := client.Health(ctx)
	if err != nil {
		return statusCheck{Name: "api", Detail: err.Error()}
	}
	return statusCheck{
		Name:   "api",
		OK:     health.Status == "ok",
		Detail: fmt.Sprintf("%s, %d instance(s), %d session(s)", health.Status, health.Instances, health.Sessions),
	}
}
