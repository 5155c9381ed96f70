package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattjoyce/platformd/internal/inspect"
	"github.com/mattjoyce/platformd/internal/procman"
	"github.com/mattjoyce/platformd/internal/storage"
)

func runQueueInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := newFlagSet("inspect")
	fs.StringVarP(&configPath, "config", "c", "", "Path to configuration file or directory")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "Usage: platformd queue inspect [queue] [--config PATH] [--json]")
		return 1
	}
	name := strings.TrimSpace(fs.Arg(0))

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	var report string
	switch {
	case name == "" && jsonOut:
		report, err = inspect.BuildJSONReport(ctx, db)
	case name == "":
		report, err = inspect.BuildReport(ctx, db)
	case jsonOut:
		report, err = inspect.BuildJSONQueueReport(ctx, db, name)
	default:
		report, err = inspect.BuildQueueReport(ctx, db, name)
	}
	if err != nil {
		if errors.Is(err, inspect.ErrQueueNotFound) {
			fmt.Fprintf(os.Stderr, "Queue not found: %s\n", name)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Println(strings.TrimRight(report, "\n"))
	return 0
}

type platformRow struct {
	Name               string   `json:"name"`
	Version            string   `json:"version,omitempty"`
	Persist            bool     `json:"persist"`
	Verbs              []string `json:"verbs,omitempty"`
	RequireCredentials []string `json:"require_credentials,omitempty"`
	Path               string   `json:"path"`
}

func runPlatformList(args []string) int {
	fs := newFlagSet("list")
	configPath := fs.StringP("config", "c", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	quietLogs()

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	registry, err := procman.Catalog(cfg.PlatformsDir, cfg.Platforms)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Platform discovery failed: %v\n", err)
		return 1
	}

	rows := make([]platformRow, 0, len(registry.Names()))
	for _, name := range registry.Names() {
		p, _ := registry.Get(name)
		rows = append(rows, platformRow{
			Name:               p.Name,
			Version:            p.Version,
			Persist:            p.Config.Persist,
			Verbs:              p.Verbs,
			RequireCredentials: p.Config.RequireCredentials,
			Path:               p.Path,
		})
	}

	if *jsonOut {
		data, err := json.MarshalIndent(map[string]any{"platforms": rows}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(rows) == 0 {
		fmt.Printf("No platforms discovered in %s\n", cfg.PlatformsDir)
		return 0
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tMODE\tCREDENTIALS\tVERBS")
	for _, r := range rows {
		mode := "shared"
		if r.Persist {
			mode = "per-actor"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, dash(r.Version), mode,
			dash(strings.Join(r.RequireCredentials, ",")), dash(strings.Join(r.Verbs, ",")))
	}
	_ = tw.Flush()
	return 0
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
