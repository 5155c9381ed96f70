package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/platformd/internal/config"
	"github.com/mattjoyce/platformd/internal/doctor"
	"github.com/mattjoyce/platformd/internal/platform"
)

const redacted = "[redacted]"

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := newFlagSet("check")
	fs.StringVarP(&configPath, "config", "c", "", "Path to configuration file or directory")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	registry, err := platform.Discover(cfg.PlatformsDir, func(string, string, ...any) {})
	if err != nil {
		// Doctor reports the missing directory itself.
		registry = platform.NewRegistry()
	}

	result := doctor.New(cfg, registry).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, dryRun bool

	fs := newFlagSet("lock")
	fs.StringVarP(&configPath, "config", "c", "", "Path to configuration file or directory")
	fs.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Compute hashes without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	reports, err := config.Lock(resolved, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose {
		for _, report := range reports {
			fmt.Printf("Processing directory: %s\n", report.Dir)
			for _, file := range report.Files {
				if file.Hash != "" {
					fmt.Printf("  HASH %s: %s\n", file.Name, file.Hash)
					continue
				}
				fmt.Printf("  SKIP %s: not found\n", file.Name)
			}
			if report.Written {
				fmt.Printf("  WROTE .checksums: %s\n", report.ChecksumPath)
			} else {
				fmt.Printf("  DRY-RUN .checksums: %s (not written)\n", report.ChecksumPath)
			}
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed for %d directory/ies (no files written):\n", len(reports))
	} else {
		fmt.Printf("Successfully locked configuration in %d directory/ies:\n", len(reports))
	}
	for _, report := range reports {
		fmt.Printf("  - %s\n", report.Dir)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := newFlagSet("show")
	configPath := fs.StringP("config", "c", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	redactConfig(cfg)

	if *jsonOut {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render YAML: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func redactConfig(cfg *config.Config) {
	if cfg.Service.Secret != "" {
		cfg.Service.Secret = redacted
	}
	if cfg.API.Auth.APIKey != "" {
		cfg.API.Auth.APIKey = redacted
	}
	if cfg.Sessions.Redis.Password != "" {
		cfg.Sessions.Redis.Password = redacted
	}
}
