package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/platformd/internal/config"
	"github.com/mattjoyce/platformd/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "queue":
		return runQueueNoun(args)
	case "platform":
		return runPlatformNoun(args)

	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := newFlagSet("version")
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: platformd version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("platformd %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`platformd - per-actor worker supervisor with encrypted job dispatch

Usage:
  platformd <noun> <action> [flags]

Core Resources (Nouns):
  system    Supervisor lifecycle and health
  config    Configuration validation and integrity
  queue     Job queue state in the shared store
  platform  Discovered worker platforms

System Commands:
  system start      Start the supervisor in the foreground
  system status     Show config, store, and lock health
  system watch      Real-time instance dashboard (TUI)

Config Commands:
  config check      Validate configuration against discovered platforms
  config lock       Authorize current state (write integrity hashes)
  config show       Print the resolved configuration

Queue Commands:
  queue inspect [name]  Summarize every queue, or list one queue's jobs

Platform Commands:
  platform list     Show discovered platforms and their policy

General:
  version           Show version information
  help              Show this help message

Use 'platformd <noun> help' for resource-specific flags.
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runQueueNoun(args []string) int {
	if len(args) < 1 {
		printQueueNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printQueueNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printQueueInspectHelp()
			return 0
		}
		return runQueueInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown queue action: %s\n", action)
		return 1
	}
}

func runPlatformNoun(args []string) int {
	if len(args) < 1 {
		printPlatformNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPlatformNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printPlatformListHelp()
			return 0
		}
		return runPlatformList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown platform action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// newFlagSet returns a flag set that reports errors instead of exiting and
// accepts flags after positional arguments.
func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// resolveConfigPath falls back to config discovery when no path was given.
func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	discovered, err := config.DiscoverConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to discover config: %w", err)
	}
	return discovered, nil
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	resolved, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(resolved)
}

// quietLogs keeps library logging off stdout for one-shot tool commands.
func quietLogs() {
	log.Configure(log.Options{Level: "error", Output: os.Stderr})
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: platformd system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: platformd config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

func printQueueNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: platformd queue <action>")
	fmt.Fprintln(w, "Actions: inspect")
}

func printPlatformNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: platformd platform <action>")
	fmt.Fprintln(w, "Actions: list")
}

func printSystemStartHelp() {
	fmt.Println("Usage: platformd system start [--config PATH]")
	fmt.Println("Start the supervisor in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: platformd system status [--config PATH] [--json]")
	fmt.Println("Show config, state database, platform, and supervisor lock health.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: platformd system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time dashboard of platform instances and supervisor events.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Supervisor API URL (default: http://127.0.0.1:8080)")
	fmt.Println("  --api-key KEY    API Bearer Token (or PLATFORMD_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  r                Refresh now")
	fmt.Println("  ↑/↓, k/j         Navigate instances")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: platformd config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, platform policy, and integrity.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: platformd config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize current configuration state by regenerating integrity hashes.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: platformd config show [--config PATH] [--json]")
	fmt.Println("Show the fully resolved configuration. The parent secret and API key are redacted.")
}

func printQueueInspectHelp() {
	fmt.Println("Usage: platformd queue inspect [queue] [--config PATH] [--json]")
	fmt.Println("Summarize every queue, or list the jobs of one queue. Payloads are never decrypted.")
}

func printPlatformListHelp() {
	fmt.Println("Usage: platformd platform list [--config PATH] [--json]")
	fmt.Println("Show discovered platforms with config overrides applied.")
}
