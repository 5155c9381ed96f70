package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/platformd/internal/tui/watch"
)

const apiKeyEnv = "PLATFORMD_API_KEY"

func runWatch(args []string) int {
	fs := newFlagSet("watch")
	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "Supervisor API URL")
	apiKey := fs.String("api-key", os.Getenv(apiKeyEnv), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintf(os.Stderr, "Error: API key required. Use --api-key or %s env var.\n", apiKeyEnv)
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
