// Package watch implements the platformd live watch TUI. It follows the
// supervisor's /events stream and polls /healthz and /instances.
package watch

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/platformd/internal/events"
)

var (
	colorGood   = lipgloss.Color("#7BC96F")
	colorBusy   = lipgloss.Color("#E6DB74")
	colorBad    = lipgloss.Color("#F25F5C")
	colorWarn   = lipgloss.Color("#F4A259")
	colorGone   = lipgloss.Color("#5C6370")
	colorMuted  = lipgloss.Color("#8A8F98")
	colorAccent = lipgloss.Color("#56B6C2")
	colorFrame  = lipgloss.Color("#4C6EF5")
)

type Theme struct {
	Good, Busy, Bad, Warn, Gone lipgloss.Style

	Panel  lipgloss.Style
	Title  lipgloss.Style
	Muted  lipgloss.Style
	Accent lipgloss.Style

	// Pulse and Idle draw the activity sparkline.
	Pulse, Idle lipgloss.Style
}

func fg(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

func NewDefaultTheme() Theme {
	return Theme{
		Good: fg(colorGood),
		Busy: fg(colorBusy),
		Bad:  fg(colorBad),
		Warn: fg(colorWarn),
		Gone: fg(colorGone),

		Panel:  lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorFrame),
		Title:  lipgloss.NewStyle().Bold(true).Padding(0, 1),
		Muted:  fg(colorMuted),
		Accent: fg(colorAccent),

		Pulse: fg(colorGood),
		Idle:  fg(colorGone),
	}
}

// State picks the style for an instance state column.
func (t Theme) State(state string) lipgloss.Style {
	switch strings.ToLower(state) {
	case stateReady:
		return t.Good
	case stateStarting:
		return t.Busy
	case stateFlagged, stateNoCreds:
		return t.Warn
	case stateDestroyed:
		return t.Gone
	}
	return t.Muted
}

// Event picks the style for an event type in the stream pane.
func (t Theme) Event(typ string) lipgloss.Style {
	switch typ {
	case events.JobCompleted, events.InstanceReady, events.InstanceUnflagged:
		return t.Good
	case events.JobFailed, events.InstanceFatal:
		return t.Bad
	case events.InstanceFlagged:
		return t.Warn
	case events.InstanceDestroyed:
		return t.Gone
	case events.JanitorSweep:
		return t.Accent
	}
	return t.Muted
}
