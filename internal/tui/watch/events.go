package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/platformd/internal/events"
)

const eventLogSize = 50

func renderEventStream(eventLog []events.Event, theme Theme, width, rows int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Muted.Render("  Waiting for events..."),
		)
		return theme.Panel.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= rows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Panel.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	typeStyle := theme.Event(e.Type)
	return fmt.Sprintf("%s %s %s",
		theme.Muted.Render(e.At.Format("15:04:05")),
		typeStyle.Render(fmt.Sprintf("%-20s", e.Type)),
		describeEvent(e),
	)
}

// describeEvent summarizes an event payload on one line.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	if e.Type == events.JanitorSweep {
		return fmt.Sprintf("%v live, %v instances, %d flagged, %d destroyed",
			data["live_sessions"], data["instances"], count(data["flagged"]), count(data["destroyed"]))
	}

	var parts []string
	for _, key := range []string{"job", "instance", "session", "from", "reason", "error"} {
		v, ok := data[key].(string)
		if !ok || v == "" {
			continue
		}
		switch key {
		case "job":
			parts = append(parts, fmt.Sprintf("[%s]", v))
		case "from":
			parts = append(parts, "from "+v)
		default:
			parts = append(parts, v)
		}
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}

func count(v any) int {
	list, _ := v.([]any)
	return len(list)
}
