package watch

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/platformd/internal/events"
	"github.com/mattjoyce/platformd/internal/instance"
)

// InstanceRow is the watch view of one instance.
type InstanceRow struct {
	ID       string
	Platform string
	Actor    string
	Global   bool
	Sessions int
	PID      int
	State    string
	Jobs     int
	Failures int
}

const (
	stateStarting  = "starting"
	stateReady     = "ready"
	stateFlagged   = "flagged"
	stateNoCreds   = "paused"
	stateDestroyed = "destroyed"
)

func rowFromInfo(info instance.Info) InstanceRow {
	row := InstanceRow{
		ID:       info.ID,
		Platform: info.Platform,
		Actor:    info.Actor,
		Global:   info.Global,
		Sessions: len(info.Sessions),
		PID:      info.PID,
		State:    stateStarting,
	}
	switch {
	case info.Flagged:
		row.State = stateFlagged
	case info.Paused:
		row.State = stateNoCreds
	case info.Ready:
		row.State = stateReady
	}
	return row
}

// mergeInstances replaces the tracked set with a fresh poll, keeping the
// job counters that only events know about.
func mergeInstances(tracked map[string]*InstanceRow, rows []InstanceRow) {
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		seen[r.ID] = true
		if old, ok := tracked[r.ID]; ok {
			r.Jobs, r.Failures = old.Jobs, old.Failures
		}
		row := r
		tracked[r.ID] = &row
	}
	for id := range tracked {
		if !seen[id] {
			delete(tracked, id)
		}
	}
}

// applyEvent updates the tracked set from one diagnostic event.
func applyEvent(tracked map[string]*InstanceRow, e events.Event) {
	var data struct {
		Instance string `json:"instance"`
		Platform string `json:"platform"`
		PID      int    `json:"pid"`
		Global   bool   `json:"global"`
		From     string `json:"from"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil || data.Instance == "" {
		return
	}

	row, ok := tracked[data.Instance]
	if !ok {
		if e.Type == events.InstanceDestroyed {
			return
		}
		row = &InstanceRow{ID: data.Instance, Platform: data.Platform, State: stateStarting}
		tracked[data.Instance] = row
	}

	switch e.Type {
	case events.InstanceCreated:
		row.PID = data.PID
		row.Global = data.Global
	case events.InstanceReady, events.InstanceUnflagged:
		row.State = stateReady
	case events.InstanceFlagged:
		row.State = stateFlagged
	case events.InstanceRekeyed:
		if prev, ok := tracked[data.From]; ok && prev != row {
			row.Jobs += prev.Jobs
			row.Failures += prev.Failures
			delete(tracked, data.From)
		}
	case events.InstanceFatal, events.InstanceDestroyed:
		row.State = stateDestroyed
	case events.JobCompleted:
		row.Jobs++
	case events.JobFailed:
		row.Jobs++
		row.Failures++
	}
}

func sortedRows(tracked map[string]*InstanceRow) []InstanceRow {
	rows := make([]InstanceRow, 0, len(tracked))
	for _, r := range tracked {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Platform != rows[j].Platform {
			return rows[i].Platform < rows[j].Platform
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

func newInstanceTable() table.Model {
	t := table.New(
		table.WithColumns(instanceColumns(80)),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func instanceColumns(width int) []table.Column {
	id := max(20, width-4-12-12-9-10-6-8)
	return []table.Column{
		{Title: "Instance", Width: id},
		{Title: "Platform", Width: 12},
		{Title: "Actor", Width: 12},
		{Title: "Sessions", Width: 9},
		{Title: "State", Width: 10},
		{Title: "Jobs", Width: 6},
		{Title: "Failed", Width: 8},
	}
}

func tableRows(rows []InstanceRow) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		actor := r.Actor
		if r.Global {
			actor = "(shared)"
		}
		out = append(out, table.Row{
			r.ID,
			r.Platform,
			actor,
			strconv.Itoa(r.Sessions),
			r.State,
			strconv.Itoa(r.Jobs),
			strconv.Itoa(r.Failures),
		})
	}
	return out
}

func renderInstances(t table.Model, count int, theme Theme, width int) string {
	title := theme.Title.Render("INSTANCES")
	var body string
	if count == 0 {
		body = theme.Muted.Render("  No running instances")
	} else {
		body = t.View()
	}
	return theme.Panel.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}

