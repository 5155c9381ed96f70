// Package inspect renders read-only reports over the shared store. It
// reads queue metadata only and never opens sealed payloads.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/platformd/internal/queue"
)

// Report is the structured JSON form of a store report.
type Report struct {
	Queues      []QueueSummary `json:"queues"`
	Credentials int            `json:"credentials"`
}

// QueueSummary describes one queue by status counts.
type QueueSummary struct {
	Queue     string `json:"queue"`
	Parent    string `json:"parent,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Queued    int    `json:"queued"`
	Running   int    `json:"running"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Paused    bool   `json:"paused"`
}

// QueueReport lists the jobs of one queue.
type QueueReport struct {
	QueueSummary
	Jobs []JobRow `json:"jobs"`
}

// JobRow is one job's metadata.
type JobRow struct {
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Sealed      bool       `json:"sealed_outcome"`
}

// ErrQueueNotFound is returned for a queue with no jobs and no state.
var ErrQueueNotFound = errors.New("queue not found")

// BuildReport renders a terminal-friendly summary of every queue.
func BuildReport(ctx context.Context, db *sql.DB) (string, error) {
	report, err := gatherReport(ctx, db)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Queue Report\n")
	fmt.Fprintf(&out, "Queues      : %d\n", len(report.Queues))
	fmt.Fprintf(&out, "Credentials : %d\n", report.Credentials)
	fmt.Fprintf(&out, "\n")

	for _, q := range report.Queues {
		writeSummary(&out, q)
		fmt.Fprintf(&out, "\n")
	}
	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable summary.
func BuildJSONReport(ctx context.Context, db *sql.DB) (string, error) {
	report, err := gatherReport(ctx, db)
	if err != nil {
		return "", err
	}
	return marshal(report)
}

// BuildQueueReport renders the jobs of one queue.
func BuildQueueReport(ctx context.Context, db *sql.DB, name string) (string, error) {
	report, err := gatherQueue(ctx, db, name)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	writeSummary(&out, report.QueueSummary)
	fmt.Fprintf(&out, "\n")
	if len(report.Jobs) == 0 {
		fmt.Fprintf(&out, "  <no jobs>\n")
	}
	for _, j := range report.Jobs {
		fmt.Fprintf(&out, "  %-10s %-9s created %s", j.Title, j.Status, j.CreatedAt.Format(time.RFC3339))
		if j.CompletedAt != nil {
			fmt.Fprintf(&out, "  took %s", j.CompletedAt.Sub(startOf(j)).Round(time.Millisecond))
		}
		if j.Sealed {
			fmt.Fprintf(&out, "  (sealed outcome)")
		}
		fmt.Fprintf(&out, "\n")
	}
	return out.String(), nil
}

// BuildJSONQueueReport returns the machine-readable jobs of one queue.
func BuildJSONQueueReport(ctx context.Context, db *sql.DB, name string) (string, error) {
	report, err := gatherQueue(ctx, db, name)
	if err != nil {
		return "", err
	}
	return marshal(report)
}

func marshal(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func writeSummary(out *strings.Builder, q QueueSummary) {
	fmt.Fprintf(out, "%s\n", q.Queue)
	if q.Instance != "" {
		fmt.Fprintf(out, "    instance  : %s\n", q.Instance)
		fmt.Fprintf(out, "    parent    : %s\n", q.Parent)
	}
	state := "open"
	if q.Paused {
		state = "paused"
	}
	fmt.Fprintf(out, "    state     : %s\n", state)
	fmt.Fprintf(out, "    jobs      : %d queued, %d running, %d completed, %d failed\n",
		q.Queued, q.Running, q.Completed, q.Failed)
}

func summarize(st queue.Stats) QueueSummary {
	s := QueueSummary{
		Queue:     st.Queue,
		Queued:    st.Queued,
		Running:   st.Running,
		Completed: st.Completed,
		Failed:    st.Failed,
		Paused:    st.Paused,
	}
	if parts := strings.Split(st.Queue, ":"); len(parts) == 3 {
		s.Parent, s.Instance = parts[0], parts[1]
	}
	return s
}

func gatherReport(ctx context.Context, db *sql.DB) (*Report, error) {
	stats, err := queue.ListStats(ctx, db)
	if err != nil {
		return nil, err
	}
	report := &Report{Queues: make([]QueueSummary, 0, len(stats))}
	for _, st := range stats {
		report.Queues = append(report.Queues, summarize(st))
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credentials;`).Scan(&report.Credentials); err != nil {
		return nil, fmt.Errorf("count credentials: %w", err)
	}
	return report, nil
}

func gatherQueue(ctx context.Context, db *sql.DB, name string) (*QueueReport, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	stats, err := queue.ListStats(ctx, db)
	if err != nil {
		return nil, err
	}
	var report *QueueReport
	for _, st := range stats {
		if st.Queue == name {
			report = &QueueReport{QueueSummary: summarize(st)}
			break
		}
	}
	if report == nil {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}

	rows, err := db.QueryContext(ctx, `
SELECT title, status, created_at, started_at, completed_at, result IS NOT NULL
FROM job_queue
WHERE queue = ?
ORDER BY created_at ASC, rowid ASC;
`, name)
	if err != nil {
		return nil, fmt.Errorf("query jobs for %q: %w", name, err)
	}
	defer rows.Close()

	report.Jobs = make([]JobRow, 0)
	for rows.Next() {
		var (
			row                JobRow
			created            string
			started, completed sql.NullString
		)
		if err := rows.Scan(&row.Title, &row.Status, &created, &started, &completed, &row.Sealed); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		row.CreatedAt = parseTime(created)
		row.StartedAt = parseNullTime(started)
		row.CompletedAt = parseNullTime(completed)
		report.Jobs = append(report.Jobs, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return report, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func startOf(j JobRow) time.Time {
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.CreatedAt
}
