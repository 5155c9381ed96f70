package queue

import (
	"context"
	"database/sql"
	"fmt"
)

// ListStats summarizes every queue in the store by status. It never opens
// payloads, so it needs no secrets.
func ListStats(ctx context.Context, db *sql.DB) ([]Stats, error) {
	rows, err := db.QueryContext(ctx, `
SELECT q.queue, q.status, COUNT(*), COALESCE(s.paused, 0)
FROM job_queue q
LEFT JOIN queue_state s ON s.queue = q.queue
GROUP BY q.queue, q.status
UNION ALL
SELECT s.queue, '', 0, s.paused
FROM queue_state s
WHERE NOT EXISTS (SELECT 1 FROM job_queue q WHERE q.queue = s.queue)
ORDER BY 1;
`)
	if err != nil {
		return nil, fmt.Errorf("list queue stats: %w", err)
	}
	defer rows.Close()

	var (
		out   []Stats
		index = map[string]int{}
	)
	for rows.Next() {
		var (
			name, status string
			count        int
			paused       int
		)
		if err := rows.Scan(&name, &status, &count, &paused); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		i, ok := index[name]
		if !ok {
			i = len(out)
			index[name] = i
			out = append(out, Stats{Queue: name})
		}
		st := &out[i]
		st.Paused = paused == 1
		switch Status(status) {
		case StatusQueued:
			st.Queued = count
		case StatusRunning:
			st.Running = count
		case StatusCompleted:
			st.Completed = count
		case StatusFailed:
			st.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue stats: %w", err)
	}
	return out, nil
}
