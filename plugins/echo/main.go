// Command echo is a shared worker that answers every activity with itself,
// stamped with the time it was handled.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/platformd/internal/activity"
	"github.com/mattjoyce/platformd/pkg/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := worker.Run(ctx, newHandler); err != nil {
		os.Exit(1)
	}
}

// now is replaced in tests.
var now = time.Now

func newHandler(w *worker.Worker) worker.Handler {
	return func(_ context.Context, job *worker.Job) (json.RawMessage, error) {
		if job.Activity.Type == "fail" {
			return nil, errors.New("echo asked to fail")
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(activity.StripSecret(job.Message), &fields); err != nil {
			return nil, fmt.Errorf("decode activity: %w", err)
		}
		published, err := json.Marshal(now().UTC().Format(time.RFC3339))
		if err != nil {
			return nil, err
		}
		fields["published"] = published
		w.Logger().Debug("echoing", "verb", job.Activity.Type, "job", job.Title)
		return json.Marshal(fields)
	}
}
