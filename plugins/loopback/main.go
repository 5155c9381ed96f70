// Command loopback is a per-actor worker that pretends to be a chat
// network. It needs a password to connect and echoes every message sent
// to a joined room back to all of the actor's sessions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/mattjoyce/platformd/internal/activity"
	"github.com/mattjoyce/platformd/pkg/worker"
)

var (
	errNotConnected = errors.New("not connected")
	errNoPassword   = errors.New("credentials carry no password")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := worker.Run(ctx, newHandler); err != nil {
		os.Exit(1)
	}
}

type login struct {
	Password string `json:"password"`
	// As renames the actor once connected.
	As string `json:"as,omitempty"`
}

type state struct {
	mu        sync.Mutex
	connected bool
	rooms     map[string]struct{}
}

func (s *state) joined() []string {
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

func newHandler(w *worker.Worker) worker.Handler {
	st := &state{rooms: make(map[string]struct{})}

	return func(ctx context.Context, job *worker.Job) (json.RawMessage, error) {
		a := job.Activity
		switch a.Type {
		case "connect":
			return connect(ctx, w, st, job)
		case "disconnect":
			st.mu.Lock()
			st.connected = false
			st.rooms = make(map[string]struct{})
			st.mu.Unlock()
			return nil, nil
		}

		st.mu.Lock()
		defer st.mu.Unlock()
		if !st.connected {
			return nil, errNotConnected
		}

		switch a.Type {
		case "join", "leave":
			room := a.TargetID()
			if room == "" {
				return nil, fmt.Errorf("%s needs a target room", a.Type)
			}
			if a.Type == "join" {
				st.rooms[room] = struct{}{}
			} else {
				delete(st.rooms, room)
			}
			return reply(a, "rooms", st.joined())
		case "send":
			room := a.TargetID()
			if _, ok := st.rooms[room]; !ok {
				return nil, fmt.Errorf("not in room %q", room)
			}
			out := activity.Activity{
				Type:    "send",
				Context: w.Platform(),
				Actor:   &activity.Object{ID: w.Actor()},
				Target:  a.Target,
				Object:  a.Object,
			}
			if err := w.Send("message", out); err != nil {
				return nil, fmt.Errorf("broadcast: %w", err)
			}
			return nil, nil
		default:
			return nil, fmt.Errorf("unsupported verb %q", a.Type)
		}
	}
}

func connect(ctx context.Context, w *worker.Worker, st *state, job *worker.Job) (json.RawMessage, error) {
	raw, err := job.Credentials(ctx, "")
	if err != nil {
		return nil, err
	}
	var creds login
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if creds.Password == "" {
		return nil, errNoPassword
	}
	if creds.As != "" && creds.As != w.Actor() {
		if err := w.UpdateActor(ctx, job, creds.As); err != nil {
			return nil, err
		}
	}

	st.mu.Lock()
	st.connected = true
	st.mu.Unlock()
	w.Logger().Info("connected", "actor", w.Actor())

	out := job.Activity
	out.SessionSecret = ""
	out.Actor = &activity.Object{ID: w.Actor()}
	return reply(out, "connected", true)
}

func reply(a activity.Activity, key string, value any) (json.RawMessage, error) {
	obj, err := json.Marshal(map[string]any{key: value})
	if err != nil {
		return nil, err
	}
	a.SessionSecret = ""
	a.Object = obj
	return json.Marshal(a)
}
