// Package session tracks connected client sessions and delivers messages
// to them. Sessions live either in this process (Hub) or in an external
// transport that registers them in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
)

// ErrSessionNotFound is returned when delivering to a session that is not
// connected. Callers treat it as an already-disconnected client.
var ErrSessionNotFound = errors.New("session not found")

// Sender delivers one message to one session.
type Sender interface {
	Send(ctx context.Context, sessionID string, msg json.RawMessage) error
}

// Lister returns the ids of every connected session.
type Lister interface {
	LiveSessions(ctx context.Context) ([]string, error)
}

// Directory is both.
type Directory interface {
	Sender
	Lister
}

// Fanout combines directories. Send tries each in order until one knows the
// session; LiveSessions is the union.
type Fanout []Directory

func (f Fanout) Send(ctx context.Context, sessionID string, msg json.RawMessage) error {
	for _, d := range f {
		err := d.Send(ctx, sessionID, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return err
		}
	}
	return ErrSessionNotFound
}

func (f Fanout) LiveSessions(ctx context.Context) ([]string, error) {
	var all []string
	for _, d := range f {
		ids, err := d.LiveSessions(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, ids...)
	}
	sort.Strings(all)
	return slices.Compact(all), nil
}
