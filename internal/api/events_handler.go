package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/platformd/internal/events"
)

const keepAliveInterval = 15 * time.Second

// sseStream writes server-sent events and flushes after each one.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func openSSE(w http.ResponseWriter) (*sseStream, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseStream{w: w, f: f}, true
}

// send frames ev with its JSON data compacted onto one data line.
func (s *sseStream) send(ev events.Event) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&buf, "event: %s\n", ev.Type)
	}
	buf.WriteString("data: ")
	if err := json.Compact(&buf, ev.Data); err != nil {
		buf.Write(ev.Data)
	}
	buf.WriteString("\n\n")
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseStream) ping() error {
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// handleEvents streams supervisor diagnostics, replaying the ring buffer
// past Last-Event-ID first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	stream, ok := openSSE(w)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before replaying so nothing falls between the two.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	lastID := lastEventID(r)
	for _, ev := range s.events.SnapshotSince(lastID) {
		if stream.send(ev) != nil {
			return
		}
		lastID = ev.ID
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			err = stream.send(ev)
		case <-keepAlive.C:
			err = stream.ping()
		}
		if err != nil {
			return
		}
	}
}

// handleSessionStream handles GET /sessions/{id}/stream. Every message a
// platform sends to the session becomes one "message" event.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Lookup(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	stream, ok := openSSE(w)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	var seq int64
	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
			return
		case msg := <-sess.Messages():
			seq++
			err = stream.send(events.Event{ID: seq, Type: "message", Data: msg})
		case <-keepAlive.C:
			err = stream.ping()
		}
		if err != nil {
			return
		}
	}
}

func lastEventID(r *http.Request) int64 {
	n, err := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
