package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/platformd/internal/dispatch"
	"github.com/mattjoyce/platformd/internal/events"
	"github.com/mattjoyce/platformd/internal/instance"
	"github.com/mattjoyce/platformd/internal/protocol"
)

const lateReplyTimeout = time.Minute

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		Instances:       len(s.supervisor.Instances()),
		Sessions:        s.sessions.Count(),
		PlatformsLoaded: len(s.supervisor.Platforms().Names()),
	})
}

// handleListPlatforms handles GET /platforms.
func (s *Server) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	reg := s.supervisor.Platforms()
	resp := PlatformListResponse{Platforms: []PlatformSummary{}}
	for _, name := range reg.Names() {
		p, _ := reg.Get(name)
		resp.Platforms = append(resp.Platforms, PlatformSummary{
			Name:               p.Name,
			Version:            p.Version,
			Description:        p.Description,
			Persist:            p.Config.Persist,
			Verbs:              p.Verbs,
			RequireCredentials: p.Config.RequireCredentials,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListInstances handles GET /instances.
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	resp := InstanceListResponse{Instances: []instance.Info{}}
	for _, inst := range s.supervisor.Instances() {
		resp.Instances = append(resp.Instances, inst.Info())
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleDestroyInstance handles DELETE /instances/{id}.
func (s *Server) handleDestroyInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.supervisor.Destroy(r.Context(), id) {
		s.writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	s.logger.Info("instance destroyed via API", "instance", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleOpenSession handles POST /sessions.
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Open()
	if err != nil {
		s.logger.Error("failed to open session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open session")
		return
	}
	s.events.Publish(events.SessionOpened, map[string]any{"session": sess.ID})
	respondJSON(w, http.StatusCreated, SessionResponse{ID: sess.ID, Secret: sess.Secret})
}

// handleCloseSession handles DELETE /sessions/{id}. Instances notice the
// disconnect on the next janitor sweep.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessions.Close(id) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.events.Publish(events.SessionClosed, map[string]any{"session": id})
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionMessage handles POST /sessions/{id}/messages. It answers
// with the reply when it arrives within the sync timeout, otherwise 202
// and the reply follows on the session stream.
func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.sessions.Lookup(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxFrameBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > protocol.MaxFrameBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}
	if !json.Valid(body) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ticket, err := s.dispatcher.Submit(r.Context(), sess.ID, sess.Secret, body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timer := time.NewTimer(s.config.SyncTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ticket.Reply:
		if !ok {
			s.writeError(w, http.StatusInternalServerError, "no reply")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(reply)
		return
	case <-timer.C:
	case <-r.Context().Done():
	}

	go s.forward(sess.ID, ticket)
	respondJSON(w, http.StatusAccepted, MessageAccepted{Title: ticket.Title, Status: "pending"})
}

// forward delivers a late reply to the session stream.
func (s *Server) forward(sessionID string, ticket *dispatch.Ticket) {
	reply, ok := <-ticket.Reply
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lateReplyTimeout)
	defer cancel()
	if err := s.sessions.Send(ctx, sessionID, reply); err != nil {
		s.logger.Debug("late reply dropped", "session", sessionID, "job", ticket.Title, "error", err)
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
