package api

import (
	"github.com/mattjoyce/platformd/internal/instance"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Instances       int    `json:"instances"`
	Sessions        int    `json:"sessions"`
	PlatformsLoaded int    `json:"platforms_loaded"`
}

// PlatformSummary describes one discovered platform.
type PlatformSummary struct {
	Name               string   `json:"name"`
	Version            string   `json:"version,omitempty"`
	Description        string   `json:"description,omitempty"`
	Persist            bool     `json:"persist"`
	Verbs              []string `json:"verbs,omitempty"`
	RequireCredentials []string `json:"require_credentials,omitempty"`
}

// PlatformListResponse is returned by GET /platforms.
type PlatformListResponse struct {
	Platforms []PlatformSummary `json:"platforms"`
}

// InstanceListResponse is returned by GET /instances.
type InstanceListResponse struct {
	Instances []instance.Info `json:"instances"`
}

// SessionResponse is returned by POST /sessions. The secret scopes the
// session's stored credentials and is shown only once.
type SessionResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// MessageAccepted is returned by POST /sessions/{id}/messages when the
// reply is not ready within the sync timeout. The reply is delivered on
// the session stream instead.
type MessageAccepted struct {
	Title  string `json:"title"`
	Status string `json:"status"`
}
