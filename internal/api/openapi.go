package api

import (
	"net/http"

	"github.com/mattjoyce/platformd/internal/platform"
)

func bearer() []any { return []any{map[string]any{"BearerAuth": []string{}}} }

func operation(id, summary string, responses map[string]string, secured bool) map[string]any {
	resp := map[string]any{}
	for code, desc := range responses {
		resp[code] = map[string]any{"description": desc}
	}
	op := map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses":   resp,
	}
	if secured {
		op["security"] = bearer()
	}
	return op
}

// messageSchema describes a client activity. The context enum lists the
// discovered platforms.
func messageSchema(reg *platform.Registry) map[string]any {
	names := reg.Names()
	contexts := make([]any, 0, len(names))
	for _, n := range names {
		contexts = append(contexts, n)
	}
	return map[string]any{
		"type":     "object",
		"required": []string{"type", "context"},
		"properties": map[string]any{
			"type":    map[string]any{"type": "string", "description": "verb"},
			"context": map[string]any{"type": "string", "enum": contexts},
			"actor": map[string]any{
				"type":       "object",
				"properties": map[string]any{"id": map[string]any{"type": "string"}},
			},
			"object": map[string]any{},
		},
	}
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the API.
func buildOpenAPIDoc(reg *platform.Registry) map[string]any {
	send := operation("sendMessage", "Send an activity on behalf of a session", map[string]string{
		"200": "Reply",
		"202": "Queued; the reply follows on the session stream",
		"400": "Not an activity",
		"404": "Session not found",
	}, true)
	send["requestBody"] = map[string]any{
		"required": true,
		"content": map[string]any{
			"application/json": map[string]any{"schema": messageSchema(reg)},
		},
	}

	paths := map[string]any{
		"/healthz": map[string]any{
			"get": operation("healthz", "Liveness and counts", map[string]string{"200": "OK"}, false),
		},
		"/platforms": map[string]any{
			"get": operation("listPlatforms", "Discovered platforms", map[string]string{"200": "OK"}, true),
		},
		"/instances": map[string]any{
			"get": operation("listInstances", "Running platform instances", map[string]string{"200": "OK"}, true),
		},
		"/instances/{id}": map[string]any{
			"delete": operation("destroyInstance", "Shut an instance down", map[string]string{"204": "Destroyed", "404": "Not found"}, true),
		},
		"/sessions": map[string]any{
			"post": operation("openSession", "Open a client session", map[string]string{"201": "Session id and secret"}, true),
		},
		"/sessions/{id}": map[string]any{
			"delete": operation("closeSession", "Close a client session", map[string]string{"204": "Closed", "404": "Not found"}, true),
		},
		"/sessions/{id}/stream": map[string]any{
			"get": operation("streamSession", "Server-sent messages for a session", map[string]string{"200": "text/event-stream"}, true),
		},
		"/sessions/{id}/messages": map[string]any{"post": send},
		"/events": map[string]any{
			"get": operation("streamEvents", "Server-sent supervisor diagnostics", map[string]string{"200": "text/event-stream"}, true),
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "platformd",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.supervisor.Platforms()))
}
