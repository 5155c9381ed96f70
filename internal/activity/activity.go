// Package activity reads and rewrites the JSON envelopes routed between
// client sessions and workers. Fields it does not know about are carried
// through untouched.
package activity

import (
	"encoding/json"
	"fmt"
)

// TypeCredentials marks an activity that carries authentication material
// for an actor rather than work for a platform.
const TypeCredentials = "credentials"

// Object is an actor or target reference.
type Object struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
}

// Activity is the typed view of an envelope.
type Activity struct {
	Type          string          `json:"type"`
	Context       string          `json:"context"`
	Actor         *Object         `json:"actor,omitempty"`
	Target        *Object         `json:"target,omitempty"`
	Object        json.RawMessage `json:"object,omitempty"`
	Error         string          `json:"error,omitempty"`
	SessionSecret string          `json:"sessionSecret,omitempty"`
}

// Parse decodes raw and checks the fields routing depends on.
func Parse(raw json.RawMessage) (Activity, error) {
	var a Activity
	if err := json.Unmarshal(raw, &a); err != nil {
		return Activity{}, fmt.Errorf("decode activity: %w", err)
	}
	if a.Context == "" {
		return Activity{}, fmt.Errorf("activity has no context")
	}
	if a.Type == "" {
		return Activity{}, fmt.Errorf("activity has no type")
	}
	return a, nil
}

// ActorID returns the actor id or "".
func (a Activity) ActorID() string {
	if a.Actor == nil {
		return ""
	}
	return a.Actor.ID
}

// TargetID returns the target id or "".
func (a Activity) TargetID() string {
	if a.Target == nil {
		return ""
	}
	return a.Target.ID
}

// WithSessionSecret returns raw with sessionSecret set.
func WithSessionSecret(raw json.RawMessage, secret string) (json.RawMessage, error) {
	fields, err := fieldsOf(raw)
	if err != nil {
		return nil, err
	}
	if err := set(fields, "sessionSecret", secret); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// StripSecret removes sessionSecret from raw. Non-object payloads are
// returned unchanged.
func StripSecret(raw json.RawMessage) json.RawMessage {
	fields, err := fieldsOf(raw)
	if err != nil {
		return raw
	}
	if _, ok := fields["sessionSecret"]; !ok {
		return raw
	}
	delete(fields, "sessionSecret")
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}

// WithError returns a copy of the original message annotated with msg.
// A payload that is not an object is wrapped as the object of a new one.
func WithError(raw json.RawMessage, msg string) json.RawMessage {
	fields, err := fieldsOf(raw)
	if err != nil {
		fields = map[string]json.RawMessage{}
		if len(raw) > 0 && json.Valid(raw) {
			fields["object"] = raw
		}
	}
	delete(fields, "sessionSecret")
	_ = set(fields, "error", msg)
	out, _ := json.Marshal(fields)
	return out
}

// Prepare makes a worker message safe to hand to a client: the session
// secret is removed, context is stamped with platform, and an error
// message without an actor gets actorID as its actor.
func Prepare(raw json.RawMessage, platform, actorID string) json.RawMessage {
	fields, err := fieldsOf(raw)
	if err != nil {
		return raw
	}
	delete(fields, "sessionSecret")
	_ = set(fields, "context", platform)

	if _, isErr := fields["error"]; isErr && actorID != "" && !hasActorID(fields) {
		_ = set(fields, "actor", Object{ID: actorID})
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}

// ErrorFor builds a fresh error activity for platform.
func ErrorFor(platform, actorID, msg string) json.RawMessage {
	a := Activity{Type: "error", Context: platform, Error: msg}
	if actorID != "" {
		a.Actor = &Object{ID: actorID}
	}
	out, _ := json.Marshal(a)
	return out
}

func hasActorID(fields map[string]json.RawMessage) bool {
	raw, ok := fields["actor"]
	if !ok {
		return false
	}
	var o Object
	if err := json.Unmarshal(raw, &o); err != nil {
		return false
	}
	return o.ID != ""
}

func fieldsOf(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("activity is not a JSON object: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("activity is null")
	}
	return fields, nil
}

func set(fields map[string]json.RawMessage, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fields[key] = b
	return nil
}

// Verb returns the activity type of raw, or "" when it has none.
func Verb(raw json.RawMessage) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.Type
}

// Ack returns raw without its object and session secret, for
// acknowledging a message whose payload must not be echoed.
func Ack(raw json.RawMessage) json.RawMessage {
	fields, err := fieldsOf(raw)
	if err != nil {
		return raw
	}
	delete(fields, "object")
	delete(fields, "sessionSecret")
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}
