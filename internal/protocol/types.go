package protocol

import (
	"encoding/json"
	"errors"
)

// Frames are single-line JSON arrays whose first element is a tag.
//
// Control channel, supervisor to worker (worker stdin):
//
//	["secrets", {"parentSecret1": "<hex>", "parentSecret2": "<hex>"}]
//	["ping", <seq>]
//	["shutdown"]
//
// Event channel, worker to supervisor (worker stdout):
//
//	["message", <verb>, <error or null>, <payload>]
//	["ack", "secrets"]
//	["pong", <seq>]
//
// The three-element message form ["message", <verb>, <payload>] is also
// accepted.
const (
	TagSecrets  = "secrets"
	TagPing     = "ping"
	TagShutdown = "shutdown"
	TagMessage  = "message"
	TagAck      = "ack"
	TagPong     = "pong"

	VerbUpdateActor = "updateActor"
	VerbError       = "error"
)

var ErrUnknownFrame = errors.New("unknown frame")

// Control is a frame sent to a worker.
type Control interface {
	controlFrame()
}

// Secrets carries the two key halves. ParentSecret1 is the supervisor
// secret and ParentSecret2 the instance secret.
type Secrets struct {
	ParentSecret1 []byte
	ParentSecret2 []byte
}

type Ping struct {
	Seq uint64
}

type Shutdown struct{}

func (Secrets) controlFrame()  {}
func (Ping) controlFrame()     {}
func (Shutdown) controlFrame() {}

// Event is a frame received from a worker. The set of implementations is
// closed; switch on the concrete type.
type Event interface {
	eventFrame()
}

// UpdateActor reports the worker's authenticated actor id.
type UpdateActor struct {
	ActorID string
}

// Fatal reports an unrecoverable worker error. The instance is torn down.
type Fatal struct {
	Message string
}

// ClientMessage is anything else the worker wants delivered to clients.
type ClientMessage struct {
	Verb    string
	Payload json.RawMessage
}

type SecretsAck struct{}

type Pong struct {
	Seq uint64
}

func (UpdateActor) eventFrame()   {}
func (Fatal) eventFrame()         {}
func (ClientMessage) eventFrame() {}
func (SecretsAck) eventFrame()    {}
func (Pong) eventFrame()          {}

type secretsBody struct {
	ParentSecret1 string `json:"parentSecret1"`
	ParentSecret2 string `json:"parentSecret2"`
}
