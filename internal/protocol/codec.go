package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame line.
const MaxFrameBytes = 4 << 20

// EncodeControl writes c as one line to w.
func EncodeControl(w io.Writer, c Control) error {
	var frame []any
	switch v := c.(type) {
	case Secrets:
		if len(v.ParentSecret1) == 0 || len(v.ParentSecret2) == 0 {
			return fmt.Errorf("secrets frame requires both secrets")
		}
		frame = []any{TagSecrets, secretsBody{
			ParentSecret1: hex.EncodeToString(v.ParentSecret1),
			ParentSecret2: hex.EncodeToString(v.ParentSecret2),
		}}
	case Ping:
		frame = []any{TagPing, v.Seq}
	case Shutdown:
		frame = []any{TagShutdown}
	default:
		return fmt.Errorf("%w: control %T", ErrUnknownFrame, c)
	}
	return writeFrame(w, frame)
}

// DecodeControl parses one control line.
func DecodeControl(line []byte) (Control, error) {
	tag, parts, err := splitFrame(line)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagSecrets:
		if len(parts) < 1 {
			return nil, fmt.Errorf("secrets frame missing body")
		}
		var body secretsBody
		if err := json.Unmarshal(parts[0], &body); err != nil {
			return nil, fmt.Errorf("decode secrets frame: %w", err)
		}
		s1, err1 := hex.DecodeString(body.ParentSecret1)
		s2, err2 := hex.DecodeString(body.ParentSecret2)
		if err1 != nil || err2 != nil || len(s1) == 0 || len(s2) == 0 {
			return nil, fmt.Errorf("secrets frame carries invalid secrets")
		}
		return Secrets{ParentSecret1: s1, ParentSecret2: s2}, nil
	case TagPing:
		seq, err := decodeSeq(parts)
		if err != nil {
			return nil, fmt.Errorf("ping frame: %w", err)
		}
		return Ping{Seq: seq}, nil
	case TagShutdown:
		return Shutdown{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, tag)
	}
}

// EncodeEvent writes e as one line to w.
func EncodeEvent(w io.Writer, e Event) error {
	var frame []any
	switch v := e.(type) {
	case UpdateActor:
		frame = []any{TagMessage, VerbUpdateActor, nil, v.ActorID}
	case Fatal:
		frame = []any{TagMessage, VerbError, v.Message, nil}
	case ClientMessage:
		if v.Verb == VerbUpdateActor || v.Verb == VerbError {
			return fmt.Errorf("client message verb %q is reserved", v.Verb)
		}
		payload := v.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		frame = []any{TagMessage, v.Verb, nil, payload}
	case SecretsAck:
		frame = []any{TagAck, TagSecrets}
	case Pong:
		frame = []any{TagPong, v.Seq}
	default:
		return fmt.Errorf("%w: event %T", ErrUnknownFrame, e)
	}
	return writeFrame(w, frame)
}

// DecodeEvent parses one event line.
func DecodeEvent(line []byte) (Event, error) {
	tag, parts, err := splitFrame(line)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagMessage:
		return decodeMessage(parts)
	case TagAck:
		var what string
		if len(parts) > 0 {
			_ = json.Unmarshal(parts[0], &what)
		}
		if what != TagSecrets {
			return nil, fmt.Errorf("%w: ack %q", ErrUnknownFrame, what)
		}
		return SecretsAck{}, nil
	case TagPong:
		seq, err := decodeSeq(parts)
		if err != nil {
			return nil, fmt.Errorf("pong frame: %w", err)
		}
		return Pong{Seq: seq}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, tag)
	}
}

func decodeMessage(parts []json.RawMessage) (Event, error) {
	if len(parts) < 1 {
		return nil, fmt.Errorf("message frame missing verb")
	}
	var verb string
	if err := json.Unmarshal(parts[0], &verb); err != nil || verb == "" {
		return nil, fmt.Errorf("message frame verb must be a non-empty string")
	}

	var errPart, payload json.RawMessage
	switch len(parts) {
	case 1:
	case 2:
		payload = parts[1]
	default:
		errPart, payload = parts[1], parts[2]
	}

	switch verb {
	case VerbUpdateActor:
		var id string
		if err := json.Unmarshal(payload, &id); err != nil || id == "" {
			return nil, fmt.Errorf("updateActor frame requires an actor id")
		}
		return UpdateActor{ActorID: id}, nil
	case VerbError:
		var msg string
		if json.Unmarshal(errPart, &msg) == nil && msg != "" {
			return Fatal{Message: msg}, nil
		}
		if errPart == nil && json.Unmarshal(payload, &msg) == nil && msg != "" {
			return Fatal{Message: msg}, nil
		}
	}
	if isNull(payload) {
		payload = nil
	}
	return ClientMessage{Verb: verb, Payload: payload}, nil
}

func splitFrame(line []byte) (string, []json.RawMessage, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return "", nil, fmt.Errorf("empty frame")
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(line, &parts); err != nil {
		return "", nil, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("frame has no tag")
	}
	var tag string
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return "", nil, fmt.Errorf("frame tag must be a string: %w", err)
	}
	return tag, parts[1:], nil
}

func decodeSeq(parts []json.RawMessage) (uint64, error) {
	if len(parts) < 1 {
		return 0, fmt.Errorf("missing sequence")
	}
	var seq uint64
	if err := json.Unmarshal(parts[0], &seq); err != nil {
		return 0, fmt.Errorf("invalid sequence: %w", err)
	}
	return seq, nil
}

func writeFrame(w io.Writer, frame []any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
