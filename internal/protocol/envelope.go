package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// Version is the only protocol version this client speaks.
const Version = 1

// MaxFrameSize is the largest encoded frame, excluding the newline, that
// either side will accept.
const MaxFrameSize = 1024

// Envelope is one newline-delimited JSON frame on the wire.
//
// Format:
//
//	{"v":1,"type":"hello","id":"...","ts":1739294400000,"payload":{...}}\n
type Envelope struct {
	Version   int             `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope builds a request envelope stamped with the current time.
// A nil payload is sent as an empty object.
func NewEnvelope(msgType, id string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:   Version,
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindInvalidPayload, Message: "failed to marshal payload", Err: err}
	}
	return raw, nil
}

// Encode serializes env as compact JSON followed by a newline.
func Encode(env *Envelope) ([]byte, error) {
	if env.Payload == nil {
		env.Payload = json.RawMessage("{}")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, &Error{Kind: KindInvalidPayload, RequestType: env.Type, Message: "failed to encode envelope", Err: err}
	}
	if len(data) > MaxFrameSize {
		return nil, &Error{
			Kind:        KindFrameTooLarge,
			RequestType: env.Type,
			Message:     "encoded frame exceeds maximum size",
		}
	}
	return append(data, '\n'), nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &Error{Kind: KindInvalidPayload, RequestType: e.Type, Message: e.Type + " payload is malformed", Err: err}
	}
	return nil
}

// parseEnvelope validates the shape of a single line that looks like JSON.
func parseEnvelope(line []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, &Error{Kind: KindInvalidJSON, Message: "frame is not valid JSON", Err: err}
	}

	var v float64
	if err := json.Unmarshal(fields["v"], &v); err != nil || v != math.Trunc(v) {
		return nil, NewError(KindInvalidEnvelope, "envelope field v must be an integer")
	}
	if int(v) != Version {
		return nil, NewError(KindUnsupportedVersion, "unsupported protocol version %v", v)
	}

	env := &Envelope{Version: int(v)}
	if err := json.Unmarshal(fields["type"], &env.Type); err != nil || env.Type == "" {
		return nil, NewError(KindInvalidEnvelope, "envelope type must be a non-empty string")
	}
	if err := json.Unmarshal(fields["id"], &env.ID); err != nil || env.ID == "" {
		return nil, NewError(KindInvalidEnvelope, "envelope id must be a non-empty string")
	}

	var ts float64
	if err := json.Unmarshal(fields["ts"], &ts); err != nil || math.IsInf(ts, 0) || math.IsNaN(ts) {
		return nil, NewError(KindInvalidEnvelope, "envelope ts must be a finite number")
	}
	env.Timestamp = int64(ts)

	payload := bytes.TrimSpace(fields["payload"])
	if len(payload) == 0 || payload[0] != '{' {
		return nil, NewError(KindInvalidEnvelope, "envelope payload must be an object")
	}
	env.Payload = json.RawMessage(payload)

	return env, nil
}
