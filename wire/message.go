// Package wire implements the framed message transport the rest of
// daemonkit treats as an external collaborator (see spec §1, "FramedTransport
// (external)"): it turns a serializable Go value into a (header, body) byte
// pair, and turns a byte stream back into whole messages.
//
// A message, per the data model, is any JSON object containing a string
// field "id". The framework never needs a concrete Go type for request and
// response bodies — those are opaque, user-defined payloads — so decoded
// messages are handed back as map[string]any and the ping package's
// validators classify the reserved shapes (Ping/Pong) out of that map.
package wire

import (
	"encoding/json"
	"errors"
)

// FieldID is the one field every message, reserved or opaque, must carry.
const FieldID = "id"

// ErrMissingID is returned by ID when a decoded message has no string "id"
// field — the data model's one hard requirement on every message.
var ErrMissingID = errors.New("wire: message missing string \"id\" field")

// ID extracts the id field from a decoded message.
func ID(msg map[string]any) (string, error) {
	v, ok := msg[FieldID]
	if !ok {
		return "", ErrMissingID
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", ErrMissingID
	}
	return id, nil
}

// WithID returns a shallow copy of payload with its "id" field set to id,
// overriding anything already present. Used both when a client stamps an
// outgoing request and when a server stamps its response's id to match the
// request it answers (per spec §4.3.2, "overriding anything the handler
// set").
func WithID(payload map[string]any, id string) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[FieldID] = id
	return out
}

// ToMessage marshals v to JSON and decodes it back as a map[string]any, the
// canonical "mapping" representation the rest of the package operates on.
// Useful for turning a typed payload (including ping.Ping/ping.Pong) into
// the duck-typed shape the validators and dispatch logic expect.
func ToMessage(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var msg map[string]any
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Decode unmarshals v (a typed struct, e.g. ping.Pong) out of a decoded
// message map.
func Decode(msg map[string]any, v any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
