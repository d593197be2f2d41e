// Package wire implements the keyed-record message envelope spoken on the
// ECU bus. Both directions use the same shape: a JSON object with a name, a
// record type tag, a target instance, and either a scalar value or a list of
// name/value fields, terminated by a NUL sentinel byte on the wire.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Sentinel terminates every frame on the wire.
const Sentinel = '\x00'

// Field is a single name/value pair inside a struct record.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is the envelope exchanged with the ECU.
type Message struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Instance int     `json:"instance"`
	Value    string  `json:"value,omitempty"`
	Fields   []Field `json:"fields,omitempty"`
}

// Field returns the value of the named field, or "" when absent.
func (m Message) Field(name string) string {
	for _, f := range m.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// FieldMap flattens the field list into a map. Later duplicates win, which
// matches the ECU's last-write semantics for user profiles.
func (m Message) FieldMap() map[string]string {
	if len(m.Fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(m.Fields))
	for _, f := range m.Fields {
		out[f.Name] = f.Value
	}
	return out
}

// Encode serializes the message and appends the wire sentinel.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Name, err)
	}
	return append(data, Sentinel), nil
}

// Decode parses a raw frame into a Message. Trailing newlines and the
// sentinel byte are stripped first. A malformed frame yields an error the
// dispatcher logs and drops; it never propagates further.
func Decode(raw []byte) (Message, error) {
	clean := bytes.TrimRight(raw, "\n\x00")
	if len(clean) == 0 {
		return Message{}, fmt.Errorf("empty frame")
	}
	var msg Message
	if err := json.Unmarshal(clean, &msg); err != nil {
		return Message{}, fmt.Errorf("parse frame: %w", err)
	}
	return msg, nil
}
