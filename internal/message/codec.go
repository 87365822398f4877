// internal/message/codec.go
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrDecode matches every *DecodeError via errors.Is.
var ErrDecode = errors.New("malformed message")

// DecodeError reports a payload that could not be parsed as the expected schema.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Encode serializes m without any framing.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// EncodeHandshake serializes the username assignment sent by clients.
func EncodeHandshake(h Handshake) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode handshake: %w", err)
	}
	return data, nil
}

// Decode parses one payload into a Message. Unknown type values are accepted
// and left for the router to interpret.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := decodeObject(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// DecodeHandshake parses the username assignment a client sends right after
// connecting. A missing or blank username is a decode error.
func DecodeHandshake(data []byte) (Handshake, error) {
	var h Handshake
	if err := decodeObject(data, &h); err != nil {
		return Handshake{}, err
	}
	h.Username = strings.TrimSpace(h.Username)
	if h.Username == "" {
		return Handshake{}, &DecodeError{Reason: "username is required"}
	}
	return h, nil
}

func decodeObject(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &DecodeError{Reason: "empty payload"}
	}
	// json.Unmarshal accepts null into a struct, so check for an object first.
	if trimmed[0] != '{' {
		return &DecodeError{Reason: "payload is not an object"}
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return &DecodeError{Reason: "invalid json", Err: err}
	}
	return nil
}
