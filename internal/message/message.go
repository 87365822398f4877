// internal/message/message.go
// Contains data structures for messages exchanged between clients and server.
package message

import "time"

// Type tags every message on the wire.
type Type string

const (
	TypeSystem    Type = "system"
	TypeMessage   Type = "message"
	TypePrivate   Type = "private"
	TypeListUsers Type = "list_users"
)

// TimestampLayout is the wall-clock format the server stamps on outbound messages.
const TimestampLayout = "15:04:05"

// Known reports whether t is one of the types the server understands.
func (t Type) Known() bool {
	switch t {
	case TypeSystem, TypeMessage, TypePrivate, TypeListUsers:
		return true
	}
	return false
}

// Message is the single wire format for chat traffic. Optional fields are
// omitted from the JSON when empty.
type Message struct {
	Type      Type   `json:"type"`
	Sender    string `json:"sender,omitempty"`
	Target    string `json:"target,omitempty"`
	Content   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Handshake is the first payload a client sends, carrying its chosen username.
type Handshake struct {
	Username string `json:"username"`
}

// Timestamp formats t the way the server stamps outbound messages.
func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// System builds a server notification.
func System(text string, now time.Time) Message {
	return Message{
		Type:      TypeSystem,
		Content:   text,
		Timestamp: Timestamp(now),
	}
}

// Chat builds a broadcast chat line from sender.
func Chat(sender, text string, now time.Time) Message {
	return Message{
		Type:      TypeMessage,
		Sender:    sender,
		Content:   text,
		Timestamp: Timestamp(now),
	}
}

// Private builds a point-to-point message from sender to target.
func Private(sender, target, text string, now time.Time) Message {
	return Message{
		Type:      TypePrivate,
		Sender:    sender,
		Target:    target,
		Content:   text,
		Timestamp: Timestamp(now),
	}
}
