// Package protocol implements the line-framed text protocol spoken between
// clients, storage nodes and the coordinator.
//
// A frame is "STATUS key value" terminated by CRLF. Fields are separated by a
// single space and the payload is split into at most three fields, so the
// value may itself contain spaces. A missing value field is a null value,
// which is distinct from an empty one.
package protocol

import (
	"strings"
)

// Terminator ends every frame on every link.
const Terminator = "\r\n"

// Message is one decoded frame.
type Message struct {
	Status   Status
	Key      string
	Value    string
	HasValue bool
}

// NewMessage builds a frame with no value field.
func NewMessage(status Status, key string) Message {
	return Message{Status: status, Key: key}
}

// NewMessageWithValue builds a frame carrying a value, which may be empty.
func NewMessageWithValue(status Status, key, value string) Message {
	return Message{Status: status, Key: key, Value: value, HasValue: true}
}

// Failed is the generic error reply; the reason travels in the value field.
func Failed(reason string) Message {
	return NewMessageWithValue(StatusFailed, "", reason)
}

// Encode renders the payload without the terminator.
func (m Message) Encode() string {
	var b strings.Builder
	b.WriteString(string(m.Status))
	if m.Key != "" || m.HasValue {
		b.WriteByte(' ')
		b.WriteString(m.Key)
	}
	if m.HasValue {
		b.WriteByte(' ')
		b.WriteString(m.Value)
	}
	return b.String()
}

// Decode parses a payload with its terminator already removed. Unknown status
// tokens decode to FAILED carrying the raw payload as the key.
func Decode(payload string) Message {
	parts := strings.SplitN(payload, " ", 3)
	status := Status(parts[0])
	if !status.IsKnown() {
		return Message{Status: StatusFailed, Key: payload}
	}

	m := Message{Status: status}
	if len(parts) > 1 {
		m.Key = parts[1]
	}
	if len(parts) > 2 {
		m.Value = parts[2]
		m.HasValue = true
	}
	return m
}

func (m Message) String() string {
	return m.Encode()
}
