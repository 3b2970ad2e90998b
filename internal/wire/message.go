// Package wire defines the frames exchanged on the relay duplex channel.
package wire

import (
	"encoding/json"
	"fmt"
)

type Type string

const (
	// client -> relay
	TypeJoinCall Type = "join-call"
	TypePing     Type = "ping"

	// relay -> client
	TypeJoinedAck    Type = "joined-ack"
	TypeMemberJoined Type = "member-joined"
	TypeMemberLeft   Type = "member-left"
	TypeError        Type = "error"
	TypePong         Type = "pong"

	// both directions
	TypeSignal      Type = "signal"
	TypeChatMessage Type = "chat-message"
)

// Error codes carried by TypeError frames.
const (
	CodeRelayRejected = "relay_rejected"
	CodeAlreadyJoined = "already_joined"
	CodeNotJoined     = "not_joined"
	CodeBadPayload    = "bad_payload"
	CodeRateLimited   = "rate_limited"
	CodeUnauthorized  = "unauthorized"
)

// MaxChatText bounds a single chat-message body.
const MaxChatText = 4096

// Message is a single frame. Which fields are set depends on Type.
// Payload is opaque to the relay and forwarded byte for byte.
type Message struct {
	Type    Type            `json:"type" msgpack:"type"`
	Room    string          `json:"room,omitempty" msgpack:"room,omitempty"`
	ID      string          `json:"id,omitempty" msgpack:"id,omitempty"`
	Members []string        `json:"members,omitempty" msgpack:"members,omitempty"`
	To      string          `json:"to,omitempty" msgpack:"to,omitempty"`
	From    string          `json:"from,omitempty" msgpack:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Text    string          `json:"text,omitempty" msgpack:"text,omitempty"`
	Name    string          `json:"name,omitempty" msgpack:"name,omitempty"`
	Code    string          `json:"code,omitempty" msgpack:"code,omitempty"`
	Detail  string          `json:"message,omitempty" msgpack:"message,omitempty"`
}

// ValidateInbound checks a frame received from a client.
func (m *Message) ValidateInbound() error {
	switch m.Type {
	case TypeJoinCall:
		if m.Room == "" {
			return fmt.Errorf("join-call missing room")
		}
	case TypeSignal:
		if m.To == "" {
			return fmt.Errorf("signal missing target")
		}
		if len(m.Payload) == 0 {
			return fmt.Errorf("signal missing payload")
		}
	case TypeChatMessage:
		if m.Text == "" {
			return fmt.Errorf("chat-message missing text")
		}
		if len(m.Text) > MaxChatText {
			return fmt.Errorf("chat-message text too long")
		}
	case TypePing:
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func JoinedAck(self string, existing []string) *Message {
	return &Message{Type: TypeJoinedAck, ID: self, Members: existing}
}

func MemberJoined(id string) *Message {
	return &Message{Type: TypeMemberJoined, ID: id}
}

func MemberLeft(id string) *Message {
	return &Message{Type: TypeMemberLeft, ID: id}
}

func Signal(from string, payload json.RawMessage) *Message {
	return &Message{Type: TypeSignal, From: from, Payload: payload}
}

func Chat(from, name, text string) *Message {
	return &Message{Type: TypeChatMessage, From: from, Name: name, Text: text}
}

func Error(code, detail string) *Message {
	return &Message{Type: TypeError, Code: code, Detail: detail}
}
