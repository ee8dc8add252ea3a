/*
Package proto defines the websocket wire protocol shared by the relay and its clients.

Every frame is a JSON envelope {"type": ..., "payload": ...}; the payload shape depends
on the event type.
*/
package proto

import (
	"encoding/json"
	"fmt"

	"spachat/internal/app/user"
)

// EventType names a wire event.
type EventType string

const (
	// Client to server.
	EventClaimIdentity EventType = "claim-identity"
	EventSendMessage   EventType = "send-message"
	EventLeave         EventType = "leave"
	EventUpdateAvatar  EventType = "update-avatar"

	// Server to client.
	EventIdentityBound EventType = "identity-bound"
	EventMessage       EventType = "message"
	EventRosterChanged EventType = "roster-changed"
	EventError         EventType = "error"
	EventEvicted       EventType = "evicted"
)

// MaxMessageBytes bounds the text of a single chat message.
const MaxMessageBytes = 5000

// Envelope is the frame wrapper for every event in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClaimIdentity asks the relay to bind a named identity to the connection.
type ClaimIdentity struct {
	ClientID    string          `json:"client_id"`
	DisplayName string          `json:"display_name"`
	Attributes  user.Attributes `json:"presentation_attributes,omitempty"`
}

// ChatMessage is a direct message. The offline notice reuses it with only
// SenderID and MsgText set.
type ChatMessage struct {
	SenderID string `json:"sender_id"`
	DestID   string `json:"dest_id,omitempty"`
	DestName string `json:"dest_name,omitempty"`
	MsgText  string `json:"msg_text"`
}

// OfflineNotice builds the reply sent to a sender whose recipient is not reachable.
func OfflineNotice(msg ChatMessage) ChatMessage {
	return ChatMessage{
		SenderID: msg.SenderID,
		MsgText:  msg.DestName + " has gone offline.",
	}
}

// AvatarUpdate replaces the presentation attributes of a person.
type AvatarUpdate struct {
	PersonID   string          `json:"person_id"`
	Attributes user.Attributes `json:"presentation_attributes"`
}

// Error is the payload of error and evicted events.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Encode marshals payload into an envelope of type t.
func Encode(t EventType, payload any) ([]byte, error) {
	env := Envelope{Type: t}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}

	return json.Marshal(env)
}

// Frame wraps an already encoded payload without re-encoding it, so the bytes reach
// the recipient exactly as the sender produced them. raw must be valid JSON.
func Frame(t EventType, raw json.RawMessage) []byte {
	typ, _ := json.Marshal(t)

	frame := make([]byte, 0, len(raw)+len(typ)+24)
	frame = append(frame, `{"type":`...)
	frame = append(frame, typ...)
	if len(raw) > 0 {
		frame = append(frame, `,"payload":`...)
		frame = append(frame, raw...)
	}
	frame = append(frame, '}')
	return frame
}

// Decode parses a frame into its envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// DecodePayload unmarshals the payload of env into dst.
func DecodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
