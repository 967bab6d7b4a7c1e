// Package protocol defines the WebSocket events exchanged between the browser
// client and the realtime server. Every frame is a JSON envelope carrying an
// event name and an event-specific data payload:
//
//	{"event": "sendMessage", "data": {"senderId": "...", "recieverId": "...", "message": "..."}}
//
// Event names and payload field names match the web client exactly, including
// the historical "reciever" spelling.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventJoin        = "join"
	EventSendMessage = "sendMessage"
	EventUserTyping  = "userTyping"
	EventPing        = "ping"
)

// Server -> Client events.
const (
	EventOnlineUsers    = "onlineUsers"
	EventReceiveMessage = "recieveMessage"
	EventMessageSent    = "messageSent"
	EventError          = "error"
	EventPong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer frame of every message. Data is kept raw so it can be
// decoded into the concrete payload once the event name is known.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// JoinMsg asks the server to authenticate the connection and mark the user
// online. The web client sends the bare user id as a string; newer clients
// send an object that can also carry a token.
type JoinMsg struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// UnmarshalJSON accepts either a JSON string (the user id) or an object.
func (m *JoinMsg) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &m.UserID)
	}
	type plain JoinMsg
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = JoinMsg(p)
	return nil
}

// SendMessageMsg is a direct message from the connected user to another user.
type SendMessageMsg struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"recieverId"`
	Message    string `json:"message"`
}

// TypingMsg reports that the user started or stopped composing a message to
// ReceiverID.
type TypingMsg struct {
	UserID     string `json:"userId"`
	ReceiverID string `json:"recieverId"`
	IsTyping   bool   `json:"isTyping"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// UserSummary is the profile fragment the client renders next to messages and
// in conversation headers.
type UserSummary struct {
	ID             string `json:"_id"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profilePicture"`
}

// MessagePayload is a persisted message as delivered to both the recipient
// (recieveMessage) and the sender (messageSent).
type MessagePayload struct {
	ID             string      `json:"_id"`
	ConversationID string      `json:"conversationId"`
	Sender         UserSummary `json:"sender"`
	Message        string      `json:"message"`
	Seq            int64       `json:"seq"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// TypingPayload relays the other participant's typing state.
type TypingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ConversationParticipants names both sides of a conversation from the point
// of view of the requesting user.
type ConversationParticipants struct {
	CurrentUser UserSummary `json:"currentUser"`
	OtherUser   UserSummary `json:"otherUser"`
}

// ConversationPayload is the body of the history bootstrap response.
type ConversationPayload struct {
	ID           string                   `json:"_id"`
	Participants ConversationParticipants `json:"participants"`
	Messages     []MessagePayload         `json:"messages"`
	CreatedAt    time.Time                `json:"createdAt"`
	UpdatedAt    time.Time                `json:"updatedAt"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client payload.
// It returns the event name, the decoded struct and any parse error. Unknown
// and server-only events are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("protocol: missing or empty \"event\" field")
	}

	var (
		msg interface{}
		err error
	)

	switch env.Event {
	case EventJoin:
		var m JoinMsg
		err = decodeData(env.Data, &m)
		msg = m
	case EventSendMessage:
		var m SendMessageMsg
		err = decodeData(env.Data, &m)
		msg = m
	case EventUserTyping:
		var m TypingMsg
		err = decodeData(env.Data, &m)
		msg = m
	case EventPing:
		msg = PingMsg{}
	default:
		return env.Event, nil, fmt.Errorf("protocol: unknown client event: %q", env.Event)
	}

	if err != nil {
		return env.Event, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Event, err)
	}
	return env.Event, msg, nil
}

func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(raw, v)
}

// NewServerMessage encodes a server event. The payload may be any JSON value:
// a struct, a slice (onlineUsers) or a plain string (error).
func NewServerMessage(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	out, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewErrorMessage encodes an error event whose data is the description string.
func NewErrorMessage(description string) []byte {
	data, err := NewServerMessage(EventError, description)
	if err != nil {
		// A string always marshals.
		return []byte(`{"event":"error","data":"internal error"}`)
	}
	return data
}
