// Package protocol defines the WebSocket frame types and payload structures
// exchanged between the client and server. Every frame is a JSON envelope
// with a type discriminator, a payload object, and an RFC3339 timestamp.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType marks a structurally valid frame whose type is not part of
// the protocol (or flows the wrong direction). Callers distinguish it from
// parse failures to report UNSUPPORTED_TYPE instead of PARSE_ERROR.
var ErrUnknownType = errors.New("protocol: unknown frame type")

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypePing        = "ping"
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
)

// Server -> Client frame types.
const (
	TypeConnected      = "connected"
	TypePong           = "pong"
	TypeMessageNew     = "message_new"
	TypeMessageSent    = "message_sent"
	TypeTypingUpdate   = "typing_update"
	TypePresenceUpdate = "presence_update"
	TypeError          = "error"
)

// Error codes carried in ErrorPayload.
const (
	CodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	CodeInvalidMessage       = "INVALID_MESSAGE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeParseError           = "PARSE_ERROR"
	CodeUnsupportedType      = "UNSUPPORTED_TYPE"
	CodeInternal             = "INTERNAL_ERROR"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Frame is the envelope shared by every message on the wire. The payload is
// kept raw so it can be decoded into the concrete struct for the frame type.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// PingPayload is the client-initiated keepalive ping.
type PingPayload struct{}

// SendMessagePayload submits a chat message. TempID is a client-chosen
// correlation id echoed back in the message_sent acknowledgment; it is never
// persisted.
type SendMessagePayload struct {
	ConversationID    string `json:"conversationId"`
	Content           string `json:"content"`
	QuotedProfileText string `json:"quotedProfileText,omitempty"`
	TempID            string `json:"tempId"`
}

// TypingPayload signals the start or end of typing in a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConnectedPayload is sent once, immediately after successful registration.
type ConnectedPayload struct{}

// PongPayload answers a client ping.
type PongPayload struct{}

// Message is the wire form of a persisted chat message. The id, timestamps
// and moderation status are server-assigned; creation order within a
// conversation is authoritative for both live fan-out and history replay.
type Message struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversationId"`
	SenderID          string    `json:"senderId"`
	Content           string    `json:"content"`
	QuotedProfileText string    `json:"quotedProfileText,omitempty"`
	Read              bool      `json:"read"`
	ModerationStatus  string    `json:"moderationStatus"`
	CreatedAt         time.Time `json:"createdAt"`
}

// MessageNewPayload delivers a message to the conversation counterpart.
type MessageNewPayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// MessageSentPayload acknowledges the sender's submission, carrying the
// canonical record so the client can replace its optimistic pending entry.
type MessageSentPayload struct {
	TempID  string  `json:"tempId"`
	Message Message `json:"message"`
}

// TypingUpdatePayload relays a typing indicator to the counterpart.
type TypingUpdatePayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresenceUpdatePayload announces a partner going online or offline.
// LastSeenAt is set only on offline updates.
type PresenceUpdatePayload struct {
	UserID     string     `json:"userId"`
	IsOnline   bool       `json:"isOnline"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// ErrorPayload communicates an error condition to the acting client. The
// connection stays open.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// emptyObject substitutes for an absent payload so decoding stays uniform.
var emptyObject = json.RawMessage(`{}`)

// NewFrame builds the JSON bytes for a frame of the given type, marshalling
// the payload struct and stamping the envelope with the current UTC time.
func NewFrame(frameType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q payload: %w", frameType, err)
	}

	out, err := json.Marshal(Frame{
		Type:      frameType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q frame: %w", frameType, err)
	}
	return out, nil
}

// decodeEnvelope parses the outer frame and validates the type field.
func decodeEnvelope(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: parse frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	if len(f.Payload) == 0 {
		f.Payload = emptyObject
	}
	return &f, nil
}

// ParseClientFrame parses raw bytes received by the server into a typed
// client payload. It returns the frame type, the decoded payload struct, and
// any error. Server-only and unknown types are rejected.
func ParseClientFrame(data []byte) (string, interface{}, error) {
	f, err := decodeEnvelope(data)
	if err != nil {
		return "", nil, err
	}

	var payload interface{}
	switch f.Type {
	case TypePing:
		var p PingPayload
		err = json.Unmarshal(f.Payload, &p)
		payload = p
	case TypeSendMessage:
		var p SendMessagePayload
		err = json.Unmarshal(f.Payload, &p)
		payload = p
	case TypeTyping:
		var p TypingPayload
		err = json.Unmarshal(f.Payload, &p)
		payload = p
	default:
		return f.Type, nil, fmt.Errorf("%w: client frame %q", ErrUnknownType, f.Type)
	}

	if err != nil {
		return f.Type, nil, fmt.Errorf("protocol: decode %q payload: %w", f.Type, err)
	}
	return f.Type, payload, nil
}

// ParseServerFrame parses raw bytes received by the client into a typed
// server payload. It is the peer of ParseClientFrame and is used by the
// client connection manager's read loop.
func ParseServerFrame(data []byte) (string, interface{}, error) {
	f, err := decodeEnvelope(data)
	if err != nil {
		return "", nil, err
	}

	var payload interface{}
	switch f.Type {
	case TypeConnected:
		var p ConnectedPayload
		err = json.Unmarshal(f.Payload, &p)
		payload = p
	case TypePong:
		var p PongPayload
		err = json.Unmarshal(f.Payload, &p)
		payload = p
	case TypeMessageNew:
		var p MessageNewPayload
		err = json.Unmarshal(f.Payload, &p)
		payload = p
	case TypeMessageSent:
		var p MessageSentPayload
		err = json.Unmarshal(f.Payload, &p)
		payload = p
	case TypeTypingUpdate:
		var p TypingUpdatePayload
		err = json.Unmarshal(f.Payload, &p)
		payload = p
	case TypePresenceUpdate:
		var p PresenceUpdatePayload
		err = json.Unmarshal(f.Payload, &p)
		payload = p
	case TypeError:
		var p ErrorPayload
		err = json.Unmarshal(f.Payload, &p)
		payload = p
	default:
		return f.Type, nil, fmt.Errorf("%w: server frame %q", ErrUnknownType, f.Type)
	}

	if err != nil {
		return f.Type, nil, fmt.Errorf("protocol: decode %q payload: %w", f.Type, err)
	}
	return f.Type, payload, nil
}
