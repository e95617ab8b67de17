// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRegister       = "register"
	TypeFindPartner    = "find-partner"
	TypeConnectPartner = "connect-to-partner"
	TypeSkipPartner    = "skip-partner"
	TypeMessage        = "message"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated      = "session-created"
	TypePotentialPartner    = "potential-partner"
	TypeNoPartnersAvailable = "no-partners-available"
	TypeMatchSuccess        = "match-success"
	TypeMatchFailed         = "match-failed"
	TypeSkipSuccess         = "skip-success"
	TypePartnerDisconnected = "partner-disconnected"
	TypeRateLimited         = "rate-limited"
	TypeError               = "error"
	TypePong                = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RegisterMsg is sent by the client to set its display name. It may be sent
// more than once; each registration overwrites the previous name.
type RegisterMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// FindPartnerMsg is sent by the client to request a conversational partner.
type FindPartnerMsg struct {
	Type string `json:"type"`
}

// ConnectPartnerMsg is sent by the client to pair with a previously proposed
// partner.
type ConnectPartnerMsg struct {
	Type      string `json:"type"`
	PartnerID string `json:"partnerId"`
}

// SkipPartnerMsg is sent by the client to permanently exclude a partner and
// search again.
type SkipPartnerMsg struct {
	Type      string `json:"type"`
	SkippedID string `json:"skippedId"`
}

// ChatMsg is a chat payload sent by the client within a room. The message
// body is relayed opaquely, so it is kept as raw JSON.
type ChatMsg struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	Message json.RawMessage `json:"message"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
}

// PotentialPartnerMsg proposes a candidate partner to the requester.
type PotentialPartnerMsg struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

// NoPartnersMsg is sent when no eligible partner exists for the requester.
type NoPartnersMsg struct {
	Type string `json:"type"`
}

// RoomUser identifies one member of a formed room.
type RoomUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// MatchSuccessMsg is sent to both members when a room has been formed.
type MatchSuccessMsg struct {
	Type   string     `json:"type"`
	RoomID string     `json:"roomId"`
	Users  []RoomUser `json:"users"`
}

// MatchFailedMsg is sent to the requester only when pairing failed.
type MatchFailedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// SkipSuccessMsg confirms that a skip was recorded.
type SkipSuccessMsg struct {
	Type string `json:"type"`
}

// ServerChatMsg is a chat payload relayed from another room member.
type ServerChatMsg struct {
	Type     string          `json:"type"`
	SenderID string          `json:"senderId"`
	Message  json.RawMessage `json:"message"`
}

// PartnerDisconnectedMsg is sent to the survivor when its partner left.
type PartnerDisconnectedMsg struct {
	Type string `json:"type"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegister:
		var m RegisterMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindPartner:
		var m FindPartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConnectPartner:
		var m ConnectPartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSkipPartner:
		var m SkipPartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
