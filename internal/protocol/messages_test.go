package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid connect-to-partner message
// ---------------------------------------------------------------------------

func TestParseClientMessage_ConnectPartner(t *testing.T) {
	input := []byte(`{"type":"connect-to-partner","partnerId":"sess-42"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeConnectPartner {
		t.Fatalf("expected type %q, got %q", TypeConnectPartner, msgType)
	}

	cp, ok := msg.(ConnectPartnerMsg)
	if !ok {
		t.Fatalf("expected ConnectPartnerMsg, got %T", msg)
	}
	if cp.PartnerID != "sess-42" {
		t.Errorf("expected partnerId %q, got %q", "sess-42", cp.PartnerID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid message (chat) message
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMsg(t *testing.T) {
	input := []byte(`{"type":"message","roomId":"a:b","message":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	cm, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if cm.RoomID != "a:b" {
		t.Errorf("expected roomId %q, got %q", "a:b", cm.RoomID)
	}
	if string(cm.Message) != `"Hello!"` {
		t.Errorf("expected raw message %q, got %q", `"Hello!"`, string(cm.Message))
	}
}

// The message body is opaque to the server, so non-string payloads must
// survive parsing untouched.
func TestParseClientMessage_ChatMsgObjectPayload(t *testing.T) {
	input := []byte(`{"type":"message","roomId":"a:b","message":{"kind":"sticker","id":7}}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cm := msg.(ChatMsg)
	var payload struct {
		Kind string `json:"kind"`
		ID   int    `json:"id"`
	}
	if err := json.Unmarshal(cm.Message, &payload); err != nil {
		t.Fatalf("failed to unmarshal opaque payload: %v", err)
	}
	if payload.Kind != "sticker" || payload.ID != 7 {
		t.Errorf("payload mangled: %+v", payload)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a match-success server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_MatchSuccess(t *testing.T) {
	payload := MatchSuccessMsg{
		RoomID: "s1:s2",
		Users: []RoomUser{
			{ID: "s1", Username: "Alice"},
			{ID: "s2", Username: "Bob"},
		},
	}

	data, err := NewServerMessage(TypeMatchSuccess, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMatchSuccess {
		t.Errorf("expected type %q, got %v", TypeMatchSuccess, result["type"])
	}
	if result["roomId"] != "s1:s2" {
		t.Errorf("expected roomId %q, got %v", "s1:s2", result["roomId"])
	}

	users, ok := result["users"].([]interface{})
	if !ok {
		t.Fatalf("expected users to be an array, got %T", result["users"])
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	first, ok := users[0].(map[string]interface{})
	if !ok {
		t.Fatalf("expected user entry to be an object, got %T", users[0])
	}
	if first["id"] != "s1" || first["username"] != "Alice" {
		t.Errorf("unexpected first user entry: %v", first)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown-type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown-type" {
		t.Errorf("expected returned type %q, got %q", "unknown-type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> parse)
// ---------------------------------------------------------------------------

func TestRoundTrip_SkipPartner(t *testing.T) {
	original := SkipPartnerMsg{
		Type:      TypeSkipPartner,
		SkippedID: "sess-99",
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSkipPartner {
		t.Fatalf("expected type %q, got %q", TypeSkipPartner, msgType)
	}

	decoded, ok := msg.(SkipPartnerMsg)
	if !ok {
		t.Fatalf("expected SkipPartnerMsg, got %T", msg)
	}
	if decoded.SkippedID != original.SkippedID {
		t.Errorf("skippedId mismatch: expected %q, got %q", original.SkippedID, decoded.SkippedID)
	}
}

func TestRoundTrip_ServerMessage(t *testing.T) {
	original := PotentialPartnerMsg{
		Type:     TypePotentialPartner,
		ID:       "sess-7",
		Username: "Bob",
	}

	data, err := NewServerMessage(TypePotentialPartner, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	var decoded PotentialPartnerMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Type != TypePotentialPartner {
		t.Errorf("type mismatch: expected %q, got %q", TypePotentialPartner, decoded.Type)
	}
	if decoded.ID != original.ID {
		t.Errorf("id mismatch: expected %q, got %q", original.ID, decoded.ID)
	}
	if decoded.Username != original.Username {
		t.Errorf("username mismatch: expected %q, got %q", original.Username, decoded.Username)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"register", `{"type":"register","username":"Alice"}`, TypeRegister},
		{"find-partner", `{"type":"find-partner"}`, TypeFindPartner},
		{"connect-to-partner", `{"type":"connect-to-partner","partnerId":"id1"}`, TypeConnectPartner},
		{"skip-partner", `{"type":"skip-partner","skippedId":"id1"}`, TypeSkipPartner},
		{"message", `{"type":"message","roomId":"id1:id2","message":"hi"}`, TypeMessage},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
