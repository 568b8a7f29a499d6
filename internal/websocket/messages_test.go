package websocket

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/transfer"
)

func TestMessageValidator_ValidateEvent(t *testing.T) {
	validator := NewMessageValidator()
	oversized := strings.Repeat("A", transfer.ChunkSize+4)

	tests := []struct {
		name    string
		message string
		wantErr bool
	}{
		{
			name:    "ready",
			message: `{"type": "event", "message_id": "1", "event": {"type": "READY"}}`,
			wantErr: false,
		},
		{
			name:    "chunk append",
			message: `{"type": "event", "event": {"type": "AUDIO_CHUNK_APPEND", "audio": "T2dnUw=="}}`,
			wantErr: false,
		},
		{
			name:    "chunk append without audio",
			message: `{"type": "event", "event": {"type": "AUDIO_CHUNK_APPEND"}}`,
			wantErr: true,
		},
		{
			name:    "oversized chunk",
			message: `{"type": "event", "event": {"type": "AUDIO_CHUNK_APPEND", "audio": "` + oversized + `"}}`,
			wantErr: true,
		},
		{
			name:    "audio on commit",
			message: `{"type": "event", "event": {"type": "AUDIO_CHUNK_COMMIT", "audio": "T2dnUw=="}}`,
			wantErr: true,
		},
		{
			name:    "error with message",
			message: `{"type": "event", "event": {"type": "ERROR", "message": "microphone unplugged"}}`,
			wantErr: false,
		},
		{
			name:    "generated is server-only",
			message: `{"type": "event", "event": {"type": "GENERATED"}}`,
			wantErr: true,
		},
		{
			name:    "missing event type",
			message: `{"type": "event", "event": {}}`,
			wantErr: true,
		},
		{
			name:    "unknown event type",
			message: `{"type": "event", "event": {"type": "DANCE"}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.ValidateMessage([]byte(tt.message))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessageValidator_ValidatePing(t *testing.T) {
	validator := NewMessageValidator()

	result, err := validator.ValidateMessage([]byte(`{"type": "ping", "data": "hello"}`))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	ping, ok := result.(*PingMessage)
	if !ok {
		t.Fatalf("Expected *PingMessage, got %T", result)
	}
	if ping.Data != "hello" {
		t.Errorf("Expected data hello, got %s", ping.Data)
	}
}

func TestMessageValidator_UnsupportedType(t *testing.T) {
	validator := NewMessageValidator()

	for _, msg := range []string{`{"type": "snapshot"}`, `{"type": "audio_chunk"}`, `not json`} {
		if _, err := validator.ValidateMessage([]byte(msg)); err == nil {
			t.Errorf("Expected %s to be rejected", msg)
		}
	}
}

func TestCreateMessages(t *testing.T) {
	errMsg := CreateErrorMessage(CodeForbidden, "not allowed", "READY")
	if errMsg.Type != MessageTypeError || errMsg.Code != CodeForbidden || errMsg.Timestamp == "" {
		t.Errorf("Unexpected error message %+v", errMsg)
	}

	ack := CreateAckMessage("m-7", conversation.Result{Accepted: true, State: conversation.StateRecording})
	data, err := json.Marshal(ack)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	json.Unmarshal(data, &decoded)
	if decoded["type"] != "ack" || decoded["message_id"] != "m-7" || decoded["state"] != "Recording" || decoded["accepted"] != true {
		t.Errorf("Unexpected ack JSON %s", data)
	}

	ev := CreateEventMessage("m-8", conversation.Event{Type: conversation.EventChunkAppend, Audio: "QQ=="})
	data, _ = json.Marshal(ev)
	if !strings.Contains(string(data), `"event":{"type":"AUDIO_CHUNK_APPEND","audio":"QQ=="}`) {
		t.Errorf("Unexpected event JSON %s", data)
	}
}
