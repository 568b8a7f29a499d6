package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/transfer"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Supported message types
const (
	MessageTypeEvent    MessageType = "event"
	MessageTypeAck      MessageType = "ack"
	MessageTypeSnapshot MessageType = "snapshot"
	MessageTypePing     MessageType = "ping"
	MessageTypePong     MessageType = "pong"
	MessageTypeError    MessageType = "error"
)

// Error codes carried by ErrorMessage.
const (
	CodeInvalidMessage  = "invalid_message"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeNoActiveSession = "no_active_session"
	CodeUnsupported     = "unsupported"
	CodeInternal        = "internal_error"
)

var clientEvents = map[conversation.EventType]bool{
	conversation.EventReady:            true,
	conversation.EventStartRecording:   true,
	conversation.EventStopRecording:    true,
	conversation.EventChunkAppend:      true,
	conversation.EventChunkCommit:      true,
	conversation.EventStartGenerating:  true,
	conversation.EventGenerateResponse: true,
	conversation.EventError:            true,
	conversation.EventRetry:            true,
}

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id,omitempty"`
}

// EventMessage carries one conversation event from a viewer.
type EventMessage struct {
	BaseMessage
	Event conversation.Event `json:"event"`
}

// AckMessage answers an EventMessage.
type AckMessage struct {
	BaseMessage
	Accepted bool               `json:"accepted"`
	State    conversation.State `json:"state"`
}

// SnapshotMessage pushes the viewer's read model after every change.
type SnapshotMessage struct {
	BaseMessage
	View conversation.View `json:"view"`
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage validates an incoming message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeEvent:
		var msg EventMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid event message: %w", err)
		}
		if err := v.validateEvent(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

func (v *MessageValidator) validateEvent(msg *EventMessage) error {
	ev := msg.Event
	if ev.Type == "" {
		return fmt.Errorf("event.type is required")
	}
	if !clientEvents[ev.Type] {
		return fmt.Errorf("event type %s cannot be sent by a client", ev.Type)
	}
	if ev.Type == conversation.EventChunkAppend {
		if ev.Audio == "" {
			return fmt.Errorf("event.audio is required for %s", ev.Type)
		}
		if len(ev.Audio) > transfer.ChunkSize {
			return fmt.Errorf("event.audio exceeds %d characters", transfer.ChunkSize)
		}
	} else if ev.Audio != "" {
		return fmt.Errorf("event.audio is only allowed on %s", conversation.EventChunkAppend)
	}
	return nil
}

func now() string {
	return time.Now().Format(time.RFC3339)
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeError,
			Timestamp: now(),
		},
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypePong,
			Timestamp: now(),
		},
		Data: data,
	}
}

// CreateAckMessage acknowledges the event with the given id.
func CreateAckMessage(messageID string, res conversation.Result) *AckMessage {
	return &AckMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeAck,
			Timestamp: now(),
			MessageID: messageID,
		},
		Accepted: res.Accepted,
		State:    res.State,
	}
}

// CreateSnapshotMessage wraps a viewer's read model.
func CreateSnapshotMessage(view conversation.View) *SnapshotMessage {
	return &SnapshotMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeSnapshot,
			Timestamp: now(),
		},
		View: view,
	}
}

// CreateEventMessage wraps an outgoing event.
func CreateEventMessage(messageID string, ev conversation.Event) *EventMessage {
	return &EventMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeEvent,
			Timestamp: now(),
			MessageID: messageID,
		},
		Event: ev,
	}
}
