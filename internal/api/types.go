package api

import (
	"time"

	"github.com/jonmumm/escuchame2/internal/conversation"
)

// TokenRequest asks for a guest token.
type TokenRequest struct {
	Name string `json:"name"`
}

// TokenResponse represents the response payload for token issuance
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
}

// ShareRequest adds a user to a conversation.
type ShareRequest struct {
	UserID string `json:"user_id"`
}

// EventResponse answers a posted event.
type EventResponse struct {
	Result conversation.Result `json:"result"`
	View   conversation.View   `json:"view"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
