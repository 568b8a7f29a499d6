package repositories

import (
	"context"
	"errors"

	"github.com/jonmumm/escuchame2/domain/entities"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// ConversationRepository defines data access methods for conversations
type ConversationRepository interface {
	Create(ctx context.Context, conv *entities.Conversation) error
	GetByID(ctx context.Context, id string) (*entities.Conversation, error)
	Update(ctx context.Context, conv *entities.Conversation) error
	// ListByUser returns conversations userID can access, most recent activity first.
	ListByUser(ctx context.Context, userID string) ([]*entities.Conversation, error)
}

// AudioStore keeps message audio.
type AudioStore interface {
	Put(ctx context.Context, conversationID string, data []byte, mimeType string) (entities.AudioRef, error)
	Get(ctx context.Context, id string) ([]byte, string, error)
	Delete(ctx context.Context, id string) error
}
