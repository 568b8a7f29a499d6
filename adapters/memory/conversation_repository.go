package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/domain/repositories"
)

// ConversationRepository keeps conversations in process memory.
type ConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]*entities.Conversation
}

func NewConversationRepository() *ConversationRepository {
	return &ConversationRepository{
		conversations: make(map[string]*entities.Conversation),
	}
}

// Create implements ConversationRepository interface
func (m *ConversationRepository) Create(ctx context.Context, conv *entities.Conversation) error {
	if conv == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conv.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s: %w", conv.ID, repositories.ErrConflict)
	}
	// Store a copy to prevent external modifications
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// GetByID implements ConversationRepository interface
func (m *ConversationRepository) GetByID(ctx context.Context, id string) (*entities.Conversation, error) {
	if id == "" {
		return nil, errors.New("conversation ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, exists := m.conversations[id]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, repositories.ErrNotFound)
	}
	return conv.Clone(), nil
}

// Update implements ConversationRepository interface
func (m *ConversationRepository) Update(ctx context.Context, conv *entities.Conversation) error {
	if conv == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conv.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.conversations[conv.ID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", conv.ID, repositories.ErrNotFound)
	}
	updated := conv.Clone()
	// Preserve original creation time and owner
	updated.Public.CreatedAt = existing.Public.CreatedAt
	updated.Public.OwnerID = existing.Public.OwnerID
	m.conversations[conv.ID] = updated
	return nil
}

// ListByUser implements ConversationRepository interface
func (m *ConversationRepository) ListByUser(ctx context.Context, userID string) ([]*entities.Conversation, error) {
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*entities.Conversation, 0)
	for _, conv := range m.conversations {
		if conv.CanAccess(userID) {
			result = append(result, conv.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Public.LastMessageAt.After(result[j].Public.LastMessageAt)
	})
	return result, nil
}
