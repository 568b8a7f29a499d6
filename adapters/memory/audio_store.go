package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/domain/repositories"
)

type storedAudio struct {
	conversationID string
	mimeType       string
	data           []byte
}

// AudioStore keeps message audio in process memory.
type AudioStore struct {
	mu    sync.RWMutex
	clips map[string]storedAudio
}

func NewAudioStore() *AudioStore {
	return &AudioStore{clips: make(map[string]storedAudio)}
}

// Put implements AudioStore interface
func (s *AudioStore) Put(ctx context.Context, conversationID string, data []byte, mimeType string) (entities.AudioRef, error) {
	if len(data) == 0 {
		return entities.AudioRef{}, errors.New("audio cannot be empty")
	}

	id := uuid.New().String()
	clip := storedAudio{
		conversationID: conversationID,
		mimeType:       mimeType,
		data:           append([]byte(nil), data...),
	}

	s.mu.Lock()
	s.clips[id] = clip
	s.mu.Unlock()

	return entities.AudioRef{ID: id, URL: entities.AudioURL(conversationID, id), MimeType: mimeType}, nil
}

// Get implements AudioStore interface
func (s *AudioStore) Get(ctx context.Context, id string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clip, ok := s.clips[id]
	if !ok {
		return nil, "", fmt.Errorf("audio %s: %w", id, repositories.ErrNotFound)
	}
	return append([]byte(nil), clip.data...), clip.mimeType, nil
}

// Delete implements AudioStore interface. Deleting a missing clip is not an error.
func (s *AudioStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clips, id)
	return nil
}

// Len returns the number of stored clips.
func (s *AudioStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clips)
}
