package mongo

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/domain/repositories"
)

func newConversation(owner string, at time.Time) *entities.Conversation {
	id := uuid.New().String()
	return entities.NewConversation(id, owner, entities.NewConversationInput{
		Type:           entities.ScenarioCustom,
		Prompt:         "ordering tapas",
		NativeLanguage: "en",
		TargetLanguage: "es",
	}, at)
}

func TestNewDocument_Members(t *testing.T) {
	conv := newConversation("owner", time.Now())
	conv.Authorize("owner", "guest-1")
	conv.Authorize("owner", "guest-2")
	conv.Authorize("owner", "guest-1")

	doc := newDocument(conv)
	got := append([]string(nil), doc.Members...)
	sort.Strings(got)
	want := []string{"guest-1", "guest-2", "owner"}
	if len(got) != len(want) {
		t.Fatalf("Expected members %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected members %v, got %v", want, got)
		}
	}
}

// TestMongoAdapters_Integration requires a running MongoDB instance (skipped
// if MONGODB_URI is not set).
func TestMongoAdapters_Integration(t *testing.T) {
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		t.Skip("Skipping MongoDB integration test - MONGODB_URI not set")
	}

	ctx := context.Background()
	logger := zap.NewNop()

	client, err := NewClient(ctx, mongoURI, "escuchame_test_"+uuid.NewString()[:8], logger)
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		client.Database.Drop(ctx)
		client.Close(ctx)
	}()

	repo := NewConversationRepository(client.Database, logger)
	if err := repo.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}

	t.Run("CreateGetUpdate", func(t *testing.T) {
		conv := newConversation("owner-1", time.Now().UTC().Truncate(time.Millisecond))
		if err := repo.Create(ctx, conv); err != nil {
			t.Fatalf("Failed to create conversation: %v", err)
		}
		if err := repo.Create(ctx, conv); !errors.Is(err, repositories.ErrConflict) {
			t.Errorf("Expected ErrConflict on duplicate, got %v", err)
		}

		conv.AddMessage(entities.Message{
			ID:        "m1",
			Author:    entities.Author{ID: "owner-1"},
			Timestamp: conv.Public.LastMessageAt.Add(time.Second),
			Audio:     entities.AudioRef{ID: "a1", DurationMs: 1500, Waveform: []float64{0.2, 0.9}},
		})
		conv.Version = 3
		if err := repo.Update(ctx, conv); err != nil {
			t.Fatalf("Failed to update conversation: %v", err)
		}

		got, err := repo.GetByID(ctx, conv.ID)
		if err != nil {
			t.Fatalf("Failed to get conversation: %v", err)
		}
		if len(got.Public.Messages) != 1 || got.Public.Messages[0].Audio.DurationMs != 1500 {
			t.Errorf("Expected the stored message, got %+v", got.Public.Messages)
		}
		if got.Version != 3 {
			t.Errorf("Expected version 3, got %d", got.Version)
		}
		if !got.Public.CreatedAt.Equal(conv.Public.CreatedAt) {
			t.Errorf("Expected createdAt %v, got %v", conv.Public.CreatedAt, got.Public.CreatedAt)
		}

		if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, repositories.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListByUser", func(t *testing.T) {
		now := time.Now().UTC()
		older := newConversation("owner-2", now.Add(-time.Hour))
		newer := newConversation("owner-2", now)
		newer.Authorize("owner-2", "guest-2")
		for _, c := range []*entities.Conversation{older, newer} {
			if err := repo.Create(ctx, c); err != nil {
				t.Fatalf("Failed to create conversation: %v", err)
			}
		}

		list, err := repo.ListByUser(ctx, "owner-2")
		if err != nil {
			t.Fatalf("ListByUser failed: %v", err)
		}
		if len(list) != 2 || list[0].ID != newer.ID {
			t.Errorf("Expected newest first, got %d conversations", len(list))
		}

		shared, _ := repo.ListByUser(ctx, "guest-2")
		if len(shared) != 1 || shared[0].ID != newer.ID {
			t.Errorf("Expected the shared conversation for the guest, got %d", len(shared))
		}
	})

	t.Run("AudioStore", func(t *testing.T) {
		store, err := NewAudioStore(client.Database, logger)
		if err != nil {
			t.Fatalf("NewAudioStore failed: %v", err)
		}

		data := []byte("OggS fake recording")
		ref, err := store.Put(ctx, "c1", data, "audio/ogg; codecs=opus")
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if ref.URL != entities.AudioURL("c1", ref.ID) {
			t.Errorf("Unexpected URL %s", ref.URL)
		}

		got, mime, err := store.Get(ctx, ref.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, data) || mime != "audio/ogg; codecs=opus" {
			t.Errorf("Expected stored clip, got %q %s", got, mime)
		}

		if err := store.Delete(ctx, ref.ID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := store.Delete(ctx, ref.ID); err != nil {
			t.Errorf("Expected deleting a missing clip to succeed, got %v", err)
		}
		if _, _, err := store.Get(ctx, ref.ID); !errors.Is(err, repositories.ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got %v", err)
		}
	})
}
