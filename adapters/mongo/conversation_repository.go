package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/domain/repositories"
)

const conversationsCollection = "conversations"

// conversationDocument stores a conversation with the flattened set of users
// that may access it, so listing is a single indexed query.
type conversationDocument struct {
	entities.Conversation `bson:",inline"`
	Members               []string `bson:"members"`
}

func newDocument(conv *entities.Conversation) conversationDocument {
	seen := map[string]bool{conv.Public.OwnerID: true}
	members := []string{conv.Public.OwnerID}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}
	for key, p := range conv.Private {
		add(key)
		for _, id := range p.UserIDs {
			add(id)
		}
	}
	return conversationDocument{Conversation: *conv, Members: members}
}

// ConversationRepository persists conversations in MongoDB.
type ConversationRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.ConversationRepository = (*ConversationRepository)(nil)

// NewConversationRepository creates a new MongoDB conversation repository
func NewConversationRepository(db *mongo.Database, logger *zap.Logger) *ConversationRepository {
	return &ConversationRepository{
		collection: db.Collection(conversationsCollection),
		logger:     logger,
	}
}

// EnsureIndexes creates the indexes ListByUser relies on.
func (r *ConversationRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "members", Value: 1}, {Key: "public.last_message_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation index: %w", err)
	}
	return nil
}

// Create implements repositories.ConversationRepository
func (r *ConversationRepository) Create(ctx context.Context, conv *entities.Conversation) error {
	if conv == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conv.Validate(); err != nil {
		return err
	}

	if _, err := r.collection.InsertOne(ctx, newDocument(conv)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("conversation %s: %w", conv.ID, repositories.ErrConflict)
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	r.logger.Debug("Conversation created", zap.String("conversationID", conv.ID))
	return nil
}

// GetByID implements repositories.ConversationRepository
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*entities.Conversation, error) {
	if id == "" {
		return nil, errors.New("conversation ID cannot be empty")
	}

	var doc conversationDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("conversation %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return normalize(&doc.Conversation), nil
}

// Update implements repositories.ConversationRepository. The owner and
// creation time of a stored conversation never change.
func (r *ConversationRepository) Update(ctx context.Context, conv *entities.Conversation) error {
	if conv == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conv.Validate(); err != nil {
		return err
	}

	doc := newDocument(conv)
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": conv.ID, "public.owner_id": conv.Public.OwnerID},
		bson.M{"$set": bson.M{
			"public.last_message_at": doc.Public.LastMessageAt,
			"public.title":           doc.Public.Title,
			"public.description":     doc.Public.Description,
			"public.messages":        doc.Public.Messages,
			"private":                doc.Private,
			"members":                doc.Members,
			"version":                doc.Version,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("conversation %s: %w", conv.ID, repositories.ErrNotFound)
	}
	return nil
}

// ListByUser implements repositories.ConversationRepository
func (r *ConversationRepository) ListByUser(ctx context.Context, userID string) ([]*entities.Conversation, error) {
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}

	opts := options.Find().SetSort(bson.D{{Key: "public.last_message_at", Value: -1}})
	cursor, err := r.collection.Find(ctx, bson.M{"members": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	result := make([]*entities.Conversation, 0)
	for cursor.Next(ctx) {
		var doc conversationDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode conversation: %w", err)
		}
		result = append(result, normalize(&doc.Conversation))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return result, nil
}

// normalize restores what BSON decoding loses: non-nil collections and UTC
// timestamps.
func normalize(conv *entities.Conversation) *entities.Conversation {
	if conv.Public.Messages == nil {
		conv.Public.Messages = make([]entities.Message, 0)
	}
	if conv.Private == nil {
		conv.Private = make(map[string]entities.PrivateContext)
	}
	conv.Public.CreatedAt = conv.Public.CreatedAt.UTC()
	conv.Public.LastMessageAt = conv.Public.LastMessageAt.UTC()
	for i := range conv.Public.Messages {
		conv.Public.Messages[i].Timestamp = conv.Public.Messages[i].Timestamp.UTC()
	}
	return conv
}
