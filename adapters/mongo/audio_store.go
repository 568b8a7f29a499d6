package mongo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/domain/repositories"
)

const audioBucket = "audio"

// AudioStore keeps message audio in a GridFS bucket.
type AudioStore struct {
	bucket *gridfs.Bucket
	logger *zap.Logger
}

var _ repositories.AudioStore = (*AudioStore)(nil)

// NewAudioStore opens the audio bucket of db.
func NewAudioStore(db *mongo.Database, logger *zap.Logger) (*AudioStore, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(audioBucket))
	if err != nil {
		return nil, fmt.Errorf("failed to open GridFS bucket: %w", err)
	}
	return &AudioStore{bucket: bucket, logger: logger}, nil
}

// Put implements repositories.AudioStore
func (s *AudioStore) Put(ctx context.Context, conversationID string, data []byte, mimeType string) (entities.AudioRef, error) {
	if len(data) == 0 {
		return entities.AudioRef{}, errors.New("audio cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return entities.AudioRef{}, err
	}

	id := uuid.New().String()
	opts := options.GridFSUpload().SetMetadata(bson.M{
		"conversation_id": conversationID,
		"mime_type":       mimeType,
	})
	if err := s.bucket.UploadFromStreamWithID(id, id, bytes.NewReader(data), opts); err != nil {
		return entities.AudioRef{}, fmt.Errorf("failed to upload audio: %w", err)
	}

	s.logger.Debug("Audio stored",
		zap.String("audioID", id),
		zap.String("conversationID", conversationID),
		zap.Int("size", len(data)))
	return entities.AudioRef{ID: id, URL: entities.AudioURL(conversationID, id), MimeType: mimeType}, nil
}

// Get implements repositories.AudioStore
func (s *AudioStore) Get(ctx context.Context, id string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	stream, err := s.bucket.OpenDownloadStream(id)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, "", fmt.Errorf("audio %s: %w", id, repositories.ErrNotFound)
		}
		return nil, "", fmt.Errorf("failed to open audio: %w", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read audio: %w", err)
	}

	var mimeType string
	if file := stream.GetFile(); file != nil && file.Metadata != nil {
		if v, err := file.Metadata.LookupErr("mime_type"); err == nil {
			mimeType, _ = v.StringValueOK()
		}
	}
	return data, mimeType, nil
}

// Delete implements repositories.AudioStore. Deleting a missing clip is not an error.
func (s *AudioStore) Delete(ctx context.Context, id string) error {
	if err := s.bucket.Delete(id); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
		return fmt.Errorf("failed to delete audio: %w", err)
	}
	return nil
}
