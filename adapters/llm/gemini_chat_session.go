package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/jonmumm/escuchame2/domain/repositories"
)

// ErrEmptyReply is returned when the provider answers without usable text,
// typically because the reply was blocked.
var ErrEmptyReply = errors.New("model returned no text")

// GeminiChatSession implements the ChatSession interface
type GeminiChatSession struct {
	client  *genai.Client
	config  GeminiConfig
	logger  *zap.Logger
	system  string
	history []*genai.Content
	backoff time.Duration
}

var _ repositories.ChatSession = (*GeminiChatSession)(nil)

// SendMessage sends a message and gets a response, updating the history
func (s *GeminiChatSession) SendMessage(ctx context.Context, message repositories.ChatMessage) (repositories.ChatMessage, error) {
	userContent := genai.NewContentFromText(message.Content, genai.RoleUser)
	contents := append(append([]*genai.Content{}, s.history...), userContent)

	config := &genai.GenerateContentConfig{
		SafetySettings:  geminiSafetySettings,
		Temperature:     genai.Ptr(s.config.Temperature),
		TopP:            genai.Ptr(s.config.TopP),
		TopK:            genai.Ptr(s.config.TopK),
		MaxOutputTokens: int32(s.config.MaxOutputTokens),
	}
	if s.system != "" {
		config.SystemInstruction = genai.NewContentFromText(s.system, genai.RoleUser)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.config.TimeoutSeconds)*time.Second)
	defer cancel()

	var response *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		response, err = s.client.Models.GenerateContent(ctx, s.config.Model, contents, config)
		if err == nil {
			break
		}

		s.logger.Warn("Failed to generate content, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < maxAttempts-1 {
			select {
			case <-time.After(time.Duration(attempt+1) * s.backoff):
			case <-ctx.Done():
				return repositories.ChatMessage{}, ctx.Err()
			}
		}
	}
	if err != nil {
		s.logger.Error("Failed to send message in chat session", zap.Error(err))
		return repositories.ChatMessage{}, fmt.Errorf("gemini generate content: %w", err)
	}

	responseText := strings.TrimSpace(response.Text())
	if responseText == "" {
		reason := ""
		if len(response.Candidates) > 0 {
			reason = string(response.Candidates[0].FinishReason)
		}
		s.logger.Warn("Empty response in chat session", zap.String("finishReason", reason))
		return repositories.ChatMessage{}, fmt.Errorf("%w: finish reason %q", ErrEmptyReply, reason)
	}

	s.history = append(s.history, userContent, genai.NewContentFromText(responseText, genai.RoleModel))

	s.logger.Info("Chat session message processed",
		zap.Int("replyLength", len(responseText)),
		zap.Int("historyLength", len(s.history)))

	return repositories.ChatMessage{
		Role:    repositories.TutorRole,
		Content: responseText,
	}, nil
}

// History returns the current conversation history
func (s *GeminiChatSession) History() ([]repositories.ChatMessage, error) {
	return convertGeminiToRepositoryFormat(s.history), nil
}

// convertRepositoryToGeminiFormat converts repository messages to Gemini
// format. System messages travel as SystemInstruction instead.
func convertRepositoryToGeminiFormat(messages []repositories.ChatMessage) []*genai.Content {
	var contents []*genai.Content

	for _, msg := range messages {
		var role genai.Role
		switch msg.Role {
		case repositories.TutorRole:
			role = genai.RoleModel
		case repositories.SystemRole:
			continue
		default:
			role = genai.RoleUser
		}

		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}

	return contents
}

// convertGeminiToRepositoryFormat converts Gemini content to repository messages
func convertGeminiToRepositoryFormat(contents []*genai.Content) []repositories.ChatMessage {
	var messages []repositories.ChatMessage

	for _, content := range contents {
		role := repositories.UserRole
		if content.Role == string(genai.RoleModel) {
			role = repositories.TutorRole
		}

		var text string
		for _, part := range content.Parts {
			text += part.Text
		}

		if text != "" {
			messages = append(messages, repositories.ChatMessage{
				Role:    role,
				Content: text,
			})
		}
	}

	return messages
}
