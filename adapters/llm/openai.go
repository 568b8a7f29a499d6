package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/repositories"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures any OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

// OpenAILLM implements LargeLanguageModel over chat completions.
type OpenAILLM struct {
	client *openai.Client
	config OpenAIConfig
	logger *zap.Logger
}

var _ repositories.LargeLanguageModel = (*OpenAILLM)(nil)

// NewOpenAILLM creates a client; BaseURL allows compatible providers.
func NewOpenAILLM(config OpenAIConfig, logger *zap.Logger) (*OpenAILLM, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if config.Model == "" {
		config.Model = defaultOpenAIModel
		logger.Info("Using default model", zap.String("model", config.Model))
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = defaultMaxTokens
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAILLM{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}, nil
}

// GenerateChat starts a session whose first message carries the instructions.
func (o *OpenAILLM) GenerateChat(ctx context.Context, system string, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	var msgs []openai.ChatCompletionMessage
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openAIRole(m.Role), Content: m.Content})
	}
	return &OpenAIChatSession{llm: o, messages: msgs}, nil
}

// OpenAIChatSession keeps the running message list.
type OpenAIChatSession struct {
	llm      *OpenAILLM
	messages []openai.ChatCompletionMessage
}

var _ repositories.ChatSession = (*OpenAIChatSession)(nil)

func (s *OpenAIChatSession) SendMessage(ctx context.Context, message repositories.ChatMessage) (repositories.ChatMessage, error) {
	userMsg := openai.ChatCompletionMessage{Role: openAIRole(message.Role), Content: message.Content}
	req := openai.ChatCompletionRequest{
		Model:       s.llm.config.Model,
		Messages:    append(append([]openai.ChatCompletionMessage{}, s.messages...), userMsg),
		Temperature: s.llm.config.Temperature,
		MaxTokens:   s.llm.config.MaxTokens,
	}

	resp, err := s.llm.client.CreateChatCompletion(ctx, req)
	if err != nil {
		s.llm.logger.Error("Failed to create chat completion", zap.Error(err))
		return repositories.ChatMessage{}, fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return repositories.ChatMessage{}, fmt.Errorf("%w: no choices", ErrEmptyReply)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return repositories.ChatMessage{}, fmt.Errorf("%w: finish reason %q", ErrEmptyReply, resp.Choices[0].FinishReason)
	}

	s.messages = append(s.messages, userMsg, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text})
	s.llm.logger.Info("Chat completion processed",
		zap.Int("replyLength", len(text)),
		zap.Int("totalTokens", resp.Usage.TotalTokens))

	return repositories.ChatMessage{Role: repositories.TutorRole, Content: text}, nil
}

func (s *OpenAIChatSession) History() ([]repositories.ChatMessage, error) {
	out := make([]repositories.ChatMessage, 0, len(s.messages))
	for _, m := range s.messages {
		role := repositories.UserRole
		switch m.Role {
		case openai.ChatMessageRoleAssistant:
			role = repositories.TutorRole
		case openai.ChatMessageRoleSystem:
			role = repositories.SystemRole
		}
		out = append(out, repositories.ChatMessage{Role: role, Content: m.Content})
	}
	return out, nil
}

func openAIRole(r repositories.Role) string {
	switch r {
	case repositories.TutorRole:
		return openai.ChatMessageRoleAssistant
	case repositories.SystemRole:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}
