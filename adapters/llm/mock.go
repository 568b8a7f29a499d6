package llm

import (
	"context"
	"fmt"

	"github.com/jonmumm/escuchame2/domain/repositories"
)

// MockLLM is a placeholder tutor that answers without a provider.
type MockLLM struct{}

// NewMockLLM creates a new mock tutor
func NewMockLLM() *MockLLM {
	return &MockLLM{}
}

var _ repositories.LargeLanguageModel = (*MockLLM)(nil)

// GenerateChat implements repositories.LargeLanguageModel
func (g *MockLLM) GenerateChat(ctx context.Context, system string, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	return &MockChatSession{
		history: append([]repositories.ChatMessage(nil), history...),
	}, nil
}

// MockChatSession implements repositories.ChatSession
type MockChatSession struct {
	history []repositories.ChatMessage
}

// SendMessage echoes the learner and asks a follow-up question.
func (g *MockChatSession) SendMessage(ctx context.Context, message repositories.ChatMessage) (repositories.ChatMessage, error) {
	g.history = append(g.history, message)

	var response string
	switch {
	case len(message.Content) > 0:
		response = fmt.Sprintf("¡Muy bien! Has dicho: «%s». ¿Y qué más?", message.Content)
	default:
		response = "¡Hola! ¿De qué quieres hablar hoy?"
	}

	reply := repositories.ChatMessage{
		Role:    repositories.TutorRole,
		Content: response,
	}
	g.history = append(g.history, reply)

	return reply, nil
}

// History implements repositories.ChatSession
func (g *MockChatSession) History() ([]repositories.ChatMessage, error) {
	return g.history, nil
}
