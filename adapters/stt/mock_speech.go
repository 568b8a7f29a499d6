package stt

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/repositories"
)

// mockPhrases are canned learner turns per language.
var mockPhrases = map[string][]string{
	"es": {
		"Hola, ¿qué tal?",
		"Quisiera un café con leche, por favor.",
		"¿Cuánto cuesta el billete de tren a Sevilla?",
	},
	"fr": {
		"Bonjour, ça va ?",
		"Je voudrais un café, s'il vous plaît.",
		"Combien coûte le billet pour Lyon ?",
	},
	"en": {
		"Hi, how are you?",
		"I'd like a coffee, please.",
		"How much is a ticket to Boston?",
	},
}

// MockSpeechToText is a placeholder implementation for speech recognition
type MockSpeechToText struct {
	logger *zap.Logger
}

// NewMockSpeechToText creates a new mock speech-to-text service
func NewMockSpeechToText(logger *zap.Logger) *MockSpeechToText {
	return &MockSpeechToText{
		logger: logger,
	}
}

var _ repositories.SpeechToText = (*MockSpeechToText)(nil)

// TranscribeAudio implements repositories.SpeechToText
func (s *MockSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	s.logger.Info("Processing speech-to-text",
		zap.Int("audioSize", len(audioData)),
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.String("language", config.Language))

	if len(audioData) == 0 {
		return "", fmt.Errorf("no audio data received")
	}

	lang, _, _ := strings.Cut(config.Language, "-")
	phrases, ok := mockPhrases[strings.ToLower(lang)]
	if !ok {
		phrases = mockPhrases["en"]
	}

	// Mock transcription based on audio size
	switch {
	case len(audioData) > 10000:
		return phrases[2], nil
	case len(audioData) > 1000:
		return phrases[1], nil
	default:
		return phrases[0], nil
	}
}
