package stt

import (
	"context"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/repositories"
)

func TestGetAudioEncoding(t *testing.T) {
	tests := []struct {
		in      string
		want    speechpb.RecognitionConfig_AudioEncoding
		wantErr bool
	}{
		{"OGG_OPUS", speechpb.RecognitionConfig_OGG_OPUS, false},
		{"WEBM_OPUS", speechpb.RecognitionConfig_WEBM_OPUS, false},
		{"WAV", speechpb.RecognitionConfig_LINEAR16, false},
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16, false},
		{"MP3", speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := getAudioEncoding(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseVoskText(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"text" : "hola que tal"}`, "hola que tal"},
		{`{"text" : ""}`, ""},
		{``, ""},
		{`not json`, ""},
	}
	for _, tt := range tests {
		if got := parseVoskText(tt.raw); got != tt.want {
			t.Errorf("parseVoskText(%q): expected %q, got %q", tt.raw, tt.want, got)
		}
	}
}

func TestMockSpeechToText(t *testing.T) {
	s := NewMockSpeechToText(zap.NewNop())

	tests := []struct {
		name     string
		size     int
		language string
		want     string
	}{
		{"short spanish", 500, "es-ES", "Hola, ¿qué tal?"},
		{"long spanish", 20000, "es-MX", "¿Cuánto cuesta el billete de tren a Sevilla?"},
		{"medium french", 5000, "fr-FR", "Je voudrais un café, s'il vous plaît."},
		{"unknown language", 500, "xx-XX", "Hi, how are you?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.TranscribeAudio(context.Background(), make([]byte, tt.size), oggConfig(tt.language))
			if err != nil {
				t.Fatalf("TranscribeAudio failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}

	if _, err := s.TranscribeAudio(context.Background(), nil, oggConfig("es-ES")); err == nil {
		t.Error("Expected an error for empty audio")
	}
}

func oggConfig(language string) repositories.AudioConfig {
	return repositories.AudioConfig{SampleRate: 48000, Encoding: "OGG_OPUS", Language: language}
}
