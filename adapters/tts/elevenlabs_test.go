package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestValidateElevenLabsConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  ElevenLabsConfig
		wantErr bool
	}{
		{"missing key", ElevenLabsConfig{}, true},
		{"defaults", ElevenLabsConfig{APIKey: "k"}, false},
		{"stability out of range", ElevenLabsConfig{APIKey: "k", Stability: 1.5}, true},
		{"clarity out of range", ElevenLabsConfig{APIKey: "k", Clarity: -0.2}, true},
		{"negative chunk", ElevenLabsConfig{APIKey: "k", ChunkSize: -2}, true},
		{"odd chunk", ElevenLabsConfig{APIKey: "k", ChunkSize: 4095}, true},
		{"mp3 format", ElevenLabsConfig{APIKey: "k", OutputFormat: "mp3_44100_128"}, true},
		{"pcm 16k", ElevenLabsConfig{APIKey: "k", OutputFormat: "pcm_16000"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateElevenLabsConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewElevenLabsTTS_Defaults(t *testing.T) {
	tts, err := NewElevenLabsTTS(ElevenLabsConfig{APIKey: "test-api-key"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create ElevenLabsTTS: %v", err)
	}
	if tts.voiceID != defaultVoiceID {
		t.Errorf("Expected default voice ID '%s', got '%s'", defaultVoiceID, tts.voiceID)
	}
	if tts.OutputSampleRate() != 24000 {
		t.Errorf("Expected 24000 Hz output, got %d", tts.OutputSampleRate())
	}
	if tts.stability != defaultStability || tts.clarity != defaultClarity {
		t.Errorf("Expected default voice settings, got %f/%f", tts.stability, tts.clarity)
	}
}

func TestElevenLabsTTS_ConvertTextToSpeech(t *testing.T) {
	pcm := make([]byte, 10000)
	for i := range pcm {
		pcm[i] = byte(i)
	}

	var got ElevenLabsRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-api-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(r.URL.Path, "/text-to-speech/voice-1/stream") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("output_format") != "pcm_16000" {
			t.Errorf("Expected pcm_16000, got %s", r.URL.Query().Get("output_format"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write(pcm)
	}))
	defer server.Close()

	tts, err := NewElevenLabsTTS(ElevenLabsConfig{
		APIKey:       "test-api-key",
		APIBaseURL:   server.URL + "/",
		VoiceID:      "voice-1",
		OutputFormat: "pcm_16000",
		ChunkSize:    4096,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create ElevenLabsTTS: %v", err)
	}

	ch, err := tts.ConvertTextToSpeech(context.Background(), "Hola, ¿qué tal?")
	if err != nil {
		t.Fatalf("ConvertTextToSpeech failed: %v", err)
	}

	var out []byte
	for chunk := range ch {
		if len(chunk) > 4096 || len(chunk)%2 != 0 {
			t.Errorf("Expected whole-sample chunks of at most 4096 bytes, got %d", len(chunk))
		}
		out = append(out, chunk...)
	}
	if len(out) != len(pcm) {
		t.Fatalf("Expected %d bytes, got %d", len(pcm), len(out))
	}
	for i := range pcm {
		if out[i] != pcm[i] {
			t.Fatalf("Byte %d differs", i)
		}
	}
	if got.Text != "Hola, ¿qué tal?" || got.ModelID != defaultModelID {
		t.Errorf("Unexpected request payload %+v", got)
	}
}

func TestElevenLabsTTS_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"invalid api key"}`))
	}))
	defer server.Close()

	tts, err := NewElevenLabsTTS(ElevenLabsConfig{APIKey: "bad", APIBaseURL: server.URL}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create ElevenLabsTTS: %v", err)
	}

	if _, err := tts.ConvertTextToSpeech(context.Background(), "hola"); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Expected a 401 error, got %v", err)
	}
	if _, err := tts.ConvertTextToSpeech(context.Background(), "   "); err == nil {
		t.Error("Expected an error for empty text")
	}
}

func TestElevenLabsTTS_CheckVoice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voices" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"voices":[{"voice_id":"voice-1","name":"Lucía"}]}`))
	}))
	defer server.Close()

	tests := []struct {
		voice   string
		wantErr bool
	}{
		{"voice-1", false},
		{"voice-2", true},
	}
	for _, tt := range tests {
		t.Run(tt.voice, func(t *testing.T) {
			tts, err := NewElevenLabsTTS(ElevenLabsConfig{APIKey: "k", APIBaseURL: server.URL, VoiceID: tt.voice}, zap.NewNop())
			if err != nil {
				t.Fatalf("Failed to create ElevenLabsTTS: %v", err)
			}
			if err := tts.CheckVoice(context.Background()); (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMockTTS(t *testing.T) {
	tts := NewMockTTS(16000, zap.NewNop())
	ch, err := tts.ConvertTextToSpeech(context.Background(), "uno dos tres")
	if err != nil {
		t.Fatalf("ConvertTextToSpeech failed: %v", err)
	}
	total := 0
	for chunk := range ch {
		if len(chunk)%2 != 0 {
			t.Errorf("Expected whole samples, got %d bytes", len(chunk))
		}
		total += len(chunk)
	}
	// three words at 300 ms each
	if want := 3 * 16000 * 3 / 10 * 2; total != want {
		t.Errorf("Expected %d bytes, got %d", want, total)
	}
	if _, err := tts.ConvertTextToSpeech(context.Background(), ""); err == nil {
		t.Error("Expected an error for empty text")
	}
}
