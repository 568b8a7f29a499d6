package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/repositories"
)

const (
	defaultAPIBaseURL   = "https://api.elevenlabs.io/v1"
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM"   // Rachel voice
	defaultChunkSize    = 4800                     // 100 ms of pcm_24000
	defaultOutputFormat = "pcm_24000"              // raw s16le mono
	defaultModelID      = "eleven_multilingual_v2" // Default model ID
	defaultStability    = 0.5                      // Default voice stability
	defaultClarity      = 0.75                     // Default voice clarity/similarity_boost
	defaultTimeout      = 60 * time.Second
)

// ElevenLabsConfig holds configuration for the ElevenLabsTTS adapter.
// APIKey is required; every other field falls back to a default.
// OutputFormat must be one of the pcm_<rate> formats.
type ElevenLabsConfig struct {
	APIKey       string
	APIBaseURL   string
	VoiceID      string
	ModelID      string
	OutputFormat string
	ChunkSize    int
	Stability    float64
	Clarity      float64
	Timeout      time.Duration
}

// ElevenLabsTTS implements TextToSpeech interface using Eleven Labs API
type ElevenLabsTTS struct {
	apiKey       string
	apiBaseURL   string
	voiceID      string
	modelID      string
	outputFormat string
	sampleRate   int
	chunkSize    int
	stability    float64
	clarity      float64
	client       *http.Client
	logger       *zap.Logger
}

// Ensure ElevenLabsTTS implements the TextToSpeech interface
var _ repositories.TextToSpeech = (*ElevenLabsTTS)(nil)

// ElevenLabsVoiceSettings represents voice settings for Eleven Labs API
type ElevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// ElevenLabsRequest represents the request payload for Eleven Labs TTS API
type ElevenLabsRequest struct {
	Text                   string                  `json:"text"`
	ModelID                string                  `json:"model_id"`
	LanguageCode           string                  `json:"language_code,omitempty"`
	VoiceSettings          ElevenLabsVoiceSettings `json:"voice_settings"`
	ApplyTextNormalization string                  `json:"apply_text_normalization,omitempty"`
}

// ValidateElevenLabsConfig validates the ElevenLabsConfig
func ValidateElevenLabsConfig(config ElevenLabsConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("eleven labs API key is required")
	}

	// Validate stability is in the valid range
	if config.Stability != 0 && (config.Stability < 0 || config.Stability > 1) {
		return fmt.Errorf("stability must be between 0 and 1, got %f", config.Stability)
	}

	// Validate clarity is in the valid range
	if config.Clarity != 0 && (config.Clarity < 0 || config.Clarity > 1) {
		return fmt.Errorf("clarity must be between 0 and 1, got %f", config.Clarity)
	}

	// Chunks carry whole 16-bit samples.
	if config.ChunkSize < 0 || config.ChunkSize%2 != 0 {
		return fmt.Errorf("chunk size must be a positive even number, got %d", config.ChunkSize)
	}

	if config.OutputFormat != "" {
		if _, err := pcmRate(config.OutputFormat); err != nil {
			return err
		}
	}

	return nil
}

// pcmRate extracts the sample rate from a pcm_<rate> output format.
func pcmRate(format string) (int, error) {
	rate, err := strconv.Atoi(strings.TrimPrefix(format, "pcm_"))
	if !strings.HasPrefix(format, "pcm_") || err != nil || rate <= 0 {
		return 0, fmt.Errorf("output format must be pcm_<rate>, got %q", format)
	}
	return rate, nil
}

// NewElevenLabsTTS creates a new Eleven Labs TTS instance
func NewElevenLabsTTS(config ElevenLabsConfig, logger *zap.Logger) (*ElevenLabsTTS, error) {
	if err := ValidateElevenLabsConfig(config); err != nil {
		return nil, err
	}
	config = withDefaults(config)
	sampleRate, _ := pcmRate(config.OutputFormat)

	logger.Info("Configured Eleven Labs TTS",
		zap.String("voiceID", config.VoiceID),
		zap.String("modelID", config.ModelID),
		zap.String("outputFormat", config.OutputFormat),
		zap.Int("chunkSize", config.ChunkSize))

	return &ElevenLabsTTS{
		apiKey:       config.APIKey,
		apiBaseURL:   strings.TrimSuffix(config.APIBaseURL, "/"),
		voiceID:      config.VoiceID,
		modelID:      config.ModelID,
		outputFormat: config.OutputFormat,
		sampleRate:   sampleRate,
		chunkSize:    config.ChunkSize,
		stability:    config.Stability,
		clarity:      config.Clarity,
		client:       &http.Client{Timeout: config.Timeout},
		logger:       logger,
	}, nil
}

func withDefaults(c ElevenLabsConfig) ElevenLabsConfig {
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBaseURL
	}
	if c.VoiceID == "" {
		c.VoiceID = defaultVoiceID
	}
	if c.ModelID == "" {
		c.ModelID = defaultModelID
	}
	if c.OutputFormat == "" {
		c.OutputFormat = defaultOutputFormat
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.Stability == 0 {
		c.Stability = defaultStability
	}
	if c.Clarity == 0 {
		c.Clarity = defaultClarity
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// OutputSampleRate implements repositories.TextToSpeech.
func (e *ElevenLabsTTS) OutputSampleRate() int { return e.sampleRate }

// do sends an authenticated request and returns the response when the API
// answers 200. The caller closes the body.
func (e *ElevenLabsTTS) do(ctx context.Context, method, path string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.apiBaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "audio/pcm")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("eleven labs API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return resp, nil
}

// ConvertTextToSpeech converts text to speech using Eleven Labs API. HTTP
// failures are returned before any audio; the body is then streamed on the
// channel in chunks holding whole samples.
func (e *ElevenLabsTTS) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	e.logger.Info("Converting text to speech",
		zap.Int("textLength", len(text)),
		zap.String("voiceID", e.voiceID))

	path := fmt.Sprintf("/text-to-speech/%s/stream?output_format=%s&enable_logging=false", e.voiceID, e.outputFormat)
	resp, err := e.do(ctx, http.MethodPost, path, ElevenLabsRequest{
		Text:                   text,
		ModelID:                e.modelID,
		ApplyTextNormalization: "auto",
		VoiceSettings: ElevenLabsVoiceSettings{
			Stability:       e.stability,
			SimilarityBoost: e.clarity,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, err
	}

	audioChan := make(chan []byte, 10)
	go e.stream(ctx, resp.Body, audioChan)
	return audioChan, nil
}

func (e *ElevenLabsTTS) stream(ctx context.Context, body io.ReadCloser, out chan<- []byte) {
	defer close(out)
	defer body.Close()

	var total, chunks int
	for {
		chunk := make([]byte, e.chunkSize)
		n, err := io.ReadFull(body, chunk)
		// A trailing odd byte is half a sample.
		n -= n % 2
		if n > 0 {
			select {
			case out <- chunk[:n]:
				total += n
				chunks++
			case <-ctx.Done():
				e.logger.Warn("Context cancelled while streaming audio data")
				return
			}
		}

		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			e.logger.Info("Finished streaming audio data",
				zap.Int("totalChunks", chunks),
				zap.Int("totalBytes", total))
			return
		case err != nil:
			e.logger.Error("Error reading response body", zap.Error(err))
			return
		}
	}
}

// Voice is one entry of the account's voice library.
type Voice struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
}

// GetAvailableVoices lists the voices of the account.
func (e *ElevenLabsTTS) GetAvailableVoices(ctx context.Context) ([]Voice, error) {
	resp, err := e.do(ctx, http.MethodGet, "/voices", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var library struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&library); err != nil {
		return nil, fmt.Errorf("failed to decode voices: %w", err)
	}
	return library.Voices, nil
}

// CheckVoice reports whether the configured voice exists in the account.
func (e *ElevenLabsTTS) CheckVoice(ctx context.Context) error {
	voices, err := e.GetAvailableVoices(ctx)
	if err != nil {
		return err
	}
	for _, v := range voices {
		if v.VoiceID == e.voiceID {
			return nil
		}
	}
	return fmt.Errorf("voice %s not found among %d voices", e.voiceID, len(voices))
}
