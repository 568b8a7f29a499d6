package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jonmumm/escuchame2/domain/entities"
)

// Backend selectors.
const (
	BackendMock   = "mock"
	BackendGoogle = "google"
	BackendVosk   = "vosk"
	BackendGemini = "gemini"
	BackendOpenAI = "openai"
	BackendEleven = "elevenlabs"
	StoreMemory   = "memory"
	StoreMongo    = "mongo"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ServerConfig configures cmd/server.
type ServerConfig struct {
	Port        string `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Development bool   `env:"DEVELOPMENT" envDefault:"false"`

	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"168h"`

	// Storage
	Store         string `env:"STORE" envDefault:"memory"`
	MongoURI      string `env:"MONGODB_URI"`
	MongoDatabase string `env:"MONGODB_DATABASE" envDefault:"escuchame"`

	// Speech-to-text
	STTBackend string `env:"STT_BACKEND" envDefault:"mock"`
	VoskModel  string `env:"VOSK_MODEL_PATH"`

	// Tutor
	LLMProvider  string  `env:"LLM_PROVIDER" envDefault:"mock"`
	GeminiAPIKey string  `env:"GEMINI_API_KEY"`
	GeminiModel  string  `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	OpenAIAPIKey string  `env:"OPENAI_API_KEY"`
	OpenAIURL    string  `env:"OPENAI_BASE_URL"`
	OpenAIModel  string  `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	Temperature  float32 `env:"LLM_TEMPERATURE" envDefault:"0.7"`

	// Text-to-speech
	TTSBackend       string `env:"TTS_BACKEND" envDefault:"mock"`
	ElevenLabsAPIKey string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsVoice  string `env:"ELEVENLABS_VOICE_ID"`
	ElevenLabsModel  string `env:"ELEVENLABS_MODEL_ID" envDefault:"eleven_multilingual_v2"`

	// Conversations
	GreetingAudioURL  string        `env:"GREETING_AUDIO_URL" envDefault:"/static/greeting.ogg"`
	GreetingDuration  time.Duration `env:"GREETING_DURATION" envDefault:"8s"`
	MaxUploadBytes    int           `env:"MAX_UPLOAD_BYTES" envDefault:"16777216"`
	ReplyBitrate      int           `env:"REPLY_BITRATE" envDefault:"32000"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"60s"`
	IdleEviction      time.Duration `env:"IDLE_EVICTION" envDefault:"30m"`
	EvictionSchedule  string        `env:"EVICTION_SCHEDULE" envDefault:"@every 5m"`
	AllowedOrigins    []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	StaticDir         string        `env:"STATIC_DIR" envDefault:"static"`
	// SuggestionsFile is an optional YAML catalog of practice topics.
	SuggestionsFile   string        `env:"SUGGESTIONS_FILE"`
}

// ClientConfig configures cmd/client.
type ClientConfig struct {
	ServerURL      string `env:"SERVER_URL" envDefault:"http://localhost:8080"`
	ConversationID string `env:"CONVERSATION_ID"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"warn"`

	// Token is reused when set; otherwise a guest token is requested.
	Token    string `env:"TOKEN"`
	UserName string `env:"USER_NAME"`

	// CaptureCommand emits s16le mono PCM at 48 kHz on stdout.
	CaptureCommand string `env:"CAPTURE_COMMAND" envDefault:"arecord -q -f S16_LE -c 1 -r 48000 -t raw"`
	CaptureFile    string `env:"CAPTURE_FILE"`
	Bitrate        int    `env:"CAPTURE_BITRATE" envDefault:"32000"`

	// PlaybackCommand reads s16le mono PCM at 48 kHz on stdin.
	PlaybackCommand string `env:"PLAYBACK_COMMAND" envDefault:"aplay -q -f S16_LE -c 1 -r 48000 -t raw"`

	// Used only when a new conversation is created.
	Scenario       string `env:"SCENARIO" envDefault:"lucky"`
	Prompt         string `env:"PROMPT"`
	TargetLanguage string `env:"TARGET_LANGUAGE" envDefault:"es"`
	NativeLanguage string `env:"NATIVE_LANGUAGE" envDefault:"en"`
}

// GreetingConfig configures cmd/greeting, which renders the opening clip.
type GreetingConfig struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	TTSBackend       string `env:"TTS_BACKEND" envDefault:"mock"`
	ElevenLabsAPIKey string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsVoice  string `env:"ELEVENLABS_VOICE_ID"`
	ElevenLabsModel  string `env:"ELEVENLABS_MODEL_ID" envDefault:"eleven_multilingual_v2"`

	Text       string `env:"GREETING_TEXT" envDefault:"¡Hola! Soy tu tutor. ¿De qué quieres hablar hoy?"`
	Output     string `env:"GREETING_OUTPUT" envDefault:"static/greeting.ogg"`
	Bitrate    int    `env:"REPLY_BITRATE" envDefault:"32000"`
	ShowVoices bool   `env:"SHOW_VOICES" envDefault:"false"`
}

// LoadDotEnv reads a .env file when one exists.
func LoadDotEnv(logger *zap.Logger, files ...string) {
	if err := godotenv.Load(files...); err != nil {
		logger.Warn("No .env file loaded, using process environment", zap.Error(err))
	}
}

// LoadServer parses and validates the server configuration.
func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient parses and validates the client configuration.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// suggestionCatalog is the layout of a suggestions file:
//
//	suggestions:
//	  - title: At the Bakery
//	    description: Choose bread and pastries
type suggestionCatalog struct {
	Suggestions []entities.Suggestion `yaml:"suggestions"`
}

// LoadSuggestions reads a YAML catalog of practice topics.
func LoadSuggestions(path string) ([]entities.Suggestion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suggestions file: %w", err)
	}
	var catalog suggestionCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse suggestions file: %w", err)
	}
	if len(catalog.Suggestions) == 0 {
		return nil, fmt.Errorf("%w: %s lists no suggestions", ErrInvalid, path)
	}
	for i, s := range catalog.Suggestions {
		if s.Title == "" || s.Description == "" {
			return nil, fmt.Errorf("%w: suggestion %d needs a title and a description", ErrInvalid, i+1)
		}
	}
	return catalog.Suggestions, nil
}

// LoadGreeting parses and validates the greeting tool configuration.
func LoadGreeting() (*GreetingConfig, error) {
	cfg := &GreetingConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	switch cfg.TTSBackend {
	case BackendMock:
	case BackendEleven:
		if cfg.ElevenLabsAPIKey == "" {
			return nil, fmt.Errorf("%w: ELEVENLABS_API_KEY is required when TTS_BACKEND=elevenlabs", ErrInvalid)
		}
	default:
		return nil, fmt.Errorf("%w: unknown TTS_BACKEND %q", ErrInvalid, cfg.TTSBackend)
	}
	if cfg.Text == "" || cfg.Output == "" {
		return nil, fmt.Errorf("%w: GREETING_TEXT and GREETING_OUTPUT are required", ErrInvalid)
	}
	return cfg, nil
}

// Validate checks the keys each selected backend depends on.
func (c *ServerConfig) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: JWT_SECRET is required", ErrInvalid)
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("%w: JWT_SECRET must be at least 16 bytes", ErrInvalid)
	}

	switch c.Store {
	case StoreMemory:
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("%w: MONGODB_URI is required when STORE=mongo", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown STORE %q", ErrInvalid, c.Store)
	}

	switch c.STTBackend {
	case BackendMock, BackendGoogle:
	case BackendVosk:
		if c.VoskModel == "" {
			return fmt.Errorf("%w: VOSK_MODEL_PATH is required when STT_BACKEND=vosk", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown STT_BACKEND %q", ErrInvalid, c.STTBackend)
	}

	switch c.LLMProvider {
	case BackendMock:
	case BackendGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY is required when LLM_PROVIDER=gemini", ErrInvalid)
		}
	case BackendOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY is required when LLM_PROVIDER=openai", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown LLM_PROVIDER %q", ErrInvalid, c.LLMProvider)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: LLM_TEMPERATURE must be between 0 and 2, got %v", ErrInvalid, c.Temperature)
	}

	switch c.TTSBackend {
	case BackendMock:
	case BackendEleven:
		if c.ElevenLabsAPIKey == "" || c.ElevenLabsVoice == "" {
			return fmt.Errorf("%w: ELEVENLABS_API_KEY and ELEVENLABS_VOICE_ID are required when TTS_BACKEND=elevenlabs", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown TTS_BACKEND %q", ErrInvalid, c.TTSBackend)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("%w: MAX_UPLOAD_BYTES must be positive", ErrInvalid)
	}
	if c.IdleEviction <= 0 {
		return fmt.Errorf("%w: IDLE_EVICTION must be positive", ErrInvalid)
	}
	return nil
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("%w: SERVER_URL is required", ErrInvalid)
	}
	if c.CaptureCommand == "" && c.CaptureFile == "" {
		return fmt.Errorf("%w: CAPTURE_COMMAND or CAPTURE_FILE is required", ErrInvalid)
	}
	if c.NativeLanguage == c.TargetLanguage {
		return fmt.Errorf("%w: NATIVE_LANGUAGE and TARGET_LANGUAGE must differ", ErrInvalid)
	}
	return nil
}
