package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/adapters/llm"
	"github.com/jonmumm/escuchame2/adapters/memory"
	mongostore "github.com/jonmumm/escuchame2/adapters/mongo"
	"github.com/jonmumm/escuchame2/adapters/stt"
	"github.com/jonmumm/escuchame2/adapters/tts"
	"github.com/jonmumm/escuchame2/domain/repositories"
	"github.com/jonmumm/escuchame2/internal/api"
	"github.com/jonmumm/escuchame2/internal/audio"
	"github.com/jonmumm/escuchame2/internal/auth"
	"github.com/jonmumm/escuchame2/internal/config"
	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/logging"
	"github.com/jonmumm/escuchame2/internal/metrics"
	"github.com/jonmumm/escuchame2/internal/saga"
	"github.com/jonmumm/escuchame2/internal/saga/tutor"
	"github.com/jonmumm/escuchame2/internal/websocket"
	"github.com/jonmumm/escuchame2/usecase"
)

func main() {
	bootstrap, _ := zap.NewProduction()
	config.LoadDotEnv(bootstrap)

	cfg, err := config.LoadServer()
	if err != nil {
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		bootstrap.Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()

	// Storage
	var (
		repo  repositories.ConversationRepository
		store repositories.AudioStore
	)
	switch cfg.Store {
	case config.StoreMongo:
		client, err := mongostore.NewClient(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer client.Close(context.Background())

		convRepo := mongostore.NewConversationRepository(client.Database, logger)
		if err := convRepo.EnsureIndexes(ctx); err != nil {
			logger.Fatal("Failed to create indexes", zap.Error(err))
		}
		clips, err := mongostore.NewAudioStore(client.Database, logger)
		if err != nil {
			logger.Fatal("Failed to open audio bucket", zap.Error(err))
		}
		repo, store = convRepo, clips
	default:
		repo, store = memory.NewConversationRepository(), memory.NewAudioStore()
		logger.Info("Using in-memory storage")
	}

	// Speech-to-text
	var speechToText repositories.SpeechToText
	switch cfg.STTBackend {
	case config.BackendGoogle:
		g, err := stt.NewGoogleSpeechToText(ctx, logger)
		if err != nil {
			logger.Fatal("Failed to create Google speech client", zap.Error(err))
		}
		closers = append(closers, g)
		speechToText = g
	case config.BackendVosk:
		v, err := stt.NewVoskSpeechToText(cfg.VoskModel, logger)
		if err != nil {
			logger.Fatal("Failed to load Vosk model", zap.Error(err))
		}
		closers = append(closers, v)
		speechToText = v
	default:
		speechToText = stt.NewMockSpeechToText(logger)
	}

	// Tutor model
	var model repositories.LargeLanguageModel
	switch cfg.LLMProvider {
	case config.BackendGemini:
		model, err = llm.NewGeminiLLM(ctx, llm.GeminiConfig{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.GeminiModel,
			Temperature: cfg.Temperature,
		}, logger)
	case config.BackendOpenAI:
		model, err = llm.NewOpenAILLM(llm.OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIURL,
			Model:       cfg.OpenAIModel,
			Temperature: cfg.Temperature,
		}, logger)
	default:
		model = llm.NewMockLLM()
	}
	if err != nil {
		logger.Fatal("Failed to create LLM client", zap.Error(err))
	}

	// Text-to-speech
	var textToSpeech repositories.TextToSpeech
	switch cfg.TTSBackend {
	case config.BackendEleven:
		eleven, err := tts.NewElevenLabsTTS(tts.ElevenLabsConfig{
			APIKey:  cfg.ElevenLabsAPIKey,
			VoiceID: cfg.ElevenLabsVoice,
			ModelID: cfg.ElevenLabsModel,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create ElevenLabs client", zap.Error(err))
		}
		checkCtx, checkCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := eleven.CheckVoice(checkCtx); err != nil {
			logger.Warn("ElevenLabs voice check failed", zap.Error(err))
		}
		checkCancel()
		textToSpeech = eleven
	default:
		textToSpeech = tts.NewMockTTS(0, logger)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(registry)

	responder, err := tutor.NewResponder(tutor.Dependencies{
		Audio:   store,
		STT:     speechToText,
		LLM:     model,
		TTS:     textToSpeech,
		Bitrate: cfg.ReplyBitrate,
		Timeout: cfg.GenerationTimeout,
		Metrics: appMetrics,
	}, saga.NewManager(logger), logger)
	if err != nil {
		logger.Fatal("Failed to create tutor", zap.Error(err))
	}

	conversations := usecase.NewConversationService(repo, conversation.Config{
		Audio:     store,
		Inspector: audio.Inspector{},
		Responder: responder,
		Clock:     clock.New(),
		Greeting:  conversation.Greeting{AudioURL: cfg.GreetingAudioURL, Duration: cfg.GreetingDuration},
		MaxUpload: cfg.MaxUploadBytes,
	}, logger)
	defer conversations.Close()
	conversations.SetMetrics(appMetrics)
	if cfg.SuggestionsFile != "" {
		list, err := config.LoadSuggestions(cfg.SuggestionsFile)
		if err != nil {
			logger.Fatal("Failed to load suggestions", zap.Error(err))
		}
		conversations.SetSuggestions(list)
		logger.Info("Loaded suggestions", zap.Int("count", len(list)))
	}

	hub := websocket.NewHub(conversations, cfg.AllowedOrigins, logger)
	hub.SetMetrics(appMetrics)
	conversations.SetPublisher(hub)
	go hub.Run(ctx)

	cleanup := websocket.NewSessionCleanupService(conversations, cfg.EvictionSchedule, cfg.IdleEviction, logger)
	if err := cleanup.Start(); err != nil {
		logger.Fatal("Failed to start session cleanup", zap.Error(err))
	}
	defer cleanup.Stop()

	tokens, err := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		logger.Fatal("Failed to create token manager", zap.Error(err))
	}

	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: cfg.AllowedOrigins}))
	if cfg.StaticDir != "" {
		e.Static("/static", cfg.StaticDir)
	}

	api.InitRoutes(e, api.Dependencies{
		Conversations: conversations,
		Hub:           hub,
		Tokens:        tokens,
		TokenTTL:      cfg.TokenTTL,
		Metrics:       appMetrics,
		Gatherer:      registry,
	}, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.Store),
		zap.String("stt", cfg.STTBackend),
		zap.String("llm", cfg.LLMProvider),
		zap.String("tts", cfg.TTSBackend))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
