package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/adapters/tts"
	"github.com/jonmumm/escuchame2/domain/repositories"
	"github.com/jonmumm/escuchame2/internal/audio"
	"github.com/jonmumm/escuchame2/internal/config"
	"github.com/jonmumm/escuchame2/internal/logging"
	"github.com/jonmumm/escuchame2/internal/waveform"
)

func main() {
	bootstrap, _ := zap.NewProduction()
	config.LoadDotEnv(bootstrap)

	cfg, err := config.LoadGreeting()
	if err != nil {
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := logging.New(cfg.LogLevel, true)
	if err != nil {
		bootstrap.Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var speech repositories.TextToSpeech
	switch cfg.TTSBackend {
	case config.BackendEleven:
		eleven, err := tts.NewElevenLabsTTS(tts.ElevenLabsConfig{
			APIKey:  cfg.ElevenLabsAPIKey,
			VoiceID: cfg.ElevenLabsVoice,
			ModelID: cfg.ElevenLabsModel,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create TTS service", zap.Error(err))
		}
		if cfg.ShowVoices {
			showVoices(ctx, eleven, logger)
		}
		speech = eleven
	default:
		speech = tts.NewMockTTS(0, logger)
	}

	logger.Info("Converting text to speech", zap.String("text", cfg.Text))

	chunks, err := speech.ConvertTextToSpeech(ctx, cfg.Text)
	if err != nil {
		logger.Fatal("Failed to convert text to speech", zap.Error(err))
	}

	var raw []byte
	chunkCount := 0
	for chunk := range chunks {
		if len(chunk) == 0 {
			logger.Warn("Received empty audio chunk")
			continue
		}
		raw = append(raw, chunk...)
		chunkCount++
	}
	if len(raw) == 0 {
		logger.Fatal("Text-to-speech returned no audio")
	}

	rate := speech.OutputSampleRate()
	pcm := audio.PCMFromBytes(raw)
	clip, err := audio.EncodeOggOpus(pcm, rate, cfg.Bitrate)
	if err != nil {
		logger.Fatal("Failed to encode greeting", zap.Error(err))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		logger.Fatal("Failed to create output directory", zap.Error(err))
	}
	if err := os.WriteFile(cfg.Output, clip, 0o644); err != nil {
		logger.Fatal("Failed to write greeting", zap.Error(err))
	}

	duration := audio.SamplesDuration(len(pcm), rate)
	logger.Info("Greeting written",
		zap.String("output", cfg.Output),
		zap.Int("chunks", chunkCount),
		zap.Int("bytes", len(clip)),
		zap.Duration("duration", duration))

	fmt.Printf("Greeting saved to %s (%s). Start the server with GREETING_DURATION=%s\n",
		cfg.Output, waveform.FormatDuration(duration), duration.Round(time.Millisecond))
}

func showVoices(ctx context.Context, eleven *tts.ElevenLabsTTS, logger *zap.Logger) {
	voices, err := eleven.GetAvailableVoices(ctx)
	if err != nil {
		logger.Warn("Failed to get available voices", zap.Error(err))
		return
	}
	fmt.Printf("Available voices (%d):\n", len(voices))
	for i, voice := range voices {
		if i >= 10 {
			fmt.Printf("... and %d more voices\n", len(voices)-10)
			break
		}
		fmt.Printf("  - %s (ID: %s)\n", voice.Name, voice.VoiceID)
	}
}
