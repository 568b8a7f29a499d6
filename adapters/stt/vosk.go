package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	vosk "github.com/alphacep/vosk-api/go"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/repositories"
	"github.com/jonmumm/escuchame2/internal/audio"
)

// voskSampleRate is the rate recordings are decoded to before recognition.
const voskSampleRate = 16000

// VoskSpeechToText recognizes speech offline with a local Vosk model. A
// model covers a single language.
type VoskSpeechToText struct {
	model  *vosk.VoskModel
	logger *zap.Logger
}

var _ repositories.SpeechToText = (*VoskSpeechToText)(nil)

type voskResult struct {
	Text string `json:"text"`
}

// NewVoskSpeechToText loads the model at modelPath.
func NewVoskSpeechToText(modelPath string, logger *zap.Logger) (*VoskSpeechToText, error) {
	logger.Info("Loading Vosk model", zap.String("modelPath", modelPath))

	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load Vosk model from %s: %w", modelPath, err)
	}
	return &VoskSpeechToText{model: model, logger: logger}, nil
}

// TranscribeAudio decodes an Ogg Opus recording and runs it through a
// fresh recognizer; recognizers are not safe for concurrent use.
func (v *VoskSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	if config.Encoding != "OGG_OPUS" {
		return "", fmt.Errorf("unsupported encoding: %s", config.Encoding)
	}

	pcm, err := audio.DecodeOggOpus(audioData, voskSampleRate)
	if err != nil {
		return "", fmt.Errorf("failed to decode recording: %w", err)
	}
	if len(pcm) == 0 {
		return "", fmt.Errorf("no audio data received")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	recognizer, err := vosk.NewRecognizer(v.model, voskSampleRate)
	if err != nil {
		return "", fmt.Errorf("failed to create Vosk recognizer: %w", err)
	}
	defer recognizer.Free()

	var segments []string
	buf := audio.PCMToBytes(pcm)
	// one second per call keeps cancellation responsive
	step := voskSampleRate * 2
	for off := 0; off < len(buf); off += step {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		end := min(off+step, len(buf))
		switch recognizer.AcceptWaveform(buf[off:end]) {
		case -1:
			return "", fmt.Errorf("failed to process audio chunk")
		case 1:
			if text := parseVoskText(recognizer.Result()); text != "" {
				segments = append(segments, text)
			}
		}
	}
	if text := parseVoskText(recognizer.FinalResult()); text != "" {
		segments = append(segments, text)
	}

	transcription := strings.Join(segments, " ")
	if transcription == "" {
		return "", fmt.Errorf("no speech detected in audio")
	}

	v.logger.Debug("Vosk transcription completed",
		zap.Int("samples", len(pcm)),
		zap.String("language", config.Language),
		zap.Int("textLength", len(transcription)))
	return transcription, nil
}

// Close frees the model.
func (v *VoskSpeechToText) Close() error {
	if v.model != nil {
		v.model.Free()
	}
	return nil
}

func parseVoskText(raw string) string {
	if raw == "" {
		return ""
	}
	var r voskResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return ""
	}
	return strings.TrimSpace(r.Text)
}
