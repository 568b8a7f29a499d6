package repositories

import "context"

// TextToSpeech streams synthesized speech as signed 16-bit little-endian mono PCM.
type TextToSpeech interface {
	ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error)
	OutputSampleRate() int
}
