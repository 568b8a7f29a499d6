package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/repositories"
)

const mockWordMillis = 300

// MockTTS synthesizes a tone per word so the pipeline can run offline.
type MockTTS struct {
	sampleRate int
	logger     *zap.Logger
}

var _ repositories.TextToSpeech = (*MockTTS)(nil)

// NewMockTTS creates a mock text-to-speech service
func NewMockTTS(sampleRate int, logger *zap.Logger) *MockTTS {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &MockTTS{sampleRate: sampleRate, logger: logger}
}

func (m *MockTTS) OutputSampleRate() int { return m.sampleRate }

// ConvertTextToSpeech emits one 300 ms tone per word, one chunk per word.
func (m *MockTTS) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, fmt.Errorf("text cannot be empty")
	}
	m.logger.Info("Synthesizing mock speech", zap.Int("words", len(words)))

	n := m.sampleRate * mockWordMillis / 1000
	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		for i := range words {
			freq := 220 + 40*float64(i%5)
			chunk := make([]byte, n*2)
			for s := 0; s < n; s++ {
				// fade in and out so words are distinguishable in the waveform
				env := math.Sin(math.Pi * float64(s) / float64(n))
				v := 0.3 * env * math.Sin(2*math.Pi*freq*float64(s)/float64(m.sampleRate))
				binary.LittleEndian.PutUint16(chunk[2*s:], uint16(int16(v*math.MaxInt16)))
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
