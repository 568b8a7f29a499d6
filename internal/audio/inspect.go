package audio

import (
	"fmt"
	"time"

	"github.com/jonmumm/escuchame2/internal/waveform"
)

const (
	inspectRate     = 16000
	inspectInterval = 16 * time.Millisecond
)

// Inspector measures uploaded Ogg/Opus recordings.
type Inspector struct {
	// Points is the waveform length; zero means waveform.DefaultPoints.
	Points int
}

// Inspect decodes data once and returns its duration and reduced waveform.
func (i Inspector) Inspect(data []byte) (time.Duration, []float64, error) {
	pcm, err := DecodeOggOpus(data, inspectRate)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to inspect recording: %w", err)
	}
	points := i.Points
	if points == 0 {
		points = waveform.DefaultPoints
	}
	trace := AmplitudeTrace(pcm, inspectRate, inspectInterval)
	return SamplesDuration(len(pcm), inspectRate), waveform.Reduce(trace, points), nil
}
