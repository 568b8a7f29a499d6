package capture

import (
	"context"
	"time"
)

// Constraints are the microphone settings requested when a session starts.
type Constraints struct {
	ChannelCount     int
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints asks for mono speech at the Opus native rate with the
// usual voice processing enabled.
func DefaultConstraints() Constraints {
	return Constraints{
		ChannelCount:     1,
		SampleRate:       48000,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// AnalyserOptions configure the frequency-domain tap used for the level meter.
type AnalyserOptions struct {
	FFTSize               int
	MinDecibels           float64
	MaxDecibels           float64
	SmoothingTimeConstant float64
}

// DefaultAnalyserOptions matches the tap the level meter was tuned against.
func DefaultAnalyserOptions() AnalyserOptions {
	return AnalyserOptions{
		FFTSize:               1024,
		MinDecibels:           -90,
		MaxDecibels:           -10,
		SmoothingTimeConstant: 0.4,
	}
}

// Platform is the media subsystem a capture engine draws on.
type Platform interface {
	// Acquire opens the microphone.
	Acquire(ctx context.Context, c Constraints) (Stream, error)
	// OpenContext opens the audio processing context that hosts analysis taps.
	OpenContext(ctx context.Context) (AudioContext, error)
}

// Stream is a live microphone stream.
type Stream interface {
	SampleRate() int
	// Subscribe registers fn for every PCM frame; the returned func removes it.
	// Frames are delivered from the stream's own goroutine and must not be
	// retained.
	Subscribe(fn func(frame []int16)) (unsubscribe func())
	Tracks() []Track
}

// Track is one device track of a stream. Stop releases the device and must be
// safe to call more than once.
type Track interface {
	Stop()
}

// AudioContext owns analysis nodes. It lives across recording sessions and is
// closed only on dispose.
type AudioContext interface {
	Analyser(s Stream, opts AnalyserOptions) (Analyser, error)
	Close() error
}

// Analyser exposes the current spectrum of a stream as bytes in [0,255].
type Analyser interface {
	FrequencyBinCount() int
	ByteFrequencyData(dst []byte)
	Disconnect()
}

// EncoderFactory builds the compressed-audio encoder for a session.
type EncoderFactory interface {
	NewEncoder(s Stream) (Encoder, error)
}

// Encoder turns a stream into a compressed container, emitting the container
// as fragments while it runs.
type Encoder interface {
	// Start begins encoding. sink receives fragments in order, roughly every
	// timeslice of audio.
	Start(timeslice time.Duration, sink func(fragment []byte)) error
	// Stop flushes the remaining audio through sink and finalizes the
	// container. Calling it again returns the first result.
	Stop(ctx context.Context) error
	MimeType() string
}

// DurationProber measures the playable length of an encoded recording.
type DurationProber interface {
	Duration(data []byte) (time.Duration, error)
}
