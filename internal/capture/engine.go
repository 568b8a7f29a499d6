// Package capture records one speech turn at a time from a microphone,
// metering its loudness while it runs and producing a playable Recording
// with a waveform when it stops.
package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/internal/waveform"
)

const (
	defaultTimeslice      = 100 * time.Millisecond
	defaultSampleInterval = 16 * time.Millisecond
)

// Recording is a finished speech turn. The receiver owns URL and must revoke
// it through the engine's ObjectURLs when done.
type Recording struct {
	URL      string
	MimeType string
	Data     []byte
	Base64   string
	Waveform []float64
	Duration time.Duration
}

// Config wires an Engine to its platform.
type Config struct {
	Platform Platform
	Encoders EncoderFactory

	// Optional.
	Prober         DurationProber
	URLs           *ObjectURLs
	Clock          clock.Clock
	Constraints    Constraints
	Analyser       AnalyserOptions
	Timeslice      time.Duration
	SampleInterval time.Duration
	WaveformPoints int
	// Listener receives capture events. It may be called from several
	// goroutines and must not block.
	Listener Listener
}

// Engine owns at most one recording session at a time.
type Engine struct {
	cfg    Config
	clock  clock.Clock
	urls   *ObjectURLs
	logger *zap.Logger

	mu      sync.Mutex
	actx    AudioContext
	session *session
}

type session struct {
	stream    Stream
	analyser  Analyser
	encoder   Encoder
	startedAt time.Time

	fragments [][]byte
	trace     []float64
	capturing bool
	stopping  bool

	halted      chan struct{}
	haltOnce    sync.Once
	samplerDone chan struct{}
	releaseOnce sync.Once
}

// NewEngine creates an idle engine.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.Platform == nil {
		return nil, errors.New("capture platform is required")
	}
	if cfg.Encoders == nil {
		return nil, errors.New("encoder factory is required")
	}
	if cfg.Constraints == (Constraints{}) {
		cfg.Constraints = DefaultConstraints()
	}
	if cfg.Analyser == (AnalyserOptions{}) {
		cfg.Analyser = DefaultAnalyserOptions()
	}
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = defaultTimeslice
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultSampleInterval
	}
	if cfg.WaveformPoints <= 0 {
		cfg.WaveformPoints = waveform.DefaultPoints
	}

	e := &Engine{
		cfg:    cfg,
		clock:  cfg.Clock,
		urls:   cfg.URLs,
		logger: logger,
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.urls == nil {
		e.urls = NewObjectURLs()
	}
	return e, nil
}

// URLs returns the registry recordings' URLs are minted from.
func (e *Engine) URLs() *ObjectURLs { return e.urls }

// IsCapturing reports whether audio is currently being recorded.
func (e *Engine) IsCapturing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil && e.session.capturing
}

// StartCapture acquires the microphone and begins recording. Anything
// acquired before a failure is released before returning.
func (e *Engine) StartCapture(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		return ErrAlreadyCapturing
	}

	if e.actx == nil {
		actx, err := e.cfg.Platform.OpenContext(ctx)
		if err != nil {
			return fmt.Errorf("%w: audio context: %v", ErrDeviceUnavailable, err)
		}
		e.actx = actx
	}

	stream, err := e.cfg.Platform.Acquire(ctx, e.cfg.Constraints)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	sess := &session{
		stream:      stream,
		startedAt:   e.clock.Now(),
		halted:      make(chan struct{}),
		samplerDone: make(chan struct{}),
	}

	analyser, err := e.actx.Analyser(stream, e.cfg.Analyser)
	if err != nil {
		sess.release()
		return fmt.Errorf("%w: analyser: %v", ErrDeviceUnavailable, err)
	}
	sess.analyser = analyser

	encoder, err := e.cfg.Encoders.NewEncoder(stream)
	if err != nil {
		sess.release()
		return fmt.Errorf("%w: %v", ErrEncodingFailure, err)
	}
	sess.encoder = encoder

	e.session = sess
	if err := encoder.Start(e.cfg.Timeslice, e.fragmentSink(sess)); err != nil {
		e.session = nil
		sess.release()
		return fmt.Errorf("%w: %v", ErrEncodingFailure, err)
	}

	sess.capturing = true
	ticker := e.clock.Ticker(e.cfg.SampleInterval)
	go e.runSampler(sess, ticker)

	e.logger.Info("Capture started",
		zap.Int("sampleRate", stream.SampleRate()),
		zap.String("mimeType", encoder.MimeType()))
	return nil
}

// StopCapture finalizes the active session and returns its Recording.
func (e *Engine) StopCapture(ctx context.Context) (*Recording, error) {
	e.mu.Lock()
	sess := e.session
	if sess == nil {
		e.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	if sess.stopping {
		e.mu.Unlock()
		return nil, ErrStopPending
	}
	sess.stopping = true
	sess.capturing = false
	sess.halt()
	e.mu.Unlock()

	<-sess.samplerDone
	encErr := sess.encoder.Stop(ctx)

	e.mu.Lock()
	if e.session != sess {
		e.mu.Unlock()
		sess.release()
		return nil, fmt.Errorf("%w: capture was disposed while stopping", ErrNoActiveSession)
	}
	e.session = nil
	fragments := sess.fragments
	trace := sess.trace
	e.mu.Unlock()

	sess.release()

	if encErr != nil {
		e.emit(CaptureEnded{Reason: EndFailed, Err: encErr})
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailure, encErr)
	}

	data := bytes.Join(fragments, nil)
	if len(data) == 0 {
		err := errors.New("encoder produced no audio")
		e.emit(CaptureEnded{Reason: EndFailed, Err: err})
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailure, err)
	}

	rec := &Recording{
		MimeType: sess.encoder.MimeType(),
		Data:     data,
		Base64:   base64.StdEncoding.EncodeToString(data),
		Waveform: waveform.Reduce(trace, e.cfg.WaveformPoints),
	}
	if e.cfg.Prober != nil {
		d, err := e.cfg.Prober.Duration(data)
		if err != nil {
			e.logger.Warn("Failed to measure recording duration", zap.Error(err))
		} else {
			rec.Duration = d
		}
	}
	rec.URL = e.urls.Create(data, rec.MimeType)

	e.logger.Info("Capture stopped",
		zap.Int("fragments", len(fragments)),
		zap.Int("bytes", len(data)),
		zap.Int("samples", len(trace)),
		zap.Duration("duration", rec.Duration),
		zap.Duration("wallClock", e.clock.Since(sess.startedAt)))

	e.emit(CaptureEnded{Reason: EndStopped})
	return rec, nil
}

// Dispose tears everything down, including the audio context. It is safe to
// call at any time, more than once, and while a stop is in flight.
func (e *Engine) Dispose() {
	e.mu.Lock()
	sess := e.session
	e.session = nil
	actx := e.actx
	e.actx = nil
	var stopping bool
	if sess != nil {
		stopping = sess.stopping
		sess.capturing = false
		sess.halt()
	}
	e.mu.Unlock()

	if sess != nil {
		<-sess.samplerDone
		if !stopping {
			if err := sess.encoder.Stop(context.Background()); err != nil {
				e.logger.Debug("Encoder stop during dispose failed", zap.Error(err))
			}
		}
		sess.release()
		e.emit(CaptureEnded{Reason: EndDisposed})
	}

	if actx != nil {
		if err := actx.Close(); err != nil {
			e.logger.Warn("Failed to close audio context", zap.Error(err))
		}
	}
}

func (e *Engine) fragmentSink(sess *session) func([]byte) {
	return func(fragment []byte) {
		if len(fragment) == 0 {
			return
		}
		e.mu.Lock()
		if e.session != sess {
			e.mu.Unlock()
			return
		}
		sess.fragments = append(sess.fragments, append([]byte(nil), fragment...))
		seq := len(sess.fragments) - 1
		e.mu.Unlock()

		e.emit(FragmentProduced{Seq: seq, Size: len(fragment)})
	}
}

// runSampler reads the analyser once per tick until the session stops.
func (e *Engine) runSampler(sess *session, ticker *clock.Ticker) {
	defer close(sess.samplerDone)
	defer ticker.Stop()

	bins := make([]byte, sess.analyser.FrequencyBinCount())
	for {
		select {
		case <-sess.halted:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		if e.session != sess || !sess.capturing {
			e.mu.Unlock()
			return
		}
		sess.analyser.ByteFrequencyData(bins)
		v := VoiceAmplitude(bins)
		sess.trace = append(sess.trace, v)
		idx := len(sess.trace) - 1
		e.mu.Unlock()

		e.emit(SampleCaptured{Index: idx, Value: v})
	}
}

func (e *Engine) emit(ev Event) {
	if e.cfg.Listener != nil {
		e.cfg.Listener(ev)
	}
}

func (s *session) halt() {
	s.haltOnce.Do(func() { close(s.halted) })
}

func (s *session) release() {
	s.releaseOnce.Do(func() {
		for _, t := range s.stream.Tracks() {
			t.Stop()
		}
		if s.analyser != nil {
			s.analyser.Disconnect()
		}
	})
}
