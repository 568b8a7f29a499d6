package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"
)

type fakeTrack struct {
	stops int32
}

func (t *fakeTrack) Stop() { atomic.AddInt32(&t.stops, 1) }

type fakeStream struct {
	track *fakeTrack
}

func (s *fakeStream) SampleRate() int { return 48000 }
func (s *fakeStream) Subscribe(func([]int16)) func() { return func() {} }
func (s *fakeStream) Tracks() []Track { return []Track{s.track} }

type fakeAnalyser struct {
	mu           sync.Mutex
	bins         []byte
	disconnected bool
}

func (a *fakeAnalyser) FrequencyBinCount() int { return 512 }

func (a *fakeAnalyser) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(dst, a.bins)
}

func (a *fakeAnalyser) Disconnect() {
	a.mu.Lock()
	a.disconnected = true
	a.mu.Unlock()
}

type fakeContext struct {
	analyser *fakeAnalyser
	closed   int32
}

func (c *fakeContext) Analyser(Stream, AnalyserOptions) (Analyser, error) { return c.analyser, nil }
func (c *fakeContext) Close() error {
	atomic.AddInt32(&c.closed, 1)
	return nil
}

type fakePlatform struct {
	acquireCalls int32
	contextCalls int32
	acquireErr   error
	stream       *fakeStream
	ctx          *fakeContext
}

func (p *fakePlatform) Acquire(context.Context, Constraints) (Stream, error) {
	atomic.AddInt32(&p.acquireCalls, 1)
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return p.stream, nil
}

func (p *fakePlatform) OpenContext(context.Context) (AudioContext, error) {
	atomic.AddInt32(&p.contextCalls, 1)
	return p.ctx, nil
}

type fakeEncoder struct {
	mu      sync.Mutex
	sink    func([]byte)
	final   [][]byte
	stopErr error
	// block, when set, holds Stop until it is closed.
	block    chan struct{}
	stopping chan struct{}
}

func (e *fakeEncoder) Start(_ time.Duration, sink func([]byte)) error {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
	return nil
}

func (e *fakeEncoder) Stop(context.Context) error {
	if e.stopping != nil {
		close(e.stopping)
	}
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	for _, f := range e.final {
		sink(f)
	}
	return e.stopErr
}

func (e *fakeEncoder) MimeType() string { return "audio/ogg; codecs=opus" }

func (e *fakeEncoder) emit(f []byte) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	sink(f)
}

type fakeEncoders struct{ enc *fakeEncoder }

func (f fakeEncoders) NewEncoder(Stream) (Encoder, error) { return f.enc, nil }

type fixedProber time.Duration

func (p fixedProber) Duration([]byte) (time.Duration, error) { return time.Duration(p), nil }

type harness struct {
	engine   *Engine
	platform *fakePlatform
	encoder  *fakeEncoder
	analyser *fakeAnalyser
	clock    *clock.Mock
	events   chan Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		analyser: &fakeAnalyser{bins: make([]byte, 512)},
		encoder:  &fakeEncoder{},
		clock:    clock.NewMock(),
		events:   make(chan Event, 64),
	}
	h.platform = &fakePlatform{
		stream: &fakeStream{track: &fakeTrack{}},
		ctx:    &fakeContext{analyser: h.analyser},
	}

	engine, err := NewEngine(Config{
		Platform: h.platform,
		Encoders: fakeEncoders{enc: h.encoder},
		Prober:   fixedProber(2 * time.Second),
		Clock:    h.clock,
		Listener: func(ev Event) {
			select {
			case h.events <- ev:
			default:
			}
		},
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	h.engine = engine
	return h
}

func TestEngine_StopWithoutStart(t *testing.T) {
	h := newHarness(t)

	rec, err := h.engine.StopCapture(context.Background())
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Expected ErrNoActiveSession, got %v", err)
	}
	if rec != nil {
		t.Error("Expected no recording")
	}
	if h.platform.acquireCalls != 0 || h.platform.contextCalls != 0 {
		t.Errorf("Expected no device I/O, got %d acquires and %d contexts",
			h.platform.acquireCalls, h.platform.contextCalls)
	}
}

func TestEngine_FragmentsConcatenateInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.engine.StartCapture(ctx); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	if !h.engine.IsCapturing() {
		t.Fatal("Expected engine to be capturing")
	}

	h.encoder.emit([]byte("first-"))
	h.encoder.emit([]byte("second-"))
	h.encoder.final = [][]byte{[]byte("third")}

	rec, err := h.engine.StopCapture(ctx)
	if err != nil {
		t.Fatalf("StopCapture failed: %v", err)
	}

	want := []byte("first-second-third")
	if !bytes.Equal(rec.Data, want) {
		t.Errorf("Expected %q, got %q", want, rec.Data)
	}
	if rec.Base64 != base64.StdEncoding.EncodeToString(want) {
		t.Error("Base64 does not match the recording bytes")
	}
	if len(rec.Waveform) != 32 {
		t.Errorf("Expected 32 waveform points, got %d", len(rec.Waveform))
	}
	if rec.Duration != 2*time.Second {
		t.Errorf("Expected duration 2s, got %s", rec.Duration)
	}
	if data, _, ok := h.engine.URLs().Open(rec.URL); !ok || !bytes.Equal(data, want) {
		t.Error("Expected recording URL to resolve to the recording bytes")
	}
	if h.engine.IsCapturing() {
		t.Error("Expected engine to be idle after stop")
	}
	if stops := atomic.LoadInt32(&h.platform.stream.track.stops); stops != 1 {
		t.Errorf("Expected track stopped once, got %d", stops)
	}
	if !h.analyser.disconnected {
		t.Error("Expected analyser to be disconnected")
	}

	fragments := 0
	for len(h.events) > 0 {
		if _, ok := (<-h.events).(FragmentProduced); ok {
			fragments++
		}
	}
	if fragments != 3 {
		t.Errorf("Expected 3 fragment events, got %d", fragments)
	}
}

func TestEngine_StartTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.engine.StartCapture(ctx); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	defer h.engine.Dispose()

	if err := h.engine.StartCapture(ctx); !errors.Is(err, ErrAlreadyCapturing) {
		t.Errorf("Expected ErrAlreadyCapturing, got %v", err)
	}
	if h.platform.acquireCalls != 1 {
		t.Errorf("Expected 1 acquire, got %d", h.platform.acquireCalls)
	}
}

func TestEngine_DeviceUnavailable(t *testing.T) {
	h := newHarness(t)
	h.platform.acquireErr = errors.New("permission denied")

	err := h.engine.StartCapture(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}
	if h.engine.IsCapturing() {
		t.Error("Expected engine to stay idle")
	}

	h.platform.acquireErr = nil
	if err := h.engine.StartCapture(context.Background()); err != nil {
		t.Errorf("Expected retry to succeed, got %v", err)
	}
	h.engine.Dispose()
}

func TestEngine_SamplerFeedsWaveform(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.analyser.bins[2], h.analyser.bins[3], h.analyser.bins[4], h.analyser.bins[5] = 255, 255, 255, 255

	if err := h.engine.StartCapture(ctx); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	h.clock.Add(16 * time.Millisecond)

	deadline := time.After(2 * time.Second)
	for sampled := false; !sampled; {
		select {
		case ev := <-h.events:
			if s, ok := ev.(SampleCaptured); ok {
				if s.Value != 1 {
					t.Errorf("Expected amplitude 1, got %f", s.Value)
				}
				sampled = true
			}
		case <-deadline:
			t.Fatal("Timed out waiting for amplitude sample")
		}
	}

	h.encoder.final = [][]byte{[]byte("audio")}
	rec, err := h.engine.StopCapture(ctx)
	if err != nil {
		t.Fatalf("StopCapture failed: %v", err)
	}
	if math.Abs(rec.Waveform[0]-1.0) > 1e-9 {
		t.Errorf("Expected first waveform point 1.0, got %f", rec.Waveform[0])
	}
}

func TestEngine_EncodingFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.encoder.stopErr = errors.New("encoder crashed")

	if err := h.engine.StartCapture(ctx); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	rec, err := h.engine.StopCapture(ctx)
	if !errors.Is(err, ErrEncodingFailure) {
		t.Fatalf("Expected ErrEncodingFailure, got %v", err)
	}
	if rec != nil {
		t.Error("Expected no recording")
	}
	if atomic.LoadInt32(&h.platform.stream.track.stops) != 1 {
		t.Error("Expected device released after encoding failure")
	}
	if h.engine.IsCapturing() {
		t.Error("Expected engine to be idle")
	}
}

func TestEngine_DisposeDuringCapture(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.engine.StartCapture(ctx); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	h.engine.Dispose()

	if h.engine.IsCapturing() {
		t.Error("Expected engine to stop capturing after dispose")
	}
	if atomic.LoadInt32(&h.platform.stream.track.stops) != 1 {
		t.Error("Expected track to be stopped")
	}
	if atomic.LoadInt32(&h.platform.ctx.closed) != 1 {
		t.Error("Expected audio context to be closed")
	}
	if _, err := h.engine.StopCapture(ctx); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession after dispose, got %v", err)
	}

	// Idempotent.
	h.engine.Dispose()
	if atomic.LoadInt32(&h.platform.ctx.closed) != 1 {
		t.Error("Expected audio context closed only once")
	}
}

func TestEngine_DisposeWhileStopping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.encoder.block = make(chan struct{})
	h.encoder.stopping = make(chan struct{})

	if err := h.engine.StartCapture(ctx); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := h.engine.StopCapture(ctx)
		result <- err
	}()
	<-h.encoder.stopping

	if _, err := h.engine.StopCapture(ctx); !errors.Is(err, ErrStopPending) {
		t.Errorf("Expected ErrStopPending for a second stop, got %v", err)
	}

	h.engine.Dispose()
	close(h.encoder.block)

	if err := <-result; !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Expected the losing stop to report ErrNoActiveSession, got %v", err)
	}
	if stops := atomic.LoadInt32(&h.platform.stream.track.stops); stops != 1 {
		t.Errorf("Expected track released exactly once, got %d", stops)
	}
}

func TestVoiceAmplitude(t *testing.T) {
	tests := []struct {
		name string
		bins []byte
		want float64
	}{
		{name: "silence", bins: make([]byte, 16), want: 0},
		{name: "quarter level doubles", bins: []byte{0, 0, 64, 64, 64, 64, 255}, want: 2 * 64.0 / 255},
		{name: "clamped", bins: []byte{0, 0, 200, 200, 200, 200}, want: 1},
		{name: "too few bins", bins: []byte{255, 255}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VoiceAmplitude(tt.bins); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("VoiceAmplitude() = %f, want %f", got, tt.want)
			}
		})
	}
}
