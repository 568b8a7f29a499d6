package audio

import (
	"bytes"
	"context"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/jonmumm/escuchame2/internal/capture"
)

// manualStream lets tests push frames synchronously.
type manualStream struct {
	mu   sync.Mutex
	rate int
	subs map[int]func([]int16)
	next int
}

func newManualStream(rate int) *manualStream {
	return &manualStream{rate: rate, subs: make(map[int]func([]int16))}
}

func (s *manualStream) SampleRate() int          { return s.rate }
func (s *manualStream) Tracks() []capture.Track { return nil }

func (s *manualStream) Subscribe(fn func([]int16)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *manualStream) push(frame []int16) {
	s.mu.Lock()
	fns := make([]func([]int16), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(frame)
	}
}

func sine(freq float64, rate int, d time.Duration, amp float64) []int16 {
	n := int(int64(rate) * int64(d) / int64(time.Second))
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestAnalyser_SilenceAndTone(t *testing.T) {
	stream := newManualStream(48000)
	a, err := NewAnalyser(stream, capture.DefaultAnalyserOptions())
	if err != nil {
		t.Fatalf("NewAnalyser failed: %v", err)
	}
	defer a.Disconnect()

	bins := make([]byte, a.FrequencyBinCount())
	a.ByteFrequencyData(bins)
	for i, b := range bins {
		if b != 0 {
			t.Fatalf("Expected silent spectrum, bin %d = %d", i, b)
		}
	}

	// Bin width is 48000/1024 Hz; put a loud tone in bin 4.
	freq := 4 * 48000.0 / 1024
	stream.push(sine(freq, 48000, 50*time.Millisecond, 0.8))
	for i := 0; i < 5; i++ {
		a.ByteFrequencyData(bins)
	}

	if bins[4] < 200 {
		t.Errorf("Expected strong energy in bin 4, got %d", bins[4])
	}
	if bins[200] >= bins[4] {
		t.Errorf("Expected far bin quieter than the tone, got %d vs %d", bins[200], bins[4])
	}
	if amp := capture.VoiceAmplitude(bins); amp <= 0.3 {
		t.Errorf("Expected tone to register on the meter, got %f", amp)
	}
}

func TestAnalyser_RejectsBadOptions(t *testing.T) {
	stream := newManualStream(48000)
	opts := capture.DefaultAnalyserOptions()
	opts.FFTSize = 1000
	if _, err := NewAnalyser(stream, opts); err == nil {
		t.Error("Expected error for non power-of-two fft size")
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	pcm := sine(440, 48000, time.Second, 0.5)

	data, err := EncodeOggOpus(pcm, 48000, 0)
	if err != nil {
		t.Fatalf("EncodeOggOpus failed: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("OggS")) {
		t.Fatal("Expected an Ogg container")
	}

	d, err := OggOpusProber{}.Duration(data)
	if err != nil {
		t.Fatalf("Duration failed: %v", err)
	}
	if d < 800*time.Millisecond || d > time.Second {
		t.Errorf("Expected roughly one second of audio, got %s", d)
	}

	decoded, err := DecodeOggOpus(data, 16000)
	if err != nil {
		t.Fatalf("DecodeOggOpus failed: %v", err)
	}
	if got := SamplesDuration(len(decoded), 16000); math.Abs(float64(got-d)) > float64(time.Millisecond) {
		t.Errorf("Expected decode rate not to change duration, got %s vs %s", got, d)
	}
}

func TestOggOpusEncoder_Fragments(t *testing.T) {
	stream := newManualStream(48000)
	enc := NewOggOpusEncoder(stream, 0)

	var fragments [][]byte
	if err := enc.Start(100*time.Millisecond, func(f []byte) {
		fragments = append(fragments, f)
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	tone := sine(300, 48000, 500*time.Millisecond, 0.5)
	for len(tone) >= 480 {
		stream.push(tone[:480])
		tone = tone[480:]
	}

	if err := enc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := enc.Stop(context.Background()); err != nil {
		t.Errorf("Expected second Stop to be a no-op, got %v", err)
	}

	if len(fragments) < 4 {
		t.Fatalf("Expected a fragment per 100ms, got %d", len(fragments))
	}

	// Frames after stop are ignored.
	stream.push(make([]int16, 960))

	d, err := OggOpusProber{}.Duration(bytes.Join(fragments, nil))
	if err != nil {
		t.Fatalf("Concatenated fragments did not decode: %v", err)
	}
	if d <= 0 || d > 500*time.Millisecond {
		t.Errorf("Unexpected duration %s", d)
	}
}

func TestPCMPlatform_DeliversFrames(t *testing.T) {
	pr, pw := io.Pipe()
	platform := NewPCMPlatform(func(context.Context, int) (io.ReadCloser, error) {
		return pr, nil
	}, zaptest.NewLogger(t))

	stream, err := platform.Acquire(context.Background(), capture.DefaultConstraints())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	var mu sync.Mutex
	received := 0
	stream.Subscribe(func(frame []int16) {
		mu.Lock()
		received += len(frame)
		mu.Unlock()
	})

	go func() {
		pw.Write(PCMToBytes(make([]int16, 4800)))
		pw.Close()
	}()

	select {
	case <-stream.(*PCMStream).Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the stream to drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if received != 4800 {
		t.Errorf("Expected 4800 samples, got %d", received)
	}

	for _, tr := range stream.Tracks() {
		tr.Stop()
		tr.Stop()
	}
}

func TestPCMPlatform_RejectsStereo(t *testing.T) {
	platform := NewPCMPlatform(FileOpener("/nonexistent"), zaptest.NewLogger(t))
	c := capture.DefaultConstraints()
	c.ChannelCount = 2
	if _, err := platform.Acquire(context.Background(), c); err == nil {
		t.Error("Expected stereo capture to be rejected")
	}
}

func TestAmplitudeTrace(t *testing.T) {
	pcm := append(make([]int16, 4800), sine(200, 48000, 100*time.Millisecond, 1)...)
	trace := AmplitudeTrace(pcm, 48000, 50*time.Millisecond)

	if len(trace) != 4 {
		t.Fatalf("Expected 4 windows, got %d", len(trace))
	}
	if trace[0] != 0 || trace[1] != 0 {
		t.Errorf("Expected silent windows first, got %v", trace[:2])
	}
	if trace[2] < 0.9 {
		t.Errorf("Expected loud window near 1, got %f", trace[2])
	}
}
