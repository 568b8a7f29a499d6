// Package audio implements the capture platform on top of raw PCM sources,
// along with the Opus-in-Ogg codec used for every recording and reply.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/internal/capture"
)

const defaultFrameDuration = 10 * time.Millisecond

// Opener opens a signed 16-bit little-endian mono PCM source at sampleRate.
type Opener func(ctx context.Context, sampleRate int) (io.ReadCloser, error)

// CommandOpener runs command for every session and reads PCM from its
// stdout. The literal {rate} in command is replaced by the requested rate.
func CommandOpener(command string) Opener {
	return func(_ context.Context, sampleRate int) (io.ReadCloser, error) {
		args := strings.Fields(strings.ReplaceAll(command, "{rate}", strconv.Itoa(sampleRate)))
		if len(args) == 0 {
			return nil, errors.New("capture command is empty")
		}

		cmd := exec.Command(args[0], args[1:]...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open capture pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start capture command %q: %w", args[0], err)
		}
		return &commandReader{ReadCloser: stdout, cmd: cmd}, nil
	}
}

// FileOpener reads PCM from a file, mostly useful for replaying a fixture.
func FileOpener(path string) Opener {
	return func(context.Context, int) (io.ReadCloser, error) {
		return os.Open(path)
	}
}

type commandReader struct {
	io.ReadCloser
	cmd  *exec.Cmd
	once sync.Once
}

func (r *commandReader) Close() error {
	r.once.Do(func() {
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		_ = r.ReadCloser.Close()
		_ = r.cmd.Wait()
	})
	return nil
}

// PCMPlatform is a capture.Platform over raw PCM sources.
type PCMPlatform struct {
	open          Opener
	frameDuration time.Duration
	logger        *zap.Logger
}

var _ capture.Platform = (*PCMPlatform)(nil)

func NewPCMPlatform(open Opener, logger *zap.Logger) *PCMPlatform {
	return &PCMPlatform{
		open:          open,
		frameDuration: defaultFrameDuration,
		logger:        logger,
	}
}

// Acquire starts the source and begins delivering frames to subscribers.
func (p *PCMPlatform) Acquire(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	if c.ChannelCount != 1 {
		return nil, fmt.Errorf("unsupported channel count %d", c.ChannelCount)
	}
	if !validOpusRate(c.SampleRate) {
		return nil, fmt.Errorf("unsupported sample rate %d", c.SampleRate)
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		p.logger.Debug("Raw PCM source ignores voice processing constraints")
	}

	src, err := p.open(ctx, c.SampleRate)
	if err != nil {
		return nil, err
	}

	frameSamples := int(int64(c.SampleRate) * int64(p.frameDuration) / int64(time.Second))
	s := newPCMStream(src, c.SampleRate, frameSamples, p.logger)
	go s.run()
	return s, nil
}

// OpenContext returns a fresh analysis context.
func (p *PCMPlatform) OpenContext(context.Context) (capture.AudioContext, error) {
	return NewContext(), nil
}

// PCMStream fans frames from one source out to every subscriber.
type PCMStream struct {
	src          io.ReadCloser
	rate         int
	frameSamples int
	logger       *zap.Logger

	mu   sync.Mutex
	subs map[int]func([]int16)
	next int

	track *pcmTrack
	done  chan struct{}
}

func newPCMStream(src io.ReadCloser, rate, frameSamples int, logger *zap.Logger) *PCMStream {
	s := &PCMStream{
		src:          src,
		rate:         rate,
		frameSamples: frameSamples,
		logger:       logger,
		subs:         make(map[int]func([]int16)),
		done:         make(chan struct{}),
	}
	s.track = &pcmTrack{src: src}
	return s
}

func (s *PCMStream) SampleRate() int { return s.rate }

func (s *PCMStream) Tracks() []capture.Track { return []capture.Track{s.track} }

func (s *PCMStream) Subscribe(fn func([]int16)) func() {
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

// Done is closed once the source is exhausted or stopped.
func (s *PCMStream) Done() <-chan struct{} { return s.done }

func (s *PCMStream) run() {
	defer close(s.done)

	buf := make([]byte, s.frameSamples*2)
	frame := make([]int16, s.frameSamples)
	for {
		if _, err := io.ReadFull(s.src, buf); err != nil {
			if !s.track.stopped() && !errors.Is(err, io.EOF) {
				s.logger.Warn("Capture source ended unexpectedly", zap.Error(err))
			}
			return
		}
		for i := range frame {
			frame[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
		}

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
}

type pcmTrack struct {
	src  io.Closer
	once sync.Once
	mu   sync.Mutex
	done bool
}

func (t *pcmTrack) Stop() {
	t.once.Do(func() {
		t.mu.Lock()
		t.done = true
		t.mu.Unlock()
		_ = t.src.Close()
	})
}

func (t *pcmTrack) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func validOpusRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}
