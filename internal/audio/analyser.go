package audio

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/jonmumm/escuchame2/internal/capture"
)

// Context hosts analysers for the lifetime of a capture engine.
type Context struct {
	mu        sync.Mutex
	closed    bool
	analysers []*Analyser
}

var _ capture.AudioContext = (*Context)(nil)

func NewContext() *Context {
	return &Context{}
}

func (c *Context) Analyser(s capture.Stream, opts capture.AnalyserOptions) (capture.Analyser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("audio context is closed")
	}
	a, err := NewAnalyser(s, opts)
	if err != nil {
		return nil, err
	}
	c.analysers = append(c.analysers, a)
	return a, nil
}

// Close disconnects every analyser created by the context.
func (c *Context) Close() error {
	c.mu.Lock()
	analysers := c.analysers
	c.analysers = nil
	c.closed = true
	c.mu.Unlock()

	for _, a := range analysers {
		a.Disconnect()
	}
	return nil
}

// Analyser keeps the most recent FFTSize samples of a stream and reports
// their smoothed spectrum on demand, scaled to bytes between MinDecibels and
// MaxDecibels.
type Analyser struct {
	mu   sync.Mutex
	opts capture.AnalyserOptions

	fft      *fourier.FFT
	window   []float64
	ring     []float64
	pos      int
	scratch  []float64
	coeffs   []complex128
	smoothed []float64

	unsubscribe func()
	once        sync.Once
}

var _ capture.Analyser = (*Analyser)(nil)

// NewAnalyser subscribes to s. FFTSize must be a power of two of at least 32.
func NewAnalyser(s capture.Stream, opts capture.AnalyserOptions) (*Analyser, error) {
	n := opts.FFTSize
	if n < 32 || n&(n-1) != 0 {
		return nil, fmt.Errorf("fft size must be a power of two >= 32, got %d", n)
	}
	if opts.MaxDecibels <= opts.MinDecibels {
		return nil, fmt.Errorf("max decibels (%f) must exceed min decibels (%f)", opts.MaxDecibels, opts.MinDecibels)
	}
	if opts.SmoothingTimeConstant < 0 || opts.SmoothingTimeConstant > 1 {
		return nil, fmt.Errorf("smoothing must be within [0,1], got %f", opts.SmoothingTimeConstant)
	}

	a := &Analyser{
		opts:     opts,
		fft:      fourier.NewFFT(n),
		window:   blackman(n),
		ring:     make([]float64, n),
		scratch:  make([]float64, n),
		coeffs:   make([]complex128, n/2+1),
		smoothed: make([]float64, n/2),
	}
	a.unsubscribe = s.Subscribe(a.push)
	return a, nil
}

func (a *Analyser) FrequencyBinCount() int { return a.opts.FFTSize / 2 }

// ByteFrequencyData fills dst with up to FrequencyBinCount bins.
func (a *Analyser) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	for i := 0; i < n; i++ {
		a.scratch[i] = a.ring[(a.pos+i)%n] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.scratch)

	tau := a.opts.SmoothingTimeConstant
	scale := 255 / (a.opts.MaxDecibels - a.opts.MinDecibels)
	for k := 0; k < len(a.smoothed) && k < len(dst); k++ {
		mag := cmplx.Abs(a.coeffs[k]) / float64(n)
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*mag

		v := (20*math.Log10(a.smoothed[k]) - a.opts.MinDecibels) * scale
		switch {
		case math.IsNaN(v) || v <= 0:
			dst[k] = 0
		case v >= 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
}

func (a *Analyser) Disconnect() {
	a.once.Do(func() {
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
	})
}

func (a *Analyser) push(frame []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.ring)
	for _, v := range frame {
		a.ring[a.pos] = float64(v) / 32768
		a.pos = (a.pos + 1) % n
	}
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}
