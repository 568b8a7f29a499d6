// Package waveform turns amplitude traces into the fixed-size waveforms shown
// next to every message, and carries the small helpers a player needs to draw
// playback progress over them.
package waveform

const (
	// DefaultPoints is the number of bars rendered for a message.
	DefaultPoints = 32

	// Floor keeps silent stretches visible.
	Floor = 0.4
	// Range is the span above Floor that loudness can occupy.
	Range = 0.6

	emptyLevel = 0.5
)

// Reduce compresses an amplitude trace with values in [0,1] into exactly
// targetLength points in [Floor, Floor+Range].
//
// The trace is split into consecutive chunks of max(1, len/targetLength)
// samples. Leftover samples after the last chunk are dropped, and chunks that
// start past the end of a short trace count as silence. An empty trace yields
// a flat line at 0.5.
func Reduce(trace []float64, targetLength int) []float64 {
	if targetLength < 0 {
		panic("waveform: negative target length")
	}

	if len(trace) == 0 {
		return Flat(targetLength, emptyLevel)
	}
	out := make([]float64, targetLength)
	if targetLength == 0 {
		return out
	}

	chunk := len(trace) / targetLength
	if chunk < 1 {
		chunk = 1
	}

	for i := range out {
		start := i * chunk
		end := start + chunk
		if end > len(trace) {
			end = len(trace)
		}

		var mean float64
		if start < end {
			var sum float64
			for _, v := range trace[start:end] {
				sum += v
			}
			mean = sum / float64(end-start)
		}
		out[i] = Floor + mean*Range
	}
	return out
}

// Flat returns a waveform of n identical points, used where no trace exists.
func Flat(n int, level float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = level
	}
	return out
}
