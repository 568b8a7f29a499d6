package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// PCMFromBytes reads signed 16-bit little-endian samples. A trailing odd
// byte is ignored.
func PCMFromBytes(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// PCMToBytes writes samples as signed 16-bit little-endian.
func PCMToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// AmplitudeTrace measures loudness over consecutive windows of interval,
// using the same doubling and clamp as the live meter so replies and
// recordings draw alike.
func AmplitudeTrace(pcm []int16, sampleRate int, interval time.Duration) []float64 {
	window := int(int64(sampleRate) * int64(interval) / int64(time.Second))
	if window < 1 || len(pcm) == 0 {
		return nil
	}

	trace := make([]float64, 0, len(pcm)/window+1)
	for start := 0; start < len(pcm); start += window {
		end := start + window
		if end > len(pcm) {
			end = len(pcm)
		}
		var sum float64
		for _, v := range pcm[start:end] {
			f := float64(v) / 32768
			sum += f * f
		}
		rms := math.Sqrt(sum / float64(end-start))
		trace = append(trace, math.Min(1, rms*2))
	}
	return trace
}
