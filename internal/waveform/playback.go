package waveform

import (
	"fmt"
	"math"
	"time"
)

// Progress returns the fraction of a clip that has been played, clamped to
// [0,1]. A zero duration reports no progress.
func Progress(position, duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	p := float64(position) / float64(duration)
	return math.Max(0, math.Min(1, p))
}

// ProgressIndex is the number of waveform bars that should be drawn as
// already played for the given progress fraction.
func ProgressIndex(points int, fraction float64) int {
	if points <= 0 || fraction <= 0 {
		return 0
	}
	if fraction >= 1 {
		return points
	}
	return int(math.Floor(float64(points) * fraction))
}

// FormatDuration renders a clip length as m:ss.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
