package capture

const (
	voiceBinStart = 2
	voiceBinEnd   = 6
	voiceGain     = 2
)

// VoiceAmplitude reduces one spectrum snapshot to a loudness value in [0,1].
// Only the low bins that carry most voiced energy are averaged, and the
// result is boosted so normal speech reaches the top of the meter.
func VoiceAmplitude(bins []byte) float64 {
	end := voiceBinEnd
	if end > len(bins) {
		end = len(bins)
	}
	if end <= voiceBinStart {
		return 0
	}

	var sum int
	for _, b := range bins[voiceBinStart:end] {
		sum += int(b)
	}
	v := float64(sum) / float64((voiceBinEnd-voiceBinStart)*255)
	v *= voiceGain
	if v > 1 {
		return 1
	}
	return v
}
