package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"layeh.com/gopus"

	"github.com/jonmumm/escuchame2/internal/capture"
)

var opusTagsSignature = []byte("OpusTags")

// DecodeOggOpus decodes a recording to mono PCM at sampleRate. Each Ogg page
// is expected to carry one Opus packet, which is how this package writes
// them.
func DecodeOggOpus(data []byte, sampleRate int) ([]int16, error) {
	if !validOpusRate(sampleRate) {
		return nil, fmt.Errorf("opus does not decode to %d Hz", sampleRate)
	}

	reader, header, err := oggreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read ogg header: %w", err)
	}
	channels := int(header.Channels)
	if channels < 1 {
		channels = 1
	}

	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	maxFrame := sampleRate * 120 / 1000

	var pcm []int16
	for {
		payload, _, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read ogg page: %w", err)
		}
		if len(payload) == 0 || bytes.HasPrefix(payload, opusTagsSignature) {
			continue
		}

		out, err := dec.Decode(payload, maxFrame, false)
		if err != nil {
			return nil, fmt.Errorf("failed to decode opus packet: %w", err)
		}
		pcm = append(pcm, downmix(out, channels)...)
	}

	skip := int(header.PreSkip) * sampleRate / opusGranuleRate
	if skip >= len(pcm) {
		return nil, nil
	}
	return pcm[skip:], nil
}

// OggOpusProber measures recordings by decoding them.
type OggOpusProber struct{}

var _ capture.DurationProber = OggOpusProber{}

func (OggOpusProber) Duration(data []byte) (time.Duration, error) {
	pcm, err := DecodeOggOpus(data, opusGranuleRate)
	if err != nil {
		return 0, err
	}
	return SamplesDuration(len(pcm), opusGranuleRate), nil
}

// SamplesDuration converts a mono sample count to a duration.
func SamplesDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

func downmix(interleaved []int16, channels int) []int16 {
	if channels == 1 {
		return interleaved
	}
	out := make([]int16, len(interleaved)/channels)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(interleaved[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}
