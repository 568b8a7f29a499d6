package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"layeh.com/gopus"

	"github.com/jonmumm/escuchame2/internal/capture"
)

const (
	// MimeOggOpus is the container type of every recording and reply.
	MimeOggOpus = "audio/ogg; codecs=opus"

	opusFrameDuration = 20 * time.Millisecond
	// Opus granule positions always count 48 kHz samples.
	opusGranuleRate  = 48000
	maxOpusPacket    = 4000
	opusPayloadType  = 111
	defaultOpusSSRC  = 0x65736361
	defaultBitrateBs = 32000
)

// muxer encodes 20 ms PCM frames and wraps each packet in its own Ogg page.
type muxer struct {
	enc       *gopus.Encoder
	ogg       *oggwriter.OggWriter
	frameSize int
	timestamp uint32
	seq       uint16
}

func newMuxer(w io.Writer, sampleRate, bitrate int) (*muxer, error) {
	if !validOpusRate(sampleRate) {
		return nil, fmt.Errorf("opus does not support %d Hz", sampleRate)
	}
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if bitrate <= 0 {
		bitrate = defaultBitrateBs
	}
	enc.SetBitrate(bitrate)

	ogg, err := oggwriter.NewWith(w, uint32(sampleRate), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create ogg writer: %w", err)
	}

	return &muxer{
		enc:       enc,
		ogg:       ogg,
		frameSize: sampleRate * int(opusFrameDuration/time.Millisecond) / 1000,
	}, nil
}

func (m *muxer) writeFrame(pcm []int16) error {
	data, err := m.enc.Encode(pcm, m.frameSize, maxOpusPacket)
	if err != nil {
		return fmt.Errorf("failed to encode opus frame: %w", err)
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: m.seq,
			Timestamp:      m.timestamp,
			SSRC:           defaultOpusSSRC,
		},
		Payload: data,
	}
	m.seq++
	m.timestamp += uint32(opusGranuleRate * opusFrameDuration / time.Second)

	if err := m.ogg.WriteRTP(pkt); err != nil {
		return fmt.Errorf("failed to write ogg page: %w", err)
	}
	return nil
}

// writeTail pads a partial frame with silence and encodes it.
func (m *muxer) writeTail(pcm []int16) error {
	if len(pcm) == 0 {
		return nil
	}
	frame := make([]int16, m.frameSize)
	copy(frame, pcm)
	return m.writeFrame(frame)
}

func (m *muxer) close() error {
	return m.ogg.Close()
}

// EncodeOggOpus compresses mono PCM into a complete Ogg/Opus file.
func EncodeOggOpus(pcm []int16, sampleRate, bitrate int) ([]byte, error) {
	var buf bytes.Buffer
	m, err := newMuxer(&buf, sampleRate, bitrate)
	if err != nil {
		return nil, err
	}

	for len(pcm) >= m.frameSize {
		if err := m.writeFrame(pcm[:m.frameSize]); err != nil {
			return nil, err
		}
		pcm = pcm[m.frameSize:]
	}
	if err := m.writeTail(pcm); err != nil {
		return nil, err
	}
	if err := m.close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// OpusEncoderFactory builds Ogg/Opus encoders for capture sessions.
type OpusEncoderFactory struct {
	Bitrate int
}

func (f OpusEncoderFactory) NewEncoder(s capture.Stream) (capture.Encoder, error) {
	return NewOggOpusEncoder(s, f.Bitrate), nil
}

type encoderState int

const (
	encoderIdle encoderState = iota
	encoderRunning
	encoderStopped
)

// OggOpusEncoder encodes a live stream, handing the container to its sink in
// fragments of roughly one timeslice of audio.
type OggOpusEncoder struct {
	stream  capture.Stream
	bitrate int

	mu                sync.Mutex
	state             encoderState
	mux               *muxer
	out               bytes.Buffer
	pending           []int16
	framesPerFragment int
	framesInFragment  int
	sink              func([]byte)
	unsubscribe       func()
	err               error
}

var _ capture.Encoder = (*OggOpusEncoder)(nil)

func NewOggOpusEncoder(s capture.Stream, bitrate int) *OggOpusEncoder {
	return &OggOpusEncoder{stream: s, bitrate: bitrate}
}

func (e *OggOpusEncoder) MimeType() string { return MimeOggOpus }

func (e *OggOpusEncoder) Start(timeslice time.Duration, sink func([]byte)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != encoderIdle {
		return errors.New("encoder already started")
	}

	mux, err := newMuxer(&e.out, e.stream.SampleRate(), e.bitrate)
	if err != nil {
		return err
	}
	e.mux = mux
	e.sink = sink
	e.framesPerFragment = int(timeslice / opusFrameDuration)
	if e.framesPerFragment < 1 {
		e.framesPerFragment = 1
	}
	e.state = encoderRunning
	e.unsubscribe = e.stream.Subscribe(e.onFrame)
	return nil
}

// Stop flushes the tail and finalizes the container. Later calls return the
// first result.
func (e *OggOpusEncoder) Stop(context.Context) error {
	e.mu.Lock()
	switch e.state {
	case encoderIdle:
		e.state = encoderStopped
		e.mu.Unlock()
		return nil
	case encoderStopped:
		err := e.err
		e.mu.Unlock()
		return err
	}
	e.state = encoderStopped
	unsubscribe := e.unsubscribe
	e.mu.Unlock()

	unsubscribe()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		e.err = e.mux.writeTail(e.pending)
	}
	e.pending = nil
	if err := e.mux.close(); err != nil && e.err == nil {
		e.err = err
	}
	e.flush()
	return e.err
}

func (e *OggOpusEncoder) onFrame(frame []int16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != encoderRunning || e.err != nil {
		return
	}

	e.pending = append(e.pending, frame...)
	size := e.mux.frameSize
	for len(e.pending) >= size {
		if err := e.mux.writeFrame(e.pending[:size]); err != nil {
			e.err = err
			return
		}
		n := copy(e.pending, e.pending[size:])
		e.pending = e.pending[:n]

		e.framesInFragment++
		if e.framesInFragment >= e.framesPerFragment {
			e.flush()
		}
	}
}

// flush hands buffered container bytes to the sink. Callers hold e.mu so
// fragments leave in the order they were written.
func (e *OggOpusEncoder) flush() {
	e.framesInFragment = 0
	if e.out.Len() == 0 {
		return
	}
	fragment := append([]byte(nil), e.out.Bytes()...)
	e.out.Reset()
	e.sink(fragment)
}
