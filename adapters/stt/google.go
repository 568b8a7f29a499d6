package stt

import (
	"context"
	"fmt"
	"io"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/repositories"
)

// maxRequestBytes is the largest audio payload Google accepts per streaming request.
const maxRequestBytes = 25 * 1024

// GoogleSpeechToText implements SpeechToText for Google Cloud
type GoogleSpeechToText struct {
	client *speech.Client
	logger *zap.Logger
}

var _ repositories.SpeechToText = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText dials the Speech API with application default credentials.
func NewGoogleSpeechToText(ctx context.Context, logger *zap.Logger) (*GoogleSpeechToText, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &GoogleSpeechToText{client: client, logger: logger}, nil
}

// Close releases the underlying gRPC connection.
func (g *GoogleSpeechToText) Close() error {
	return g.client.Close()
}

// InitTranscribeStreaming opens a recognition stream and sends its configuration.
func (g *GoogleSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (*GoogleSpeechToTextStream, error) {
	// Convert encoding string to Google Speech API enum
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}

	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   encoding,
					SampleRateHertz:            int32(config.SampleRate),
					AudioChannelCount:          1,
					LanguageCode:               config.Language,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: false,
				// A learner's turn may hold several sentences.
				SingleUtterance: false,
			},
		},
	}); err != nil {
		stream.CloseSend()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	s := &GoogleSpeechToTextStream{
		stream: stream,
		ctx:    ctx,
		done:   make(chan struct{}),
	}
	go s.receiveResults()
	return s, nil
}

// GoogleSpeechToTextStream is one open recognition stream.
type GoogleSpeechToTextStream struct {
	stream        speechpb.Speech_StreamingRecognizeClient
	ctx           context.Context
	audioReceived bool

	// written by receiveResults before done is closed
	segments []string
	err      error
	done     chan struct{}
}

// Stream sends audio, split to the per-request limit.
func (g *GoogleSpeechToTextStream) Stream(data []byte) error {
	for len(data) > 0 {
		n := min(len(data), maxRequestBytes)
		if err := g.stream.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
				AudioContent: data[:n],
			},
		}); err != nil {
			return fmt.Errorf("failed to send audio data: %w", err)
		}
		g.audioReceived = true
		data = data[n:]
	}
	return nil
}

// End closes the send side and waits for every final result.
func (g *GoogleSpeechToTextStream) End() (string, error) {
	if err := g.stream.CloseSend(); err != nil {
		return "", fmt.Errorf("failed to close send stream: %w", err)
	}
	if !g.audioReceived {
		return "", fmt.Errorf("no audio data received")
	}

	select {
	case <-g.ctx.Done():
		return "", fmt.Errorf("context cancelled while waiting for result: %w", g.ctx.Err())
	case <-g.done:
	}
	if g.err != nil {
		return "", g.err
	}

	result := strings.Join(g.segments, " ")
	if result == "" {
		return "", fmt.Errorf("no speech detected in audio")
	}
	return result, nil
}

func (g *GoogleSpeechToTextStream) receiveResults() {
	defer close(g.done)

	for {
		resp, err := g.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			g.err = fmt.Errorf("failed to receive response: %w", err)
			return
		}
		if resp.Error != nil {
			g.err = fmt.Errorf("recognition failed: %s", resp.Error.GetMessage())
			return
		}

		for _, result := range resp.Results {
			if result.IsFinal && len(result.Alternatives) > 0 {
				if text := strings.TrimSpace(result.Alternatives[0].Transcript); text != "" {
					g.segments = append(g.segments, text)
				}
			}
		}
	}
}

// TranscribeAudio converts a complete recording to text over one stream.
func (g *GoogleSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	g.logger.Info("Transcribing audio",
		zap.Int("audioSize", len(audioData)),
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.String("language", config.Language))

	stream, err := g.InitTranscribeStreaming(ctx, config)
	if err != nil {
		return "", fmt.Errorf("failed to initialize streaming: %w", err)
	}

	if err := stream.Stream(audioData); err != nil {
		stream.stream.CloseSend()
		return "", fmt.Errorf("failed to stream audio data: %w", err)
	}

	return stream.End()
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "AMR":
		return speechpb.RecognitionConfig_AMR, nil
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
