package tutor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/domain/repositories"
	"github.com/jonmumm/escuchame2/internal/audio"
	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/saga"
	"github.com/jonmumm/escuchame2/internal/waveform"
)

// Data keys for the tutor saga
const (
	DataKeyRequest       = "request"
	DataKeyDeliver       = "deliver"
	DataKeyUserAudio     = "user_audio"
	DataKeyTranscription = "transcription"
	DataKeyLLMResponse   = "llm_response"
	DataKeyResponsePCM   = "response_pcm"
	DataKeyResponseAudio = "response_audio"
	DataKeyWaveform      = "response_waveform"
	DataKeyDuration      = "response_duration"
	DataKeyAudioRef      = "response_audio_ref"
)

const waveformInterval = 16 * time.Millisecond

func request(data saga.SagaData) (conversation.Request, error) {
	req, ok := saga.Get[conversation.Request](data, DataKeyRequest)
	if !ok || req.Conversation == nil {
		return conversation.Request{}, errors.New("missing generation request")
	}
	return req, nil
}

// LoadAudioStep fetches the recording being answered.
type LoadAudioStep struct {
	store  repositories.AudioStore
	logger *zap.Logger
}

func (s *LoadAudioStep) ID() saga.StepID { return "load_audio" }

func (s *LoadAudioStep) Execute(ctx context.Context, data saga.SagaData) saga.StepResult {
	req, err := request(data)
	if err != nil {
		return saga.Fail(err)
	}
	if req.UserMessage == nil {
		return saga.Ok(nil)
	}

	clip, _, err := s.store.Get(ctx, req.UserMessage.Audio.ID)
	if err != nil {
		return saga.Fail(fmt.Errorf("failed to load recording: %w", err))
	}
	data[DataKeyUserAudio] = clip

	s.logger.Debug("Recording loaded", zap.Int("bytes", len(clip)))
	return saga.Ok(len(clip))
}

func (s *LoadAudioStep) Compensate(ctx context.Context, data saga.SagaData) error {
	return nil
}

// SpeechToTextStep converts the recording to text in the target language.
type SpeechToTextStep struct {
	stt    repositories.SpeechToText
	logger *zap.Logger
}

func (s *SpeechToTextStep) ID() saga.StepID { return "speech_to_text" }

func (s *SpeechToTextStep) Execute(ctx context.Context, data saga.SagaData) saga.StepResult {
	clip, ok := saga.Get[[]byte](data, DataKeyUserAudio)
	if !ok {
		return saga.Ok(nil)
	}
	req, err := request(data)
	if err != nil {
		return saga.Fail(err)
	}

	transcription, err := s.stt.TranscribeAudio(ctx, clip, repositories.AudioConfig{
		SampleRate: 48000,
		Encoding:   "OGG_OPUS",
		Language:   locale(req.Conversation.Public.TargetLanguage),
	})
	if err != nil {
		return saga.Fail(fmt.Errorf("speech-to-text failed: %w", err))
	}
	data[DataKeyTranscription] = transcription

	s.logger.Info("Speech-to-text completed", zap.String("transcription", transcription))
	return saga.Ok(transcription)
}

func (s *SpeechToTextStep) Compensate(ctx context.Context, data saga.SagaData) error {
	return nil
}

// TutorReplyStep asks the language model for the next tutor turn.
type TutorReplyStep struct {
	llm    repositories.LargeLanguageModel
	logger *zap.Logger
}

func (s *TutorReplyStep) ID() saga.StepID { return "tutor_reply" }

func (s *TutorReplyStep) Execute(ctx context.Context, data saga.SagaData) saga.StepResult {
	req, err := request(data)
	if err != nil {
		return saga.Fail(err)
	}

	exclude := ""
	turn := openingTurn
	if req.UserMessage != nil {
		exclude = req.UserMessage.ID
		turn = noSpeech
		if t, _ := saga.Get[string](data, DataKeyTranscription); t != "" {
			turn = t
		}
	}

	pub := req.Conversation.Public
	session, err := s.llm.GenerateChat(ctx, SystemPrompt(pub), History(pub.Messages, exclude))
	if err != nil {
		return saga.Fail(fmt.Errorf("failed to start chat: %w", err))
	}
	reply, err := session.SendMessage(ctx, repositories.ChatMessage{Role: repositories.UserRole, Content: turn})
	if err != nil {
		return saga.Fail(fmt.Errorf("LLM processing failed: %w", err))
	}
	if reply.Content == "" {
		return saga.Fail(errors.New("LLM returned an empty reply"))
	}
	data[DataKeyLLMResponse] = reply.Content

	s.logger.Info("Tutor reply generated", zap.Int("length", len(reply.Content)))
	return saga.Ok(reply.Content)
}

func (s *TutorReplyStep) Compensate(ctx context.Context, data saga.SagaData) error {
	return nil
}

// TextToSpeechStep synthesizes the reply to PCM.
type TextToSpeechStep struct {
	tts    repositories.TextToSpeech
	logger *zap.Logger
}

func (s *TextToSpeechStep) ID() saga.StepID { return "text_to_speech" }

func (s *TextToSpeechStep) Execute(ctx context.Context, data saga.SagaData) saga.StepResult {
	text, ok := saga.Get[string](data, DataKeyLLMResponse)
	if !ok {
		return saga.Fail(errors.New("missing LLM response from previous step"))
	}

	stream, err := s.tts.ConvertTextToSpeech(ctx, text)
	if err != nil {
		return saga.Fail(fmt.Errorf("text-to-speech failed: %w", err))
	}

	var pcm bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return saga.Fail(ctx.Err())
		case chunk, ok := <-stream:
			if !ok {
				if pcm.Len() == 0 {
					return saga.Fail(errors.New("text-to-speech produced no audio"))
				}
				data[DataKeyResponsePCM] = pcm.Bytes()
				s.logger.Debug("Text-to-speech completed", zap.Int("bytes", pcm.Len()))
				return saga.Ok(pcm.Len())
			}
			pcm.Write(chunk)
		}
	}
}

func (s *TextToSpeechStep) Compensate(ctx context.Context, data saga.SagaData) error {
	return nil
}

// EncodeAudioStep packs the synthesized PCM as Ogg/Opus and derives its
// waveform and duration.
type EncodeAudioStep struct {
	sampleRate int
	bitrate    int
}

func (s *EncodeAudioStep) ID() saga.StepID { return "encode_audio" }

func (s *EncodeAudioStep) Execute(ctx context.Context, data saga.SagaData) saga.StepResult {
	raw, ok := saga.Get[[]byte](data, DataKeyResponsePCM)
	if !ok {
		return saga.Fail(errors.New("missing synthesized audio"))
	}
	pcm := audio.PCMFromBytes(raw)

	encoded, err := audio.EncodeOggOpus(pcm, s.sampleRate, s.bitrate)
	if err != nil {
		return saga.Fail(fmt.Errorf("failed to encode reply: %w", err))
	}
	data[DataKeyResponseAudio] = encoded
	data[DataKeyWaveform] = waveform.Reduce(audio.AmplitudeTrace(pcm, s.sampleRate, waveformInterval), waveform.DefaultPoints)
	data[DataKeyDuration] = audio.SamplesDuration(len(pcm), s.sampleRate)
	return saga.Ok(len(encoded))
}

func (s *EncodeAudioStep) Compensate(ctx context.Context, data saga.SagaData) error {
	return nil
}

// StoreAudioStep saves the encoded reply. Compensation deletes it.
type StoreAudioStep struct {
	store  repositories.AudioStore
	logger *zap.Logger
}

func (s *StoreAudioStep) ID() saga.StepID { return "store_audio" }

func (s *StoreAudioStep) Execute(ctx context.Context, data saga.SagaData) saga.StepResult {
	req, err := request(data)
	if err != nil {
		return saga.Fail(err)
	}
	encoded, ok := saga.Get[[]byte](data, DataKeyResponseAudio)
	if !ok {
		return saga.Fail(errors.New("missing encoded reply"))
	}

	ref, err := s.store.Put(ctx, req.Conversation.ID, encoded, audio.MimeOggOpus)
	if err != nil {
		return saga.Fail(fmt.Errorf("failed to store reply: %w", err))
	}
	data[DataKeyAudioRef] = ref
	return saga.Ok(ref.ID)
}

func (s *StoreAudioStep) Compensate(ctx context.Context, data saga.SagaData) error {
	ref, ok := saga.Get[entities.AudioRef](data, DataKeyAudioRef)
	if !ok {
		return nil
	}
	s.logger.Info("Deleting undelivered reply audio", zap.String("audioID", ref.ID))
	return s.store.Delete(ctx, ref.ID)
}

// DeliverStep hands the finished reply to the conversation.
type DeliverStep struct{}

func (s *DeliverStep) ID() saga.StepID { return "deliver" }

func (s *DeliverStep) Execute(ctx context.Context, data saga.SagaData) saga.StepResult {
	deliver, ok := saga.Get[conversation.Deliver](data, DataKeyDeliver)
	if !ok {
		return saga.Fail(errors.New("missing deliver callback"))
	}
	ref, _ := saga.Get[entities.AudioRef](data, DataKeyAudioRef)
	text, _ := saga.Get[string](data, DataKeyLLMResponse)
	transcription, _ := saga.Get[string](data, DataKeyTranscription)
	wave, _ := saga.Get[[]float64](data, DataKeyWaveform)
	duration, _ := saga.Get[time.Duration](data, DataKeyDuration)

	ref.DurationMs = duration.Milliseconds()
	ref.Waveform = wave

	err := deliver(ctx, conversation.Reply{
		Message:        entities.Message{Audio: ref, Transcript: text},
		UserTranscript: transcription,
	})
	if err != nil {
		return saga.Fail(err)
	}
	return saga.Ok(nil)
}

func (s *DeliverStep) Compensate(ctx context.Context, data saga.SagaData) error {
	return nil
}
