// Package tutor generates the AI side of a practice conversation as a saga:
// recognize the learner, ask the model, synthesize and store the reply.
package tutor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/repositories"
	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/metrics"
	"github.com/jonmumm/escuchame2/internal/saga"
)

const definitionID = "tutor_reply"

// Dependencies are the services a reply is built from.
type Dependencies struct {
	Audio repositories.AudioStore
	STT   repositories.SpeechToText
	LLM   repositories.LargeLanguageModel
	TTS   repositories.TextToSpeech
	// Bitrate of the encoded reply; zero keeps the encoder default.
	Bitrate int
	// Timeout bounds one reply; zero means 60 seconds.
	Timeout time.Duration
	// Optional.
	Metrics *metrics.Metrics
}

// Definition is the tutor reply saga.
type Definition struct {
	deps   Dependencies
	logger *zap.Logger
}

func (d *Definition) ID() string { return definitionID }

func (d *Definition) Timeout() time.Duration { return d.deps.Timeout }

func (d *Definition) Steps() []saga.Step {
	return []saga.Step{
		&LoadAudioStep{store: d.deps.Audio, logger: d.logger},
		&SpeechToTextStep{stt: d.deps.STT, logger: d.logger},
		&TutorReplyStep{llm: d.deps.LLM, logger: d.logger},
		&TextToSpeechStep{tts: d.deps.TTS, logger: d.logger},
		&EncodeAudioStep{sampleRate: d.deps.TTS.OutputSampleRate(), bitrate: d.deps.Bitrate},
		&StoreAudioStep{store: d.deps.Audio, logger: d.logger},
		&DeliverStep{},
	}
}

// Responder answers conversation turns by running the tutor saga.
type Responder struct {
	manager *saga.Manager
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewResponder registers the tutor saga with manager.
func NewResponder(deps Dependencies, manager *saga.Manager, logger *zap.Logger) (*Responder, error) {
	if deps.Audio == nil || deps.STT == nil || deps.LLM == nil || deps.TTS == nil {
		return nil, errors.New("audio store, speech-to-text, LLM and text-to-speech are required")
	}
	if deps.Timeout == 0 {
		deps.Timeout = 60 * time.Second
	}
	manager.RegisterDefinition(&Definition{deps: deps, logger: logger})
	return &Responder{manager: manager, metrics: deps.Metrics, logger: logger}, nil
}

// Respond implements conversation.Responder.
func (r *Responder) Respond(ctx context.Context, req conversation.Request, deliver conversation.Deliver) error {
	started := time.Now()
	var audioLen time.Duration
	measured := func(ctx context.Context, reply conversation.Reply) error {
		audioLen = reply.Message.Audio.Duration()
		return deliver(ctx, reply)
	}

	sagaID, err := r.manager.Run(ctx, definitionID, saga.SagaData{
		DataKeyRequest: req,
		DataKeyDeliver: conversation.Deliver(measured),
	})
	if err != nil {
		if errors.Is(err, conversation.ErrStaleGeneration) || ctx.Err() != nil {
			r.logger.Info("Discarded stale reply", zap.String("sagaID", string(sagaID)))
			r.metrics.RecordReply(metrics.OutcomeStale, 0, 0)
		} else {
			r.metrics.RecordReply(metrics.OutcomeFailed, 0, 0)
		}
		return err
	}
	r.metrics.RecordReply(metrics.OutcomeDelivered, time.Since(started), audioLen)
	return nil
}
