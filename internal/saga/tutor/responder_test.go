package tutor

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/jonmumm/escuchame2/adapters/memory"
	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/domain/repositories"
	"github.com/jonmumm/escuchame2/internal/audio"
	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/metrics"
	"github.com/jonmumm/escuchame2/internal/saga"
)

type fakeSTT struct {
	got repositories.AudioConfig
	err error
}

func (f *fakeSTT) TranscribeAudio(ctx context.Context, data []byte, cfg repositories.AudioConfig) (string, error) {
	f.got = cfg
	if f.err != nil {
		return "", f.err
	}
	return "hola, quiero un café", nil
}

type fakeChat struct {
	llm *fakeLLM
}

func (c *fakeChat) SendMessage(ctx context.Context, msg repositories.ChatMessage) (repositories.ChatMessage, error) {
	c.llm.sent = msg
	if c.llm.err != nil {
		return repositories.ChatMessage{}, c.llm.err
	}
	return repositories.ChatMessage{Role: repositories.TutorRole, Content: "¡Claro! ¿Con leche?"}, nil
}

func (c *fakeChat) History() ([]repositories.ChatMessage, error) { return nil, nil }

type fakeLLM struct {
	system  string
	history []repositories.ChatMessage
	sent    repositories.ChatMessage
	err     error
}

func (f *fakeLLM) GenerateChat(ctx context.Context, system string, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	f.system = system
	f.history = history
	return &fakeChat{llm: f}, nil
}

type fakeTTS struct{}

func (fakeTTS) OutputSampleRate() int { return 24000 }

func (fakeTTS) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	pcm := make([]int16, 12000)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*220*float64(i)/24000))
	}
	raw := audio.PCMToBytes(pcm)

	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		for len(raw) > 0 {
			n := 4800
			if n > len(raw) {
				n = len(raw)
			}
			out <- raw[:n]
			raw = raw[n:]
		}
	}()
	return out, nil
}

type fixture struct {
	store     *memory.AudioStore
	stt       *fakeSTT
	llm       *fakeLLM
	metrics   *metrics.Metrics
	responder *Responder
	req       conversation.Request
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:   memory.NewAudioStore(),
		stt:     &fakeSTT{},
		llm:     &fakeLLM{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}

	r, err := NewResponder(Dependencies{
		Audio:   f.store,
		STT:     f.stt,
		LLM:     f.llm,
		TTS:     fakeTTS{},
		Metrics: f.metrics,
	}, saga.NewManager(zaptest.NewLogger(t)), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewResponder failed: %v", err)
	}
	f.responder = r

	conv := entities.NewConversation("conv-1", "alice", entities.NewConversationInput{
		Type:           entities.ScenarioTemplate,
		Title:          "At the Café",
		Description:    "Order drinks and snacks",
		NativeLanguage: "en",
		TargetLanguage: "es",
	}, time.Now())
	conv.AddMessage(entities.Message{
		ID:         "earlier",
		Author:     entities.Author{ID: entities.AIAuthorID, IsAI: true},
		Transcript: "¡Hola! ¿Qué te pongo?",
	})

	ref, err := f.store.Put(ctx, conv.ID, []byte("user ogg"), audio.MimeOggOpus)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	user := entities.Message{ID: "user-turn", Author: entities.Author{ID: "alice"}, Audio: ref}
	conv.AddMessage(user)

	f.req = conversation.Request{Conversation: conv, UserMessage: &user}
	return f
}

func TestResponder_ProducesReply(t *testing.T) {
	f := newFixture(t)

	var got conversation.Reply
	err := f.responder.Respond(context.Background(), f.req, func(ctx context.Context, r conversation.Reply) error {
		got = r
		return nil
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	if f.stt.got.Language != "es-ES" || f.stt.got.Encoding != "OGG_OPUS" {
		t.Errorf("Expected Spanish Ogg/Opus recognition, got %+v", f.stt.got)
	}
	if !strings.Contains(f.llm.system, "Spanish") || !strings.Contains(f.llm.system, "At the Café") {
		t.Errorf("Expected scenario in system prompt, got %q", f.llm.system)
	}
	if len(f.llm.history) != 1 || f.llm.history[0].Role != repositories.TutorRole {
		t.Errorf("Expected the earlier tutor turn as history, got %+v", f.llm.history)
	}
	if f.llm.sent.Content != "hola, quiero un café" {
		t.Errorf("Expected transcription as the user turn, got %q", f.llm.sent.Content)
	}

	if got.UserTranscript != "hola, quiero un café" {
		t.Errorf("Unexpected user transcript %q", got.UserTranscript)
	}
	if got.Message.Transcript != "¡Claro! ¿Con leche?" {
		t.Errorf("Unexpected reply transcript %q", got.Message.Transcript)
	}
	if got.Message.Audio.DurationMs != 500 {
		t.Errorf("Expected 500ms reply, got %d", got.Message.Audio.DurationMs)
	}
	if len(got.Message.Audio.Waveform) != 32 {
		t.Errorf("Expected 32-point waveform, got %d", len(got.Message.Audio.Waveform))
	}
	data, mime, err := f.store.Get(context.Background(), got.Message.Audio.ID)
	if err != nil || mime != audio.MimeOggOpus || !strings.HasPrefix(string(data), "OggS") {
		t.Errorf("Expected stored Ogg/Opus reply, got %q %q %v", data[:min(4, len(data))], mime, err)
	}
	if n := testutil.ToFloat64(f.metrics.Replies.WithLabelValues(metrics.OutcomeDelivered)); n != 1 {
		t.Errorf("Expected one delivered reply counted, got %v", n)
	}
}

func TestResponder_StaleReplyIsCompensated(t *testing.T) {
	f := newFixture(t)
	before := f.store.Len()

	err := f.responder.Respond(context.Background(), f.req, func(ctx context.Context, r conversation.Reply) error {
		return conversation.ErrStaleGeneration
	})
	if !errors.Is(err, conversation.ErrStaleGeneration) {
		t.Fatalf("Expected ErrStaleGeneration, got %v", err)
	}
	if f.store.Len() != before {
		t.Errorf("Expected reply audio to be deleted, store has %d clips (was %d)", f.store.Len(), before)
	}
	if n := testutil.ToFloat64(f.metrics.Replies.WithLabelValues(metrics.OutcomeStale)); n != 1 {
		t.Errorf("Expected one stale reply counted, got %v", n)
	}
}

func TestResponder_Failures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{"speech-to-text", func(f *fixture) { f.stt.err = errors.New("recognizer down") }},
		{"llm", func(f *fixture) { f.llm.err = errors.New("quota exceeded") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)
			before := f.store.Len()

			delivered := false
			err := f.responder.Respond(context.Background(), f.req, func(ctx context.Context, r conversation.Reply) error {
				delivered = true
				return nil
			})
			if err == nil {
				t.Fatal("Expected an error")
			}
			if delivered {
				t.Error("Expected nothing to be delivered")
			}
			if f.store.Len() != before {
				t.Errorf("Expected no new audio, got %d clips", f.store.Len())
			}
			if n := testutil.ToFloat64(f.metrics.Replies.WithLabelValues(metrics.OutcomeFailed)); n != 1 {
				t.Errorf("Expected one failed reply counted, got %v", n)
			}
		})
	}
}

func TestResponder_OpensWithoutUserTurn(t *testing.T) {
	f := newFixture(t)
	f.req.UserMessage = nil

	err := f.responder.Respond(context.Background(), f.req, func(ctx context.Context, r conversation.Reply) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if f.llm.sent.Content != openingTurn {
		t.Errorf("Expected opening turn, got %q", f.llm.sent.Content)
	}
	if f.stt.got.Language != "" {
		t.Error("Expected recognition to be skipped")
	}
}
