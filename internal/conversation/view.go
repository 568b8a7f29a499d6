package conversation

import (
	"time"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/internal/waveform"
)

// GreetingMessageID is the id of the synthesized opening message.
const GreetingMessageID = "initial-message"

// Greeting configures the AI message shown before anyone has spoken.
type Greeting struct {
	AudioURL string
	Duration time.Duration
}

func (g Greeting) withDefaults() Greeting {
	if g.Duration == 0 {
		g.Duration = 8 * time.Second
	}
	if g.AudioURL == "" {
		g.AudioURL = "/static/greeting.ogg"
	}
	return g
}

func (g Greeting) message(at time.Time) entities.Message {
	return entities.Message{
		ID:        GreetingMessageID,
		Author:    entities.Author{ID: entities.AIAuthorID, IsAI: true},
		Timestamp: at,
		Audio: entities.AudioRef{
			ID:         GreetingMessageID,
			URL:        g.AudioURL,
			DurationMs: g.Duration.Milliseconds(),
			Waveform:   waveform.Reduce(nil, waveform.DefaultPoints),
		},
	}
}

// Snapshot is a consistent copy of a machine's state.
type Snapshot struct {
	Conversation *entities.Conversation
	State        State
	Error        string
	Version      uint64

	greeting Greeting
}

// PublicView is what every authorized viewer sees.
type PublicView struct {
	entities.PublicContext
	IsGeneratingResponse bool `json:"isGeneratingResponse"`
}

// View is the read model for one viewer.
type View struct {
	Public  PublicView               `json:"public"`
	Private *entities.PrivateContext `json:"private,omitempty"`
	State   State                    `json:"state"`
	Error   string                   `json:"error,omitempty"`
	Version uint64                   `json:"version"`
}

// ViewFor projects the snapshot for userID, who sees the public context and
// only their own private context.
func (s Snapshot) ViewFor(userID string) (View, error) {
	if !s.Conversation.CanAccess(userID) {
		return View{}, ErrForbidden
	}

	public := s.Conversation.Public
	if len(public.Messages) == 0 {
		public.Messages = []entities.Message{s.greeting.message(public.CreatedAt)}
	}

	v := View{
		Public: PublicView{
			PublicContext:        public,
			IsGeneratingResponse: s.State == StateGenerating,
		},
		State:   s.State,
		Error:   s.Error,
		Version: s.Version,
	}
	if p, ok := s.Conversation.PrivateFor(userID); ok {
		v.Private = &p
	}
	return v, nil
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		Conversation: m.conv.Clone(),
		State:        m.state,
		Error:        m.errMsg,
		Version:      m.version,
		greeting:     m.cfg.Greeting,
	}
}
