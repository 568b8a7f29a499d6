package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/domain/repositories"
	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/metrics"
)

// ErrInvalidInput is returned for malformed creation requests.
var ErrInvalidInput = errors.New("invalid input")

const persistTimeout = 10 * time.Second

// Publisher fans conversation snapshots out to connected viewers.
type Publisher interface {
	Publish(snap conversation.Snapshot)
}

// CreateInput is a request to start a conversation.
type CreateInput struct {
	Type           entities.ScenarioType `json:"type"`
	Title          string                `json:"title"`
	Description    string                `json:"description"`
	Prompt         string                `json:"prompt"`
	NativeLanguage string                `json:"nativeLanguage"`
	TargetLanguage string                `json:"targetLanguage"`
}

// Summary is one row of a conversation list.
type Summary struct {
	ID             string                `json:"id"`
	Type           entities.ScenarioType `json:"type"`
	Title          string                `json:"title,omitempty"`
	TargetLanguage string                `json:"targetLanguage"`
	LastMessageAt  time.Time             `json:"lastMessageAt"`
	MessageCount   int                   `json:"messageCount"`
	Owned          bool                  `json:"owned"`
}

// ConversationService owns the live conversation machines and keeps the
// repository in step with them.
type ConversationService struct {
	repo    repositories.ConversationRepository
	audio   repositories.AudioStore
	machine conversation.Config
	logger  *zap.Logger

	// persistMu orders repository writes so an older snapshot never
	// overwrites a newer one.
	persistMu sync.Mutex

	mu        sync.Mutex
	machines  map[string]*conversation.Machine
	persisted map[string]uint64
	publisher Publisher
	rng       *rand.Rand

	suggestions []entities.Suggestion
	metrics     *metrics.Metrics
}

// NewConversationService creates a new conversation service. cfg supplies
// the collaborators of every machine; its OnChange is replaced.
func NewConversationService(
	repo repositories.ConversationRepository,
	cfg conversation.Config,
	logger *zap.Logger,
) *ConversationService {
	return &ConversationService{
		repo:      repo,
		audio:     cfg.Audio,
		machine:   cfg,
		logger:    logger,
		machines:  make(map[string]*conversation.Machine),
		persisted: make(map[string]uint64),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),

		suggestions: entities.Suggestions(),
	}
}

// SetMetrics sets where conversation metrics are recorded.
func (s *ConversationService) SetMetrics(m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// SetSuggestions replaces the practice topics offered to "lucky"
// conversations. An empty list keeps the current one.
func (s *ConversationService) SetSuggestions(list []entities.Suggestion) {
	if len(list) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestions = append([]entities.Suggestion(nil), list...)
}

// Suggestions lists the practice topics.
func (s *ConversationService) Suggestions() []entities.Suggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.Suggestion(nil), s.suggestions...)
}

// SetPublisher sets where snapshots are broadcast.
func (s *ConversationService) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// Create starts a conversation owned by ownerID.
func (s *ConversationService) Create(ctx context.Context, ownerID string, in CreateInput) (conversation.View, error) {
	if ownerID == "" {
		return conversation.View{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if in.NativeLanguage == "" {
		in.NativeLanguage = entities.DefaultNativeLanguage
	}
	if in.TargetLanguage == "" {
		in.TargetLanguage = entities.DefaultTargetLanguage
	}
	if in.NativeLanguage == in.TargetLanguage {
		return conversation.View{}, fmt.Errorf("%w: native and target language must differ", ErrInvalidInput)
	}

	switch in.Type {
	case entities.ScenarioTemplate:
		if in.Title == "" {
			return conversation.View{}, fmt.Errorf("%w: template conversations need a title", ErrInvalidInput)
		}
		if in.Prompt == "" {
			in.Prompt = entities.Suggestion{Title: in.Title, Description: in.Description}.Prompt()
		}
	case entities.ScenarioCustom:
		if in.Prompt == "" {
			return conversation.View{}, fmt.Errorf("%w: custom conversations need a prompt", ErrInvalidInput)
		}
	case entities.ScenarioLucky:
		s.mu.Lock()
		pick := entities.PickSuggestion(s.rng, s.suggestions)
		s.mu.Unlock()
		in.Title = pick.Title
		in.Description = pick.Description
		in.Prompt = pick.Prompt()
	default:
		return conversation.View{}, fmt.Errorf("%w: unknown scenario type %q", ErrInvalidInput, in.Type)
	}

	clk := s.machine.Clock
	now := time.Now()
	if clk != nil {
		now = clk.Now()
	}
	conv := entities.NewConversation(uuid.New().String(), ownerID, entities.NewConversationInput{
		Type:           in.Type,
		Title:          in.Title,
		Description:    in.Description,
		Prompt:         in.Prompt,
		NativeLanguage: in.NativeLanguage,
		TargetLanguage: in.TargetLanguage,
	}, now)
	if err := conv.Validate(); err != nil {
		return conversation.View{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.repo.Create(ctx, conv); err != nil {
		return conversation.View{}, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.recorder().RecordConversationCreated()
	s.logger.Info("Conversation created",
		zap.String("conversationID", conv.ID),
		zap.String("ownerID", ownerID),
		zap.String("type", string(in.Type)))

	m, err := s.load(ctx, conv.ID)
	if err != nil {
		return conversation.View{}, err
	}
	return m.Snapshot().ViewFor(ownerID)
}

// View returns userID's read model of a conversation.
func (s *ConversationService) View(ctx context.Context, userID, id string) (conversation.View, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return conversation.View{}, err
	}
	return m.Snapshot().ViewFor(userID)
}

// Dispatch sends ev to a conversation on behalf of userID and returns the
// caller's view afterwards.
func (s *ConversationService) Dispatch(ctx context.Context, userID, id string, ev conversation.Event) (conversation.Result, conversation.View, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return conversation.Result{}, conversation.View{}, err
	}
	res, err := m.Send(ctx, userID, ev)
	if errors.Is(err, conversation.ErrClosed) {
		// Evicted between load and send; reload once.
		if m, err = s.load(ctx, id); err != nil {
			return conversation.Result{}, conversation.View{}, err
		}
		res, err = m.Send(ctx, userID, ev)
	}
	if err != nil {
		return res, conversation.View{}, err
	}
	s.recorder().RecordEvent(string(ev.Type), res.Accepted)
	view, err := m.Snapshot().ViewFor(userID)
	return res, view, err
}

// Share gives userID access to ownerID's conversation.
func (s *ConversationService) Share(ctx context.Context, ownerID, id, userID string) (conversation.View, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return conversation.View{}, err
	}
	if err := m.Share(ownerID, userID); err != nil {
		return conversation.View{}, err
	}
	return m.Snapshot().ViewFor(ownerID)
}

// List returns the conversations userID can access, most recent first.
func (s *ConversationService) List(ctx context.Context, userID string) ([]Summary, error) {
	convs, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		out = append(out, Summary{
			ID:             c.ID,
			Type:           c.Public.Type,
			Title:          c.Public.Title,
			TargetLanguage: c.Public.TargetLanguage,
			LastMessageAt:  c.Public.LastMessageAt,
			MessageCount:   len(c.Public.Messages),
			Owned:          c.Public.OwnerID == userID,
		})
	}
	return out, nil
}

// Audio returns a clip that belongs to a conversation userID can access.
func (s *ConversationService) Audio(ctx context.Context, userID, id, audioID string) ([]byte, string, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return nil, "", err
	}
	snap := m.Snapshot()
	if !snap.Conversation.CanAccess(userID) {
		return nil, "", conversation.ErrForbidden
	}
	for _, msg := range snap.Conversation.Public.Messages {
		if msg.Audio.ID == audioID {
			return s.audio.Get(ctx, audioID)
		}
	}
	return nil, "", fmt.Errorf("audio %s: %w", audioID, repositories.ErrNotFound)
}

// EvictIdle closes machines idle for at least maxIdle that are not recording
// or generating. It returns how many were evicted.
func (s *ConversationService) EvictIdle(maxIdle time.Duration) int {
	s.mu.Lock()
	loaded := make(map[string]*conversation.Machine, len(s.machines))
	for id, m := range s.machines {
		loaded[id] = m
	}
	s.mu.Unlock()

	// Machines are checked without the service lock so a busy one cannot
	// stall other conversations.
	var evicted []string
	for id, m := range loaded {
		if m.CloseIfIdle(maxIdle) {
			evicted = append(evicted, id)
		}
	}

	s.mu.Lock()
	for _, id := range evicted {
		if m, ok := s.machines[id]; ok && m == loaded[id] {
			delete(s.machines, id)
			delete(s.persisted, id)
		}
	}
	remaining := len(s.machines)
	rec := s.metrics
	s.mu.Unlock()

	rec.RecordEvicted(len(evicted))
	rec.SetLoadedConversations(remaining)

	for _, id := range evicted {
		s.logger.Info("Evicted idle conversation", zap.String("conversationID", id))
	}
	return len(evicted)
}

// Loaded reports how many machines are in memory.
func (s *ConversationService) Loaded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.machines)
}

// Close shuts every machine down.
func (s *ConversationService) Close() {
	s.mu.Lock()
	machines := s.machines
	s.machines = make(map[string]*conversation.Machine)
	s.mu.Unlock()

	for _, m := range machines {
		m.Close()
	}
}

func (s *ConversationService) load(ctx context.Context, id string) (*conversation.Machine, error) {
	s.mu.Lock()
	m, ok := s.machines[id]
	s.mu.Unlock()
	// A closed machine is being evicted; load a fresh one.
	if ok && !m.Closed() {
		return m, nil
	}

	conv, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	cfg := s.machine
	cfg.OnChange = s.onChange
	m, err = conversation.New(conv, cfg, s.logger)
	if err != nil {
		return nil, err
	}
	// The context is hydrated; the machine can leave Initialization.
	if _, err := m.Hydrated(ctx); err != nil {
		m.Close()
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.machines[id]; ok && !existing.Closed() {
		m.Close()
		return existing, nil
	}
	s.machines[id] = m
	s.metrics.SetLoadedConversations(len(s.machines))
	return m, nil
}

func (s *ConversationService) recorder() *metrics.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

func (s *ConversationService) onChange(snap conversation.Snapshot) {
	id := snap.Conversation.ID

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	stale := snap.Version <= s.persisted[id]
	if !stale {
		s.persisted[id] = snap.Version
	}
	publisher := s.publisher
	s.mu.Unlock()

	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.repo.Update(ctx, snap.Conversation); err != nil {
		s.logger.Error("Failed to persist conversation", zap.String("conversationID", id), zap.Error(err))
	}

	if publisher != nil {
		publisher.Publish(snap)
	}
}
