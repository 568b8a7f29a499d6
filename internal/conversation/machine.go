package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/domain/repositories"
	"github.com/jonmumm/escuchame2/internal/transfer"
)

// DefaultMaxUpload caps the base64 size of one recording.
const DefaultMaxUpload = 16 * 1024 * 1024

// Inspector measures an uploaded recording. The decoded duration is
// authoritative for the stored message.
type Inspector interface {
	Inspect(data []byte) (time.Duration, []float64, error)
}

// Request describes the turn a Responder must answer.
type Request struct {
	Conversation *entities.Conversation
	// UserMessage is nil when generation was requested without a new recording.
	UserMessage *entities.Message
}

// Deliver hands a finished reply back to the machine. It returns
// ErrStaleGeneration when the machine no longer waits for this result.
type Deliver func(ctx context.Context, reply Reply) error

// Responder produces the AI turn for a request.
type Responder interface {
	Respond(ctx context.Context, req Request, deliver Deliver) error
}

// Config wires a Machine to its collaborators.
type Config struct {
	Audio     repositories.AudioStore
	Inspector Inspector
	Responder Responder
	Clock     clock.Clock
	Greeting  Greeting
	// MaxUpload limits the encoded size of one recording; zero means DefaultMaxUpload.
	MaxUpload int
	// OnChange receives a snapshot after every accepted event.
	OnChange func(Snapshot)
}

// Result reports the outcome of Send.
type Result struct {
	Accepted bool  `json:"accepted"`
	State    State `json:"state"`
}

// Machine owns one conversation. All mutations go through Send.
type Machine struct {
	mu sync.Mutex

	conv       *entities.Conversation
	state      State
	errMsg     string
	upload     *transfer.Assembler
	generation uint64
	cancel     context.CancelFunc
	version    uint64
	lastActive time.Time
	closed     bool
	// shut mirrors closed for readers that must not wait on mu.
	shut atomic.Bool
	// committing is set by a commit event and completed by Send outside the lock.
	committing *pendingCommit

	cfg    Config
	clock  clock.Clock
	wg     sync.WaitGroup
	logger *zap.Logger
}

// pendingCommit is a recording taken out of the upload buffer, waiting to be
// decoded and stored.
type pendingCommit struct {
	data       []byte
	generation uint64
	callerID   string
}

// New returns a machine in Initialization for conv. Versions continue from
// conv.Version.
func New(conv *entities.Conversation, cfg Config, logger *zap.Logger) (*Machine, error) {
	if conv == nil {
		return nil, errors.New("conversation cannot be nil")
	}
	if cfg.Audio == nil || cfg.Inspector == nil || cfg.Responder == nil {
		return nil, errors.New("audio store, inspector and responder are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxUpload == 0 {
		cfg.MaxUpload = DefaultMaxUpload
	}
	cfg.Greeting = cfg.Greeting.withDefaults()

	return &Machine{
		conv:       conv.Clone(),
		state:      StateInitialization,
		version:    conv.Version,
		upload:     transfer.NewAssembler(cfg.MaxUpload),
		lastActive: cfg.Clock.Now(),
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     logger.With(zap.String("conversationID", conv.ID)),
	}, nil
}

// ID returns the conversation id.
func (m *Machine) ID() string { return m.conv.ID }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current read model.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Send applies ev on behalf of callerID.
func (m *Machine) Send(ctx context.Context, callerID string, ev Event) (Result, error) {
	ev.reply = nil
	ev.generation = 0

	m.mu.Lock()
	if !m.conv.CanAccess(callerID) {
		state := m.state
		m.mu.Unlock()
		return Result{State: state}, ErrForbidden
	}
	if ev.Type == EventGenerated {
		// Only the responder may finish a generation.
		state := m.state
		m.mu.Unlock()
		return Result{State: state}, nil
	}
	res, snap, err := m.applyLocked(ctx, callerID, ev)
	commit := m.committing
	m.committing = nil
	m.mu.Unlock()

	if snap != nil {
		m.publish(*snap)
	}
	if commit != nil && err == nil {
		return m.completeCommit(ctx, commit)
	}
	return res, err
}

// Hydrated fires READY once the conversation context has been loaded.
func (m *Machine) Hydrated(ctx context.Context) (Result, error) {
	m.mu.Lock()
	res, snap, err := m.applyLocked(ctx, "", Event{Type: EventReady})
	m.mu.Unlock()

	if snap != nil {
		m.publish(*snap)
	}
	return res, err
}

// Share lets granterID's conversation be seen and driven by userID.
func (m *Machine) Share(granterID, userID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !m.conv.CanAccess(granterID) {
		m.mu.Unlock()
		return ErrForbidden
	}
	if err := m.conv.Authorize(granterID, userID); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	m.version++
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("Conversation shared", zap.String("userID", userID))
	m.publish(snap)
	return nil
}

// Idle reports how long the machine has had no accepted events and whether
// it may be evicted. Machines that are recording or generating never are.
func (m *Machine) Idle() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleLocked()
}

func (m *Machine) idleLocked() (time.Duration, bool) {
	evictable := m.state == StateIdle || m.state == StateError || m.state == StateInitialization
	return m.clock.Since(m.lastActive), evictable
}

// CloseIfIdle closes the machine when it has been evictable for at least
// maxIdle. The check and the close happen atomically.
func (m *Machine) CloseIfIdle(maxIdle time.Duration) bool {
	m.mu.Lock()
	idle, ok := m.idleLocked()
	if m.closed || !ok || idle < maxIdle {
		m.mu.Unlock()
		return false
	}
	m.closeLocked()
	m.mu.Unlock()

	m.wg.Wait()
	return true
}

// Closed reports whether Close has been called. It never blocks.
func (m *Machine) Closed() bool {
	return m.shut.Load()
}

// Close cancels any generation in flight and waits for it to finish.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closeLocked()
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Machine) closeLocked() {
	m.closed = true
	m.shut.Store(true)
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.upload.Reset()
}

func (m *Machine) applyLocked(ctx context.Context, callerID string, ev Event) (Result, *Snapshot, error) {
	if m.closed {
		return Result{State: m.state}, nil, ErrClosed
	}

	if isChunkEvent(ev.Type) && m.state != StateRecording {
		return Result{State: m.state}, nil, ErrNoActiveSession
	}

	if ev.Type == EventChunkAppend {
		if err := m.upload.Append(ev.Audio); err != nil {
			m.logger.Warn("Rejected audio chunk", zap.Error(err), zap.Int("chunks", m.upload.Chunks()))
			m.failLocked(fmt.Errorf("%w: %v", transfer.ErrTransmissionFailure, err))
		}
		return m.acceptedLocked()
	}

	if ev.generation != 0 && ev.generation != m.generation {
		return Result{State: m.state}, nil, ErrStaleGeneration
	}

	next, ok := Next(m.state, ev.Type)
	if !ok {
		m.logger.Debug("Ignored event",
			zap.String("state", string(m.state)),
			zap.String("event", string(ev.Type)))
		return Result{State: m.state}, nil, nil
	}

	switch ev.Type {
	case EventReady:
		m.state = next

	case EventStartRecording:
		m.upload.Reset()
		m.state = next

	case EventStopRecording, EventChunkCommit:
		data, err := m.takeUploadLocked()
		if err != nil {
			m.logger.Warn("Failed to commit recording", zap.Error(err))
			m.failLocked(err)
			return m.acceptedLocked()
		}
		m.stopGenerationLocked()
		m.state = next
		m.committing = &pendingCommit{data: data, generation: m.generation, callerID: callerID}

	case EventStartGenerating, EventGenerateResponse:
		m.state = next
		var last *entities.Message
		if msg, ok := m.conv.LastUserMessage(); ok {
			last = &msg
		}
		m.startGenerationLocked(last)

	case EventGenerated:
		if ev.reply == nil {
			return Result{State: m.state}, nil, nil
		}
		m.finishGenerationLocked(*ev.reply)
		m.state = next

	case EventError:
		msg := ev.Message
		if msg == "" {
			msg = "something went wrong"
		}
		m.failLocked(errors.New(msg))

	case EventRetry:
		m.errMsg = ""
		m.upload.Reset()
		m.state = next
	}

	m.logger.Debug("Conversation transition",
		zap.String("event", string(ev.Type)),
		zap.String("state", string(m.state)))
	return m.acceptedLocked()
}

func (m *Machine) acceptedLocked() (Result, *Snapshot, error) {
	m.lastActive = m.clock.Now()
	m.version++
	snap := m.snapshotLocked()
	return Result{Accepted: true, State: m.state}, &snap, nil
}

// failLocked enters Error from Recording or Generating, discarding the
// partial upload and abandoning any generation in flight.
func (m *Machine) failLocked(err error) {
	m.upload.Reset()
	m.stopGenerationLocked()
	m.errMsg = err.Error()
	m.state = StateError
}

func (m *Machine) stopGenerationLocked() {
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// takeUploadLocked empties the upload buffer into one decoded recording.
func (m *Machine) takeUploadLocked() ([]byte, error) {
	data, err := m.upload.Commit()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transfer.ErrTransmissionFailure, err)
	}
	if len(data) == 0 {
		return nil, errors.New("no audio was received")
	}
	return data, nil
}

// completeCommit measures and stores a taken recording without holding the
// lock, then appends the user message and starts generation unless the turn
// was abandoned meanwhile.
func (m *Machine) completeCommit(ctx context.Context, c *pendingCommit) (Result, error) {
	ref, err := m.storeRecording(ctx, c.data)

	m.mu.Lock()
	if m.closed || m.generation != c.generation || m.state != StateGenerating {
		state := m.state
		m.mu.Unlock()
		if err == nil {
			m.discard(ref.ID)
		}
		return Result{Accepted: true, State: state}, nil
	}

	if err != nil {
		m.logger.Warn("Failed to commit recording", zap.Error(err))
		m.failLocked(err)
	} else {
		msg := entities.Message{
			ID:        uuid.New().String(),
			Author:    entities.Author{ID: c.callerID},
			Timestamp: m.clock.Now(),
			Audio:     ref,
		}
		m.conv.AddMessage(msg)
		stored := m.conv.Public.Messages[len(m.conv.Public.Messages)-1]
		m.logger.Info("User message added",
			zap.String("messageID", msg.ID),
			zap.Int64("durationMs", ref.DurationMs),
			zap.Int("bytes", len(c.data)))
		m.startGenerationLocked(&stored)
	}
	res, snap, _ := m.acceptedLocked()
	m.mu.Unlock()

	m.publish(*snap)
	return res, nil
}

func (m *Machine) storeRecording(ctx context.Context, data []byte) (entities.AudioRef, error) {
	duration, wave, err := m.cfg.Inspector.Inspect(data)
	if err != nil {
		return entities.AudioRef{}, fmt.Errorf("recording could not be decoded: %w", err)
	}

	ref, err := m.cfg.Audio.Put(ctx, m.conv.ID, data, mimeOggOpus)
	if err != nil {
		return entities.AudioRef{}, fmt.Errorf("failed to store recording: %w", err)
	}
	ref.DurationMs = duration.Milliseconds()
	ref.Waveform = wave
	return ref, nil
}

// discard deletes a recording stored for a turn that no longer exists.
func (m *Machine) discard(audioID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.cfg.Audio.Delete(ctx, audioID); err != nil {
		m.logger.Warn("Failed to delete abandoned recording", zap.String("audioID", audioID), zap.Error(err))
	}
}

func (m *Machine) startGenerationLocked(userMsg *entities.Message) {
	m.stopGenerationLocked()
	gen := m.generation

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	req := Request{Conversation: m.conv.Clone(), UserMessage: userMsg}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		err := m.cfg.Responder.Respond(ctx, req, func(ctx context.Context, reply Reply) error {
			return m.dispatch(ctx, Event{Type: EventGenerated, reply: &reply, generation: gen})
		})
		if err == nil || errors.Is(err, ErrStaleGeneration) || ctx.Err() != nil {
			return
		}
		m.logger.Error("Response generation failed", zap.Error(err))
		m.dispatch(ctx, Event{
			Type:       EventError,
			Message:    fmt.Errorf("%w: %v", ErrGenerationFailure, err).Error(),
			generation: gen,
		})
	}()
}

// dispatch applies an event raised by the machine itself.
func (m *Machine) dispatch(ctx context.Context, ev Event) error {
	m.mu.Lock()
	if ev.generation != m.generation || m.state != StateGenerating {
		m.mu.Unlock()
		return ErrStaleGeneration
	}
	res, snap, err := m.applyLocked(ctx, "", ev)
	m.mu.Unlock()

	if snap != nil {
		m.publish(*snap)
	}
	if err != nil {
		return err
	}
	if !res.Accepted {
		return ErrStaleGeneration
	}
	return nil
}

func (m *Machine) finishGenerationLocked(reply Reply) {
	if m.cancel != nil {
		m.cancel = nil
	}

	msg := reply.Message
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Author = entities.Author{ID: entities.AIAuthorID, IsAI: true}
	msg.Timestamp = m.clock.Now()

	if reply.UserTranscript != "" {
		for i := len(m.conv.Public.Messages) - 1; i >= 0; i-- {
			if !m.conv.Public.Messages[i].Author.IsAI {
				if m.conv.Public.Messages[i].Transcript == "" {
					m.conv.Public.Messages[i].Transcript = reply.UserTranscript
				}
				break
			}
		}
	}
	m.conv.AddMessage(msg)

	m.logger.Info("AI message added",
		zap.String("messageID", msg.ID),
		zap.Int64("durationMs", msg.Audio.DurationMs))
}

func (m *Machine) publish(s Snapshot) {
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(s)
	}
}

const mimeOggOpus = "audio/ogg; codecs=opus"
