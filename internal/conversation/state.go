// Package conversation drives one practice conversation through recording,
// upload and response generation.
package conversation

import (
	"errors"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/internal/transfer"
)

// State is the machine's current phase.
type State string

const (
	StateInitialization State = "Initialization"
	StateIdle           State = "Idle"
	StateRecording      State = "Recording"
	StateGenerating     State = "Generating"
	StateError          State = "Error"
)

// EventType names an input to the machine.
type EventType string

const (
	EventReady            EventType = "READY"
	EventStartRecording   EventType = "START_RECORDING"
	EventStopRecording    EventType = "STOP_RECORDING"
	EventChunkAppend      EventType = EventType(transfer.EventAppend)
	EventChunkCommit      EventType = EventType(transfer.EventCommit)
	EventStartGenerating  EventType = "START_GENERATING"
	EventGenerateResponse EventType = "GENERATE_RESPONSE"
	EventGenerated        EventType = "GENERATED"
	EventError            EventType = "ERROR"
	EventRetry            EventType = "RETRY"
)

var (
	ErrNoActiveSession   = errors.New("no active recording session")
	ErrGenerationFailure = errors.New("response generation failed")
	ErrForbidden         = errors.New("not authorized for this conversation")
	// ErrStaleGeneration is returned to a responder whose result arrived
	// after the machine moved on.
	ErrStaleGeneration = errors.New("generation result is stale")
	ErrClosed          = errors.New("conversation machine is closed")
)

// Event is one input. Audio is set on chunk appends and Message on errors.
type Event struct {
	Type    EventType `json:"type"`
	Audio   string    `json:"audio,omitempty"`
	Message string    `json:"message,omitempty"`

	reply      *Reply
	generation uint64
}

// Reply is a finished AI turn.
type Reply struct {
	Message entities.Message
	// UserTranscript is what the user said in the turn being answered.
	UserTranscript string
}

type transition struct {
	from  State
	event EventType
}

var transitions = map[transition]State{
	{StateInitialization, EventReady}:    StateIdle,
	{StateIdle, EventStartRecording}:     StateRecording,
	{StateIdle, EventStartGenerating}:    StateGenerating,
	{StateIdle, EventGenerateResponse}:   StateGenerating,
	{StateRecording, EventStopRecording}: StateGenerating,
	{StateRecording, EventChunkCommit}:   StateGenerating,
	{StateRecording, EventError}:         StateError,
	{StateGenerating, EventGenerated}:    StateIdle,
	{StateGenerating, EventError}:        StateError,
	{StateError, EventRetry}:             StateIdle,
}

// Next returns the state that follows from on ev, if the pair is defined.
func Next(from State, ev EventType) (State, bool) {
	to, ok := transitions[transition{from, ev}]
	return to, ok
}

func isChunkEvent(t EventType) bool {
	return t == EventChunkAppend || t == EventChunkCommit
}
