// Package transfer moves a finished recording to the server as an ordered
// series of bounded text events followed by a single commit.
package transfer

import (
	"context"
	"errors"
	"fmt"
)

// ChunkSize is the largest number of base64 characters carried by one
// append event.
const ChunkSize = 32 * 1024

// EventType names a transfer event on the wire.
type EventType string

const (
	EventAppend EventType = "AUDIO_CHUNK_APPEND"
	EventCommit EventType = "AUDIO_CHUNK_COMMIT"
)

// ErrTransmissionFailure is returned when the transport rejects an event.
var ErrTransmissionFailure = errors.New("transmission failure")

// Event is one message of a transfer.
type Event struct {
	Type  EventType `json:"type"`
	Audio string    `json:"audio,omitempty"`
}

// Sender delivers transfer events in order.
type Sender interface {
	Send(ctx context.Context, event Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, event Event) error

func (f SenderFunc) Send(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Split cuts encoded into consecutive pieces of at most size characters.
// Concatenating the pieces reproduces the input; no piece is empty.
func Split(encoded string, size int) []string {
	if size <= 0 {
		panic("transfer: chunk size must be positive")
	}
	if encoded == "" {
		return nil
	}

	chunks := make([]string, 0, (len(encoded)+size-1)/size)
	for start := 0; start < len(encoded); start += size {
		end := start + size
		if end > len(encoded) {
			end = len(encoded)
		}
		chunks = append(chunks, encoded[start:end])
	}
	return chunks
}

// Events returns the append events for encoded followed by exactly one commit.
func Events(encoded string, size int) []Event {
	chunks := Split(encoded, size)
	events := make([]Event, 0, len(chunks)+1)
	for _, c := range chunks {
		events = append(events, Event{Type: EventAppend, Audio: c})
	}
	return append(events, Event{Type: EventCommit})
}

// Transmit sends encoded through sender using ChunkSize pieces. It stops at
// the first rejected event; nothing after it is sent.
func Transmit(ctx context.Context, sender Sender, encoded string) error {
	for i, ev := range Events(encoded, ChunkSize) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrTransmissionFailure, err)
		}
		if err := sender.Send(ctx, ev); err != nil {
			return fmt.Errorf("%w: event %d (%s): %v", ErrTransmissionFailure, i, ev.Type, err)
		}
	}
	return nil
}
