package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyChunk    = errors.New("empty audio chunk")
	ErrChunkTooLarge = errors.New("audio chunk exceeds maximum size")
	ErrUploadTooBig  = errors.New("upload exceeds maximum size")
)

// Assembler rebuilds a recording from append events on the receiving side.
// It is not safe for concurrent use; its owner serializes access.
type Assembler struct {
	buf      strings.Builder
	chunks   int
	maxBytes int
}

// NewAssembler returns an assembler that refuses uploads whose encoded form
// grows past maxEncoded characters. Zero means unbounded.
func NewAssembler(maxEncoded int) *Assembler {
	return &Assembler{maxBytes: maxEncoded}
}

// Append adds the next chunk in arrival order.
func (a *Assembler) Append(chunk string) error {
	if chunk == "" {
		return fmt.Errorf("%w: chunk %d", ErrEmptyChunk, a.chunks)
	}
	if len(chunk) > ChunkSize {
		return fmt.Errorf("%w: %d characters", ErrChunkTooLarge, len(chunk))
	}
	if a.maxBytes > 0 && a.buf.Len()+len(chunk) > a.maxBytes {
		return fmt.Errorf("%w: limit %d characters", ErrUploadTooBig, a.maxBytes)
	}
	a.buf.WriteString(chunk)
	a.chunks++
	return nil
}

// Chunks reports how many chunks have been appended.
func (a *Assembler) Chunks() int { return a.chunks }

// Len reports the encoded length received so far.
func (a *Assembler) Len() int { return a.buf.Len() }

// Commit decodes everything appended so far and resets the assembler.
func (a *Assembler) Commit() ([]byte, error) {
	encoded := a.buf.String()
	a.Reset()

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode upload: %w", err)
	}
	return data, nil
}

// Reset discards any partial upload.
func (a *Assembler) Reset() {
	a.buf.Reset()
	a.chunks = 0
}
