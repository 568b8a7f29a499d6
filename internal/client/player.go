package client

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jonmumm/escuchame2/internal/audio"
)

const (
	playbackRate  = 48000
	playbackBlock = 100 * time.Millisecond
)

// Player pipes decoded clips into a playback command.
type Player struct {
	command string
}

// NewPlayer creates a player for command, which reads s16le mono PCM at
// 48 kHz from stdin.
func NewPlayer(command string) *Player {
	return &Player{command: command}
}

// Play decodes clip and writes it to the playback command block by block,
// reporting the position after each block. It returns when the clip has
// been written or ctx is cancelled.
func (p *Player) Play(ctx context.Context, clip []byte, progress func(position, duration time.Duration)) error {
	pcm, err := audio.DecodeOggOpus(clip, playbackRate)
	if err != nil {
		return fmt.Errorf("failed to decode clip: %w", err)
	}
	duration := audio.SamplesDuration(len(pcm), playbackRate)

	args := strings.Fields(p.command)
	if len(args) == 0 {
		return errors.New("playback command is empty")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open playback pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start playback command %q: %w", args[0], err)
	}

	block := playbackRate * int(playbackBlock/time.Millisecond) / 1000
	var writeErr error
	for off := 0; off < len(pcm); off += block {
		if ctx.Err() != nil {
			break
		}
		end := min(off+block, len(pcm))
		if _, writeErr = stdin.Write(audio.PCMToBytes(pcm[off:end])); writeErr != nil {
			break
		}
		if progress != nil {
			progress(audio.SamplesDuration(end, playbackRate), duration)
		}
	}
	stdin.Close()
	waitErr := cmd.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if writeErr != nil {
		return fmt.Errorf("playback failed: %w", writeErr)
	}
	return waitErr
}
