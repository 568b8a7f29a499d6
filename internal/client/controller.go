package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/internal/capture"
	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/transfer"
	"github.com/jonmumm/escuchame2/internal/waveform"
)

// Recorder is the part of the capture engine the controller drives.
type Recorder interface {
	StartCapture(ctx context.Context) error
	StopCapture(ctx context.Context) (*capture.Recording, error)
	IsCapturing() bool
	Dispose()
	URLs() *capture.ObjectURLs
}

// Link carries events to the conversation.
type Link interface {
	Send(ctx context.Context, ev conversation.Event) (conversation.Result, error)
	Sender() transfer.Sender
}

// AudioSource fetches stored clips.
type AudioSource interface {
	Audio(ctx context.Context, clipURL string) ([]byte, error)
}

// Playback plays a clip, reporting progress.
type Playback interface {
	Play(ctx context.Context, clip []byte, progress func(position, duration time.Duration)) error
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Recorder Recorder
	Audio    AudioSource
	Player   Playback
	Renderer *Renderer
}

// Controller owns one capture engine for its lifetime and turns key presses
// into conversation events.
type Controller struct {
	cfg    ControllerConfig
	logger *zap.Logger

	mu         sync.Mutex
	link       Link
	view       conversation.View
	status     Status
	stopPlay   context.CancelFunc
	background sync.WaitGroup
	// stopping is set while stopAndSend waits on the recorder, which
	// reports its own failure.
	stopping bool
}

func NewController(cfg ControllerConfig, logger *zap.Logger) (*Controller, error) {
	if cfg.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	return &Controller{cfg: cfg, logger: logger}, nil
}

// Attach sets the link events are sent over.
func (c *Controller) Attach(link Link) {
	c.mu.Lock()
	c.link = link
	c.mu.Unlock()
}

// View returns the latest conversation view.
func (c *Controller) View() conversation.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// OnView records a server snapshot. Older versions are ignored.
func (c *Controller) OnView(v conversation.View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.Version < c.view.Version {
		return
	}
	c.view = v
	c.renderLocked()
}

// OnCapture receives capture engine events.
func (c *Controller) OnCapture(ev capture.Event) {
	switch e := ev.(type) {
	case capture.SampleCaptured:
		c.update(func(s *Status) { s.Level = e.Value })
	case capture.CaptureEnded:
		c.update(func(s *Status) { s.Capturing = false; s.Level = 0 })
		if e.Reason == capture.EndFailed {
			c.mu.Lock()
			stopping := c.stopping
			c.mu.Unlock()
			if stopping {
				return
			}
			c.notice("recording failed: %v", e.Err)
			c.background.Add(1)
			go func() {
				defer c.background.Done()
				c.reportError(context.Background(), fmt.Sprintf("recording failed: %v", e.Err))
			}()
		}
	}
}

// Ready moves a fresh conversation out of Initialization.
func (c *Controller) Ready(ctx context.Context) error {
	_, err := c.send(ctx, conversation.Event{Type: conversation.EventReady})
	return err
}

// Toggle starts a recording, or stops the current one and sends it.
func (c *Controller) Toggle(ctx context.Context) error {
	if c.cfg.Recorder.IsCapturing() {
		return c.stopAndSend(ctx)
	}
	return c.start(ctx)
}

func (c *Controller) start(ctx context.Context) error {
	res, err := c.send(ctx, conversation.Event{Type: conversation.EventStartRecording})
	if err != nil {
		c.notice("could not start recording: %v", err)
		return err
	}
	if !res.Accepted {
		c.notice("cannot record while %s", res.State)
		return fmt.Errorf("%w in state %s", ErrRejected, res.State)
	}

	if err := c.cfg.Recorder.StartCapture(ctx); err != nil {
		c.notice("microphone: %v", err)
		c.reportError(ctx, fmt.Sprintf("microphone: %v", err))
		return err
	}
	c.update(func(s *Status) { s.Capturing = true; s.Notice = "" })
	return nil
}

func (c *Controller) stopAndSend(ctx context.Context) error {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	rec, err := c.cfg.Recorder.StopCapture(ctx)
	c.mu.Lock()
	c.stopping = false
	c.mu.Unlock()
	c.update(func(s *Status) { s.Capturing = false; s.Level = 0 })
	if err != nil {
		if errors.Is(err, capture.ErrStopPending) {
			return err
		}
		c.notice("recording failed: %v", err)
		c.reportError(ctx, fmt.Sprintf("recording failed: %v", err))
		return err
	}
	defer c.cfg.Recorder.URLs().Revoke(rec.URL)

	c.logger.Info("Sending recording",
		zap.Int("bytes", len(rec.Data)),
		zap.Duration("duration", rec.Duration))

	c.update(func(s *Status) { s.Uploading = true })
	err = transfer.Transmit(ctx, c.transferSender(), rec.Base64)
	c.update(func(s *Status) { s.Uploading = false })
	if err != nil {
		c.notice("upload failed: %v", err)
		c.reportError(ctx, fmt.Sprintf("upload failed: %v", err))
		return err
	}
	return nil
}

// Retry clears an error.
func (c *Controller) Retry(ctx context.Context) error {
	res, err := c.send(ctx, conversation.Event{Type: conversation.EventRetry})
	if err != nil {
		return err
	}
	if !res.Accepted {
		c.notice("nothing to retry")
	}
	return nil
}

// PlayLast plays the most recent AI message in the background, replacing
// any playback in progress.
func (c *Controller) PlayLast(ctx context.Context) error {
	if c.cfg.Audio == nil || c.cfg.Player == nil {
		return errors.New("playback is not configured")
	}
	msg, ok := lastAIMessage(c.View())
	if !ok || msg.Audio.URL == "" {
		c.notice("no reply to play yet")
		return nil
	}

	clip, err := c.cfg.Audio.Audio(ctx, msg.Audio.URL)
	if err != nil {
		c.notice("download failed: %v", err)
		return err
	}

	playCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.stopPlay != nil {
		c.stopPlay()
	}
	c.stopPlay = cancel
	c.status.Playing = msg.ID
	c.status.Progress = 0
	c.mu.Unlock()

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		err := c.cfg.Player.Play(playCtx, clip, func(pos, dur time.Duration) {
			if playCtx.Err() != nil {
				return
			}
			c.update(func(s *Status) {
				if s.Playing == msg.ID {
					s.Progress = waveform.Progress(pos, dur)
				}
			})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.notice("playback failed: %v", err)
		}
		c.update(func(s *Status) {
			if s.Playing == msg.ID {
				s.Playing = ""
			}
		})
	}()
	return nil
}

// Run reads commands from in until q, EOF, ctx ends or done closes.
// An empty line toggles recording.
func (c *Controller) Run(ctx context.Context, in io.Reader, done <-chan struct{}) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	c.mu.Lock()
	c.renderLocked()
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return ErrClosed
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			var err error
			switch strings.ToLower(line) {
			case "":
				err = c.Toggle(ctx)
			case "r":
				err = c.Retry(ctx)
			case "p":
				err = c.PlayLast(ctx)
			case "q":
				return nil
			default:
				c.notice("unknown command %q", line)
			}
			if err != nil {
				c.logger.Debug("Command failed", zap.String("command", line), zap.Error(err))
			}
		}
	}
}

// Close disposes the engine and stops playback.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.stopPlay != nil {
		c.stopPlay()
	}
	c.mu.Unlock()
	c.cfg.Recorder.Dispose()
	c.background.Wait()
}

func (c *Controller) send(ctx context.Context, ev conversation.Event) (conversation.Result, error) {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return conversation.Result{}, ErrClosed
	}
	return link.Send(ctx, ev)
}

func (c *Controller) transferSender() transfer.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return transfer.SenderFunc(func(context.Context, transfer.Event) error { return ErrClosed })
	}
	return c.link.Sender()
}

func (c *Controller) reportError(ctx context.Context, message string) {
	if _, err := c.send(ctx, conversation.Event{Type: conversation.EventError, Message: message}); err != nil {
		c.logger.Warn("Failed to report error", zap.Error(err))
	}
}

func (c *Controller) update(fn func(*Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
	c.renderLocked()
}

func (c *Controller) notice(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.update(func(s *Status) { s.Notice = msg })
}

func (c *Controller) renderLocked() {
	c.cfg.Renderer.Render(c.view, c.status)
}

func lastAIMessage(v conversation.View) (entities.Message, bool) {
	for i := len(v.Public.Messages) - 1; i >= 0; i-- {
		if v.Public.Messages[i].Author.IsAI {
			return v.Public.Messages[i], true
		}
	}
	return entities.Message{}, false
}
