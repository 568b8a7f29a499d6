package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/adapters/memory"
	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/internal/api"
	"github.com/jonmumm/escuchame2/internal/auth"
	"github.com/jonmumm/escuchame2/internal/capture"
	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/transfer"
	"github.com/jonmumm/escuchame2/internal/waveform"
	"github.com/jonmumm/escuchame2/internal/websocket"
	"github.com/jonmumm/escuchame2/usecase"
)

// fakeRecorder hands out a fixed recording.
type fakeRecorder struct {
	mu        sync.Mutex
	capturing bool
	data      []byte
	startErr  error
	stopErr   error
	disposed  bool
	urls      *capture.ObjectURLs
	// listener receives the events the engine would emit.
	listener func(capture.Event)
}

func newFakeRecorder(data []byte) *fakeRecorder {
	return &fakeRecorder{data: data, urls: capture.NewObjectURLs()}
}

func (r *fakeRecorder) StartCapture(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.capturing = true
	return nil
}

func (r *fakeRecorder) StopCapture(ctx context.Context) (*capture.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.capturing {
		return nil, capture.ErrNoActiveSession
	}
	r.capturing = false
	if r.stopErr != nil {
		if r.listener != nil {
			r.listener(capture.CaptureEnded{Reason: capture.EndFailed, Err: r.stopErr})
		}
		return nil, r.stopErr
	}
	return &capture.Recording{
		URL:      r.urls.Create(r.data, "audio/ogg; codecs=opus"),
		MimeType: "audio/ogg; codecs=opus",
		Data:     r.data,
		Base64:   base64.StdEncoding.EncodeToString(r.data),
		Waveform: waveform.Flat(waveform.DefaultPoints, 0.5),
		Duration: 1500 * time.Millisecond,
	}, nil
}

func (r *fakeRecorder) IsCapturing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capturing
}

func (r *fakeRecorder) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capturing = false
	r.disposed = true
}

func (r *fakeRecorder) URLs() *capture.ObjectURLs { return r.urls }

// fakeLink records events and answers from a script.
type fakeLink struct {
	mu     sync.Mutex
	events []conversation.Event
	answer func(ev conversation.Event) (conversation.Result, error)
}

func (l *fakeLink) Send(ctx context.Context, ev conversation.Event) (conversation.Result, error) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	answer := l.answer
	l.mu.Unlock()
	if answer == nil {
		return conversation.Result{Accepted: true}, nil
	}
	return answer(ev)
}

func (l *fakeLink) Sender() transfer.Sender {
	return transfer.SenderFunc(func(ctx context.Context, event transfer.Event) error {
		res, err := l.Send(ctx, conversation.Event{Type: conversation.EventType(event.Type), Audio: event.Audio})
		if err != nil {
			return err
		}
		if !res.Accepted {
			return ErrRejected
		}
		return nil
	})
}

func (l *fakeLink) types() []conversation.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]conversation.EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func newTestController(t *testing.T, rec Recorder, link Link) *Controller {
	t.Helper()
	c, err := NewController(ControllerConfig{
		Recorder: rec,
		Renderer: NewRenderer(&bytes.Buffer{}, false),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	c.Attach(link)
	return c
}

func TestController_ToggleSendsRecording(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, transfer.ChunkSize)
	rec := newFakeRecorder(data)
	link := &fakeLink{}
	c := newTestController(t, rec, link)

	if err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("Toggle (start) failed: %v", err)
	}
	if !rec.IsCapturing() {
		t.Fatal("Expected the recorder to be capturing")
	}
	if err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("Toggle (stop) failed: %v", err)
	}

	// 32 KiB of bytes is ~43.7K base64 characters: two appends.
	want := []conversation.EventType{
		conversation.EventStartRecording,
		conversation.EventChunkAppend,
		conversation.EventChunkAppend,
		conversation.EventChunkCommit,
	}
	got := link.types()
	if len(got) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	var joined strings.Builder
	for _, ev := range link.events {
		joined.WriteString(ev.Audio)
	}
	if joined.String() != base64.StdEncoding.EncodeToString(data) {
		t.Error("Expected the appends to reassemble the recording")
	}
	if rec.urls.Len() != 0 {
		t.Errorf("Expected the recording URL to be revoked, %d left", rec.urls.Len())
	}
}

func TestController_StartRejected(t *testing.T) {
	rec := newFakeRecorder([]byte("x"))
	link := &fakeLink{answer: func(ev conversation.Event) (conversation.Result, error) {
		return conversation.Result{Accepted: false, State: conversation.StateGenerating}, nil
	}}
	c := newTestController(t, rec, link)

	if err := c.Toggle(context.Background()); !errors.Is(err, ErrRejected) {
		t.Errorf("Expected ErrRejected, got %v", err)
	}
	if rec.IsCapturing() {
		t.Error("Expected no capture when the machine refuses to record")
	}
}

func TestController_ReportsFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *fakeRecorder, l *fakeLink)
		// toggles before the failure surfaces
		toggles int
	}{
		{
			name:    "microphone unavailable",
			setup:   func(r *fakeRecorder, l *fakeLink) { r.startErr = capture.ErrDeviceUnavailable },
			toggles: 1,
		},
		{
			name:    "encoder failure",
			setup:   func(r *fakeRecorder, l *fakeLink) { r.stopErr = capture.ErrEncodingFailure },
			toggles: 2,
		},
		{
			name: "transport rejects a chunk",
			setup: func(r *fakeRecorder, l *fakeLink) {
				l.answer = func(ev conversation.Event) (conversation.Result, error) {
					if ev.Type == conversation.EventChunkAppend {
						return conversation.Result{}, errors.New("socket closed")
					}
					return conversation.Result{Accepted: true}, nil
				}
			},
			toggles: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newFakeRecorder([]byte("recording"))
			link := &fakeLink{}
			tt.setup(rec, link)
			c := newTestController(t, rec, link)

			var err error
			for i := 0; i < tt.toggles; i++ {
				err = c.Toggle(context.Background())
			}
			if err == nil {
				t.Fatal("Expected the failure to be returned")
			}
			got := link.types()
			if got[len(got)-1] != conversation.EventError {
				t.Errorf("Expected an ERROR event last, got %v", got)
			}
			for _, typ := range got {
				if typ == conversation.EventChunkCommit {
					t.Error("Expected no commit after a failure")
				}
			}
		})
	}
}

func TestController_FailedStopReportsOnce(t *testing.T) {
	rec := newFakeRecorder([]byte("recording"))
	rec.stopErr = capture.ErrEncodingFailure
	link := &fakeLink{}
	c := newTestController(t, rec, link)
	rec.listener = c.OnCapture

	if err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Toggle(context.Background()); !errors.Is(err, capture.ErrEncodingFailure) {
		t.Fatalf("Expected the encoding failure, got %v", err)
	}
	c.Close()

	errs := 0
	for _, typ := range link.types() {
		if typ == conversation.EventError {
			errs++
		}
	}
	if errs != 1 {
		t.Errorf("Expected exactly one ERROR event, got %d in %v", errs, link.types())
	}
}

func TestController_CaptureFailureOutsideStopIsReported(t *testing.T) {
	link := &fakeLink{}
	c := newTestController(t, newFakeRecorder(nil), link)

	c.OnCapture(capture.CaptureEnded{Reason: capture.EndFailed, Err: errors.New("encoder crashed")})
	c.Close()

	got := link.types()
	if len(got) != 1 || got[0] != conversation.EventError {
		t.Errorf("Expected a single ERROR event, got %v", got)
	}
}

func TestController_OnViewKeepsNewest(t *testing.T) {
	c := newTestController(t, newFakeRecorder(nil), &fakeLink{})
	c.OnView(conversation.View{State: conversation.StateGenerating, Version: 5})
	c.OnView(conversation.View{State: conversation.StateIdle, Version: 4})
	if got := c.View().State; got != conversation.StateGenerating {
		t.Errorf("Expected the stale view to be ignored, got %s", got)
	}
}

func TestController_RunCommands(t *testing.T) {
	rec := newFakeRecorder([]byte("recording"))
	link := &fakeLink{}
	c := newTestController(t, rec, link)

	in := strings.NewReader("r\n\n\nq\nr\n")
	if err := c.Run(context.Background(), in, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	c.Close()

	got := link.types()
	want := []conversation.EventType{
		conversation.EventRetry,
		conversation.EventStartRecording,
		conversation.EventChunkAppend,
		conversation.EventChunkCommit,
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	if !rec.disposed {
		t.Error("Expected Close to dispose the recorder")
	}
}

// instantResponder answers every turn with a stored clip.
type instantResponder struct {
	store *memory.AudioStore
	clip  []byte
}

func (r instantResponder) Respond(ctx context.Context, req conversation.Request, deliver conversation.Deliver) error {
	ref, err := r.store.Put(ctx, req.Conversation.ID, r.clip, "audio/ogg; codecs=opus")
	if err != nil {
		return err
	}
	ref.DurationMs = 2000
	ref.Waveform = waveform.Flat(waveform.DefaultPoints, 0.7)
	return deliver(ctx, conversation.Reply{
		Message:        entities.Message{Audio: ref},
		UserTranscript: "Hola, ¿qué tal?",
	})
}

type stubInspector struct{}

func (stubInspector) Inspect([]byte) (time.Duration, []float64, error) {
	return 1500 * time.Millisecond, waveform.Flat(waveform.DefaultPoints, 0.6), nil
}

type fakePlayer struct {
	played chan []byte
}

func (p *fakePlayer) Play(ctx context.Context, clip []byte, progress func(position, duration time.Duration)) error {
	progress(time.Second, 2*time.Second)
	progress(2*time.Second, 2*time.Second)
	p.played <- clip
	return nil
}

func TestClient_EndToEnd(t *testing.T) {
	logger := zap.NewNop()
	store := memory.NewAudioStore()
	reply := []byte("OggS tutor reply")
	svc := usecase.NewConversationService(memory.NewConversationRepository(), conversation.Config{
		Audio:     store,
		Inspector: stubInspector{},
		Responder: instantResponder{store: store, clip: reply},
	}, logger)
	defer svc.Close()

	hub := websocket.NewHub(svc, nil, logger)
	svc.SetPublisher(hub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	tokens, err := auth.NewTokenManager("0123456789abcdef0123", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenManager failed: %v", err)
	}
	e := echo.New()
	api.InitRoutes(e, api.Dependencies{Conversations: svc, Hub: hub, Tokens: tokens}, logger)
	server := httptest.NewServer(e)
	defer server.Close()

	client := NewAPI(server.URL)
	if _, err := client.Guest(ctx, "Ana"); err != nil {
		t.Fatalf("Guest failed: %v", err)
	}
	view, err := client.Create(ctx, NewConversation{Type: "lucky", NativeLanguage: "en", TargetLanguage: "es"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	player := &fakePlayer{played: make(chan []byte, 1)}
	rec := newFakeRecorder([]byte("OggS user turn"))
	c, err := NewController(ControllerConfig{
		Recorder: rec,
		Audio:    client,
		Player:   player,
		Renderer: NewRenderer(&bytes.Buffer{}, false),
	}, logger)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer c.Close()

	wsURL, err := client.WebSocketURL(view.Public.ID)
	if err != nil {
		t.Fatalf("WebSocketURL failed: %v", err)
	}
	conn, err := Dial(ctx, wsURL, client.Token(), c.OnView, logger)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	c.Attach(conn)

	if err := c.Ready(ctx); err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	waitFor(t, c, func(v conversation.View) bool { return v.State == conversation.StateIdle })

	if err := c.Toggle(ctx); err != nil {
		t.Fatalf("Toggle (start) failed: %v", err)
	}
	if err := c.Toggle(ctx); err != nil {
		t.Fatalf("Toggle (stop) failed: %v", err)
	}

	waitFor(t, c, func(v conversation.View) bool {
		return v.State == conversation.StateIdle && len(v.Public.Messages) == 2
	})
	msgs := c.View().Public.Messages
	if msgs[0].Author.IsAI || msgs[0].Transcript != "Hola, ¿qué tal?" {
		t.Errorf("Expected the user's transcribed turn first, got %+v", msgs[0])
	}
	if !msgs[1].Author.IsAI || msgs[1].Audio.DurationMs != 2000 {
		t.Errorf("Expected the AI reply second, got %+v", msgs[1])
	}

	if err := c.PlayLast(ctx); err != nil {
		t.Fatalf("PlayLast failed: %v", err)
	}
	select {
	case got := <-player.played:
		if !bytes.Equal(got, reply) {
			t.Errorf("Expected the reply clip, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for playback")
	}

	// A second READY is a no-op outside Initialization.
	res, err := conn.Send(ctx, conversation.Event{Type: conversation.EventReady})
	if err != nil || res.Accepted {
		t.Errorf("Expected READY to be ignored, got %+v %v", res, err)
	}

	// Events the server refuses come back as errors.
	_, err = conn.Send(ctx, conversation.Event{Type: conversation.EventChunkAppend, Audio: "QQ=="})
	var serverErr *ServerError
	if !errors.As(err, &serverErr) || serverErr.Code != websocket.CodeNoActiveSession {
		t.Errorf("Expected a no_active_session error, got %v", err)
	}
}

func waitFor(t *testing.T, c *Controller, cond func(conversation.View) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond(c.View()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out; last view state %s with %d messages", c.View().State, len(c.View().Public.Messages))
}
