package client

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/waveform"
)

func TestBar(t *testing.T) {
	tests := []struct {
		name     string
		points   []float64
		progress float64
		want     string
	}{
		{name: "no cursor", points: []float64{0.4, 0.75, 1.0}, progress: -1, want: "▁▅█"},
		{name: "cursor at start", points: []float64{0.4, 0.4}, progress: 0, want: "|▁▁"},
		{name: "cursor in the middle", points: []float64{0.4, 0.4, 0.4, 0.4}, progress: 0.5, want: "▁▁|▁▁"},
		{name: "cursor at end", points: []float64{1.0, 1.0}, progress: 1, want: "██|"},
		{name: "empty", points: nil, progress: 0.5, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Bar(tt.points, tt.progress); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestGlyph_ClampsOutOfRange(t *testing.T) {
	if got := glyph(0); got != '▁' {
		t.Errorf("Expected the lowest bar below the floor, got %q", got)
	}
	if got := glyph(2); got != '█' {
		t.Errorf("Expected the highest bar above the range, got %q", got)
	}
}

func TestRenderer_Render(t *testing.T) {
	view := conversation.View{
		Public: conversation.PublicView{
			PublicContext: entities.PublicContext{
				Title:          "At the market",
				TargetLanguage: "es",
				Messages: []entities.Message{
					{
						ID:     "m1",
						Author: entities.Author{ID: "u1"},
						Audio: entities.AudioRef{
							DurationMs: (65 * time.Second).Milliseconds(),
							Waveform:   waveform.Flat(4, 0.4),
						},
						Transcript: "Quiero dos manzanas",
					},
					{
						ID:     "m2",
						Author: entities.Author{ID: entities.AIAuthorID, IsAI: true},
						Audio: entities.AudioRef{
							DurationMs: 3000,
							Waveform:   waveform.Flat(4, 1.0),
						},
					},
				},
			},
			IsGeneratingResponse: true,
		},
		State: conversation.StateGenerating,
	}

	var out bytes.Buffer
	NewRenderer(&out, false).Render(view, Status{Playing: "m2", Progress: 0.5, Notice: "hello"})
	got := out.String()

	for _, want := range []string{
		"── At the market (es) · Generating ──",
		"You   1:05  ▁▁▁▁  Quiero dos manzanas",
		"AI    0:03  ██|██",
		"tutor is thinking",
		"[p] play last reply  [q] quit",
		"  hello",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, got)
		}
	}
	if strings.Contains(got, "\033[2J") {
		t.Error("Expected no clear sequence when Clear is off")
	}
}

func TestStatusLine(t *testing.T) {
	tests := []struct {
		name  string
		state conversation.State
		st    Status
		want  string
	}{
		{name: "idle", state: conversation.StateIdle, want: "[Enter] record"},
		{name: "error", state: conversation.StateError, want: "[r] retry"},
		{name: "recording", state: conversation.StateRecording, st: Status{Capturing: true, Level: 0.5}, want: "● REC [=====     ]"},
		{name: "uploading", state: conversation.StateRecording, st: Status{Uploading: true}, want: "sending recording"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusLine(tt.state, tt.st); !strings.Contains(got, tt.want) {
				t.Errorf("Expected %q in %q", tt.want, got)
			}
		})
	}
}
