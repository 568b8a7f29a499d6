package client

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/waveform"
)

var bars = []rune("▁▂▃▄▅▆▇█")

// Status is the local state shown under the conversation.
type Status struct {
	Capturing bool
	// Level is the latest microphone amplitude in [0,1].
	Level     float64
	Uploading bool
	// Playing is the id of the message being played, if any.
	Playing  string
	Progress float64
	Notice   string
}

// Renderer draws frames to a terminal.
type Renderer struct {
	out io.Writer
	// Clear redraws in place using ANSI escapes.
	Clear bool
}

func NewRenderer(out io.Writer, clear bool) *Renderer {
	return &Renderer{out: out, Clear: clear}
}

// Render draws the whole conversation and the status line.
func (r *Renderer) Render(view conversation.View, st Status) {
	var b strings.Builder
	if r.Clear {
		b.WriteString("\033[H\033[2J")
	}

	title := view.Public.Title
	if title == "" {
		title = string(view.Public.Type)
	}
	fmt.Fprintf(&b, "── %s (%s) · %s ──\n", title, view.Public.TargetLanguage, view.State)

	for _, m := range view.Public.Messages {
		progress := -1.0
		if m.ID == st.Playing {
			progress = st.Progress
		}
		b.WriteString(formatMessage(m, progress))
		b.WriteByte('\n')
	}

	switch {
	case view.Public.IsGeneratingResponse:
		b.WriteString("  …    tutor is thinking\n")
	case view.State == conversation.StateError:
		fmt.Fprintf(&b, "  !    %s\n", view.Error)
	}

	b.WriteString(statusLine(view.State, st))
	b.WriteByte('\n')
	io.WriteString(r.out, b.String())
}

func formatMessage(m entities.Message, progress float64) string {
	who := "You"
	if m.Author.IsAI {
		who = "AI"
	}
	line := fmt.Sprintf("  %-4s %5s  %s", who, waveform.FormatDuration(m.Audio.Duration()), Bar(m.Audio.Waveform, progress))
	if m.Transcript != "" {
		line += "  " + m.Transcript
	}
	return line
}

// Bar draws a waveform with one glyph per point. A progress in [0,1] marks
// the played position with a cursor; a negative one draws no cursor.
func Bar(points []float64, progress float64) string {
	var b strings.Builder
	cursor := -1
	if progress >= 0 {
		cursor = waveform.ProgressIndex(len(points), progress)
	}
	for i, v := range points {
		if i == cursor {
			b.WriteRune('|')
		}
		b.WriteRune(glyph(v))
	}
	if cursor == len(points) && len(points) > 0 {
		b.WriteRune('|')
	}
	return b.String()
}

// glyph maps a waveform level in [Floor, Floor+Range] to a bar height.
func glyph(v float64) rune {
	f := (v - waveform.Floor) / waveform.Range
	i := int(math.Round(f * float64(len(bars)-1)))
	return bars[max(0, min(len(bars)-1, i))]
}

func statusLine(state conversation.State, st Status) string {
	var b strings.Builder
	switch {
	case st.Capturing:
		n := int(math.Round(st.Level * 10))
		fmt.Fprintf(&b, "● REC [%-10s]  [Enter] stop", strings.Repeat("=", max(0, min(10, n))))
	case st.Uploading:
		b.WriteString("↑ sending recording…")
	case state == conversation.StateIdle:
		b.WriteString("[Enter] record")
	case state == conversation.StateError:
		b.WriteString("[r] retry")
	}
	if b.Len() > 0 {
		b.WriteString("  ")
	}
	b.WriteString("[p] play last reply  [q] quit")
	if st.Notice != "" {
		b.WriteString("\n  " + st.Notice)
	}
	return b.String()
}
