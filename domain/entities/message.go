package entities

import "time"

// Author identifies who spoke a message.
type Author struct {
	ID   string `json:"id" bson:"id"`
	IsAI bool   `json:"isAI" bson:"is_ai"`
}

// AudioRef points at the stored audio of a message.
type AudioRef struct {
	ID         string    `json:"id" bson:"id"`
	URL        string    `json:"audioUrl" bson:"url"`
	MimeType   string    `json:"mimeType,omitempty" bson:"mime_type,omitempty"`
	DurationMs int64     `json:"duration" bson:"duration_ms"`
	Waveform   []float64 `json:"waveform,omitempty" bson:"waveform,omitempty"`
}

// AudioURL is the HTTP path a conversation's clip is served from.
func AudioURL(conversationID, audioID string) string {
	return "/api/v1/conversations/" + conversationID + "/audio/" + audioID
}

// Duration returns the clip length.
func (a AudioRef) Duration() time.Duration {
	return time.Duration(a.DurationMs) * time.Millisecond
}

// Message is one spoken turn. Messages are only ever appended; the
// transcript of a user turn is filled in when its reply arrives.
type Message struct {
	ID         string    `json:"id" bson:"id"`
	Author     Author    `json:"author" bson:"author"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
	Audio      AudioRef  `json:"audio" bson:"audio"`
	Transcript string    `json:"transcript,omitempty" bson:"transcript,omitempty"`
}
