package entities

import (
	"errors"
	"fmt"
	"time"
)

// ScenarioType says how a conversation's topic was chosen.
type ScenarioType string

const (
	ScenarioTemplate ScenarioType = "template"
	ScenarioCustom   ScenarioType = "custom"
	ScenarioLucky    ScenarioType = "lucky"
)

// AIAuthorID is the author id of every AI message.
const AIAuthorID = "ai-1"

// PublicContext is the part of a conversation every viewer may see.
type PublicContext struct {
	ID             string       `json:"id" bson:"id"`
	OwnerID        string       `json:"ownerId" bson:"owner_id"`
	CreatedAt      time.Time    `json:"createdAt" bson:"created_at"`
	LastMessageAt  time.Time    `json:"lastMessageAt" bson:"last_message_at"`
	Type           ScenarioType `json:"type" bson:"type"`
	Title          string       `json:"title,omitempty" bson:"title,omitempty"`
	Description    string       `json:"description,omitempty" bson:"description,omitempty"`
	Prompt         string       `json:"prompt,omitempty" bson:"prompt,omitempty"`
	NativeLanguage string       `json:"nativeLanguage" bson:"native_language"`
	TargetLanguage string       `json:"targetLanguage" bson:"target_language"`
	Messages       []Message    `json:"messages" bson:"messages"`
}

// PrivateContext is visible only to the user it is keyed by.
type PrivateContext struct {
	UserIDs []string `json:"userIds" bson:"user_ids"`
}

// Conversation is the durable record of a practice session.
type Conversation struct {
	ID      string                    `json:"id" bson:"_id"`
	Public  PublicContext             `json:"public" bson:"public"`
	Private map[string]PrivateContext `json:"-" bson:"private"`
	// Version is the sequence number of the last stored snapshot. A reloaded
	// conversation continues counting from it.
	Version uint64 `json:"-" bson:"version"`
}

// NewConversationInput holds what a user chooses when starting a conversation.
type NewConversationInput struct {
	Type           ScenarioType
	Title          string
	Description    string
	Prompt         string
	NativeLanguage string
	TargetLanguage string
}

// NewConversation creates an empty conversation owned by ownerID. The owner
// is always an authorized user of their own private context.
func NewConversation(id, ownerID string, in NewConversationInput, now time.Time) *Conversation {
	return &Conversation{
		ID: id,
		Public: PublicContext{
			ID:             id,
			OwnerID:        ownerID,
			CreatedAt:      now,
			LastMessageAt:  now,
			Type:           in.Type,
			Title:          in.Title,
			Description:    in.Description,
			Prompt:         in.Prompt,
			NativeLanguage: in.NativeLanguage,
			TargetLanguage: in.TargetLanguage,
			Messages:       make([]Message, 0),
		},
		Private: map[string]PrivateContext{
			ownerID: {UserIDs: []string{ownerID}},
		},
	}
}

// AddMessage appends msg and advances LastMessageAt. LastMessageAt strictly
// increases with every append, even when two messages share a clock reading.
func (c *Conversation) AddMessage(msg Message) {
	ts := msg.Timestamp
	if !ts.After(c.Public.LastMessageAt) {
		ts = c.Public.LastMessageAt.Add(time.Millisecond)
	}
	msg.Timestamp = ts
	c.Public.Messages = append(c.Public.Messages, msg)
	c.Public.LastMessageAt = ts
}

// LastUserMessage returns the most recent message not spoken by the AI.
func (c *Conversation) LastUserMessage() (Message, bool) {
	for i := len(c.Public.Messages) - 1; i >= 0; i-- {
		if !c.Public.Messages[i].Author.IsAI {
			return c.Public.Messages[i], true
		}
	}
	return Message{}, false
}

// CanAccess reports whether userID may view and act on the conversation:
// the owner, or anyone listed in any private context.
func (c *Conversation) CanAccess(userID string) bool {
	if userID == "" {
		return false
	}
	if c.Public.OwnerID == userID {
		return true
	}
	if _, ok := c.Private[userID]; ok {
		return true
	}
	for _, p := range c.Private {
		for _, id := range p.UserIDs {
			if id == userID {
				return true
			}
		}
	}
	return false
}

// PrivateFor returns only userID's private context.
func (c *Conversation) PrivateFor(userID string) (PrivateContext, bool) {
	p, ok := c.Private[userID]
	return p, ok
}

// Authorize adds userID to granter's private authorized-user set.
func (c *Conversation) Authorize(granterID, userID string) error {
	if granterID != c.Public.OwnerID {
		return errors.New("only the owner can share a conversation")
	}
	if userID == "" {
		return errors.New("user id is required")
	}
	if c.Private == nil {
		c.Private = make(map[string]PrivateContext)
	}
	p := c.Private[granterID]
	for _, id := range p.UserIDs {
		if id == userID {
			return nil
		}
	}
	p.UserIDs = append(p.UserIDs, userID)
	c.Private[granterID] = p
	return nil
}

// Validate checks the fields every stored conversation must have.
func (c *Conversation) Validate() error {
	if c.ID == "" || c.Public.ID != c.ID {
		return errors.New("conversation id is required and must match the public id")
	}
	if c.Public.OwnerID == "" {
		return errors.New("owner_id is required")
	}
	switch c.Public.Type {
	case ScenarioTemplate, ScenarioCustom, ScenarioLucky:
	default:
		return fmt.Errorf("invalid scenario type %q", c.Public.Type)
	}
	if _, ok := LookupLanguage(c.Public.NativeLanguage); !ok {
		return fmt.Errorf("unsupported native language %q", c.Public.NativeLanguage)
	}
	if _, ok := LookupLanguage(c.Public.TargetLanguage); !ok {
		return fmt.Errorf("unsupported target language %q", c.Public.TargetLanguage)
	}
	return nil
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Public.Messages = make([]Message, len(c.Public.Messages))
	for i, m := range c.Public.Messages {
		if m.Audio.Waveform != nil {
			m.Audio.Waveform = append([]float64(nil), m.Audio.Waveform...)
		}
		out.Public.Messages[i] = m
	}
	out.Private = make(map[string]PrivateContext, len(c.Private))
	for k, p := range c.Private {
		out.Private[k] = PrivateContext{UserIDs: append([]string(nil), p.UserIDs...)}
	}
	return &out
}
