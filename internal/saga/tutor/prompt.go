package tutor

import (
	"fmt"
	"strings"

	"github.com/jonmumm/escuchame2/domain/entities"
	"github.com/jonmumm/escuchame2/domain/repositories"
)

// noSpeech stands in for a user turn the recognizer could not understand.
const noSpeech = "(the learner said something you could not make out)"

// openingTurn asks the tutor to speak first.
const openingTurn = "(the learner is ready; greet them and open the scenario)"

// SystemPrompt builds the tutor instructions for a conversation.
func SystemPrompt(pub entities.PublicContext) string {
	target := languageName(pub.TargetLanguage)
	native := languageName(pub.NativeLanguage)

	var b strings.Builder
	fmt.Fprintf(&b, "You are a friendly conversation partner helping a %s speaker practice spoken %s.\n", native, target)
	fmt.Fprintf(&b, "Always answer in %s, in one to three short sentences suited to being read aloud.\n", target)
	b.WriteString("Keep the conversation going with a question. If the learner makes a mistake, ")
	fmt.Fprintf(&b, "model the correct phrasing naturally instead of explaining grammar, and only switch to %s if they are clearly stuck.\n", native)

	switch {
	case pub.Title != "" && pub.Description != "":
		fmt.Fprintf(&b, "Scenario: %s. %s.\n", pub.Title, pub.Description)
	case pub.Title != "":
		fmt.Fprintf(&b, "Scenario: %s.\n", pub.Title)
	}
	if pub.Prompt != "" {
		fmt.Fprintf(&b, "The learner asked: %q\n", pub.Prompt)
	}
	return b.String()
}

// History turns earlier messages into chat history, skipping exclude and
// any turn without a transcript.
func History(messages []entities.Message, excludeID string) []repositories.ChatMessage {
	history := make([]repositories.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.ID == excludeID || m.Transcript == "" {
			continue
		}
		role := repositories.UserRole
		if m.Author.IsAI {
			role = repositories.TutorRole
		}
		history = append(history, repositories.ChatMessage{Role: role, Content: m.Transcript})
	}
	return history
}

func languageName(code string) string {
	if l, ok := entities.LookupLanguage(code); ok {
		return l.Name
	}
	return code
}

func locale(code string) string {
	if l, ok := entities.LookupLanguage(code); ok {
		return l.Locale
	}
	return code
}
