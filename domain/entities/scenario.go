package entities

import (
	"fmt"
	"math/rand"
	"strings"
)

// Suggestion is a ready-made practice topic.
type Suggestion struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
}

var suggestions = []Suggestion{
	{Title: "At the Café", Description: "Order drinks and snacks, and chat with the barista"},
	{Title: "Getting Directions", Description: "Ask how to get somewhere and understand the answer"},
	{Title: "Making Friends", Description: "Introduce yourself and get to know someone new"},
	{Title: "Shopping", Description: "Ask about sizes, prices and pay at the counter"},
	{Title: "Restaurant", Description: "Book a table, order a meal and ask for the bill"},
}

func Suggestions() []Suggestion {
	out := make([]Suggestion, len(suggestions))
	copy(out, suggestions)
	return out
}

// Prompt is the opening instruction given to the tutor for s.
func (s Suggestion) Prompt() string {
	return fmt.Sprintf("I want to practice %s: %s", strings.ToLower(s.Title), s.Description)
}

// PickSuggestion chooses a suggestion for a "lucky" conversation from list,
// or from the built-in topics when list is empty.
func PickSuggestion(r *rand.Rand, list []Suggestion) Suggestion {
	if len(list) == 0 {
		list = suggestions
	}
	return list[r.Intn(len(list))]
}
