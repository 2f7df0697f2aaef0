package planner

import "strings"

// ActionKind is the executor category a minute step maps to.
type ActionKind string

const (
	ActionMove        ActionKind = "move"
	ActionCommunicate ActionKind = "communicate"
	ActionInteract    ActionKind = "interact"
	ActionObserve     ActionKind = "observe"
	ActionGeneral     ActionKind = "general"
)

// Action is a classified minute step. Description preserves the original
// step text; Target is the movement destination or conversation partner
// when one could be extracted.
type Action struct {
	Kind        ActionKind
	Description string
	Target      string
}

var (
	moveKeywords = []string{
		"go to", "walk to", "head to", "travel to", "return to",
		"move to", "leave for", "walk over",
	}
	communicateKeywords = []string{
		"talk", "speak", "tell", "ask", "chat", "greet", "discuss",
		"converse", "say hello", "call out",
	}
	interactKeywords = []string{
		"use ", "open ", "close ", "pick up", "put down", "eat",
		"drink", "buy", "sell", "cook", "make ", "clean", "repair",
		"water the", "light the", "fix ",
	}
	observeKeywords = []string{
		"look", "watch", "observe", "examine", "inspect", "survey",
		"check on",
	}
)

// Classify maps a minute step's text to an action via keyword rules.
// Rules apply in priority order: move beats communicate beats interact
// beats observe; anything unmatched is general.
func Classify(stepText string) Action {
	lower := strings.ToLower(stepText)
	action := Action{Kind: ActionGeneral, Description: stepText}

	switch {
	case containsAny(lower, moveKeywords):
		action.Kind = ActionMove
		action.Target = extractAfter(lower, " to ")
	case containsAny(lower, communicateKeywords):
		action.Kind = ActionCommunicate
		if t := extractAfter(lower, " with "); t != "" {
			action.Target = t
		} else {
			action.Target = extractAfter(lower, " to ")
		}
	case containsAny(lower, interactKeywords):
		action.Kind = ActionInteract
	case containsAny(lower, observeKeywords):
		action.Kind = ActionObserve
	}
	return action
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// extractAfter returns the phrase following the first occurrence of sep,
// trimmed to the first clause boundary.
func extractAfter(text, sep string) string {
	idx := strings.Index(text, sep)
	if idx < 0 {
		return ""
	}
	rest := strings.TrimSpace(text[idx+len(sep):])
	for _, boundary := range []string{",", ".", ";", " and ", " then ", " to "} {
		if i := strings.Index(rest, boundary); i >= 0 {
			rest = rest[:i]
		}
	}
	return strings.TrimSpace(strings.TrimPrefix(rest, "the "))
}
