package skill

import (
	"fmt"
	"strings"
	"time"
)

// Signal is the evidence one turn contributes to skill estimation.
type Signal string

const (
	SignalConfusion        Signal = "confusion"
	SignalCorrectAttempt   Signal = "correct_attempt"
	SignalIncorrectAttempt Signal = "incorrect_attempt"
	SignalMasteryDeclared  Signal = "mastery_declared"
	SignalNeutral          Signal = "neutral"
)

// ParseSignal validates an explicit feedback value.
func ParseSignal(s string) (Signal, error) {
	switch sig := Signal(strings.ToLower(strings.TrimSpace(s))); sig {
	case SignalConfusion, SignalCorrectAttempt, SignalIncorrectAttempt, SignalMasteryDeclared, SignalNeutral:
		return sig, nil
	}
	return "", fmt.Errorf("unknown feedback signal %q", s)
}

func (s Signal) positive() bool {
	return s == SignalCorrectAttempt || s == SignalMasteryDeclared
}

// Observation is a signal folded into a session's rolling window.
// Reset marks the observation that caused a level change for Domain; older
// observations for that domain are no longer considered.
type Observation struct {
	Signal Signal    `json:"signal"`
	Domain string    `json:"domain"`
	At     time.Time `json:"at"`
	Reset  bool      `json:"reset,omitempty"`
}

// Fold appends obs to window and trims the window to the newest max entries.
// The input slice is not modified.
func Fold(window []Observation, obs Observation, max int) []Observation {
	out := make([]Observation, 0, len(window)+1)
	out = append(out, window...)
	out = append(out, obs)
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

var (
	confusionPhrases = []string{
		"i don't get", "i dont get", "don't understand", "dont understand",
		"i'm confused", "im confused", "i am confused", "confusing", "i'm lost", "im lost",
		"what do you mean", "still not clear", "makes no sense", "doesn't make sense",
		"too advanced", "over my head", "can you simplify", "simpler please",
	}
	masteryPhrases = []string{
		"i already know", "i know this", "i know that", "too basic", "skip the basics",
		"i'm familiar", "im familiar", "i am familiar", "i'm comfortable with", "already familiar",
	}
	correctPhrases = []string{
		"that worked", "it works", "it worked", "works now", "got it", "solved it",
		"fixed it", "that fixed", "makes sense now", "now i understand", "tests pass",
	}
	incorrectPhrases = []string{
		"still doesn't work", "still doesnt work", "still not working", "didn't work",
		"didnt work", "still failing", "still fails", "same error", "still broken",
		"still get the error", "still getting",
	}
)

// Classify derives this turn's signal. Explicit feedback wins; otherwise the
// message text is matched against a small phrase list. Confusion is checked
// first so "I still don't get it" is not read as progress.
func Classify(message, feedback string) Signal {
	if feedback != "" {
		if sig, err := ParseSignal(feedback); err == nil {
			return sig
		}
	}
	text := strings.ToLower(message)
	text = strings.ReplaceAll(text, "’", "'")
	switch {
	case containsAny(text, confusionPhrases):
		return SignalConfusion
	case containsAny(text, incorrectPhrases):
		return SignalIncorrectAttempt
	case containsAny(text, masteryPhrases):
		return SignalMasteryDeclared
	case containsAny(text, correctPhrases):
		return SignalCorrectAttempt
	}
	return SignalNeutral
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
