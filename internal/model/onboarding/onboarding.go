package onboarding

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIncompleteAnswers is returned when any onboarding answer is blank.
var ErrIncompleteAnswers = errors.New("all onboarding answers are required")

// Question is one step of the onboarding wizard.
type Question struct {
	Step   int    `json:"step"`
	Key    string `json:"key"`
	Prompt string `json:"prompt"`
}

// Questions returns the fixed onboarding steps in order.
func Questions() []Question {
	return []Question{
		{Step: 1, Key: "q1", Prompt: "In one sentence, why do you feel you are 'behind'?"},
		{Step: 2, Key: "q2", Prompt: "Who exactly are you comparing yourself to? (Be specific)"},
		{Step: 3, Key: "q3", Prompt: "What is the single biggest thing stopping you right now?"},
	}
}

// Answers holds the user's replies to the three onboarding questions.
type Answers struct {
	Q1 string `json:"q1"`
	Q2 string `json:"q2"`
	Q3 string `json:"q3"`
}

// Set stores the answer for the question with the given key.
func (a *Answers) Set(key, value string) error {
	switch key {
	case "q1":
		a.Q1 = value
	case "q2":
		a.Q2 = value
	case "q3":
		a.Q3 = value
	default:
		return fmt.Errorf("unknown onboarding question %q", key)
	}
	return nil
}

// Validate reports whether every step has a non-blank answer.
func (a Answers) Validate() error {
	if strings.TrimSpace(a.Q1) == "" || strings.TrimSpace(a.Q2) == "" || strings.TrimSpace(a.Q3) == "" {
		return ErrIncompleteAnswers
	}
	return nil
}

// Context folds the answers into the context string sent with the opening turn.
func (a Answers) Context() string {
	return fmt.Sprintf(`User Context:
1. Feels behind because: %s
2. Comparing to: %s
3. Obstacle: %s`,
		strings.TrimSpace(a.Q1),
		strings.TrimSpace(a.Q2),
		strings.TrimSpace(a.Q3),
	)
}
