package chat

import "time"

// Sender identifies who authored a message. It never changes after creation.
type Sender string

const (
	SenderUser   Sender = "USER"
	SenderAI     Sender = "AI"
	SenderSystem Sender = "SYSTEM"
)

// Message is one entry of a conversation transcript.
type Message struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Sender     Sender    `json:"sender"`
	Timestamp  time.Time `json:"timestamp"`
	IsThinking bool      `json:"isThinking"`
	IsAnalysis bool      `json:"isAnalysis,omitempty"`
}

// Patch lists the fields that may change on a stored message. Nil fields are left untouched.
type Patch struct {
	Text       *string
	IsThinking *bool
}

// Apply returns a copy of msg with the patch applied.
func (p Patch) Apply(msg Message) Message {
	if p.Text != nil {
		msg.Text = *p.Text
	}
	if p.IsThinking != nil {
		msg.IsThinking = *p.IsThinking
	}
	return msg
}

// TextPatch replaces the text and clears the thinking flag, the terminal patch for AI output.
func TextPatch(text string) Patch {
	done := false
	return Patch{Text: &text, IsThinking: &done}
}
