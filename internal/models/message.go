package models

import (
	"strings"
	"time"
)

// Message is a single entry of a conversation log. Messages are created when the user sends text or the
// assistant replies, and are never mutated afterwards.
type Message struct {
	ID        string
	Sender    Sender
	Text      string
	Timestamp time.Time
}

// Sender identifies who authored a message.
type Sender string

const (
	// SenderUser marks a message typed or dictated by the user.
	SenderUser Sender = "user"
	// SenderAssistant marks a reply from the chat endpoint.
	SenderAssistant Sender = "assistant"
)

// Label returns the name shown for the sender in an exported transcript.
func (s Sender) Label() string {
	if s == SenderUser {
		return "You"
	}
	return "AutoFix"
}

// RenderTranscript renders messages as plain text, one "Label: text" line per message in log order. The
// lines are joined with a newline and the result has no trailing newline.
func RenderTranscript(messages []Message) string {
	lines := make([]string, len(messages))
	for i, msg := range messages {
		lines[i] = msg.Sender.Label() + ": " + msg.Text
	}
	return strings.Join(lines, "\n")
}
