// Package message defines the role-tagged Message used in batch requests and
// results.
package message

import (
	"github.com/germanamz/batchman/pkg/chats/content"
	"github.com/germanamz/batchman/pkg/chats/role"
)

// Message is a single role-tagged message. It is a value type that copies
// cheaply.
type Message struct {
	Role    role.Role       `json:"role"`
	Content content.Content `json:"content"`
}

// New creates a message with the given role and content.
func New(r role.Role, c content.Content) Message {
	return Message{Role: r, Content: c}
}

// NewText creates a message with plain string content.
func NewText(r role.Role, text string) Message {
	return New(r, content.String(text))
}

// User creates a user message with plain string content.
func User(text string) Message { return NewText(role.User, text) }

// System creates a system message with plain string content.
func System(text string) Message { return NewText(role.System, text) }

// Assistant creates an assistant message with plain string content.
func Assistant(text string) Message { return NewText(role.Assistant, text) }

// TextContent returns the textual content of the message.
func (m Message) TextContent() string {
	return m.Content.TextContent()
}
