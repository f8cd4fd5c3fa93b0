package core

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the sender of a message.
type Role string

const (
	// RoleSystem marks instructions injected by the application.
	RoleSystem Role = "system"
	// RoleUser marks inbound end-user messages.
	RoleUser Role = "user"
	// RoleAssistant marks generated replies.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool outcome summaries appended to the history.
	RoleTool Role = "tool"
)

// Message is a single entry in a session's chronological history. The
// history is append-only: messages are never reordered or mutated after
// they are added.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// UserMessage creates a user message.
func UserMessage(content string) Message { return NewMessage(RoleUser, content) }

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) Message { return NewMessage(RoleAssistant, content) }

// SystemMessage creates a system message.
func SystemMessage(content string) Message { return NewMessage(RoleSystem, content) }

// ToolMessage creates a tool message.
func ToolMessage(content string) Message { return NewMessage(RoleTool, content) }

// clone returns a deep copy of the message.
func (m Message) clone() Message {
	if m.Metadata == nil {
		return m
	}
	meta := make(map[string]any, len(m.Metadata))
	for k, v := range m.Metadata {
		meta[k] = v
	}
	m.Metadata = meta
	return m
}
