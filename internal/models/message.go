package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single entry of a Transcript. Role, Timestamp and IsError are fixed when the message is
// created; Content is only ever extended for the assistant message that is currently being streamed.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// IsError marks a system message that carries a user-facing error text instead of conversation
	// content. Such messages are never sent back to the model.
	IsError bool `json:"isError,omitempty"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem represents an instruction for the model or, when IsError is set, an error entry.
	RoleSystem Role = "system"
)

// SystemInstruction is prepended to every history sent to a completion endpoint.
const SystemInstruction = "You are a helpful assistant"

// NewMessage creates a message with a fresh ID and the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewErrorMessage creates a flagged system message holding a user-facing error text.
func NewErrorMessage(content string) Message {
	msg := NewMessage(RoleSystem, content)
	msg.IsError = true
	return msg
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// CompletionRequest is what a completion client needs to stream one assistant reply.
type CompletionRequest struct {
	Model    string
	APIKey   string
	Messages []Message
}
