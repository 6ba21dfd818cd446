// Package model defines data structures for the chat session engine.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Usage is the token accounting reported by the upstream for one
// completed assistant message.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// String renders usage for display and logging.
func (u Usage) String() string {
	return fmt.Sprintf("%d prompt + %d completion = %d tokens",
		u.PromptTokens, u.CompletionTokens, u.TotalTokens)
}

// Message is one committed turn in a session. Messages are immutable once
// appended; edits happen by replacing the session's message slice, never by
// mutating a message in place.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Assistant-only metadata.
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Model            string `json:"model,omitempty"`
	Usage            *Usage `json:"usage,omitempty"`
}

// NewID returns a collision-resistant opaque identifier. V7 UUIDs sort by
// creation time, which keeps stored keys roughly chronological.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
