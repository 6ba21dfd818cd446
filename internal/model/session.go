package model

import (
	"time"
)

// Settings is the per-session snapshot of generation controls. A session
// keeps the settings it was last sent with, so regenerating reproduces the
// same mode even if global defaults change later.
type Settings struct {
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	SystemMessage string  `json:"system_message,omitempty"`
}

// Session is a persisted conversation: an ordered message list plus a
// settings snapshot. The message list is append-only except for explicit
// truncation (regenerate) or single-message removal.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Settings  Settings  `json:"settings"`
}

// NewSession creates an empty session with the given settings snapshot.
func NewSession(settings Settings) *Session {
	now := time.Now()
	return &Session{
		ID:        NewID(),
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Settings:  settings,
	}
}

// Touch bumps UpdatedAt, keeping it monotonically non-decreasing.
func (s *Session) Touch() {
	if now := time.Now(); now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

// Append adds a committed message and bumps UpdatedAt.
func (s *Session) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.Touch()
}

// LastUserIndex returns the index of the most recent user message, or -1.
func (s *Session) LastUserIndex() int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}
