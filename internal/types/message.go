// Package types holds the value types shared by the chat core and its collaborators.
package types

import (
	"errors"
	"time"
)

// Role is the author of a message in a conversation log.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrSessionNotFound is returned by session stores for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Message is one entry of a conversation log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StoredMessage is a message as persisted by a session store.
type StoredMessage struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionInfo describes a persisted session.
type SessionInfo struct {
	ID           int64     `json:"id"`
	CharacterID  string    `json:"character_id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// SummaryRecord is a generated synopsis of a session.
type SummaryRecord struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionName returns the default display name of a new session.
func SessionName(characterID string, now time.Time) string {
	return characterID + "_" + now.Format("20060102_150405")
}

// CountRoles counts messages per role.
func CountRoles(messages []Message) map[Role]int {
	counts := make(map[Role]int, 3)
	for _, msg := range messages {
		counts[msg.Role]++
	}
	return counts
}
