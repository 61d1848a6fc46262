package domain

import "time"

// Role tags who produced a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Conversation is one entry in a session's log, ordered by creation.
// Entries are append-only from the client's point of view; the whole
// set may be cleared as a unit.
type Conversation struct {
	ID        int64          `json:"id"`
	SessionID int64          `json:"session_id"`
	Role      Role           `json:"message_type"`
	Content   string         `json:"content"`
	ExtraData map[string]any `json:"extra_data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
