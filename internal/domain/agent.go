package domain

import "time"

// AgentKind identifies an agent implementation on the platform.
type AgentKind string

const (
	// AgentKindQA is the single-model question answering agent.
	AgentKindQA AgentKind = "qa_agent"
	// AgentKindBrainstorm is the dual-model discussion agent. Its
	// responses carry the discussion sub-protocol in event metadata.
	AgentKindBrainstorm AgentKind = "brainstorm_agent"
)

// Agent describes a conversational agent available to the user.
type Agent struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Kind        AgentKind `json:"type"`
	Description string    `json:"description"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
