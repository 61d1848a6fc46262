// Package store provides data persistence interfaces and
// implementations for sessions, conversations, and agents. It is used
// as a local conversation cache and as the stub server's backing
// store; against the real platform the api client fills the same role.
package store

import (
	"context"

	"agentchat/internal/domain"
)

// Repository defines the persistence surface the client core calls.
type Repository interface {
	// ListSessions returns all persisted sessions, newest first.
	ListSessions(ctx context.Context) ([]domain.Session, error)

	// GetSession retrieves one session, or nil when absent.
	GetSession(ctx context.Context, id int64) (*domain.Session, error)

	// CreateSession persists a new session under an agent.
	CreateSession(ctx context.Context, agentID int64, name string) (domain.Session, error)

	// UpdateSession renames a session.
	UpdateSession(ctx context.Context, id int64, name string) (domain.Session, error)

	// DeleteSession removes a session and its conversations.
	DeleteSession(ctx context.Context, id int64) error

	// ListConversations returns a session's entries, oldest first.
	ListConversations(ctx context.Context, sessionID int64, limit int) ([]domain.Conversation, error)

	// AppendConversation stores one entry and assigns its ID.
	AppendConversation(ctx context.Context, entry *domain.Conversation) error

	// ClearConversations removes all entries for a session.
	ClearConversations(ctx context.Context, sessionID int64) error

	// ListAgents returns all known agents.
	ListAgents(ctx context.Context) ([]domain.Agent, error)

	// SeedAgents inserts agents when none exist yet.
	SeedAgents(ctx context.Context, agents []domain.Agent) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
