// Package domain defines the chat data model shared across the client.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionRef identifies a session. Persisted sessions carry the
// server-assigned ID; drafts carry a client-local UUID that is never
// sent to the server.
type SessionRef struct {
	id    int64
	local uuid.UUID
}

// PersistedRef returns a reference to a server-assigned session.
func PersistedRef(id int64) SessionRef {
	return SessionRef{id: id}
}

// DraftRef returns a reference to a new unsaved session.
func DraftRef() SessionRef {
	return SessionRef{local: uuid.New()}
}

// IsDraft reports whether the reference points at an unsaved session.
func (r SessionRef) IsDraft() bool {
	return r.id == 0
}

// IsZero reports whether the reference is empty.
func (r SessionRef) IsZero() bool {
	return r.id == 0 && r.local == uuid.Nil
}

// ID returns the server-assigned session ID. ok is false for drafts.
func (r SessionRef) ID() (int64, bool) {
	if r.id == 0 {
		return 0, false
	}
	return r.id, true
}

// Equal reports whether two references point at the same session.
func (r SessionRef) Equal(o SessionRef) bool {
	return r == o
}

func (r SessionRef) String() string {
	if r.id != 0 {
		return fmt.Sprintf("session/%d", r.id)
	}
	return "draft/" + r.local.String()
}

// Session is a conversation container owned by a single agent.
type Session struct {
	Ref       SessionRef
	AgentID   int64
	Name      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultSessionName is the display name given to sessions created
// without an explicit one.
const DefaultSessionName = "New conversation"

// NewDraft materializes an unsaved session bound to an agent. Drafts
// never appear in session listings and are promoted to persisted
// sessions on their first user message.
func NewDraft(agentID int64, name string) Session {
	if name == "" {
		name = DefaultSessionName
	}
	now := time.Now()
	return Session{
		Ref:       DraftRef(),
		AgentID:   agentID,
		Name:      name,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
