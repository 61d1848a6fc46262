// Package chat implements the client-side session registry and the
// streaming state machines that keep the conversation log consistent
// with the server-driven event stream.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentchat/internal/discussion"
	"agentchat/internal/domain"
	"agentchat/internal/transport"
)

var (
	// ErrNoSession indicates an operation that requires an active session.
	ErrNoSession = errors.New("chat: no active session")
	// ErrNoAgent indicates an operation that requires a selected agent.
	ErrNoAgent = errors.New("chat: no agent selected")
	// ErrUnknownSession indicates a select of a session not in the registry.
	ErrUnknownSession = errors.New("chat: unknown session")
)

// SessionService is the persistence/CRUD collaborator the registry
// calls. Satisfied by the api client and by store-backed adapters.
type SessionService interface {
	ListSessions(ctx context.Context) ([]domain.Session, error)
	CreateSession(ctx context.Context, agentID int64, name string) (domain.Session, error)
	UpdateSession(ctx context.Context, id int64, name string) (domain.Session, error)
	DeleteSession(ctx context.Context, id int64) error
	ListConversations(ctx context.Context, sessionID int64, limit int) ([]domain.Conversation, error)
	ClearConversations(ctx context.Context, sessionID int64) error
	ListAgents(ctx context.Context) ([]domain.Agent, error)
}

// Transport is the connection surface the registry drives.
type Transport interface {
	Connect(ctx context.Context, sessionID int64) error
	Disconnect()
	IsConnected() bool
	SendUserMessage(content string, extra map[string]any) error
	OnMessage(kind transport.MessageKind, h transport.Handler)
	Off(kind transport.MessageKind)
}

// ResponseListener observes streamed assistant output as it arrives.
type ResponseListener func(fragment string, final bool)

// ErrorListener observes application errors surfaced by the server.
type ErrorListener func(code, message string)

// Registry owns the session list, the active session, and the
// conversation log for the active session. All collaborators are
// injected at construction.
type Registry struct {
	svc          SessionService
	ts           Transport
	logger       *slog.Logger
	historyLimit int

	mu       sync.Mutex
	sessions []domain.Session
	agents   []domain.Agent
	agentID  int64
	current  *domain.Session
	log      []domain.Conversation
	agg      aggregator
	disc     *discussion.Reassembler

	onResponse ResponseListener
	onError    ErrorListener
}

// New creates a registry and registers its transport handlers.
func New(svc SessionService, ts Transport, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		svc:          svc,
		ts:           ts,
		logger:       logger,
		historyLimit: 100,
	}
	ts.OnMessage(transport.KindAgentResponse, r.handleEvent)
	ts.OnMessage(transport.KindError, r.handleEvent)
	ts.OnMessage(transport.KindSessionTitleUpdated, r.handleEvent)
	return r
}

// SetResponseListener installs the streamed-output observer.
func (r *Registry) SetResponseListener(f ResponseListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResponse = f
}

// SetErrorListener installs the application-error observer.
func (r *Registry) SetErrorListener(f ErrorListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = f
}

// RefreshAgents fetches the agent list. When no agent is selected yet,
// the first one becomes active.
func (r *Registry) RefreshAgents(ctx context.Context) error {
	agents, err := r.svc.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = agents
	if r.agentID == 0 && len(agents) > 0 {
		r.selectAgentLocked(agents[0].ID)
	}
	return nil
}

// RefreshSessions fetches the persisted session list.
func (r *Registry) RefreshSessions(ctx context.Context) error {
	sessions, err := r.svc.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = sessions
	return nil
}

// Agents returns the known agents.
func (r *Registry) Agents() []domain.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Agent, len(r.agents))
	copy(out, r.agents)
	return out
}

// Sessions returns the persisted sessions belonging to the active
// agent. Drafts are never listed.
func (r *Registry) Sessions() []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, s := range r.sessions {
		if r.agentID == 0 || s.AgentID == r.agentID {
			out = append(out, s)
		}
	}
	return out
}

// CurrentAgent returns the active agent, if any.
func (r *Registry) CurrentAgent() *domain.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentByIDLocked(r.agentID)
}

// CurrentSession returns a copy of the active session, if any.
func (r *Registry) CurrentSession() *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	s := *r.current
	return &s
}

// Log returns a copy of the active session's conversation log.
func (r *Registry) Log() []domain.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Conversation, len(r.log))
	copy(out, r.log)
	return out
}

// StreamingText returns the uncommitted assistant buffer.
func (r *Registry) StreamingText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agg.text()
}

// IsStreaming reports whether a response is currently streaming in.
func (r *Registry) IsStreaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agg.streaming()
}

// AwaitingResponse reports whether a user turn is waiting for its
// first response fragment.
func (r *Registry) AwaitingResponse() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agg.awaiting()
}

// CurrentDiscussion returns the discussion being assembled for the
// active brainstorm session, if any.
func (r *Registry) CurrentDiscussion() *discussion.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disc == nil {
		return nil
	}
	return r.disc.Current()
}

// DiscussionHistory returns completed discussions, most recent first.
func (r *Registry) DiscussionHistory() []*discussion.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disc == nil {
		return nil
	}
	return r.disc.History()
}

// SelectAgent switches the active agent. Switching away tears down any
// draft, clears a persisted session belonging to another agent, and
// resets all streaming state; a fresh draft is materialized when no
// session remains active.
func (r *Registry) SelectAgent(ctx context.Context, agentID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agentID == r.agentID {
		return nil
	}
	r.selectAgentLocked(agentID)
	return nil
}

func (r *Registry) selectAgentLocked(agentID int64) {
	r.agentID = agentID
	if r.current != nil {
		if r.current.Ref.IsDraft() || r.current.AgentID != agentID {
			r.current = nil
			r.log = nil
			r.ts.Disconnect()
		}
	}
	r.resetTransientLocked()
	if r.current == nil {
		draft := domain.NewDraft(agentID, "")
		r.current = &draft
	}
}

// SelectSession makes a persisted session active: disconnects the old
// connection, loads history, and connects for the new session. A
// select of the already-active session is a no-op.
func (r *Registry) SelectSession(ctx context.Context, ref domain.SessionRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && r.current.Ref.Equal(ref) {
		return nil
	}
	var target *domain.Session
	for i := range r.sessions {
		if r.sessions[i].Ref.Equal(ref) {
			target = &r.sessions[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, ref)
	}

	r.ts.Disconnect()
	r.resetTransientLocked()
	sess := *target
	r.current = &sess
	r.agentID = sess.AgentID
	r.log = nil

	r.loadHistoryLocked(ctx)
	return r.connectLocked(ctx)
}

// StartDraft abandons the active session and materializes a fresh
// draft for the active agent.
func (r *Registry) StartDraft() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agentID == 0 {
		return ErrNoAgent
	}
	r.current = nil
	r.log = nil
	r.ts.Disconnect()
	r.resetTransientLocked()
	draft := domain.NewDraft(r.agentID, "")
	r.current = &draft
	return nil
}

// CreateSession persists a new session for the active agent and makes
// it active immediately, bypassing the draft stage.
func (r *Registry) CreateSession(ctx context.Context, name string) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agentID == 0 {
		return domain.Session{}, ErrNoAgent
	}
	sess, err := r.svc.CreateSession(ctx, r.agentID, name)
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	r.sessions = append([]domain.Session{sess}, r.sessions...)

	r.ts.Disconnect()
	r.resetTransientLocked()
	active := sess
	r.current = &active
	r.log = nil
	if err := r.connectLocked(ctx); err != nil {
		return sess, err
	}
	return sess, nil
}

// SendMessage transmits one user turn on the active session. A draft
// is promoted to a persisted session first; if promotion fails the
// send is aborted and the draft stays active.
func (r *Registry) SendMessage(ctx context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return ErrNoSession
	}

	if r.current.Ref.IsDraft() {
		promoted, err := r.svc.CreateSession(ctx, r.current.AgentID, r.current.Name)
		if err != nil {
			return fmt.Errorf("promote draft session: %w", err)
		}
		r.sessions = append([]domain.Session{promoted}, r.sessions...)
		sess := promoted
		r.current = &sess
		if err := r.connectLocked(ctx); err != nil {
			return err
		}
	} else if !r.ts.IsConnected() {
		if err := r.connectLocked(ctx); err != nil {
			return err
		}
	}

	sessionID, _ := r.current.Ref.ID()
	r.log = append(r.log, domain.Conversation{
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	})
	r.agg.beginTurn()

	if err := r.ts.SendUserMessage(content, nil); err != nil {
		// Leave the log exactly as it was before the turn.
		r.log = r.log[:len(r.log)-1]
		r.agg.reset()
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// RenameSession updates a session's display name.
func (r *Registry) RenameSession(ctx context.Context, id int64, name string) error {
	updated, err := r.svc.UpdateSession(ctx, id, name)
	if err != nil {
		return fmt.Errorf("rename session %d: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.sessions {
		if sid, ok := r.sessions[i].Ref.ID(); ok && sid == id {
			r.sessions[i] = updated
			break
		}
	}
	if r.current != nil {
		if sid, ok := r.current.Ref.ID(); ok && sid == id {
			sess := updated
			r.current = &sess
		}
	}
	return nil
}

// DeleteSession removes a persisted session. Deleting the active one
// clears the active session, its log, and the connection as a unit.
func (r *Registry) DeleteSession(ctx context.Context, id int64) error {
	if err := r.svc.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session %d: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.sessions[:0]
	for _, s := range r.sessions {
		if sid, ok := s.Ref.ID(); ok && sid == id {
			continue
		}
		kept = append(kept, s)
	}
	r.sessions = kept
	if r.current != nil {
		if sid, ok := r.current.Ref.ID(); ok && sid == id {
			r.current = nil
			r.log = nil
			r.ts.Disconnect()
			r.resetTransientLocked()
		}
	}
	return nil
}

// ClearLog clears the active session's conversation history.
func (r *Registry) ClearLog(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ErrNoSession
	}
	if id, ok := r.current.Ref.ID(); ok {
		if err := r.svc.ClearConversations(ctx, id); err != nil {
			return fmt.Errorf("clear conversations: %w", err)
		}
	}
	r.log = nil
	return nil
}

// Close disconnects and resets all transient state.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ts.Disconnect()
	r.resetTransientLocked()
}

// connectLocked opens the transport for the active persisted session.
func (r *Registry) connectLocked(ctx context.Context) error {
	id, ok := r.current.Ref.ID()
	if !ok {
		return ErrNoSession
	}
	if err := r.ts.Connect(ctx, id); err != nil {
		return fmt.Errorf("connect session %d: %w", id, err)
	}
	return nil
}

// loadHistoryLocked fetches the active session's conversation history.
// Fetch failures leave the log empty but do not abort the selection.
func (r *Registry) loadHistoryLocked(ctx context.Context) {
	id, ok := r.current.Ref.ID()
	if !ok {
		return
	}
	entries, err := r.svc.ListConversations(ctx, id, r.historyLimit)
	if err != nil {
		r.logger.Warn("failed to load conversation history", "session_id", id, "error", err)
		return
	}
	r.log = entries
	if r.isDiscussionAgentLocked() {
		r.disc = discussion.NewReassembler(r.logger)
		r.disc.LoadHistory(entries)
	}
}

// resetTransientLocked discards the streaming buffer and discussion
// state. Called on every session or agent switch and on teardown, so
// partial text is never carried across sessions.
func (r *Registry) resetTransientLocked() {
	r.agg.reset()
	r.disc = nil
}

func (r *Registry) agentByIDLocked(id int64) *domain.Agent {
	for i := range r.agents {
		if r.agents[i].ID == id {
			a := r.agents[i]
			return &a
		}
	}
	return nil
}

func (r *Registry) isDiscussionAgentLocked() bool {
	a := r.agentByIDLocked(r.agentID)
	return a != nil && a.Kind == domain.AgentKindBrainstorm
}
