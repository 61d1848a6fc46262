package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"agentchat/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_system INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);

	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		message_type TEXT NOT NULL,
		content TEXT NOT NULL,
		extra_data TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ListSessions returns all persisted sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	query := `
		SELECT id, agent_id, name, is_active, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSession retrieves one session, or nil when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, id int64) (*domain.Session, error) {
	query := `
		SELECT id, agent_id, name, is_active, created_at, updated_at
		FROM sessions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateSession persists a new session under an agent.
func (s *SQLiteStore) CreateSession(ctx context.Context, agentID int64, name string) (domain.Session, error) {
	if name == "" {
		name = domain.DefaultSessionName
	}
	now := time.Now()
	query := `
		INSERT INTO sessions (agent_id, name, is_active, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)`

	result, err := s.db.ExecContext(ctx, query, agentID, name, now.Unix(), now.Unix())
	if err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return domain.Session{}, fmt.Errorf("session insert id: %w", err)
	}
	return domain.Session{
		Ref:       domain.PersistedRef(id),
		AgentID:   agentID,
		Name:      name,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// UpdateSession renames a session.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id int64, name string) (domain.Session, error) {
	query := `UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, name, time.Now().Unix(), id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return domain.Session{}, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.Session{}, fmt.Errorf("session %d not found", id)
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if sess == nil {
		return domain.Session{}, fmt.Errorf("session %d not found", id)
	}
	return *sess, nil
}

// DeleteSession removes a session and its conversations.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete conversations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListConversations returns a session's entries, oldest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, sessionID int64, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, session_id, message_type, content, extra_data, created_at
		FROM conversations WHERE session_id = ?
		ORDER BY id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var entries []domain.Conversation
	for rows.Next() {
		var entry domain.Conversation
		var extra sql.NullString
		var createdAt int64

		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Role, &entry.Content, &extra, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &entry.ExtraData); err != nil {
				slog.Warn("skipping unparsable extra_data", "conversation_id", entry.ID, "error", err)
			}
		}
		entry.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// AppendConversation stores one entry and assigns its ID.
func (s *SQLiteStore) AppendConversation(ctx context.Context, entry *domain.Conversation) error {
	var extra any
	if len(entry.ExtraData) > 0 {
		b, err := json.Marshal(entry.ExtraData)
		if err != nil {
			return fmt.Errorf("encode extra_data: %w", err)
		}
		extra = string(b)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO conversations (session_id, message_type, content, extra_data, created_at)
		VALUES (?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		entry.SessionID, string(entry.Role), entry.Content, extra, entry.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("conversation insert id: %w", err)
	}
	entry.ID = id

	// Touch the owning session so listings sort by recency.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().Unix(), entry.SessionID); err != nil {
		slog.Warn("failed to touch session timestamp", "session_id", entry.SessionID, "error", err)
	}
	return nil
}

// ClearConversations removes all entries for a session.
func (s *SQLiteStore) ClearConversations(ctx context.Context, sessionID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	return nil
}

// ListAgents returns all known agents.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	query := `
		SELECT id, name, type, description, is_system, is_active, created_at, updated_at
		FROM agents ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close agent rows", "error", closeErr)
		}
	}()

	var agents []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var kind string
		var createdAt, updatedAt int64

		if err := rows.Scan(&a.ID, &a.Name, &kind, &a.Description, &a.IsSystem, &a.IsActive, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		a.Kind = domain.AgentKind(kind)
		a.CreatedAt = time.Unix(createdAt, 0)
		a.UpdatedAt = time.Unix(updatedAt, 0)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SeedAgents inserts agents when none exist yet.
func (s *SQLiteStore) SeedAgents(ctx context.Context, agents []domain.Agent) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count); err != nil {
		return fmt.Errorf("count agents: %w", err)
	}
	if count > 0 {
		return nil
	}

	now := time.Now().Unix()
	for _, a := range agents {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO agents (name, type, description, is_system, is_active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.Name, string(a.Kind), a.Description, a.IsSystem, a.IsActive, now, now); err != nil {
			return fmt.Errorf("seed agent %q: %w", a.Name, err)
		}
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (domain.Session, error) {
	var (
		id, agentID          int64
		name                 string
		isActive             bool
		createdAt, updatedAt int64
	)
	if err := row.Scan(&id, &agentID, &name, &isActive, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Session{}, err
		}
		return domain.Session{}, fmt.Errorf("scan session row: %w", err)
	}
	return domain.Session{
		Ref:       domain.PersistedRef(id),
		AgentID:   agentID,
		Name:      name,
		IsActive:  isActive,
		CreatedAt: time.Unix(createdAt, 0),
		UpdatedAt: time.Unix(updatedAt, 0),
	}, nil
}
