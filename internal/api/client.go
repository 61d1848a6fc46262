// Package api is a thin client for the platform's REST endpoints:
// session and agent CRUD, conversation history, and token auth. The
// realtime message stream is not carried here; see internal/transport.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agentchat/internal/credential"
	"agentchat/internal/domain"
)

// ErrUnauthorized is returned when the platform rejects the bearer
// token.
var ErrUnauthorized = errors.New("api: unauthorized")

// Token is an access/refresh token pair issued by the auth endpoints.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Client calls the platform API under /api/v1.
type Client struct {
	baseURL string
	http    *http.Client
	creds   credential.Source
	logger  *slog.Logger
}

// NewClient creates an API client. creds may be nil for the auth
// endpoints, which require no bearer token.
func NewClient(baseURL string, creds credential.Source, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		creds:   creds,
		logger:  logger,
	}
}

// envelope is the platform's uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// do issues one request and decodes the data payload into out (when
// non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.creds != nil {
		token, err := c.creds.Token(ctx)
		switch {
		case errors.Is(err, credential.ErrNoToken):
			// Auth endpoints are reachable without a token.
		case err != nil:
			return fmt.Errorf("api: credential: %w", err)
		default:
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	if resp.StatusCode >= 300 || (len(raw) > 0 && !env.Success) {
		msg := env.Message
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// sessionPayload is the wire shape of a persisted session.
type sessionPayload struct {
	ID        int64     `json:"id"`
	AgentID   int64     `json:"agent_id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p sessionPayload) toDomain() domain.Session {
	return domain.Session{
		Ref:       domain.PersistedRef(p.ID),
		AgentID:   p.AgentID,
		Name:      p.Name,
		IsActive:  p.IsActive,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// ListSessions returns the user's persisted sessions.
func (c *Client) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var payload []sessionPayload
	if err := c.do(ctx, http.MethodGet, "/sessions/", nil, &payload); err != nil {
		return nil, err
	}
	out := make([]domain.Session, 0, len(payload))
	for _, p := range payload {
		out = append(out, p.toDomain())
	}
	return out, nil
}

// CreateSession persists a new session under an agent.
func (c *Client) CreateSession(ctx context.Context, agentID int64, name string) (domain.Session, error) {
	body := map[string]any{"agent_id": agentID, "name": name}
	var p sessionPayload
	if err := c.do(ctx, http.MethodPost, "/sessions/", body, &p); err != nil {
		return domain.Session{}, err
	}
	return p.toDomain(), nil
}

// UpdateSession renames a session.
func (c *Client) UpdateSession(ctx context.Context, id int64, name string) (domain.Session, error) {
	body := map[string]any{"name": name}
	var p sessionPayload
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/sessions/%d", id), body, &p); err != nil {
		return domain.Session{}, err
	}
	return p.toDomain(), nil
}

// DeleteSession removes a session and its conversations.
func (c *Client) DeleteSession(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/sessions/%d", id), nil, nil)
}

// ListConversations fetches a session's conversation history.
func (c *Client) ListConversations(ctx context.Context, sessionID int64, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []domain.Conversation
	path := fmt.Sprintf("/sessions/%d/conversations?limit=%d", sessionID, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClearConversations deletes a session's conversation history.
func (c *Client) ClearConversations(ctx context.Context, sessionID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/sessions/%d/conversations", sessionID), nil, nil)
}

// ListAgents returns the available agents.
func (c *Client) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	var out []domain.Agent
	if err := c.do(ctx, http.MethodGet, "/agents/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAgentConfig fetches an agent's configuration values.
func (c *Client) GetAgentConfig(ctx context.Context, agentID int64) (map[string]any, error) {
	var out struct {
		Config map[string]any `json:"config"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/agents/%d/config", agentID), nil, &out); err != nil {
		return nil, err
	}
	return out.Config, nil
}

// UpdateAgentConfig replaces an agent's configuration values.
func (c *Client) UpdateAgentConfig(ctx context.Context, agentID int64, cfg map[string]any) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/agents/%d/config", agentID), cfg, nil)
}

// Login exchanges user credentials for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	body := map[string]string{"username": username, "password": password}
	var tok Token
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// Refresh rotates a token pair. The returned refresh token replaces
// the one presented.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var tok Token
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", body, &tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// RefreshFunc adapts Refresh to the credential rotation hook.
func (c *Client) RefreshFunc() credential.RefreshFunc {
	return func(ctx context.Context, refreshToken string) (string, string, error) {
		tok, err := c.Refresh(ctx, refreshToken)
		if err != nil {
			return "", "", err
		}
		return tok.AccessToken, tok.RefreshToken, nil
	}
}
