package stub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"agentchat/internal/domain"
	"agentchat/internal/store"
)

// Handler serves the platform's REST surface from the local store.
type Handler struct {
	repo   store.Repository
	issuer *TokenIssuer
	logger *slog.Logger

	// Agent configs are dev-only state; an in-memory map is enough.
	mu      sync.Mutex
	configs map[int64]map[string]any
}

// NewHandler creates the REST handler.
func NewHandler(repo store.Repository, issuer *TokenIssuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:    repo,
		issuer:  issuer,
		logger:  logger,
		configs: make(map[int64]map[string]any),
	}
}

// RegisterRoutes mounts the API under /api/v1.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", h.login)
		r.Post("/auth/refresh", h.refresh)

		r.Group(func(r chi.Router) {
			r.Use(h.issuer.Auth)
			r.Get("/sessions/", h.listSessions)
			r.Post("/sessions/", h.createSession)
			r.Put("/sessions/{id}", h.updateSession)
			r.Delete("/sessions/{id}", h.deleteSession)
			r.Get("/sessions/{id}/conversations", h.listConversations)
			r.Delete("/sessions/{id}/conversations", h.clearConversations)
			r.Get("/agents/", h.listAgents)
			r.Get("/agents/{id}/config", h.getAgentConfig)
			r.Put("/agents/{id}/config", h.updateAgentConfig)
		})
	})
}

// sessionJSON is the wire shape of a persisted session.
type sessionJSON struct {
	ID        int64     `json:"id"`
	AgentID   int64     `json:"agent_id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toSessionJSON(s domain.Session) sessionJSON {
	id, _ := s.Ref.ID()
	return sessionJSON{
		ID:        id,
		AgentID:   s.AgentID,
		Name:      s.Name,
		IsActive:  s.IsActive,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}
	// Dev server: any non-empty credentials are accepted.
	pair, err := h.issuer.Issue(req.Username)
	if err != nil {
		h.logger.Error("failed to issue tokens", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}
	writeData(w, http.StatusOK, pair)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token required")
		return
	}
	user, err := h.issuer.Verify(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	pair, err := h.issuer.Issue(user)
	if err != nil {
		h.logger.Error("failed to issue tokens", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}
	writeData(w, http.StatusOK, pair)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListSessions(r.Context())
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]sessionJSON, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionJSON(s))
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID int64  `json:"agent_id"`
		Name    string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == 0 {
		writeError(w, http.StatusBadRequest, "agent_id required")
		return
	}
	sess, err := h.repo.CreateSession(r.Context(), req.AgentID, req.Name)
	if err != nil {
		h.logger.Error("failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeData(w, http.StatusCreated, toSessionJSON(sess))
}

func (h *Handler) updateSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	sess, err := h.repo.UpdateSession(r.Context(), id, req.Name)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeData(w, http.StatusOK, toSessionJSON(sess))
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.repo.DeleteSession(r.Context(), id); err != nil {
		h.logger.Error("failed to delete session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.repo.ListConversations(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("failed to list conversations", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if entries == nil {
		entries = []domain.Conversation{}
	}
	writeData(w, http.StatusOK, entries)
}

func (h *Handler) clearConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.repo.ClearConversations(r.Context(), id); err != nil {
		h.logger.Error("failed to clear conversations", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear conversations")
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.repo.ListAgents(r.Context())
	if err != nil {
		h.logger.Error("failed to list agents", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	writeData(w, http.StatusOK, agents)
}

func (h *Handler) getAgentConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	h.mu.Lock()
	cfg := h.configs[id]
	h.mu.Unlock()
	if cfg == nil {
		cfg = map[string]any{}
	}
	writeData(w, http.StatusOK, map[string]any{"config": cfg})
}

func (h *Handler) updateAgentConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var cfg map[string]any
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config payload")
		return
	}
	h.mu.Lock()
	h.configs[id] = cfg
	h.mu.Unlock()
	writeData(w, http.StatusOK, nil)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// writeData writes the platform's uniform success envelope.
func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"success": true}
	if data != nil {
		body["data"] = data
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// writeError writes the platform's uniform failure envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"success": false, "message": message}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
