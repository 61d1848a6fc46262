package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"agentchat/internal/domain"
	"agentchat/internal/store"
	"agentchat/internal/transport"
)

// WSHandler serves the per-session websocket and runs the scripted
// agents.
type WSHandler struct {
	repo   store.Repository
	issuer *TokenIssuer
	logger *slog.Logger
	// ChunkDelay paces streamed fragments. Zero means no pacing,
	// which tests rely on.
	ChunkDelay time.Duration
}

// NewWSHandler creates the websocket handler.
func NewWSHandler(repo store.Repository, issuer *TokenIssuer, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{repo: repo, issuer: issuer, logger: logger, ChunkDelay: 30 * time.Millisecond}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil || sessionID <= 0 {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	user, err := h.issuer.Verify(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	sess, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil || sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	h.logger.Info("websocket session opened", "session_id", sessionID, "user", user)

	ctx := r.Context()
	h.send(ctx, ws, transport.KindConnectionEstablished, map[string]any{
		"session_id": sessionID,
		"message":    "connection established",
	})

	h.readLoop(ctx, ws, sess)
	h.logger.Info("websocket session closed", "session_id", sessionID)
}

func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, sess *domain.Session) {
	sessionID, _ := sess.Ref.ID()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.logger.Warn("websocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("dropping malformed client payload", "error", err)
			continue
		}

		switch env.Type {
		case transport.KindPing:
			h.send(ctx, ws, transport.KindPong, map[string]any{})
		case transport.KindUserMessage:
			var msg transport.UserMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				h.sendError(ctx, ws, "bad_request", "malformed user_message payload")
				continue
			}
			h.handleUserMessage(ctx, ws, sess, msg)
		default:
			h.logger.Debug("unhandled client message type", "type", env.Type)
		}
	}
}

func (h *WSHandler) handleUserMessage(ctx context.Context, ws *websocket.Conn, sess *domain.Session, msg transport.UserMessage) {
	sessionID, _ := sess.Ref.ID()
	entry := domain.Conversation{
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   msg.Content,
	}
	if err := h.repo.AppendConversation(ctx, &entry); err != nil {
		h.logger.Error("failed to persist user message", "error", err)
		h.sendError(ctx, ws, "persistence_failed", "failed to store message")
		return
	}

	agent, err := h.agentFor(ctx, sess)
	if err != nil {
		h.sendError(ctx, ws, "agent_unavailable", err.Error())
		return
	}

	var full string
	if agent.Kind == domain.AgentKindBrainstorm {
		full = h.runBrainstorm(ctx, ws, msg.Content)
	} else {
		full = h.runQA(ctx, ws, msg.Content)
	}

	reply := domain.Conversation{
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   full,
	}
	if err := h.repo.AppendConversation(ctx, &reply); err != nil {
		h.logger.Error("failed to persist assistant message", "error", err)
	}
}

func (h *WSHandler) agentFor(ctx context.Context, sess *domain.Session) (*domain.Agent, error) {
	agents, err := h.repo.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	for i := range agents {
		if agents[i].ID == sess.AgentID {
			return &agents[i], nil
		}
	}
	return nil, fmt.Errorf("agent %d not found", sess.AgentID)
}

// runQA streams a canned single-model answer word by word.
func (h *WSHandler) runQA(ctx context.Context, ws *websocket.Conn, question string) string {
	answer := "You asked: " + question
	for _, word := range strings.SplitAfter(answer, " ") {
		h.agentChunk(ctx, ws, word, nil)
		h.pace()
	}
	h.send(ctx, ws, transport.KindAgentResponse, map[string]any{
		"content":  "",
		"is_final": true,
	})
	return answer
}

// runBrainstorm replays the dual-model discussion protocol: start, two
// rounds of alternating speakers with chunked content and end markers,
// a summary, and the completion event.
func (h *WSHandler) runBrainstorm(ctx context.Context, ws *websocket.Conn, topic string) string {
	const modelA = "stub-model-a"
	const modelB = "stub-model-b"
	const rounds = 2

	var sb strings.Builder
	startContent := "**Discussion Topic**: " + topic + "\n\n"
	sb.WriteString(startContent)
	h.agentChunk(ctx, ws, startContent, map[string]any{
		"discussion_phase": "start",
		"model_a":          modelA,
		"model_b":          modelB,
		"max_rounds":       rounds,
		"style":            "collaborative",
	})

	for round := 1; round <= rounds; round++ {
		sb.WriteString(h.speakerTurn(ctx, ws, "model_a", modelA, topic, round))
		h.agentChunk(ctx, ws, "\n\n", map[string]any{"turn_complete": true})

		sb.WriteString(h.speakerTurn(ctx, ws, "model_b", modelB, topic, round))
		h.agentChunk(ctx, ws, "\n\n---\n\n", map[string]any{"turn_complete": true})
	}

	summary := fmt.Sprintf("Both models agree that %q deserves further thought.", topic)
	h.agentChunk(ctx, ws, "", map[string]any{"discussion_phase": "summary_start"})
	for _, word := range strings.SplitAfter(summary, " ") {
		h.agentChunk(ctx, ws, word, map[string]any{"discussion_phase": "summary"})
		h.pace()
	}
	sb.WriteString("\n\n" + summary)

	h.send(ctx, ws, transport.KindAgentResponse, map[string]any{
		"content":  "",
		"is_final": true,
		"metadata": map[string]any{
			"discussion_phase": "complete",
			"total_rounds":     rounds,
			"summary_content":  summary,
		},
	})
	return sb.String()
}

func (h *WSHandler) speakerTurn(ctx context.Context, ws *websocket.Conn, speaker, model, topic string, round int) string {
	h.agentChunk(ctx, ws, "", map[string]any{
		"discussion_phase": speaker + "_start",
		"round":            round,
	})
	text := fmt.Sprintf("[%s, round %d] Thoughts on %s. ", model, round, topic)
	for _, word := range strings.SplitAfter(text, " ") {
		h.agentChunk(ctx, ws, word, map[string]any{
			"discussion_phase": speaker + "_speaking",
			"round":            round,
		})
		h.pace()
	}
	return text
}

func (h *WSHandler) agentChunk(ctx context.Context, ws *websocket.Conn, content string, metadata map[string]any) {
	payload := map[string]any{
		"content":  content,
		"is_final": false,
	}
	if metadata != nil {
		payload["metadata"] = metadata
	}
	h.send(ctx, ws, transport.KindAgentResponse, payload)
}

func (h *WSHandler) sendError(ctx context.Context, ws *websocket.Conn, code, message string) {
	h.send(ctx, ws, transport.KindError, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (h *WSHandler) send(ctx context.Context, ws *websocket.Conn, kind transport.MessageKind, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to encode event data", "type", kind, "error", err)
		return
	}
	body, err := json.Marshal(transport.Envelope{Type: kind, Data: raw})
	if err != nil {
		h.logger.Error("failed to encode envelope", "type", kind, "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, body); err != nil {
		h.logger.Debug("websocket write error", "type", kind, "error", err)
	}
}

func (h *WSHandler) pace() {
	if h.ChunkDelay > 0 {
		time.Sleep(h.ChunkDelay)
	}
}
