// Package transport maintains the websocket connection to a chat
// session and dispatches typed server events. It owns at most one
// connection at a time and retries unexpected closures with a bounded,
// linearly growing backoff.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"agentchat/internal/credential"
)

// ErrNotConnected is returned by Send when no connection is live.
// Messages are never queued across a disconnected period.
var ErrNotConnected = errors.New("transport: not connected")

// State reports the connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler processes one inbound event. At most one handler is
// registered per message kind; the last registration wins.
type Handler func(Event)

// Options configures a Client.
type Options struct {
	// BaseURL is the websocket origin, e.g. ws://localhost:8000.
	BaseURL string
	// Credentials supplies the bearer token for the connection
	// handshake. Required.
	Credentials credential.Source
	// MaxReconnectAttempts bounds automatic retries after an
	// unexpected closure. Defaults to 5.
	MaxReconnectAttempts int
	// ReconnectDelay is the base backoff delay; attempt k waits
	// k times this value. Defaults to 1s.
	ReconnectDelay time.Duration
	// DialTimeout bounds each connection handshake. Defaults to 15s.
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Client multiplexes typed messages over a single per-session
// websocket connection.
type Client struct {
	baseURL     string
	creds       credential.Source
	maxAttempts int
	baseDelay   time.Duration
	dialTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	state     State
	sessionID int64
	attempts  int
	gen       uint64 // bumped on every teardown; stale loops bail out
	handlers  map[MessageKind]Handler
}

// New creates a disconnected client.
func New(opts Options) *Client {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		creds:       opts.Credentials,
		maxAttempts: opts.MaxReconnectAttempts,
		baseDelay:   opts.ReconnectDelay,
		dialTimeout: opts.DialTimeout,
		logger:      opts.Logger,
		handlers:    make(map[MessageKind]Handler),
	}
}

// OnMessage registers the handler for a message kind, replacing any
// previous registration.
func (c *Client) OnMessage(kind MessageKind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

// Off removes the handler for a message kind.
func (c *Client) Off(kind MessageKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, kind)
}

// Connect opens the connection for a session, tearing down any prior
// one first. It resolves once the websocket handshake completes and
// does not retry a failed handshake.
func (c *Client) Connect(ctx context.Context, sessionID int64) error {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("transport: credential: %w", err)
	}

	c.mu.Lock()
	c.teardownLocked("superseded")
	c.state = StateConnecting
	c.sessionID = sessionID
	gen := c.gen
	c.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, c.dialTimeout)
	defer cancelDial()

	endpoint := fmt.Sprintf("%s/api/v1/ws/%d?token=%s", c.baseURL, sessionID, url.QueryEscape(token))
	conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return fmt.Errorf("dial session %d: %w", sessionID, err)
	}
	conn.SetReadLimit(1 << 20)

	readCtx, cancelRead := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.gen != gen {
		// A Disconnect or newer Connect won the race.
		c.mu.Unlock()
		cancelRead()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return fmt.Errorf("connect session %d: superseded", sessionID)
	}
	c.conn = conn
	c.cancel = cancelRead
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("websocket connected", "session_id", sessionID)
	go c.readLoop(readCtx, conn, gen)
	return nil
}

// Disconnect closes the connection and clears the retry counter. It is
// idempotent and never triggers automatic reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked("client disconnect")
	c.sessionID = 0
	c.attempts = 0
}

// teardownLocked releases the live connection, if any. Callers hold mu.
func (c *Client) teardownLocked(reason string) {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, reason)
		c.conn = nil
	}
	c.state = StateDisconnected
}

// IsConnected reports whether a connection is live.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// State returns the connection lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send marshals and writes one typed message. When not connected it
// logs a diagnostic and returns ErrNotConnected without queuing.
func (c *Client) Send(kind MessageKind, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Warn("send while disconnected", "type", kind)
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	body, err := json.Marshal(Envelope{Type: kind, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", kind, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

// SendUserMessage transmits one user turn.
func (c *Client) SendUserMessage(content string, extra map[string]any) error {
	return c.Send(KindUserMessage, UserMessage{Content: content, ExtraData: extra})
}

// Ping sends a keepalive probe.
func (c *Client) Ping() error {
	return c.Send(KindPing, struct{}{})
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.connectionLost(gen, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed websocket payload", "error", err)
			continue
		}
		ev, err := decodeEvent(env)
		if err != nil {
			c.logger.Warn("dropping malformed websocket payload", "type", env.Type, "error", err)
			continue
		}
		if ev == nil {
			c.logger.Debug("unhandled message type", "type", env.Type)
			continue
		}
		c.dispatch(ev)
	}
}

// dispatch routes one decoded event to its registered handler. The
// handler runs outside the client mutex.
func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	if ev.Kind() == KindConnectionEstablished {
		c.attempts = 0
	}
	h := c.handlers[ev.Kind()]
	c.mu.Unlock()

	if h == nil {
		c.logger.Debug("no handler registered", "type", ev.Kind())
		return
	}
	h(ev)
}

// connectionLost reacts to an unexpected closure of the connection
// owned by generation gen. Explicit disconnects bump the generation
// first, so they never reach the retry path.
func (c *Client) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.cancel = nil
	c.state = StateDisconnected
	sessionID := c.sessionID
	canRetry := c.attempts < c.maxAttempts
	if canRetry {
		c.attempts++
	}
	attempt := c.attempts
	c.mu.Unlock()

	if !canRetry {
		c.logger.Warn("connection closed, retries exhausted", "session_id", sessionID, "error", err)
		return
	}
	c.logger.Info("connection lost, scheduling reconnect",
		"session_id", sessionID, "attempt", attempt, "max", c.maxAttempts, "error", err)
	go c.retry(attempt, sessionID)
}

// retry waits out the linear backoff for this attempt and redials,
// unless the client was disconnected or pointed at another session in
// the meantime.
func (c *Client) retry(attempt int, sessionID int64) {
	time.Sleep(time.Duration(attempt) * c.baseDelay)

	c.mu.Lock()
	stale := sessionID == 0 || c.sessionID != sessionID || c.state != StateDisconnected
	c.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	defer cancel()
	err := c.Connect(ctx, sessionID)
	if err == nil {
		return
	}

	c.mu.Lock()
	canRetry := c.attempts < c.maxAttempts
	if canRetry {
		c.attempts++
	}
	next := c.attempts
	c.mu.Unlock()

	if !canRetry {
		c.logger.Warn("reconnect failed, giving up", "session_id", sessionID, "error", err)
		return
	}
	c.logger.Info("reconnect failed, will retry", "session_id", sessionID, "attempt", next, "error", err)
	go c.retry(next, sessionID)
}
