package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"agentchat/internal/credential"
)

// wsServer is a scripted session endpoint backing the client tests.
type wsServer struct {
	t       *testing.T
	srv     *httptest.Server
	dials   atomic.Int64
	tokens  chan string
	inbound chan Envelope
	// script runs once per accepted connection after the
	// connection_established event has been sent.
	script func(ctx context.Context, conn *websocket.Conn)
}

func newWSServer(t *testing.T, script func(ctx context.Context, conn *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{
		t:       t,
		tokens:  make(chan string, 16),
		inbound: make(chan Envelope, 16),
		script:  script,
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	select {
	case s.tokens <- r.URL.Query().Get("token"):
	default:
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.t.Errorf("accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	sendEnvelope(ctx, conn, Envelope{Type: KindConnectionEstablished, Data: json.RawMessage(`{"session_id":7}`)})

	if s.script != nil {
		s.script(ctx, conn)
		return
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		s.inbound <- env
	}
}

func sendEnvelope(ctx context.Context, conn *websocket.Conn, env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, body)
}

func sendAgentResponse(ctx context.Context, conn *websocket.Conn, payload string) {
	sendEnvelope(ctx, conn, Envelope{Type: KindAgentResponse, Data: json.RawMessage(payload)})
}

func newTestClient(s *wsServer) *Client {
	return New(Options{
		BaseURL:        s.url(),
		Credentials:    credential.Static("test-token"),
		ReconnectDelay: 10 * time.Millisecond,
		DialTimeout:    2 * time.Second,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectDispatchesTypedEvents(t *testing.T) {
	t.Parallel()

	s := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		sendAgentResponse(ctx, conn, `{"content":"hello","is_final":false}`)
		sendAgentResponse(ctx, conn, `{"content":"","is_final":true}`)
		<-ctx.Done()
	})
	c := newTestClient(s)

	events := make(chan AgentResponse, 8)
	c.OnMessage(KindAgentResponse, func(ev Event) {
		events <- ev.(AgentResponse)
	})

	if err := c.Connect(context.Background(), 7); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	if got := <-s.tokens; got != "test-token" {
		t.Errorf("token = %q, want test-token", got)
	}

	first := <-events
	if first.Content != "hello" || first.IsFinal {
		t.Errorf("first event = %+v", first)
	}
	second := <-events
	if !second.IsFinal {
		t.Errorf("second event = %+v, want final", second)
	}
	if !c.IsConnected() {
		t.Error("client should report connected")
	}
}

func TestMalformedPayloadsAreDropped(t *testing.T) {
	t.Parallel()

	s := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{not json`))
		sendEnvelope(ctx, conn, Envelope{Type: KindAgentResponse, Data: json.RawMessage(`{"content":`)})
		sendEnvelope(ctx, conn, Envelope{Type: "future_kind", Data: json.RawMessage(`{}`)})
		sendAgentResponse(ctx, conn, `{"content":"still alive"}`)
		<-ctx.Done()
	})
	c := newTestClient(s)

	events := make(chan AgentResponse, 8)
	c.OnMessage(KindAgentResponse, func(ev Event) {
		events <- ev.(AgentResponse)
	})

	if err := c.Connect(context.Background(), 7); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	got := <-events
	if got.Content != "still alive" {
		t.Errorf("event after malformed payloads = %+v", got)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	t.Parallel()

	c := New(Options{BaseURL: "ws://127.0.0.1:0", Credentials: credential.Static("x")})
	err := c.SendUserMessage("hello", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestSendUserMessageReachesServer(t *testing.T) {
	t.Parallel()

	s := newWSServer(t, nil)
	c := newTestClient(s)

	if err := c.Connect(context.Background(), 7); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.SendUserMessage("what is a mutex", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	env := <-s.inbound
	if env.Type != KindUserMessage {
		t.Fatalf("server got %s, want user_message", env.Type)
	}
	var msg UserMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Content != "what is a mutex" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestDisconnectIsIdempotentAndSuppressesRetry(t *testing.T) {
	t.Parallel()

	s := newWSServer(t, nil)
	c := newTestClient(s)

	if err := c.Connect(context.Background(), 7); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.Disconnect()
	c.Disconnect()

	if c.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", c.State())
	}

	// An explicit disconnect must never redial, even after the backoff
	// window passes.
	time.Sleep(100 * time.Millisecond)
	if got := s.dials.Load(); got != 1 {
		t.Errorf("server saw %d dials, want 1", got)
	}
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	t.Parallel()

	var established atomic.Int64
	s := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		// First connection drops immediately; later ones stay up.
		if established.Load() == 0 {
			return
		}
		<-ctx.Done()
	})
	c := newTestClient(s)
	c.OnMessage(KindConnectionEstablished, func(Event) {
		established.Add(1)
	})

	if err := c.Connect(context.Background(), 7); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, "automatic reconnect", func() bool {
		return established.Load() >= 2 && c.IsConnected()
	})
	if got := s.dials.Load(); got < 2 {
		t.Errorf("server saw %d dials, want at least 2", got)
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	// The first connection comes up normally and then drops. Every
	// redial is refused before the websocket upgrade, so no
	// connection_established ever arrives to reset the attempt counter.
	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		sendEnvelope(r.Context(), conn, Envelope{Type: KindConnectionEstablished, Data: json.RawMessage(`{"session_id":7}`)})
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)

	c := New(Options{
		BaseURL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		Credentials:          credential.Static("x"),
		MaxReconnectAttempts: 2,
		ReconnectDelay:       5 * time.Millisecond,
		DialTimeout:          2 * time.Second,
	})

	if err := c.Connect(context.Background(), 7); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	// 1 initial dial + exactly 2 failed retries, then the client
	// stays down.
	waitFor(t, "retries to settle", func() bool {
		return dials.Load() >= 3
	})
	time.Sleep(100 * time.Millisecond)
	if got := dials.Load(); got != 3 {
		t.Errorf("server saw %d dials, want 3", got)
	}
	if c.IsConnected() {
		t.Error("client should have given up")
	}
}

func TestReconnectAttemptsResetOnEstablished(t *testing.T) {
	t.Parallel()

	// Connections 1 and 2 establish and drop; from connection 3 on the
	// handshake is refused. Because each establishment resets the
	// attempt counter, the client still gets its full retry budget
	// against the refusals.
	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) > 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		sendEnvelope(r.Context(), conn, Envelope{Type: KindConnectionEstablished, Data: json.RawMessage(`{"session_id":7}`)})
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)

	c := New(Options{
		BaseURL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		Credentials:          credential.Static("x"),
		MaxReconnectAttempts: 2,
		ReconnectDelay:       time.Millisecond,
		DialTimeout:          2 * time.Second,
	})

	if err := c.Connect(context.Background(), 7); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	// 2 established connections + 2 refused retries after the second
	// drop. The first drop's retry succeeded, so it consumed no budget.
	waitFor(t, "retries to settle", func() bool {
		return dials.Load() >= 4
	})
	time.Sleep(100 * time.Millisecond)
	if got := dials.Load(); got != 4 {
		t.Errorf("server saw %d dials, want 4", got)
	}
	if c.IsConnected() {
		t.Error("client should have given up")
	}
}

func TestConnectFailsWithoutCredentials(t *testing.T) {
	t.Parallel()

	c := New(Options{
		BaseURL:     "ws://127.0.0.1:0",
		Credentials: credential.NewRefreshing("", "", nil, 0, nil),
	})
	err := c.Connect(context.Background(), 7)
	if !errors.Is(err, credential.ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}

func TestConnectSupersedesPriorConnection(t *testing.T) {
	t.Parallel()

	s := newWSServer(t, nil)
	c := newTestClient(s)

	if err := c.Connect(context.Background(), 7); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := c.Connect(context.Background(), 8); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	defer c.Disconnect()

	if !c.IsConnected() {
		t.Error("client should be connected to the new session")
	}
	waitFor(t, "two dials", func() bool { return s.dials.Load() == 2 })
}
