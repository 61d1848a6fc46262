package transport

import (
	"encoding/json"
	"fmt"
)

// MessageKind enumerates the envelope types carried on the session
// websocket.
type MessageKind string

// Inbound kinds.
const (
	KindConnectionEstablished MessageKind = "connection_established"
	KindAgentResponse         MessageKind = "agent_response"
	KindError                 MessageKind = "error"
	KindPong                  MessageKind = "pong"
	KindSessionTitleUpdated   MessageKind = "session_title_updated"
)

// Outbound kinds.
const (
	KindUserMessage MessageKind = "user_message"
	KindPing        MessageKind = "ping"
)

// Envelope is the wire format for every message on the connection.
type Envelope struct {
	Type MessageKind     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is an inbound message decoded into its typed payload.
type Event interface {
	Kind() MessageKind
}

// ConnectionEstablished confirms the server accepted the connection.
type ConnectionEstablished struct {
	SessionID int64  `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Kind implements Event.
func (ConnectionEstablished) Kind() MessageKind { return KindConnectionEstablished }

// AgentResponse carries one fragment of an in-progress agent response,
// or the final marker for the turn.
type AgentResponse struct {
	Content   string         `json:"content"`
	IsFinal   bool           `json:"is_final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ExtraData map[string]any `json:"extra_data,omitempty"`
}

// Kind implements Event.
func (AgentResponse) Kind() MessageKind { return KindAgentResponse }

// ErrorEvent reports a server-side failure during a turn.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Kind implements Event.
func (ErrorEvent) Kind() MessageKind { return KindError }

// Pong answers a client ping.
type Pong struct{}

// Kind implements Event.
func (Pong) Kind() MessageKind { return KindPong }

// SessionTitleUpdated announces a server-generated session rename.
type SessionTitleUpdated struct {
	SessionID int64  `json:"session_id"`
	NewTitle  string `json:"new_title"`
}

// Kind implements Event.
func (SessionTitleUpdated) Kind() MessageKind { return KindSessionTitleUpdated }

// UserMessage is the outbound payload for a user turn.
type UserMessage struct {
	Content   string         `json:"content"`
	ExtraData map[string]any `json:"extra_data,omitempty"`
}

// decodeEvent turns an envelope into its typed event. It returns
// (nil, nil) for kinds this client does not know about; those are
// observed and dropped, never an error.
func decodeEvent(env Envelope) (Event, error) {
	data := env.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	switch env.Type {
	case KindConnectionEstablished:
		var ev ConnectionEstablished
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case KindAgentResponse:
		var ev AgentResponse
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case KindError:
		var ev ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case KindPong:
		return Pong{}, nil
	case KindSessionTitleUpdated:
		var ev SessionTitleUpdated
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	default:
		return nil, nil
	}
}
