package transport

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     Envelope
		want    Event
		wantNil bool
		wantErr bool
	}{
		{
			name: "connection established",
			env:  Envelope{Type: KindConnectionEstablished, Data: json.RawMessage(`{"session_id":7}`)},
			want: ConnectionEstablished{SessionID: 7},
		},
		{
			name: "agent response fragment",
			env:  Envelope{Type: KindAgentResponse, Data: json.RawMessage(`{"content":"hi","is_final":false}`)},
			want: AgentResponse{Content: "hi"},
		},
		{
			name: "final marker",
			env:  Envelope{Type: KindAgentResponse, Data: json.RawMessage(`{"content":"","is_final":true}`)},
			want: AgentResponse{IsFinal: true},
		},
		{
			name: "error event",
			env:  Envelope{Type: KindError, Data: json.RawMessage(`{"code":"boom","message":"it broke"}`)},
			want: ErrorEvent{Code: "boom", Message: "it broke"},
		},
		{
			name: "pong without payload",
			env:  Envelope{Type: KindPong},
			want: Pong{},
		},
		{
			name: "title update",
			env:  Envelope{Type: KindSessionTitleUpdated, Data: json.RawMessage(`{"session_id":3,"new_title":"renamed"}`)},
			want: SessionTitleUpdated{SessionID: 3, NewTitle: "renamed"},
		},
		{
			name:    "unknown kind is dropped not failed",
			env:     Envelope{Type: "totally_new_thing", Data: json.RawMessage(`{"x":1}`)},
			wantNil: true,
		},
		{
			name:    "malformed payload",
			env:     Envelope{Type: KindAgentResponse, Data: json.RawMessage(`{"content":`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeEvent(tt.env)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeEvent: %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Fatalf("got %+v, want nil", got)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAgentResponseMetadataDecoding(t *testing.T) {
	t.Parallel()

	env := Envelope{
		Type: KindAgentResponse,
		Data: json.RawMessage(`{"content":"x","metadata":{"discussion_phase":"start","round":2}}`),
	}
	got, err := decodeEvent(env)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	resp, ok := got.(AgentResponse)
	if !ok {
		t.Fatalf("got %T, want AgentResponse", got)
	}
	if resp.Metadata["discussion_phase"] != "start" {
		t.Errorf("metadata = %+v", resp.Metadata)
	}
	if n, ok := resp.Metadata["round"].(float64); !ok || n != 2 {
		t.Errorf("round = %v (%T), want float64(2)", resp.Metadata["round"], resp.Metadata["round"])
	}
}
