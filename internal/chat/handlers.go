package chat

import (
	"time"

	"agentchat/internal/discussion"
	"agentchat/internal/domain"
	"agentchat/internal/transport"
)

// handleEvent is the single transport handler; it fans out on the
// concrete event type. Events arrive one at a time from the live
// connection's read loop.
func (r *Registry) handleEvent(ev transport.Event) {
	switch e := ev.(type) {
	case transport.AgentResponse:
		r.handleAgentResponse(e)
	case transport.ErrorEvent:
		r.handleError(e)
	case transport.SessionTitleUpdated:
		r.handleTitleUpdated(e)
	}
}

func (r *Registry) handleAgentResponse(ev transport.AgentResponse) {
	r.mu.Lock()
	if r.current == nil {
		r.mu.Unlock()
		return
	}

	if r.isDiscussionAgentLocked() {
		r.applyDiscussionLocked(ev)
		listener := r.onResponse
		r.mu.Unlock()
		if listener != nil {
			listener(ev.Content, ev.IsFinal)
		}
		return
	}

	if ev.IsFinal {
		if text, ok := r.agg.finish(); ok {
			r.appendAssistantLocked(text, ev.ExtraData)
		}
	} else {
		r.agg.appendPartial(ev.Content)
	}
	listener := r.onResponse
	r.mu.Unlock()

	if listener != nil {
		listener(ev.Content, ev.IsFinal)
	}
}

// applyDiscussionLocked routes a brainstorm event through the
// reassembler and commits the finished record to the log.
func (r *Registry) applyDiscussionLocked(ev transport.AgentResponse) {
	if r.agg.awaiting() {
		r.agg.reset()
	}
	if r.disc == nil {
		r.disc = discussion.NewReassembler(r.logger)
	}

	rec, done := r.disc.Apply(discussion.Event{
		Content:  ev.Content,
		Metadata: ev.Metadata,
		Final:    ev.IsFinal,
	}, r.latestUserTextLocked())
	if !done {
		return
	}

	content, err := discussion.EncodeRecord(rec)
	if err != nil {
		r.logger.Error("failed to serialize discussion record", "error", err)
		return
	}
	sessionID, _ := r.current.Ref.ID()
	r.log = append(r.log, domain.Conversation{
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   content,
		ExtraData: discussion.RecordExtraData(),
		CreatedAt: time.Now(),
	})
}

// handleError aborts the in-flight turn. The log is left exactly as it
// was before the turn; the uncommitted buffer and any half-assembled
// discussion are discarded.
func (r *Registry) handleError(ev transport.ErrorEvent) {
	r.mu.Lock()
	r.agg.reset()
	if r.disc != nil {
		r.disc.Abort()
	}
	listener := r.onError
	r.mu.Unlock()

	r.logger.Warn("server reported error", "code", ev.Code, "message", ev.Message)
	if listener != nil {
		listener(ev.Code, ev.Message)
	}
}

// handleTitleUpdated applies a server-generated session rename.
func (r *Registry) handleTitleUpdated(ev transport.SessionTitleUpdated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.sessions {
		if id, ok := r.sessions[i].Ref.ID(); ok && id == ev.SessionID {
			r.sessions[i].Name = ev.NewTitle
			break
		}
	}
	if r.current != nil {
		if id, ok := r.current.Ref.ID(); ok && id == ev.SessionID {
			r.current.Name = ev.NewTitle
		}
	}
}

// appendAssistantLocked commits one finished assistant entry.
func (r *Registry) appendAssistantLocked(text string, extra map[string]any) {
	sessionID, _ := r.current.Ref.ID()
	r.log = append(r.log, domain.Conversation{
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   text,
		ExtraData: extra,
		CreatedAt: time.Now(),
	})
}

// latestUserTextLocked returns the content of the most recent user
// entry, used as the topic fallback for discussions.
func (r *Registry) latestUserTextLocked() string {
	for i := len(r.log) - 1; i >= 0; i-- {
		if r.log[i].Role == domain.RoleUser {
			return r.log[i].Content
		}
	}
	return ""
}
