package domain

import "testing"

func TestSessionRefIdentity(t *testing.T) {
	t.Parallel()

	persisted := PersistedRef(7)
	if persisted.IsDraft() {
		t.Error("persisted ref reported as draft")
	}
	if id, ok := persisted.ID(); !ok || id != 7 {
		t.Errorf("ID() = %d, %v", id, ok)
	}
	if !persisted.Equal(PersistedRef(7)) {
		t.Error("refs to the same session id must be equal")
	}
	if persisted.Equal(PersistedRef(8)) {
		t.Error("refs to different session ids must not be equal")
	}

	draft := DraftRef()
	if !draft.IsDraft() {
		t.Error("draft ref not reported as draft")
	}
	if _, ok := draft.ID(); ok {
		t.Error("drafts must not expose a server id")
	}
	if draft.Equal(DraftRef()) {
		t.Error("distinct drafts must not be equal")
	}
	if !draft.Equal(draft) {
		t.Error("a draft must equal itself")
	}

	var zero SessionRef
	if !zero.IsZero() {
		t.Error("zero value not reported as zero")
	}
	if draft.IsZero() || persisted.IsZero() {
		t.Error("populated refs reported as zero")
	}
}

func TestNewDraftDefaults(t *testing.T) {
	t.Parallel()

	s := NewDraft(3, "")
	if s.Name != DefaultSessionName {
		t.Errorf("name = %q, want %q", s.Name, DefaultSessionName)
	}
	if s.AgentID != 3 || !s.Ref.IsDraft() || !s.IsActive {
		t.Errorf("draft = %+v", s)
	}

	named := NewDraft(3, "custom")
	if named.Name != "custom" {
		t.Errorf("name = %q, want custom", named.Name)
	}
}
