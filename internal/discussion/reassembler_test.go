package discussion

import (
	"testing"

	"agentchat/internal/domain"
)

func phaseEvent(phase, content string, extra map[string]any) Event {
	md := map[string]any{"discussion_phase": phase}
	for k, v := range extra {
		md[k] = v
	}
	return Event{Content: content, Metadata: md}
}

func TestReassemblerFullDiscussion(t *testing.T) {
	t.Parallel()

	r := NewReassembler(nil)

	r.Apply(phaseEvent("start", "**Discussion Topic**: rate limiting\n\n", map[string]any{
		"model_a":    "alpha",
		"model_b":    "beta",
		"style":      "debate",
		"max_rounds": float64(2),
	}), "fallback")

	rec := r.Current()
	if rec == nil {
		t.Fatal("expected a record after start phase")
	}
	if rec.Topic != "rate limiting" {
		t.Errorf("topic = %q, want %q", rec.Topic, "rate limiting")
	}
	if rec.Config.ModelA != "alpha" || rec.Config.ModelB != "beta" {
		t.Errorf("models = %q/%q, want alpha/beta", rec.Config.ModelA, rec.Config.ModelB)
	}
	if rec.Config.MaxRounds != 2 {
		t.Errorf("max rounds = %d, want 2", rec.Config.MaxRounds)
	}

	for round := 1; round <= 2; round++ {
		md := map[string]any{"round": float64(round)}
		r.Apply(phaseEvent("model_a_start", "", md), "")
		r.Apply(phaseEvent("model_a_speaking", "a-one ", md), "")
		r.Apply(phaseEvent("model_a_speaking", "a-two", md), "")
		r.Apply(Event{Content: "\n\n"}, "")

		r.Apply(phaseEvent("model_b_start", "", md), "")
		r.Apply(phaseEvent("model_b_speaking", "b-text", md), "")
		r.Apply(Event{Content: "\n\n---\n\n"}, "")
	}

	r.Apply(phaseEvent("summary_start", "", nil), "")
	r.Apply(phaseEvent("summary", "they ", nil), "")
	r.Apply(phaseEvent("summary", "agreed", nil), "")

	done, ok := r.Apply(phaseEvent("complete", "", map[string]any{
		"total_rounds": float64(2),
	}), "")
	if !ok {
		t.Fatal("complete phase should finish the discussion")
	}
	if !done.Complete {
		t.Error("record not marked complete")
	}
	if done.Summary != "they agreed" {
		t.Errorf("summary = %q, want %q", done.Summary, "they agreed")
	}
	if len(done.Rounds) != 2 {
		t.Fatalf("rounds = %d, want 2", len(done.Rounds))
	}
	for _, rd := range done.Rounds {
		if rd.A.Text != "a-one a-two" {
			t.Errorf("round %d model A text = %q", rd.Number, rd.A.Text)
		}
		if rd.B.Text != "b-text" {
			t.Errorf("round %d model B text = %q", rd.Number, rd.B.Text)
		}
		if !rd.A.Complete || !rd.B.Complete {
			t.Errorf("round %d slots not complete: A=%v B=%v", rd.Number, rd.A.Complete, rd.B.Complete)
		}
		if rd.A.Streaming || rd.B.Streaming {
			t.Errorf("round %d slots still streaming", rd.Number)
		}
	}

	if len(r.History()) != 1 {
		t.Errorf("history length = %d, want 1", len(r.History()))
	}
}

func TestReassemblerTurnCompleteFlag(t *testing.T) {
	t.Parallel()

	r := NewReassembler(nil)
	md := map[string]any{"round": float64(1)}
	r.Apply(phaseEvent("model_a_start", "", md), "topic")
	r.Apply(phaseEvent("model_a_speaking", "hello", md), "topic")
	r.Apply(Event{Content: "ignored tail", Metadata: map[string]any{"turn_complete": true}}, "topic")

	rd := r.Current().RoundByNumber(1)
	if rd == nil {
		t.Fatal("round 1 missing")
	}
	if !rd.A.Complete {
		t.Error("turn_complete flag did not end the turn")
	}
	if rd.A.Text != "hello" {
		t.Errorf("slot text = %q, want %q", rd.A.Text, "hello")
	}
}

func TestReassemblerSentinelRequiresActiveTurn(t *testing.T) {
	t.Parallel()

	r := NewReassembler(nil)
	// Filler before any turn starts must not create state.
	if _, done := r.Apply(Event{Content: "\n\n"}, "topic"); done {
		t.Fatal("filler event reported done")
	}
	if r.Current() != nil {
		t.Error("filler event created a record")
	}
}

func TestReassemblerMissingStart(t *testing.T) {
	t.Parallel()

	r := NewReassembler(nil)
	r.Apply(phaseEvent("model_a_speaking", "content", map[string]any{"round": float64(1)}), "user question")

	rec := r.Current()
	if rec == nil {
		t.Fatal("speaking phase without start should create a record")
	}
	if rec.Topic != "user question" {
		t.Errorf("topic = %q, want fallback %q", rec.Topic, "user question")
	}
	if rd := rec.RoundByNumber(1); rd == nil || rd.A.Text != "content" {
		t.Errorf("round 1 model A not populated: %+v", rd)
	}
}

func TestReassemblerInterleavedRounds(t *testing.T) {
	t.Parallel()

	r := NewReassembler(nil)
	r.Apply(phaseEvent("start", "topic", nil), "")
	r.Apply(phaseEvent("model_a_start", "", map[string]any{"round": float64(1)}), "")
	r.Apply(phaseEvent("model_a_speaking", "r1", map[string]any{"round": float64(1)}), "")
	// A chunk addressed to a later round lands in that round.
	r.Apply(phaseEvent("model_a_speaking", "r2", map[string]any{"round": float64(2)}), "")
	r.Apply(phaseEvent("model_a_speaking", " more", map[string]any{"round": float64(1)}), "")

	rec := r.Current()
	if got := rec.RoundByNumber(1).A.Text; got != "r1 more" {
		t.Errorf("round 1 text = %q, want %q", got, "r1 more")
	}
	if got := rec.RoundByNumber(2).A.Text; got != "r2" {
		t.Errorf("round 2 text = %q, want %q", got, "r2")
	}
	if len(rec.Rounds) != 2 {
		t.Errorf("rounds = %d, want 2 (no duplicates)", len(rec.Rounds))
	}
}

func TestReassemblerIncompleteModelBOnComplete(t *testing.T) {
	t.Parallel()

	r := NewReassembler(nil)
	md := map[string]any{"round": float64(1)}
	r.Apply(phaseEvent("start", "topic", nil), "")
	r.Apply(phaseEvent("model_a_speaking", "said something", md), "")
	r.Apply(phaseEvent("model_b_start", "", md), "")

	rec, done := r.Apply(phaseEvent("complete", "", map[string]any{
		"summary_content": "from metadata",
	}), "")
	if !done {
		t.Fatal("expected done")
	}
	rd := rec.RoundByNumber(1)
	if !rd.A.Complete {
		t.Error("model A slot with text should be forced complete")
	}
	if rd.B.Complete {
		t.Error("empty model B slot must not be marked complete")
	}
	if rd.B.Streaming {
		t.Error("model B slot still streaming after completion")
	}
	if rec.Summary != "from metadata" {
		t.Errorf("summary = %q, want metadata fallback", rec.Summary)
	}
}

func TestReassemblerSummaryChunksWinOverMetadata(t *testing.T) {
	t.Parallel()

	r := NewReassembler(nil)
	r.Apply(phaseEvent("start", "topic", nil), "")
	r.Apply(phaseEvent("summary", "streamed summary", nil), "")
	rec, _ := r.Apply(phaseEvent("complete", "", map[string]any{
		"summary_content": "metadata summary",
	}), "")
	if rec.Summary != "streamed summary" {
		t.Errorf("summary = %q, want streamed text to win", rec.Summary)
	}
}

func TestAbortDiscardsInProgressRecord(t *testing.T) {
	t.Parallel()

	r := NewReassembler(nil)
	r.Apply(phaseEvent("start", "first", nil), "")
	r.Apply(phaseEvent("complete", "", nil), "")

	r.Apply(phaseEvent("start", "second", nil), "")
	r.Apply(phaseEvent("model_a_speaking", "half a thought", map[string]any{"round": float64(1)}), "")

	r.Abort()
	if r.Current() != nil {
		t.Errorf("current = %+v, want discarded", r.Current())
	}
	if len(r.History()) != 1 {
		t.Errorf("history = %d, want the completed record kept", len(r.History()))
	}

	// A fresh discussion assembles normally after the abort.
	r.Apply(phaseEvent("start", "third", nil), "")
	if rec := r.Current(); rec == nil || rec.Topic != "third" {
		t.Errorf("record after abort = %+v", rec)
	}
}

func TestAbortKeepsCompletedCurrent(t *testing.T) {
	t.Parallel()

	r := NewReassembler(nil)
	r.Apply(phaseEvent("start", "done topic", nil), "")
	r.Apply(phaseEvent("complete", "", nil), "")

	r.Abort()
	if rec := r.Current(); rec == nil || rec.Topic != "done topic" {
		t.Errorf("current = %+v, want completed record kept", rec)
	}
}

func TestReassemblerCompleteStartsFreshNextTime(t *testing.T) {
	t.Parallel()

	r := NewReassembler(nil)
	r.Apply(phaseEvent("start", "first", nil), "")
	r.Apply(phaseEvent("complete", "", nil), "")

	r.Apply(phaseEvent("model_a_speaking", "next", map[string]any{"round": float64(1)}), "second")
	rec := r.Current()
	if rec.Topic != "second" {
		t.Errorf("new record topic = %q, want %q", rec.Topic, "second")
	}
	if rec.Complete {
		t.Error("new record must not inherit completion")
	}
	if len(r.History()) != 1 {
		t.Errorf("history = %d, want 1", len(r.History()))
	}
}

func TestExtractTopic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		content  string
		fallback string
		want     string
	}{
		{"labeled topic", "**Discussion Topic**: caching strategies\n\n", "x", "caching strategies"},
		{"label without colon", "**Topic** plain text", "x", "plain text"},
		{"no label", "just a topic", "x", "just a topic"},
		{"empty content", "   ", "user text", "user text"},
		{"label only", "**Topic**:  ", "user text", "user text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractTopic(tt.content, tt.fallback); got != tt.want {
				t.Errorf("extractTopic(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}

func TestLoadHistory(t *testing.T) {
	t.Parallel()

	oldRec := &Record{Topic: "old", Complete: true}
	newRec := &Record{Topic: "new", Complete: true}
	oldJSON, err := EncodeRecord(oldRec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	newJSON, err := EncodeRecord(newRec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	entries := []domain.Conversation{
		{ID: 1, Role: domain.RoleAssistant, Content: oldJSON, ExtraData: RecordExtraData()},
		{ID: 2, Role: domain.RoleUser, Content: "not a record"},
		{ID: 3, Role: domain.RoleAssistant, Content: "{broken", ExtraData: RecordExtraData()},
		{ID: 4, Role: domain.RoleAssistant, Content: newJSON, ExtraData: RecordExtraData()},
	}

	r := NewReassembler(nil)
	r.LoadHistory(entries)

	hist := r.History()
	if len(hist) != 2 {
		t.Fatalf("history = %d, want 2 (corrupt entry skipped)", len(hist))
	}
	if hist[0].Topic != "new" || hist[1].Topic != "old" {
		t.Errorf("history order = %q,%q, want new,old", hist[0].Topic, hist[1].Topic)
	}
	if r.Current() == nil || r.Current().Topic != "new" {
		t.Error("newest completed record should become current")
	}
}

func TestRoundFromFallsBackToCurrentRound(t *testing.T) {
	t.Parallel()

	r := NewReassembler(nil)
	r.Apply(phaseEvent("model_a_start", "", map[string]any{"round": float64(3)}), "t")
	// Chunk without a round tag goes to the active round.
	r.Apply(phaseEvent("model_a_speaking", "text", nil), "t")

	if rd := r.Current().RoundByNumber(3); rd == nil || rd.A.Text != "text" {
		t.Errorf("untagged chunk did not land in active round: %+v", rd)
	}
}
