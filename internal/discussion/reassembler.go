package discussion

import (
	"log/slog"
	"strings"
	"time"

	"agentchat/internal/domain"
)

// Phase values carried in the discussion_phase metadata field.
const (
	PhaseStart        = "start"
	PhaseModelAStart  = "model_a_start"
	PhaseModelASpeak  = "model_a_speaking"
	PhaseModelBStart  = "model_b_start"
	PhaseModelBSpeak  = "model_b_speaking"
	PhaseSummaryStart = "summary_start"
	PhaseSummary      = "summary"
	PhaseComplete     = "complete"
)

// Metadata keys used by the sub-protocol.
const (
	metaPhase        = "discussion_phase"
	metaRound        = "round"
	metaModelA       = "model_a"
	metaModelB       = "model_b"
	metaStyle        = "style"
	metaMaxRounds    = "max_rounds"
	metaSummary      = "summary_content"
	metaTurnComplete = "turn_complete"
)

type speaker int

const (
	speakerNone speaker = iota
	speakerA
	speakerB
)

// Event is one agent_response fragment as seen by the reassembler.
type Event struct {
	Content  string
	Metadata map[string]any
	Final    bool
}

// Reassembler interprets the phase-tagged discussion sub-protocol and
// builds ordered rounds with per-speaker transcripts. It is not safe
// for concurrent use; the owning registry serializes access.
type Reassembler struct {
	current *Record
	round   int
	speaker speaker
	history []*Record
	logger  *slog.Logger
}

// NewReassembler creates an empty reassembler.
func NewReassembler(logger *slog.Logger) *Reassembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{logger: logger}
}

// Current returns the discussion being assembled (or the most recently
// completed one), if any.
func (r *Reassembler) Current() *Record {
	return r.current
}

// History returns completed discussions, most recent first.
func (r *Reassembler) History() []*Record {
	out := make([]*Record, len(r.history))
	copy(out, r.history)
	return out
}

// Reset discards all transient and history state.
func (r *Reassembler) Reset() {
	r.current = nil
	r.round = 0
	r.speaker = speakerNone
	r.history = nil
}

// Abort discards an in-progress discussion without committing it.
// Completed records and history are kept.
func (r *Reassembler) Abort() {
	if r.current != nil && !r.current.Complete {
		r.current = nil
	}
	r.round = 0
	r.speaker = speakerNone
}

// Apply feeds one event through the phase state machine. fallbackTopic
// is used when the start phase carries no extractable topic (typically
// the most recent user entry's text). When the event completes the
// discussion, the finished record is returned with done=true; the
// caller serializes it into the conversation log.
func (r *Reassembler) Apply(ev Event, fallbackTopic string) (rec *Record, done bool) {
	phase, _ := ev.Metadata[metaPhase].(string)

	switch phase {
	case PhaseStart:
		r.start(ev, fallbackTopic)
	case PhaseModelAStart:
		r.beginTurn(speakerA, r.roundFrom(ev), fallbackTopic)
	case PhaseModelASpeak:
		r.speak(speakerA, r.roundFrom(ev), ev.Content, fallbackTopic)
	case PhaseModelBStart:
		r.beginTurn(speakerB, r.roundFrom(ev), fallbackTopic)
	case PhaseModelBSpeak:
		r.speak(speakerB, r.roundFrom(ev), ev.Content, fallbackTopic)
	case PhaseSummaryStart:
		r.ensureCurrent(fallbackTopic)
		r.current.Summary = ""
	case PhaseSummary:
		r.ensureCurrent(fallbackTopic)
		r.current.Summary += ev.Content
	case PhaseComplete:
		return r.complete(ev, fallbackTopic), true
	default:
		// Untagged filler between turns doubles as the end-of-turn
		// signal on the legacy wire format.
		if r.isTurnEnd(ev) {
			r.endTurn()
		}
	}
	return nil, false
}

// start initializes a fresh discussion from the start-phase event.
func (r *Reassembler) start(ev Event, fallbackTopic string) {
	cfg := Config{MaxRounds: asInt(ev.Metadata[metaMaxRounds])}
	cfg.ModelA, _ = ev.Metadata[metaModelA].(string)
	cfg.ModelB, _ = ev.Metadata[metaModelB].(string)
	cfg.Style, _ = ev.Metadata[metaStyle].(string)

	r.current = &Record{
		Topic:     extractTopic(ev.Content, fallbackTopic),
		Config:    cfg,
		StartedAt: time.Now(),
	}
	r.round = 0
	r.speaker = speakerNone
}

// ensureCurrent lazily creates a record when phases arrive without a
// preceding start. The protocol may interleave; nothing is rejected.
func (r *Reassembler) ensureCurrent(fallbackTopic string) {
	if r.current == nil || r.current.Complete {
		r.current = &Record{
			Topic:     strings.TrimSpace(fallbackTopic),
			StartedAt: time.Now(),
		}
		r.round = 0
		r.speaker = speakerNone
	}
}

// ensureRound returns the round with the given number, creating it on
// first reference. Round numbers are unique; rounds are never removed.
func (r *Reassembler) ensureRound(n int) *Round {
	if rd := r.current.RoundByNumber(n); rd != nil {
		return rd
	}
	rd := &Round{Number: n}
	r.current.Rounds = append(r.current.Rounds, rd)
	return rd
}

func (r *Reassembler) beginTurn(sp speaker, n int, fallbackTopic string) {
	r.ensureCurrent(fallbackTopic)
	rd := r.ensureRound(n)
	slot := rd.slot(sp)
	slot.Text = ""
	slot.Streaming = true
	slot.Complete = false
	r.round = n
	r.speaker = sp
}

// speak appends content to the slot addressed by the event's round
// number, which is not necessarily the current round.
func (r *Reassembler) speak(sp speaker, n int, content string, fallbackTopic string) {
	r.ensureCurrent(fallbackTopic)
	rd := r.ensureRound(n)
	slot := rd.slot(sp)
	slot.Text += content
	slot.Streaming = true
}

// endTurn marks the current speaker's slot complete, if one is set.
func (r *Reassembler) endTurn() {
	if r.speaker == speakerNone || r.current == nil {
		return
	}
	if rd := r.current.RoundByNumber(r.round); rd != nil {
		slot := rd.slot(r.speaker)
		slot.Streaming = false
		slot.Complete = true
	}
	r.speaker = speakerNone
}

// isTurnEnd recognizes end-of-turn: an explicit turn_complete flag, or
// the legacy sentinel of a whitespace/divider chunk with no phase tag.
func (r *Reassembler) isTurnEnd(ev Event) bool {
	if r.speaker == speakerNone || r.round == 0 {
		return false
	}
	if tc, ok := ev.Metadata[metaTurnComplete].(bool); ok && tc {
		return true
	}
	t := strings.TrimSpace(ev.Content)
	return t == "" || t == "---"
}

// complete finalizes the discussion. Every slot is forced complete in
// case an end marker was missed, and the record moves to the head of
// the history list.
func (r *Reassembler) complete(ev Event, fallbackTopic string) *Record {
	r.ensureCurrent(fallbackTopic)
	rec := r.current

	if rec.Summary == "" {
		if s, ok := ev.Metadata[metaSummary].(string); ok {
			rec.Summary = s
		}
	}
	for _, rd := range rec.Rounds {
		rd.A.Streaming = false
		rd.B.Streaming = false
		if rd.A.Text != "" {
			rd.A.Complete = true
		}
		if rd.B.Text != "" {
			rd.B.Complete = true
		}
	}
	rec.Complete = true
	r.speaker = speakerNone
	r.history = append([]*Record{rec}, r.history...)
	return rec
}

// LoadHistory rebuilds history from logged conversation entries,
// scanning newest first. Parse failures are skipped individually. The
// newest completed record becomes the current (resumable) discussion.
func (r *Reassembler) LoadHistory(entries []domain.Conversation) {
	r.Reset()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !IsRecordEntry(e) {
			continue
		}
		rec, err := DecodeRecord(e.Content)
		if err != nil {
			r.logger.Warn("skipping unparsable discussion entry", "entry_id", e.ID, "error", err)
			continue
		}
		r.history = append(r.history, rec)
		if r.current == nil && rec.Complete {
			r.current = rec
		}
	}
}

// slot selects the speaker's half of a round.
func (rd *Round) slot(sp speaker) *Slot {
	if sp == speakerB {
		return &rd.B
	}
	return &rd.A
}

// roundFrom reads the round number from event metadata, falling back
// to the current round when absent.
func (r *Reassembler) roundFrom(ev Event) int {
	if n := asInt(ev.Metadata[metaRound]); n > 0 {
		return n
	}
	if r.round > 0 {
		return r.round
	}
	return 1
}

// asInt coerces the numeric types JSON decoding can produce.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// extractTopic strips the bold topic label the start phase prefixes
// its content with; an empty result falls back to the supplied text.
func extractTopic(content, fallback string) string {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "**"); i >= 0 {
		if j := strings.Index(s[i+2:], "**"); j >= 0 {
			s = s[i+2+j+2:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimPrefix(s, ":"))
	if s == "" {
		return strings.TrimSpace(fallback)
	}
	return s
}
