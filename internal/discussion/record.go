// Package discussion reassembles the interleaved two-model discussion
// stream produced by brainstorm agents into structured per-round
// records.
package discussion

import (
	"encoding/json"
	"fmt"
	"time"

	"agentchat/internal/domain"
)

// Conversation entries holding a serialized discussion carry this
// discriminator in their extra data.
const (
	RecordTypeKey   = "record_type"
	RecordTypeValue = "discussion"
)

// Config is the discussion configuration snapshot announced in the
// start phase.
type Config struct {
	ModelA    string `json:"model_a"`
	ModelB    string `json:"model_b"`
	Style     string `json:"style"`
	MaxRounds int    `json:"max_rounds"`
}

// Slot holds one speaker's accumulated text within a round.
type Slot struct {
	Text      string `json:"text"`
	Streaming bool   `json:"streaming"`
	Complete  bool   `json:"complete"`
}

// Round pairs the two speakers' transcripts for one numbered round.
type Round struct {
	Number int  `json:"number"`
	A      Slot `json:"model_a"`
	B      Slot `json:"model_b"`
}

// Record is a full discussion: topic, configuration, ordered rounds,
// and an optional closing summary.
type Record struct {
	Topic     string    `json:"topic"`
	Config    Config    `json:"config"`
	Rounds    []*Round  `json:"rounds"`
	Summary   string    `json:"summary,omitempty"`
	Complete  bool      `json:"complete"`
	StartedAt time.Time `json:"started_at"`
}

// RoundByNumber returns the round with the given number, or nil.
func (r *Record) RoundByNumber(n int) *Round {
	for _, rd := range r.Rounds {
		if rd.Number == n {
			return rd
		}
	}
	return nil
}

// EncodeRecord serializes a record for storage as the content of a
// conversation entry.
func EncodeRecord(rec *Record) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode discussion record: %w", err)
	}
	return string(b), nil
}

// DecodeRecord parses a stored discussion entry back into a record.
func DecodeRecord(content string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(content), &rec); err != nil {
		return nil, fmt.Errorf("decode discussion record: %w", err)
	}
	return &rec, nil
}

// IsRecordEntry reports whether a conversation entry holds a
// serialized discussion.
func IsRecordEntry(c domain.Conversation) bool {
	if c.Role != domain.RoleAssistant {
		return false
	}
	v, ok := c.ExtraData[RecordTypeKey].(string)
	return ok && v == RecordTypeValue
}

// RecordExtraData returns the extra data attached to a serialized
// discussion entry.
func RecordExtraData() map[string]any {
	return map[string]any{RecordTypeKey: RecordTypeValue}
}
