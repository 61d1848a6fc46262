package chat

import "strings"

// streamPhase tracks the lifecycle of a single response turn.
type streamPhase int

const (
	streamIdle streamPhase = iota
	streamAwaiting
	streamStreaming
)

// aggregator accumulates partial assistant output until the server
// signals the end of the turn. The buffer is non-empty only while
// streaming and is always emptied when a turn commits or aborts.
type aggregator struct {
	phase streamPhase
	buf   strings.Builder
}

// beginTurn arms the aggregator for the response to an outbound user
// message.
func (a *aggregator) beginTurn() {
	a.phase = streamAwaiting
	a.buf.Reset()
}

// appendPartial records one content fragment. Append is the only
// mutation; fragments are never replaced or reordered.
func (a *aggregator) appendPartial(content string) {
	a.phase = streamStreaming
	a.buf.WriteString(content)
}

// finish ends the turn and returns the accumulated text. ok is false
// when the buffer was empty, in which case nothing should be committed.
func (a *aggregator) finish() (text string, ok bool) {
	text = a.buf.String()
	a.reset()
	return text, text != ""
}

// reset discards any uncommitted buffer and returns to idle.
func (a *aggregator) reset() {
	a.phase = streamIdle
	a.buf.Reset()
}

func (a *aggregator) text() string    { return a.buf.String() }
func (a *aggregator) awaiting() bool  { return a.phase == streamAwaiting }
func (a *aggregator) streaming() bool { return a.phase == streamStreaming }
