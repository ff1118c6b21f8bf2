package core

import "time"

// EventType enumerates the live channel frame vocabulary. Consumers dispatch
// purely on the type with an opaque payload.
type EventType string

const (
	// EventStart opens a streaming turn.
	EventStart EventType = "start"
	// EventContent carries a prose delta for the open turn.
	EventContent EventType = "content"
	// EventJSONBlock carries one structured block for the open turn.
	EventJSONBlock EventType = "json_block"
	// EventComplete terminates the open turn successfully.
	EventComplete EventType = "complete"
	// EventError terminates the session with a fatal error.
	EventError EventType = "error"
)

// Event is the unit of communication between agents and the stream manager.
// After emission it should be treated as immutable. Content deltas reference
// the turn they extend via TurnID; the stream manager accumulates them and
// freezes the turn on its terminal event.
type Event struct {
	Type      EventType `json:"type"`
	TurnID    string    `json:"turn_id,omitempty"`
	Role      Role      `json:"role,omitempty"`
	Author    string    `json:"author,omitempty"`
	Delta     string    `json:"delta,omitempty"`
	Block     *StructuredBlock
	Err       error
	Timestamp time.Time `json:"timestamp"`
}

// NewStartEvent opens a streaming turn authored by author.
func NewStartEvent(turnID string, role Role, author string) Event {
	return Event{Type: EventStart, TurnID: turnID, Role: role, Author: author, Timestamp: time.Now().UTC()}
}

// NewContentEvent carries a prose delta for the open turn.
func NewContentEvent(turnID, delta string) Event {
	return Event{Type: EventContent, TurnID: turnID, Delta: delta, Timestamp: time.Now().UTC()}
}

// NewBlockEvent carries one structured block for the open turn.
func NewBlockEvent(turnID string, block StructuredBlock) Event {
	return Event{Type: EventJSONBlock, TurnID: turnID, Block: &block, Timestamp: time.Now().UTC()}
}

// NewCompleteEvent freezes the open turn.
func NewCompleteEvent(turnID string) Event {
	return Event{Type: EventComplete, TurnID: turnID, Timestamp: time.Now().UTC()}
}

// NewErrorEvent signals a terminal session failure.
func NewErrorEvent(turnID string, err error) Event {
	return Event{Type: EventError, TurnID: turnID, Err: err, Timestamp: time.Now().UTC()}
}

// IsTerminal reports whether the event ends the open turn.
func (e Event) IsTerminal() bool { return e.Type == EventComplete || e.Type == EventError }
