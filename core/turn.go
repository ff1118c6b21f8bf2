package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FormatVersion is the transcript format version written on every new Turn.
// Readers must tolerate turns carrying older or newer versions and unknown
// block types; payloads they do not understand are preserved opaquely.
const FormatVersion = 2

// Role identifies the originator category of a Turn.
type Role string

const (
	// RoleUser marks turns authored by the human client.
	RoleUser Role = "user"
	// RoleAgent marks turns authored by an agent (orchestrator or specialist).
	RoleAgent Role = "agent"
	// RoleTool marks turns carrying tool invocation results.
	RoleTool Role = "tool"
)

// BlockType categorizes a StructuredBlock. The set is open: readers keep
// blocks with unrecognized types intact instead of dropping them.
type BlockType string

const (
	// BlockCall records a tool/specialist invocation request.
	BlockCall BlockType = "call"
	// BlockResult records the outcome of a previously recorded call.
	BlockResult BlockType = "result"
	// BlockError records a handler or transport failure as visible context.
	BlockError BlockType = "error"
	// BlockStatus records lifecycle markers (summary, cancelled, truncated).
	BlockStatus BlockType = "status"
)

// StructuredBlock is a typed, machine-readable sub-payload attached to a
// Turn. The payload is opaque to the core and interpreted by renderers;
// keeping it as raw JSON is what makes unknown future types survive a
// read/write round trip.
type StructuredBlock struct {
	Type    BlockType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CallPayload is the conventional payload of a BlockCall block.
type CallPayload struct {
	InvocationID string          `json:"invocation_id"`
	Tool         string          `json:"tool"`
	Args         json.RawMessage `json:"args,omitempty"`
}

// ResultPayload is the conventional payload of a BlockResult block. Exactly
// one result exists per invocation id.
type ResultPayload struct {
	InvocationID string          `json:"invocation_id"`
	Tool         string          `json:"tool"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// ErrorPayload is the conventional payload of a BlockError block. A failed
// tool call always yields one of these paired with its invocation id.
type ErrorPayload struct {
	InvocationID string `json:"invocation_id,omitempty"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

// StatusPayload is the conventional payload of a BlockStatus block.
type StatusPayload struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// NewCallBlock builds a call block for a tool invocation.
func NewCallBlock(invocationID, tool string, args json.RawMessage) StructuredBlock {
	return mustBlock(BlockCall, CallPayload{InvocationID: invocationID, Tool: tool, Args: args})
}

// NewResultBlock builds a result block paired with its originating call.
func NewResultBlock(invocationID, tool string, result json.RawMessage) StructuredBlock {
	return mustBlock(BlockResult, ResultPayload{InvocationID: invocationID, Tool: tool, Result: result})
}

// NewErrorBlock builds an error block. Code should come from the error
// taxonomy (e.g. "TOOL_ERROR", "SANDBOX_TIMEOUT").
func NewErrorBlock(invocationID, code, message string) StructuredBlock {
	return mustBlock(BlockError, ErrorPayload{InvocationID: invocationID, Code: code, Message: message})
}

// NewStatusBlock builds a status block.
func NewStatusBlock(state, detail string) StructuredBlock {
	return mustBlock(BlockStatus, StatusPayload{State: state, Detail: detail})
}

// mustBlock marshals a conventional payload. The payload types above are
// always marshalable; a failure indicates a programming error.
func mustBlock(t BlockType, payload any) StructuredBlock {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("core: marshal %s block: %v", t, err))
	}
	return StructuredBlock{Type: t, Payload: raw}
}

// DecodePayload unmarshals the block payload into dst.
func (b StructuredBlock) DecodePayload(dst any) error {
	if len(b.Payload) == 0 {
		return fmt.Errorf("block %s has no payload", b.Type)
	}
	return json.Unmarshal(b.Payload, dst)
}

// Turn is one atomic entry in a Conversation. Content is free prose;
// Blocks are machine-structured; both may coexist and render order follows
// array index. Seq is assigned by the transcript store on append and is
// zero until then. A streaming turn is mutable only until its terminal
// marker is observed, after which it is frozen.
type Turn struct {
	ID            string            `json:"id"`
	Role          Role              `json:"role"`
	Author        string            `json:"author,omitempty"`
	Content       string            `json:"content,omitempty"`
	Blocks        []StructuredBlock `json:"blocks,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Seq           uint64            `json:"sequence,omitempty"`
	FormatVersion int               `json:"format_version"`
}

// NewTurn creates a turn with a fresh id, current UTC timestamp and the
// current format version.
func NewTurn(role Role, author string) Turn {
	return Turn{
		ID:            NewID(),
		Role:          role,
		Author:        author,
		Timestamp:     time.Now().UTC(),
		FormatVersion: FormatVersion,
	}
}

// NewUserTurn creates a user-authored prose turn.
func NewUserTurn(text string) Turn {
	t := NewTurn(RoleUser, "user")
	t.Content = text
	return t
}

// AppendBlock appends a block preserving insertion order.
func (t *Turn) AppendBlock(b StructuredBlock) { t.Blocks = append(t.Blocks, b) }

// BlocksOfType returns the blocks matching the given type in order.
func (t Turn) BlocksOfType(bt BlockType) []StructuredBlock {
	var out []StructuredBlock
	for _, b := range t.Blocks {
		if b.Type == bt {
			out = append(out, b)
		}
	}
	return out
}

// Clone returns a deep copy safe for independent mutation.
func (t Turn) Clone() Turn {
	c := t
	if t.Blocks != nil {
		c.Blocks = make([]StructuredBlock, len(t.Blocks))
		for i, b := range t.Blocks {
			c.Blocks[i] = StructuredBlock{Type: b.Type}
			if b.Payload != nil {
				c.Blocks[i].Payload = append(json.RawMessage(nil), b.Payload...)
			}
		}
	}
	return c
}

// Conversation is the ordered, append-only sequence of turns owned by one
// Work. It is a read-side value; the transcript store is authoritative.
type Conversation struct {
	WorkID string `json:"work_id"`
	Turns  []Turn `json:"turns"`
}

// LastSeq returns the highest sequence number, or zero for an empty log.
func (c Conversation) LastSeq() uint64 {
	if len(c.Turns) == 0 {
		return 0
	}
	return c.Turns[len(c.Turns)-1].Seq
}

// NewID generates a unique identifier for turns, runs and invocations.
func NewID() string { return uuid.NewString() }
