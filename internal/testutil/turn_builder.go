package testutil

import (
	"encoding/json"

	"github.com/scriptorium-ai/scriptorium/core"
)

// TurnBuilder provides a fluent helper for constructing turns in tests.
// Example:
//
//	turn := NewTurnBuilder().Agent("orchestrator").Text("done").Call("inv-1", "file_read", `{"path":"a"}`).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type TurnBuilder struct {
	turn core.Turn
}

// NewTurnBuilder creates a builder for a user-role turn.
func NewTurnBuilder() *TurnBuilder {
	return &TurnBuilder{turn: core.NewTurn(core.RoleUser, "user")}
}

// ID overrides the auto-generated turn id (chainable).
func (b *TurnBuilder) ID(id string) *TurnBuilder { b.turn.ID = id; return b }

// User sets role user (chainable).
func (b *TurnBuilder) User() *TurnBuilder {
	b.turn.Role, b.turn.Author = core.RoleUser, "user"
	return b
}

// Agent sets role agent with the given author (chainable).
func (b *TurnBuilder) Agent(author string) *TurnBuilder {
	b.turn.Role, b.turn.Author = core.RoleAgent, author
	return b
}

// Tool sets role tool (chainable).
func (b *TurnBuilder) Tool() *TurnBuilder {
	b.turn.Role, b.turn.Author = core.RoleTool, "tools"
	return b
}

// Text sets the prose content (chainable).
func (b *TurnBuilder) Text(t string) *TurnBuilder { b.turn.Content = t; return b }

// Call appends a call block (chainable).
func (b *TurnBuilder) Call(invocationID, tool, args string) *TurnBuilder {
	b.turn.AppendBlock(core.NewCallBlock(invocationID, tool, json.RawMessage(args)))
	return b
}

// Result appends a result block (chainable).
func (b *TurnBuilder) Result(invocationID, tool, result string) *TurnBuilder {
	b.turn.AppendBlock(core.NewResultBlock(invocationID, tool, json.RawMessage(result)))
	return b
}

// Error appends an error block (chainable).
func (b *TurnBuilder) Error(invocationID, code, message string) *TurnBuilder {
	b.turn.AppendBlock(core.NewErrorBlock(invocationID, code, message))
	return b
}

// Status appends a status block (chainable).
func (b *TurnBuilder) Status(state, detail string) *TurnBuilder {
	b.turn.AppendBlock(core.NewStatusBlock(state, detail))
	return b
}

// Block appends a custom block (chainable).
func (b *TurnBuilder) Block(block core.StructuredBlock) *TurnBuilder {
	b.turn.AppendBlock(block)
	return b
}

// Build returns the constructed turn.
func (b *TurnBuilder) Build() core.Turn { return b.turn }
