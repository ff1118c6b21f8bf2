package core

import (
	"encoding/json"
	"testing"
)

func TestTurn_Constructors(t *testing.T) {
	turn := NewTurn(RoleAgent, "orchestrator")
	if turn.ID == "" || turn.Timestamp.IsZero() || turn.FormatVersion != FormatVersion {
		t.Fatalf("NewTurn did not initialize fields correctly: %+v", turn)
	}

	user := NewUserTurn("hello")
	if user.Role != RoleUser || user.Content != "hello" || user.Author != "user" {
		t.Fatalf("NewUserTurn malformed: %+v", user)
	}
}

func TestTurn_BlockRoundTrip(t *testing.T) {
	turn := NewTurn(RoleAgent, "orchestrator")
	turn.AppendBlock(NewCallBlock("inv-1", "file_read", json.RawMessage(`{"path":"notes.md"}`)))
	turn.AppendBlock(NewStatusBlock("summary", "turn-9"))

	data, err := json.Marshal(turn)
	if err != nil {
		t.Fatalf("marshal turn: %v", err)
	}
	var decoded Turn
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal turn: %v", err)
	}

	calls := decoded.BlocksOfType(BlockCall)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call block, got %d", len(calls))
	}
	var call CallPayload
	if err := calls[0].DecodePayload(&call); err != nil {
		t.Fatalf("decode call payload: %v", err)
	}
	if call.InvocationID != "inv-1" || call.Tool != "file_read" {
		t.Fatalf("call payload mismatch: %+v", call)
	}
}

func TestTurn_UnknownBlockTypeSurvives(t *testing.T) {
	raw := `{"id":"t1","role":"agent","blocks":[{"type":"hologram","payload":{"x":1}}],` +
		`"timestamp":"2026-01-02T03:04:05Z","format_version":9}`
	var turn Turn
	if err := json.Unmarshal([]byte(raw), &turn); err != nil {
		t.Fatalf("unmarshal future turn: %v", err)
	}
	if turn.FormatVersion != 9 {
		t.Fatalf("format version not preserved: %d", turn.FormatVersion)
	}
	if len(turn.Blocks) != 1 || turn.Blocks[0].Type != "hologram" {
		t.Fatalf("unknown block dropped: %+v", turn.Blocks)
	}

	data, err := json.Marshal(turn)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	var again Turn
	if err := json.Unmarshal(data, &again); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if string(again.Blocks[0].Payload) != `{"x":1}` {
		t.Fatalf("payload not preserved opaquely: %s", again.Blocks[0].Payload)
	}
}

func TestTurn_CloneIsDeep(t *testing.T) {
	turn := NewTurn(RoleAgent, "orchestrator")
	turn.AppendBlock(NewStatusBlock("summary", "turn-1"))

	clone := turn.Clone()
	clone.Blocks[0].Payload[0] = 'X'
	if turn.Blocks[0].Payload[0] == 'X' {
		t.Fatal("clone shares payload backing array")
	}
}

func TestTurnLimiter(t *testing.T) {
	limiter := NewTurnLimiter(2)
	if err := limiter.Increment(); err != nil {
		t.Fatalf("first increment: %v", err)
	}
	if err := limiter.Increment(); err != nil {
		t.Fatalf("second increment: %v", err)
	}
	if err := limiter.Increment(); err == nil {
		t.Fatal("expected limit error on third increment")
	}
}
