package agent

import (
	"context"
	"testing"

	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/internal/testutil"
	"github.com/scriptorium-ai/scriptorium/logging"
	"github.com/scriptorium-ai/scriptorium/model"
	"github.com/scriptorium-ai/scriptorium/sandbox"
	"github.com/scriptorium-ai/scriptorium/tool"
	"github.com/scriptorium-ai/scriptorium/transcript"
	"github.com/scriptorium-ai/scriptorium/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testToolContext(t *testing.T) *core.ToolContext {
	t.Helper()
	emit := make(chan core.Event, 64)
	workCtx := core.NewWorkContext(context.Background(), "work-1", "run-1",
		core.Identity{Subject: "tester"}, 0, emit, logging.NoOpLogger{})
	return core.NewToolContext(workCtx, "inv-1", nil)
}

// runHarness wires an orchestrator over in-memory collaborators and drains
// its event channel.
type runHarness struct {
	store   *transcript.MemoryStore
	mock    *model.MockModel
	orch    *Orchestrator
	emit    chan core.Event
	workCtx *core.WorkContext

	collected chan []core.Event
}

func newRunHarness(t *testing.T, maxTurns int, steps ...model.ScriptStep) *runHarness {
	t.Helper()

	store := transcript.NewMemoryStore()
	require.NoError(t, store.CreateWork(context.Background(), transcript.Work{ID: "work-1"}))

	mock := model.NewMockModel(steps...)
	gateway := model.NewGateway(mock)

	registry := tool.NewRegistry()
	registry.MustRegister(tool.NewFunctionTool(
		"echo", "Echo the input back",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			return args["text"], nil
		},
	))

	builder := window.NewBuilder(model.NewGateway(model.NewMockModel()))
	orch := NewOrchestrator(gateway, registry, builder, store)

	emit := make(chan core.Event, 256)
	collected := make(chan []core.Event, 1)
	go func() {
		var events []core.Event
		for ev := range emit {
			events = append(events, ev)
		}
		collected <- events
	}()

	workCtx := core.NewWorkContext(context.Background(), "work-1", "run-1",
		core.Identity{Subject: "tester"}, maxTurns, emit, logging.NoOpLogger{})

	return &runHarness{
		store: store, mock: mock, orch: orch,
		emit: emit, workCtx: workCtx, collected: collected,
	}
}

func (h *runHarness) appendUser(t *testing.T, text string) {
	t.Helper()
	turn := testutil.NewTurnBuilder().User().Text(text).Build()
	if _, err := h.store.Append(context.Background(), "work-1", &turn); err != nil {
		t.Fatalf("append user turn: %v", err)
	}
}

func (h *runHarness) run(t *testing.T) []core.Event {
	t.Helper()
	err := h.orch.Run(h.workCtx, nil)
	close(h.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return <-h.collected
}

func eventsOfType(events []core.Event, typ core.EventType) []core.Event {
	var out []core.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestOrchestrator_DirectAnswer(t *testing.T) {
	h := newRunHarness(t, 0, model.ScriptStep{
		Chunks: []string{"The abstract ", "is ready."},
		Text:   "The abstract is ready.",
	})
	h.appendUser(t, "write an abstract")

	events := h.run(t)

	starts := eventsOfType(events, core.EventStart)
	require.Len(t, starts, 1)
	assert.Equal(t, core.RoleAgent, starts[0].Role)
	assert.Equal(t, "orchestrator", starts[0].Author)

	var streamed string
	for _, ev := range eventsOfType(events, core.EventContent) {
		streamed += ev.Delta
	}
	assert.Equal(t, "The abstract is ready.", streamed)
	require.Len(t, eventsOfType(events, core.EventComplete), 1)
	assert.Equal(t, 1, h.mock.Calls())
}

func TestOrchestrator_ToolCallLoop(t *testing.T) {
	h := newRunHarness(t, 0,
		model.ScriptStep{Calls: []core.ToolCall{
			{ID: "inv-1", Name: "echo", Arguments: `{"text":"hi"}`},
		}},
		model.ScriptStep{Text: "The echo said hi."},
	)
	h.appendUser(t, "use the echo tool")

	events := h.run(t)

	// agent turn with call, tool turn with result, final agent turn
	starts := eventsOfType(events, core.EventStart)
	require.Len(t, starts, 3)
	assert.Equal(t, core.RoleAgent, starts[0].Role)
	assert.Equal(t, core.RoleTool, starts[1].Role)
	assert.Equal(t, core.RoleAgent, starts[2].Role)

	blocks := eventsOfType(events, core.EventJSONBlock)
	require.Len(t, blocks, 2)
	require.Equal(t, core.BlockCall, blocks[0].Block.Type)
	require.Equal(t, core.BlockResult, blocks[1].Block.Type)

	var result core.ResultPayload
	require.NoError(t, blocks[1].Block.DecodePayload(&result))
	assert.Equal(t, "inv-1", result.InvocationID)
	assert.JSONEq(t, `"hi"`, string(result.Result))

	// the second model request must carry the call and its result
	require.Equal(t, 2, h.mock.Calls())
	second := h.mock.Requests[1]
	var sawCall, sawResult bool
	for _, content := range second.Contents {
		if len(content.ToolCalls()) > 0 {
			sawCall = true
		}
		if len(content.ToolResults()) > 0 {
			sawResult = true
		}
	}
	assert.True(t, sawCall && sawResult, "tool exchange missing from follow-up window")
}

func TestOrchestrator_ToolErrorFedBack(t *testing.T) {
	h := newRunHarness(t, 0,
		model.ScriptStep{Calls: []core.ToolCall{
			{ID: "inv-1", Name: "no_such_tool", Arguments: `{}`},
		}},
		model.ScriptStep{Text: "That tool does not exist; answering directly."},
	)
	h.appendUser(t, "try a bogus tool")

	events := h.run(t)

	blocks := eventsOfType(events, core.EventJSONBlock)
	require.Len(t, blocks, 2)
	require.Equal(t, core.BlockError, blocks[1].Block.Type)
	var terr core.ErrorPayload
	require.NoError(t, blocks[1].Block.DecodePayload(&terr))
	assert.Equal(t, "UNKNOWN_TOOL", terr.Code)

	// the run recovers: the model gets the error and answers in prose
	assert.Equal(t, 2, h.mock.Calls())
}

func TestOrchestrator_TurnBudget(t *testing.T) {
	h := newRunHarness(t, 1, model.ScriptStep{Calls: []core.ToolCall{
		{ID: "inv-1", Name: "echo", Arguments: `{"text":"again"}`},
	}})
	h.appendUser(t, "loop forever")

	events := h.run(t)

	var sawLimit bool
	for _, ev := range eventsOfType(events, core.EventJSONBlock) {
		if ev.Block.Type != core.BlockStatus {
			continue
		}
		var status core.StatusPayload
		if ev.Block.DecodePayload(&status) == nil && status.State == "max_turns" {
			sawLimit = true
		}
	}
	assert.True(t, sawLimit, "missing max_turns notice")
	assert.Equal(t, 1, h.mock.Calls())
}

// End-to-end shape of a computational request: the model asks for a code
// run, gets the numeric result back, and answers citing it.
func TestOrchestrator_CodeRunScenario(t *testing.T) {
	store := transcript.NewMemoryStore()
	require.NoError(t, store.CreateWork(context.Background(), transcript.Work{ID: "work-1"}))

	mock := model.NewMockModel(
		model.ScriptStep{Calls: []core.ToolCall{{
			ID:   "inv-1",
			Name: "run_code",
			Arguments: `{"source":"import random\nn=100000\nhits=sum(random.random()**2+random.random()**2<1 for _ in range(n))\nprint(4*hits/n)"}`,
		}}},
		model.ScriptStep{Text: "The Monte Carlo estimate of pi is 3.1418."},
	)

	registry := tool.NewRegistry()
	registry.MustRegister(tool.NewRunCodeTool(&fakeRunner{results: []fakeRun{
		{result: &sandbox.RunResult{Stdout: "3.1418\n", ExitCode: 0}},
	}}))

	orch := NewOrchestrator(model.NewGateway(mock), registry,
		window.NewBuilder(model.NewGateway(model.NewMockModel())), store)

	userTurn := testutil.NewTurnBuilder().User().Text("estimate pi with a simulation").Build()
	_, err := store.Append(context.Background(), "work-1", &userTurn)
	require.NoError(t, err)

	emit := make(chan core.Event, 256)
	collected := make(chan []core.Event, 1)
	go func() {
		var events []core.Event
		for ev := range emit {
			events = append(events, ev)
		}
		collected <- events
	}()
	workCtx := core.NewWorkContext(context.Background(), "work-1", "run-1",
		core.Identity{Subject: "tester"}, 0, emit, logging.NoOpLogger{})

	require.NoError(t, orch.Run(workCtx, nil))
	close(emit)
	events := <-collected

	blocks := eventsOfType(events, core.EventJSONBlock)
	require.Len(t, blocks, 2)
	var result core.ResultPayload
	require.NoError(t, blocks[1].Block.DecodePayload(&result))
	assert.Contains(t, string(result.Result), "3.1418")

	var final string
	for _, ev := range eventsOfType(events, core.EventContent) {
		final += ev.Delta
	}
	assert.Contains(t, final, "3.1418")
}

func TestOrchestrator_ModelFailureEmitsError(t *testing.T) {
	h := newRunHarness(t, 0, model.ScriptStep{
		Err: &core.TransportError{Op: "complete", Retryable: false, Err: assert.AnError},
	})
	h.appendUser(t, "hello")

	err := h.orch.Run(h.workCtx, nil)
	close(h.emit)
	require.Error(t, err)

	events := <-h.collected
	require.NotEmpty(t, eventsOfType(events, core.EventError))
}
