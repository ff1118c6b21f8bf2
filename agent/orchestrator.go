package agent

import (
	"encoding/json"
	"fmt"

	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/logging"
	"github.com/scriptorium-ai/scriptorium/model"
	"github.com/scriptorium-ai/scriptorium/tool"
	"github.com/scriptorium-ai/scriptorium/transcript"
	"github.com/scriptorium-ai/scriptorium/window"
)

// DefaultInstructions is the orchestrator system prompt used when the
// configuration does not override it.
const DefaultInstructions = "You are a research writing assistant helping the user draft an " +
	"academic paper. You have tools for reading and writing files in the shared work directory, " +
	"for running code, and for delegating self-contained coding tasks to a specialist. Use tools " +
	"when they help; otherwise answer directly. Be precise about numbers and cite the files you " +
	"touched."

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// Name is the author recorded on turns this agent produces.
	Name string
	// Instructions is the system prompt.
	Instructions string
	// Logger receives run diagnostics.
	Logger logging.Logger
}

// Orchestrator drives one reasoning loop per user message: assemble window,
// call the model, execute any tool calls, feed results back, repeat until
// the model answers in prose or the turn budget runs out. Every turn it
// produces is mirrored into its local transcript copy so the next window
// build does not depend on persistence timing.
type Orchestrator struct {
	completer model.Completer
	registry  *tool.Registry
	builder   *window.Builder
	store     transcript.Store
	opts      OrchestratorOptions
	logger    logging.Logger
}

// NewOrchestrator constructs the orchestrator agent.
func NewOrchestrator(
	completer model.Completer,
	registry *tool.Registry,
	builder *window.Builder,
	store transcript.Store,
	optFns ...func(o *OrchestratorOptions),
) *Orchestrator {
	opts := OrchestratorOptions{
		Name:         "orchestrator",
		Instructions: DefaultInstructions,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Orchestrator{
		completer: completer,
		registry:  registry,
		builder:   builder,
		store:     store,
		opts:      opts,
		logger:    opts.Logger,
	}
}

// Run executes the loop for one user message. The user turn must already be
// persisted; Run loads the transcript, then emits events for everything it
// produces until the final prose answer. A nil return means the run ended
// in an orderly way (final answer, turn budget, or cancellation already
// reported as events).
func (o *Orchestrator) Run(workCtx *core.WorkContext, files core.FileService) error {
	ctx := workCtx.Context
	turns, err := o.store.List(ctx, workCtx.WorkID, 0)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}

	for {
		if err := workCtx.Turns.Increment(); err != nil {
			o.logger.Warn("turn budget exhausted", "work_id", workCtx.WorkID)
			return o.emitNotice(workCtx, "max_turns",
				"I reached the turn limit for this request. Tell me to continue if you want me to keep going.")
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		build, err := o.builder.Build(ctx, o.opts.Instructions, turns, o.registry.Definitions())
		if err != nil {
			workCtx.EmitEvent(core.NewErrorEvent("", err))
			return err
		}
		if build.Summary != nil {
			if _, err := o.store.Append(ctx, workCtx.WorkID, build.Summary); err != nil {
				workCtx.EmitEvent(core.NewErrorEvent("", err))
				return fmt.Errorf("persist summary turn: %w", err)
			}
			turns = append(turns, *build.Summary)
		}

		agentTurn, err := o.modelTurn(workCtx, build)
		if err != nil {
			return err
		}
		turns = append(turns, *agentTurn)

		calls := callsOf(agentTurn)
		if len(calls) == 0 {
			return nil
		}

		toolTurn := o.toolTurn(workCtx, files, calls)
		if toolTurn == nil {
			return workCtx.Err()
		}
		turns = append(turns, *toolTurn)
	}
}

// modelTurn streams one model completion as an agent turn and returns the
// locally mirrored turn.
func (o *Orchestrator) modelTurn(workCtx *core.WorkContext, build *window.BuildResult) (*core.Turn, error) {
	turn := core.NewTurn(core.RoleAgent, o.opts.Name)
	if err := workCtx.EmitEvent(core.NewStartEvent(turn.ID, turn.Role, turn.Author)); err != nil {
		return nil, err
	}
	if build.Overflow != nil {
		block := core.NewStatusBlock("truncated", build.Overflow.Error())
		turn.AppendBlock(block)
		if err := workCtx.EmitEvent(core.NewBlockEvent(turn.ID, block)); err != nil {
			return nil, err
		}
	}

	respCh, errCh := o.completer.Complete(workCtx.Context, build.Request)
	var final *model.Response
	var streamed int
	for resp := range respCh {
		if resp.Partial {
			if err := workCtx.EmitEvent(core.NewContentEvent(turn.ID, resp.Content.Text())); err != nil {
				return nil, err
			}
			streamed++
			continue
		}
		final = &resp
	}
	if err := <-errCh; err != nil {
		workCtx.EmitEvent(core.NewErrorEvent(turn.ID, err))
		return nil, err
	}
	if final == nil {
		err := fmt.Errorf("model produced no final response")
		workCtx.EmitEvent(core.NewErrorEvent(turn.ID, err))
		return nil, err
	}

	turn.Content = final.Content.Text()
	// A completer that never streamed produces no deltas; emit the prose
	// once so it still lands in the transcript.
	if streamed == 0 && turn.Content != "" {
		if err := workCtx.EmitEvent(core.NewContentEvent(turn.ID, turn.Content)); err != nil {
			return nil, err
		}
	}
	for _, call := range final.Content.ToolCalls() {
		if call.ID == "" {
			call.ID = core.NewID()
		}
		block := core.NewCallBlock(call.ID, call.Name, argsJSON(call.Arguments))
		turn.AppendBlock(block)
		if err := workCtx.EmitEvent(core.NewBlockEvent(turn.ID, block)); err != nil {
			return nil, err
		}
	}
	if err := workCtx.EmitEvent(core.NewCompleteEvent(turn.ID)); err != nil {
		return nil, err
	}

	if final.Usage != nil {
		o.logger.Debug("model turn finished",
			"work_id", workCtx.WorkID, "finish_reason", final.FinishReason,
			"prompt_tokens", final.Usage.PromptTokens,
			"completion_tokens", final.Usage.CompletionTokens)
	}
	return &turn, nil
}

// toolTurn executes the batch of calls and emits one tool-role turn holding
// a result or error block per invocation, in call order. Returns nil only
// when the work context is gone.
func (o *Orchestrator) toolTurn(workCtx *core.WorkContext, files core.FileService, calls []core.ToolCall) *core.Turn {
	results := o.registry.InvokeAll(workCtx, files, calls)

	turn := core.NewTurn(core.RoleTool, "tools")
	if err := workCtx.EmitEvent(core.NewStartEvent(turn.ID, turn.Role, turn.Author)); err != nil {
		return nil
	}
	for _, result := range results {
		block := resultBlock(result)
		turn.AppendBlock(block)
		if err := workCtx.EmitEvent(core.NewBlockEvent(turn.ID, block)); err != nil {
			return nil
		}
	}
	if err := workCtx.EmitEvent(core.NewCompleteEvent(turn.ID)); err != nil {
		return nil
	}
	return &turn
}

// emitNotice produces a short prose turn carrying a status block, used for
// orderly stops like the turn budget.
func (o *Orchestrator) emitNotice(workCtx *core.WorkContext, state, text string) error {
	turn := core.NewTurn(core.RoleAgent, o.opts.Name)
	if err := workCtx.EmitEvent(core.NewStartEvent(turn.ID, turn.Role, turn.Author)); err != nil {
		return err
	}
	if err := workCtx.EmitEvent(core.NewContentEvent(turn.ID, text)); err != nil {
		return err
	}
	if err := workCtx.EmitEvent(core.NewBlockEvent(turn.ID, core.NewStatusBlock(state, ""))); err != nil {
		return err
	}
	return workCtx.EmitEvent(core.NewCompleteEvent(turn.ID))
}

// callsOf reconstructs the tool calls recorded on an agent turn.
func callsOf(turn *core.Turn) []core.ToolCall {
	var calls []core.ToolCall
	for _, block := range turn.BlocksOfType(core.BlockCall) {
		var payload core.CallPayload
		if err := block.DecodePayload(&payload); err != nil {
			continue
		}
		calls = append(calls, core.ToolCall{
			ID:        payload.InvocationID,
			Name:      payload.Tool,
			Arguments: string(payload.Args),
		})
	}
	return calls
}

// resultBlock converts a tool result into the matching structured block.
// Error contents carry the tool error taxonomy when they decode as one.
func resultBlock(result core.ToolResult) core.StructuredBlock {
	if result.IsError {
		var terr core.ToolError
		if err := json.Unmarshal([]byte(result.Content), &terr); err == nil && terr.Code != "" {
			return core.NewErrorBlock(result.ID, terr.Code, terr.Message)
		}
		return core.NewErrorBlock(result.ID, "TOOL_ERROR", result.Content)
	}
	raw, err := json.Marshal(result.Content)
	if err != nil {
		raw = []byte(`""`)
	}
	return core.NewResultBlock(result.ID, result.Name, raw)
}

// argsJSON normalizes the serialized arguments of a call; anything that is
// not valid JSON is wrapped as a JSON string so the block stays parseable.
func argsJSON(arguments string) json.RawMessage {
	if arguments == "" {
		return nil
	}
	if json.Valid([]byte(arguments)) {
		return json.RawMessage(arguments)
	}
	quoted, _ := json.Marshal(arguments)
	return quoted
}
