package tool

import (
	"time"

	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/internal/util"
)

// FunctionTool adapts a plain Go function into a Tool.
//
// It carries a JSON schema for the arguments and normalizes failures so
// callers always receive *core.ToolError: errors returned by the wrapped
// function keep their code when they already are tool errors, everything
// else becomes EXECUTION_ERROR. A FunctionTool has no mutable state after
// construction and is safe for concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	timeout     time.Duration
	fn          func(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from an explicit schema and
// handler function.
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(toolCtx *core.ToolContext, args map[string]any) (any, error),
) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct via
// reflection. Convenient for simple argument containers.
//
// Example:
//
//	type SumArgs struct {
//	  A float64 `json:"a" description:"First addend"`
//	  B float64 `json:"b" description:"Second addend"`
//	}
//
//	sumTool := NewFunctionToolFromStruct(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  SumArgs{},
//	  func(tc *core.ToolContext, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(toolCtx *core.ToolContext, args map[string]any) (any, error),
) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

// Name returns the unique tool name used in call declarations and routing.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// WithTimeout overrides the registry's default invocation budget for this
// tool. Returns the tool for chaining at registration.
func (t *FunctionTool) WithTimeout(d time.Duration) *FunctionTool {
	t.timeout = d
	return t
}

// InvocationTimeout reports the per-tool budget override, zero for none.
func (t *FunctionTool) InvocationTimeout() time.Duration { return t.timeout }

// Call invokes the wrapped function, normalizing errors to *core.ToolError.
func (t *FunctionTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	logger := toolCtx.Logger()
	start := time.Now()

	logger.Debug("tool.call.start", "tool", t.name, "invocation_id", toolCtx.InvocationID())

	result, err := t.fn(toolCtx, args)
	if err != nil {
		if toolErr, ok := core.AsToolError(err); ok {
			logger.Error("tool.call.error", "tool", t.name, "code", toolErr.Code, "error", toolErr.Message)
			return nil, toolErr
		}
		logger.Error("tool.call.error", "tool", t.name, "error", err.Error())
		return nil, &core.ToolError{
			Tool:    t.name,
			Code:    "EXECUTION_ERROR",
			Message: err.Error(),
			Err:     err,
		}
	}

	logger.Info("tool.call.success", "tool", t.name, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}
