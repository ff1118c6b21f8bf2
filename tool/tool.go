// Package tool implements the tool registry and invoker: the catalog of
// capabilities an agent may call, schema validation of model-supplied
// arguments, per-invocation timeouts and panic isolation. Tool failures are
// recoverable data fed back into the agent's context, never session aborts.
package tool

import (
	"github.com/scriptorium-ai/scriptorium/core"
)

// Tool is one callable capability exposed to a model. Implementations must
// be safe for concurrent use; the registry may invoke them in parallel.
type Tool interface {
	// Name returns the unique identifier presented to the model
	// (snake_case recommended).
	Name() string

	// Description tells the model when and how to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the accepted arguments.
	Parameters() map[string]any

	// Call executes the tool with already-validated arguments. Returned
	// values must be JSON-serializable. Handlers honor cancellation via
	// toolCtx.Context().
	Call(toolCtx *core.ToolContext, args map[string]any) (any, error)
}
