package core

import (
	"context"

	"github.com/scriptorium-ai/scriptorium/logging"
)

// ToolContext provides a constrained, auditable surface for tool handlers
// invoked on behalf of an agent. It scopes the handler to one invocation id
// and one work's file service; handlers never see the orchestrator's window
// or emit channel directly.
type ToolContext struct {
	workCtx      *WorkContext
	invocationID string
	files        FileService

	*loggerAdapter
}

// NewToolContext constructs a tool context bound to a parent WorkContext and
// unique invocation id.
func NewToolContext(workCtx *WorkContext, invocationID string, files FileService) *ToolContext {
	return &ToolContext{
		workCtx:       workCtx,
		invocationID:  invocationID,
		files:         files,
		loggerAdapter: newLoggerAdapter(workCtx.Logger()),
	}
}

// Context returns the cancellation context of the invocation.
func (tc *ToolContext) Context() context.Context { return tc.workCtx.Context }

// WorkID returns the owning work id.
func (tc *ToolContext) WorkID() string { return tc.workCtx.WorkID }

// RunID returns the orchestrator run id.
func (tc *ToolContext) RunID() string { return tc.workCtx.RunID }

// InvocationID returns the tool invocation id; exactly one result is
// recorded against it.
func (tc *ToolContext) InvocationID() string { return tc.invocationID }

// Identity returns the work-authorized principal driving this run.
func (tc *ToolContext) Identity() Identity { return tc.workCtx.Identity }

// Files returns the path-scoped workspace service, or nil when the tool has
// no filesystem access.
func (tc *ToolContext) Files() FileService { return tc.files }

// Logger returns the invocation logger.
func (tc *ToolContext) Logger() logging.Logger { return tc.loggerAdapter.Logger() }

// WithContext returns a shallow copy bound to a derived context. Used by the
// registry to apply per-invocation timeouts without mutating the parent.
func (tc *ToolContext) WithContext(ctx context.Context) *ToolContext {
	child := *tc
	wc := *tc.workCtx
	wc.Context = ctx
	child.workCtx = &wc
	return &child
}
