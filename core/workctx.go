package core

import (
	"context"

	"github.com/scriptorium-ai/scriptorium/logging"
)

// Identity is a work-authorized principal resolved from an opaque token
// before the orchestrator starts.
type Identity struct {
	Subject string `json:"subject"`
	Name    string `json:"name,omitempty"`
}

// FileService is the path-scoped workspace collaborator rooted at a Work's
// directory. Implementations must reject any path escaping the root.
type FileService interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	ListFiles(dir string) ([]FileInfo, error)
	Root() string
}

// FileInfo describes one workspace entry with a work-relative path.
type FileInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Dir  bool   `json:"dir,omitempty"`
}

// WorkContext carries the mutable, per-invocation execution scope threaded
// through every call: the ambient cancellation context, identifiers, the
// resolved identity, the event emission channel, the turn budget and the
// logger. There are no process-wide session globals.
type WorkContext struct {
	Context  context.Context
	WorkID   string
	RunID    string
	Identity Identity
	Emit     chan<- Event
	Turns    *TurnLimiter

	*loggerAdapter
}

// NewWorkContext constructs a WorkContext for one orchestrator invocation.
func NewWorkContext(
	ctx context.Context,
	workID, runID string,
	identity Identity,
	maxTurns int,
	emit chan<- Event,
	logger logging.Logger,
) *WorkContext {
	return &WorkContext{
		Context:       ctx,
		WorkID:        workID,
		RunID:         runID,
		Identity:      identity,
		Emit:          emit,
		Turns:         NewTurnLimiter(maxTurns),
		loggerAdapter: newLoggerAdapter(logger),
	}
}

// Done returns a channel closed when the underlying context is cancelled.
func (wc *WorkContext) Done() <-chan struct{} { return wc.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (wc *WorkContext) Err() error { return wc.Context.Err() }

// EmitEvent sends an event, honoring cancellation.
func (wc *WorkContext) EmitEvent(ev Event) error {
	select {
	case <-wc.Context.Done():
		return wc.Context.Err()
	case wc.Emit <- ev:
		return nil
	}
}
