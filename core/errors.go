package core

import (
	"errors"
	"fmt"
)

// ErrTurnInFlight is returned when a second message arrives for a work whose
// previous turn has not resolved yet. Callers own the retry policy.
var ErrTurnInFlight = errors.New("turn already in flight for this work")

// TransportError wraps an upstream model provider failure. Retryable marks
// issues worth a bounded backoff retry (timeouts, 5xx, rate limits);
// everything else (auth, malformed request) is fatal.
type TransportError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("transport error (%s) during %s: %v", kind, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a TransportError marked retryable.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}

// ToolError represents a handler-reported failure. It is recoverable via
// re-planning: the orchestrator converts it into an error block fed back
// into context rather than aborting the session.
type ToolError struct {
	Tool    string `json:"tool"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// NewToolError creates a ToolError with the given categorization code.
func NewToolError(tool, code, message string) *ToolError {
	return &ToolError{Tool: tool, Code: code, Message: message}
}

// AsToolError unwraps err into a *ToolError if possible.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	ok := errors.As(err, &te)
	return te, ok
}

// SandboxError reports that a sandboxed execution exceeded its budget or
// crashed. It is a diagnostic block, not session-fatal.
type SandboxError struct {
	WorkID  string
	Timeout bool
	Stderr  string
	Err     error
}

func (e *SandboxError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("sandbox timeout for work %s", e.WorkID)
	}
	return fmt.Sprintf("sandbox fault for work %s: %v", e.WorkID, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// Code returns the taxonomy code for error blocks.
func (e *SandboxError) Code() string {
	if e.Timeout {
		return "SANDBOX_TIMEOUT"
	}
	return "SANDBOX_FAULT"
}

// ContextOverflowError reports that the window budget could not be met even
// after summarization; the window was hard-truncated and a warning block
// attached. The session continues.
type ContextOverflowError struct {
	Budget int
	Needed int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context window overflow: need ~%d tokens, budget %d", e.Needed, e.Budget)
}

// SessionError reports an auth/authorization failure. It is fatal and
// pre-empts any model call.
type SessionError struct {
	Reason string
}

func (e *SessionError) Error() string { return fmt.Sprintf("session error: %s", e.Reason) }
