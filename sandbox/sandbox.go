// Package sandbox runs AI-generated code inside a Work's directory tree. It
// confines each run to that tree with an interpreter audit hook, enforces a
// wall-clock timeout with forced termination, serializes runs per work, caps
// captured output, and discovers artifacts by diffing workspace snapshots
// taken before and after the run. The Turn log stays authoritative:
// run results are derived data.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/logging"
	"github.com/scriptorium-ai/scriptorium/workspace"
	"golang.org/x/sync/semaphore"
)

// runsDir is where run sources are staged inside the work directory.
// Entries under it are excluded from artifact discovery.
const runsDir = ".runs"

// Options configures a Runner.
type Options struct {
	// Interpreter executes the staged source file. Default "python3".
	Interpreter string
	// Timeout is the wall-clock budget per run. Default 60s.
	Timeout time.Duration
	// MaxOutputBytes caps captured stdout and stderr each. Default 256 KiB.
	MaxOutputBytes int
	// Logger receives run diagnostics.
	Logger logging.Logger
}

// RunResult captures one sandboxed execution. Artifacts are work-relative
// paths created or modified by the run.
type RunResult struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Artifacts []string      `json:"artifacts,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Runner executes code snippets for works. Concurrent runs for the same
// work are serialized; different works run independently.
type Runner struct {
	opts   Options
	logger logging.Logger

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewRunner constructs a Runner with optional overrides.
func NewRunner(optFns ...func(o *Options)) *Runner {
	opts := Options{
		Interpreter:    "python3",
		Timeout:        60 * time.Second,
		MaxOutputBytes: 256 << 10,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Runner{opts: opts, logger: opts.Logger, locks: map[string]*semaphore.Weighted{}}
}

// workLock returns the serialization semaphore for a work, creating it on
// first use. A weighted semaphore (instead of a mutex) lets acquisition
// respect context cancellation.
func (r *Runner) workLock(workID string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[workID]
	if !ok {
		lock = semaphore.NewWeighted(1)
		r.locks[workID] = lock
	}
	return lock
}

// Run executes source inside the work's directory. On timeout the process
// is killed and a *core.SandboxError with Timeout set is returned alongside
// the partial result. A non-zero exit is a normal result, not an error:
// callers feed stderr back to the model for self-correction.
func (r *Runner) Run(ctx context.Context, source string, ws *workspace.Service, workID string) (*RunResult, error) {
	lock := r.workLock(workID)
	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire run lock for work %s: %w", workID, err)
	}
	defer lock.Release(1)

	runID := core.NewID()
	scriptRel := filepath.Join(runsDir, runID+".py")
	if err := ws.WriteFile(scriptRel, []byte(source)); err != nil {
		return nil, fmt.Errorf("stage run source: %w", err)
	}
	scriptAbs, err := ws.Resolve(scriptRel)
	if err != nil {
		return nil, err
	}
	guardRel := filepath.Join(runsDir, runID+"_guard.py")
	if err := ws.WriteFile(guardRel, []byte(guardSource)); err != nil {
		return nil, fmt.Errorf("stage run guard: %w", err)
	}
	guardAbs, err := ws.Resolve(guardRel)
	if err != nil {
		return nil, err
	}

	before, err := ws.Snapshot()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	var stdout, stderr cappedBuffer
	stdout.limit = r.opts.MaxOutputBytes
	stderr.limit = r.opts.MaxOutputBytes

	// The guard confines the run to the work directory tree; see guard.go.
	cmd := exec.CommandContext(runCtx, r.opts.Interpreter, guardAbs, ws.Root(), scriptAbs)
	cmd.Dir = ws.Root()
	cmd.Env = append(os.Environ(), "PYTHONDONTWRITEBYTECODE=1")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: duration,
	}

	if after, snapErr := ws.Snapshot(); snapErr == nil {
		result.Artifacts = filterRunFiles(workspace.DiffSnapshots(before, after))
	}

	r.logger.Info("sandbox run finished",
		"work_id", workID, "run_id", runID,
		"exit_code", result.ExitCode,
		"duration_ms", duration.Milliseconds(),
		"artifacts", len(result.Artifacts))

	if runCtx.Err() == context.DeadlineExceeded {
		return result, &core.SandboxError{WorkID: workID, Timeout: true, Stderr: result.Stderr, Err: runCtx.Err()}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// Normal non-zero exit: the caller decides what to do with it.
			return result, nil
		}
		return result, &core.SandboxError{WorkID: workID, Stderr: result.Stderr, Err: runErr}
	}

	return result, nil
}

// filterRunFiles drops staged source files from the artifact list.
func filterRunFiles(paths []string) []string {
	var out []string
	prefix := runsDir + string(filepath.Separator)
	for _, p := range paths {
		if len(p) >= len(prefix) && p[:len(prefix)] == prefix {
			continue
		}
		out = append(out, p)
	}
	return out
}

// cappedBuffer keeps at most limit bytes and silently discards the rest,
// so a runaway print loop cannot exhaust memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.truncated = true
		p = p[:remaining]
	}
	n, err := b.buf.Write(p)
	if err != nil {
		return n, err
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
