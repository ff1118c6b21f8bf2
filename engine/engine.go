// Package engine wires the collaborators into the session surface: it owns
// work lifecycle, authorizes callers, enforces the one-turn-in-flight rule
// per work, and drives the orchestrator run behind the stream manager.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/scriptorium-ai/scriptorium/agent"
	"github.com/scriptorium-ai/scriptorium/auth"
	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/logging"
	"github.com/scriptorium-ai/scriptorium/model"
	"github.com/scriptorium-ai/scriptorium/sandbox"
	"github.com/scriptorium-ai/scriptorium/stream"
	"github.com/scriptorium-ai/scriptorium/tool"
	"github.com/scriptorium-ai/scriptorium/transcript"
	"github.com/scriptorium-ai/scriptorium/window"
	"github.com/scriptorium-ai/scriptorium/workspace"
)

// Options configures an Engine.
type Options struct {
	// MaxTurns bounds the orchestrator loop per user message. Default 12.
	MaxTurns int
	// ToolTimeout is the default per-invocation budget in seconds.
	// Default 30.
	ToolTimeout int
	// DelegateTimeout bounds the delegate_coding_task loop, in seconds.
	// Default 600.
	DelegateTimeout int
	// WindowBudget is the context token budget. Default 8000.
	WindowBudget int
	// KeepRecent is the number of recent turns never summarized away.
	// Default 8.
	KeepRecent int
	// Instructions overrides the orchestrator system prompt.
	Instructions string
	// Logger receives engine diagnostics.
	Logger logging.Logger
}

// TitleListener is notified when a work receives its derived title.
type TitleListener func(workID, title string)

// workState is the per-work runtime the engine keeps between messages.
type workState struct {
	identity core.Identity
	files    *workspace.Service
	orch     *agent.Orchestrator

	mu       sync.Mutex
	inFlight bool
	cancel   context.CancelFunc
	titled   bool
}

// Engine is the session facade. It implements stream.SessionAPI.
type Engine struct {
	store     transcript.Store
	manager   *stream.Manager
	completer model.Completer
	runner    *sandbox.Runner
	resolver  auth.TokenResolver
	worksDir  string
	opts      Options
	logger    logging.Logger

	mu      sync.Mutex
	works   map[string]*workState
	onTitle TitleListener
}

// New constructs an Engine over its collaborators. worksDir is the parent
// of per-work directories.
func New(
	store transcript.Store,
	manager *stream.Manager,
	completer model.Completer,
	runner *sandbox.Runner,
	resolver auth.TokenResolver,
	worksDir string,
	optFns ...func(o *Options),
) *Engine {
	opts := Options{
		MaxTurns:        12,
		ToolTimeout:     30,
		DelegateTimeout: 600,
		WindowBudget:    8000,
		KeepRecent:      8,
		Instructions:    agent.DefaultInstructions,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{
		store:     store,
		manager:   manager,
		completer: completer,
		runner:    runner,
		resolver:  resolver,
		worksDir:  worksDir,
		opts:      opts,
		logger:    opts.Logger,
		works:     map[string]*workState{},
	}
}

// SetTitleListener registers the callback invoked when a work is titled
// from its first user message.
func (e *Engine) SetTitleListener(fn TitleListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTitle = fn
}

// CreateWork authorizes the token and registers a fresh work with its own
// directory and empty transcript.
func (e *Engine) CreateWork(ctx context.Context, token string) (*transcript.Work, error) {
	identity, err := e.resolver.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	work := transcript.Work{ID: core.NewID()}
	if err := e.store.CreateWork(ctx, work); err != nil {
		return nil, err
	}
	if _, err := e.openState(work.ID, identity); err != nil {
		return nil, err
	}

	e.logger.Info("work created", "work_id", work.ID, "subject", identity.Subject)
	return &work, nil
}

// Open authorizes the token against an existing work and prepares its
// runtime state. Implements stream.SessionAPI.
func (e *Engine) Open(ctx context.Context, token, workID string) error {
	identity, err := e.resolver.Resolve(ctx, token)
	if err != nil {
		return err
	}
	if _, err := e.store.GetWork(ctx, workID); err != nil {
		return err
	}
	_, err = e.openState(workID, identity)
	return err
}

// openState returns the runtime state for a work, building the per-work
// collaborator graph (workspace, sandbox binding, tools, orchestrator) on
// first open.
func (e *Engine) openState(workID string, identity core.Identity) (*workState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if state, ok := e.works[workID]; ok {
		return state, nil
	}

	files, err := workspace.NewService(filepath.Join(e.worksDir, workID))
	if err != nil {
		return nil, fmt.Errorf("open workspace for %s: %w", workID, err)
	}

	runner := &boundRunner{runner: e.runner, files: files, workID: workID}
	specialist := agent.NewSpecialist(e.completer, runner, func(o *agent.SpecialistOptions) {
		o.Logger = e.logger
	})

	registry := tool.NewRegistry(func(o *tool.RegistryOptions) {
		o.Timeout = secs(e.opts.ToolTimeout)
		o.Logger = e.logger
	})
	registry.MustRegister(
		tool.NewFileReadTool(),
		tool.NewFileWriteTool(),
		tool.NewListFilesTool(),
		tool.NewRunCodeTool(runner),
		agent.NewDelegateTool(specialist).WithTimeout(secs(e.opts.DelegateTimeout)),
	)

	builder := window.NewBuilder(e.completer, func(o *window.Options) {
		o.Budget = e.opts.WindowBudget
		o.KeepRecent = e.opts.KeepRecent
		o.Logger = e.logger
	})

	orch := agent.NewOrchestrator(e.completer, registry, builder, e.store,
		func(o *agent.OrchestratorOptions) {
			o.Instructions = e.opts.Instructions
			o.Logger = e.logger
		})

	state := &workState{identity: identity, files: files, orch: orch}
	e.works[workID] = state
	return state, nil
}

// SendUserMessage persists the user turn and starts the orchestrator run
// for it. A work accepts one message at a time: while a run is in flight
// further messages fail fast with core.ErrTurnInFlight. The run itself is
// detached from the caller's context; disconnecting does not abort it.
func (e *Engine) SendUserMessage(ctx context.Context, workID, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty message")
	}

	e.mu.Lock()
	state, ok := e.works[workID]
	e.mu.Unlock()
	if !ok {
		return &core.SessionError{Reason: "work not open"}
	}

	state.mu.Lock()
	if state.inFlight {
		state.mu.Unlock()
		return core.ErrTurnInFlight
	}
	runCtx, cancel := context.WithCancel(context.Background())
	state.inFlight = true
	state.cancel = cancel
	state.mu.Unlock()

	release := func() {
		state.mu.Lock()
		state.inFlight = false
		state.cancel = nil
		state.mu.Unlock()
		cancel()
	}

	// The user turn is persisted and broadcast before the run starts, so
	// the orchestrator's transcript load always includes it.
	if err := e.emitUserTurn(ctx, workID, text); err != nil {
		release()
		return err
	}
	e.maybeTitle(ctx, state, workID, text)

	runID := core.NewID()
	emit := make(chan core.Event, 128)
	workCtx := core.NewWorkContext(runCtx, workID, runID, state.identity,
		e.opts.MaxTurns, emit, e.logger)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		// Background context: the pump drains everything the agent managed
		// to emit even when the run is cancelled mid-turn.
		if err := e.manager.Pump(context.Background(), workID, emit); err != nil {
			e.logger.Error("stream pump failed", "work_id", workID, "error", err.Error())
		}
	}()

	go func() {
		defer release()
		err := state.orch.Run(workCtx, state.files)
		close(emit)
		<-pumpDone

		if runCtx.Err() != nil {
			if ferr := e.manager.Freeze(context.Background(), workID, "cancelled by user"); ferr != nil {
				e.logger.Error("freeze after cancel failed", "work_id", workID, "error", ferr.Error())
			}
			e.logger.Info("run cancelled", "work_id", workID, "run_id", runID)
			return
		}
		if err != nil {
			e.logger.Error("run failed", "work_id", workID, "run_id", runID, "error", err.Error())
			return
		}
		e.logger.Info("run finished", "work_id", workID, "run_id", runID)
	}()

	return nil
}

// Cancel aborts the in-flight run for a work. Cancelling an idle work is a
// no-op.
func (e *Engine) Cancel(workID string) error {
	e.mu.Lock()
	state, ok := e.works[workID]
	e.mu.Unlock()
	if !ok {
		return &core.SessionError{Reason: "work not open"}
	}

	state.mu.Lock()
	cancel := state.cancel
	state.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// GetHistory returns persisted turns with Seq > fromSeq.
func (e *Engine) GetHistory(ctx context.Context, workID string, fromSeq uint64) ([]core.Turn, error) {
	return e.store.List(ctx, workID, fromSeq)
}

// ListWorks returns all known works.
func (e *Engine) ListWorks(ctx context.Context) ([]transcript.Work, error) {
	return e.store.ListWorks(ctx)
}

// DeleteWork removes a work, refusing while a run is in flight.
func (e *Engine) DeleteWork(ctx context.Context, workID string) error {
	e.mu.Lock()
	state, ok := e.works[workID]
	e.mu.Unlock()
	if ok {
		state.mu.Lock()
		busy := state.inFlight
		state.mu.Unlock()
		if busy {
			return core.ErrTurnInFlight
		}
	}
	if err := e.store.DeleteWork(ctx, workID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.works, workID)
	e.mu.Unlock()
	return nil
}

// emitUserTurn routes the user's message through the stream manager so it
// is durable and visible to subscribers before the run begins.
func (e *Engine) emitUserTurn(ctx context.Context, workID, text string) error {
	turn := core.NewUserTurn(text)
	events := make(chan core.Event, 3)
	events <- core.NewStartEvent(turn.ID, turn.Role, turn.Author)
	events <- core.NewContentEvent(turn.ID, text)
	events <- core.NewCompleteEvent(turn.ID)
	close(events)
	return e.manager.Pump(ctx, workID, events)
}

// maybeTitle derives the work title from its first user message.
func (e *Engine) maybeTitle(ctx context.Context, state *workState, workID, text string) {
	state.mu.Lock()
	titled := state.titled
	state.mu.Unlock()
	if titled {
		return
	}

	// The in-memory flag does not survive a restart; a stored title wins.
	if work, err := e.store.GetWork(ctx, workID); err == nil && work.Title != "" {
		state.mu.Lock()
		state.titled = true
		state.mu.Unlock()
		return
	}

	state.mu.Lock()
	state.titled = true
	state.mu.Unlock()

	title := strings.TrimSpace(text)
	if len(title) > 80 {
		title = title[:80]
	}
	if err := e.store.SetTitle(ctx, workID, title); err != nil {
		e.logger.Warn("set title failed", "work_id", workID, "error", err.Error())
		return
	}

	e.mu.Lock()
	onTitle := e.onTitle
	e.mu.Unlock()
	if onTitle != nil {
		onTitle(workID, title)
	}
}

// boundRunner binds the shared sandbox runner to one work's directory,
// satisfying tool.CodeRunner.
type boundRunner struct {
	runner *sandbox.Runner
	files  *workspace.Service
	workID string
}

func (b *boundRunner) Run(ctx context.Context, source string) (*sandbox.RunResult, error) {
	return b.runner.Run(ctx, source, b.files, b.workID)
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
