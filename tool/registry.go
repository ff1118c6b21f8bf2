package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/logging"
	"github.com/scriptorium-ai/scriptorium/model"
	"github.com/sourcegraph/conc/pool"
	"github.com/xeipuuv/gojsonschema"
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Timeout bounds each invocation. Default 30s.
	Timeout time.Duration
	// Logger receives invocation diagnostics.
	Logger logging.Logger
}

// Registry is the catalog of tools available to an agent plus the invoker
// that executes model-issued calls. Every invocation is schema-validated,
// bounded by a timeout and isolated from handler panics; whatever goes wrong
// the caller gets back a ToolResult, never a crash.
type Registry struct {
	opts   RegistryOptions
	logger logging.Logger

	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry constructs an empty Registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{
		Timeout: 30 * time.Second,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		opts:    opts,
		logger:  opts.Logger,
		tools:   map[string]Tool{},
		schemas: map[string]*gojsonschema.Schema{},
	}
}

// Register adds a tool, compiling its parameter schema eagerly so malformed
// schemas surface at startup rather than mid-session.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Parameters()))
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", name, err)
	}

	r.tools[name] = t
	r.schemas[name] = schema
	return nil
}

// MustRegister registers tools, panicking on conflict. For startup wiring.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the declarations advertised to the model.
func (r *Registry) Definitions() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]model.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Invoke executes one model-issued call and always produces a ToolResult.
// Failure modes map to error codes the model can reason about:
//
//	UNKNOWN_TOOL      call names a tool that is not registered
//	INVALID_ARGS      arguments are not JSON or fail schema validation
//	TIMEOUT           the handler exceeded the invocation budget
//	PANIC             the handler panicked (recovered, with stack logged)
//	EXECUTION_ERROR   the handler returned a non-tool error
func (r *Registry) Invoke(workCtx *core.WorkContext, files core.FileService, call core.ToolCall) core.ToolResult {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()

	if !ok {
		return errorResult(call, core.NewToolError(call.Name, "UNKNOWN_TOOL", "no such tool"))
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		return errorResult(call, core.NewToolError(call.Name, "INVALID_ARGS", err.Error()))
	}
	if verr := validateArguments(schema, args); verr != nil {
		return errorResult(call, core.NewToolError(call.Name, "INVALID_ARGS", verr.Error()))
	}

	timeout := r.opts.Timeout
	if override, ok := t.(interface{ InvocationTimeout() time.Duration }); ok {
		if d := override.InvocationTimeout(); d > 0 {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(workCtx.Context, timeout)
	defer cancel()
	toolCtx := core.NewToolContext(workCtx, call.ID, files).WithContext(ctx)

	result, err := r.safeCall(ctx, t, toolCtx, args, timeout)
	if err != nil {
		if toolErr, ok := core.AsToolError(err); ok {
			return errorResult(call, toolErr)
		}
		return errorResult(call, core.NewToolError(call.Name, "EXECUTION_ERROR", err.Error()))
	}

	content, err := marshalResult(result)
	if err != nil {
		return errorResult(call, core.NewToolError(call.Name, "EXECUTION_ERROR", err.Error()))
	}
	return core.ToolResult{ID: call.ID, Name: call.Name, Content: content}
}

// InvokeAll executes a batch of calls concurrently and returns results in
// the original call order, so result blocks line up with their call blocks.
func (r *Registry) InvokeAll(workCtx *core.WorkContext, files core.FileService, calls []core.ToolCall) []core.ToolResult {
	results := make([]core.ToolResult, len(calls))
	p := pool.New()
	for i, call := range calls {
		p.Go(func() {
			results[i] = r.Invoke(workCtx, files, call)
		})
	}
	p.Wait()
	return results
}

// safeCall runs the handler in its own goroutine so a timeout cannot wedge
// the invoker, and converts panics into PANIC tool errors.
func (r *Registry) safeCall(ctx context.Context, t Tool, toolCtx *core.ToolContext, args map[string]any, timeout time.Duration) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("tool handler panicked",
					"tool", t.Name(), "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
				done <- outcome{err: core.NewToolError(t.Name(), "PANIC", fmt.Sprintf("handler panicked: %v", rec))}
			}
		}()
		result, err := t.Call(toolCtx, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, core.NewToolError(t.Name(), "TIMEOUT",
				fmt.Sprintf("invocation exceeded %s", timeout))
		}
		return nil, ctx.Err()
	case out := <-done:
		return out.result, out.err
	}
}

func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	return args, nil
}

func validateArguments(schema *gojsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		// First violation is enough for the model to correct itself.
		return fmt.Errorf("schema violation: %s", result.Errors()[0].String())
	}
	return nil
}

// marshalResult renders a handler return value as result-block content.
// Strings pass through untouched.
func marshalResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("serialize tool result: %w", err)
		}
		return string(data), nil
	}
}

func errorResult(call core.ToolCall, terr *core.ToolError) core.ToolResult {
	payload, _ := json.Marshal(terr)
	return core.ToolResult{ID: call.ID, Name: call.Name, Content: string(payload), IsError: true}
}
