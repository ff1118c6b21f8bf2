package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/logging"
	"github.com/scriptorium-ai/scriptorium/model"
	"github.com/scriptorium-ai/scriptorium/sandbox"
	"github.com/scriptorium-ai/scriptorium/tool"
)

// specialistInstructions is the system prompt of the delegated coder. The
// contract with the extraction step is a single fenced python block.
const specialistInstructions = "You are a coding specialist. You receive one self-contained task " +
	"and must solve it by writing a complete Python program. Respond with exactly one fenced " +
	"```python code block and nothing else. The program runs inside the work directory; read and " +
	"write files with relative paths and print the results that answer the task to stdout."

// SpecialistOptions configures a Specialist.
type SpecialistOptions struct {
	// Name is the author recorded on diagnostics.
	Name string
	// MaxAttempts bounds the write-run-fix loop. Default 4.
	MaxAttempts int
	// Logger receives attempt diagnostics.
	Logger logging.Logger
}

// Specialist is the delegated coding agent: it drafts a program for the
// task, runs it in the sandbox and iterates on failures, feeding stderr back
// to the model. Its full inner loop stays out of the orchestrator's context;
// only the distilled outcome crosses back.
type Specialist struct {
	completer model.Completer
	runner    tool.CodeRunner
	opts      SpecialistOptions
	logger    logging.Logger
}

// NewSpecialist constructs a specialist bound to one work's sandbox runner.
func NewSpecialist(completer model.Completer, runner tool.CodeRunner, optFns ...func(o *SpecialistOptions)) *Specialist {
	opts := SpecialistOptions{
		Name:        "specialist",
		MaxAttempts: 4,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Specialist{completer: completer, runner: runner, opts: opts, logger: opts.Logger}
}

// Solve runs the write-run-fix loop for one task and returns the distilled
// outcome: what ran, what it printed, which files it produced. Exhausting
// the attempt budget returns an error carrying the last failure.
func (s *Specialist) Solve(ctx context.Context, task string) (string, error) {
	contents := []core.Content{core.NewTextContent("user", "Task:\n"+task)}
	var lastFailure string

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		source, err := s.draft(ctx, contents)
		if err != nil {
			return "", fmt.Errorf("draft program: %w", err)
		}

		result, runErr := s.runner.Run(ctx, source)
		if runErr != nil {
			var serr *core.SandboxError
			if !errors.As(runErr, &serr) {
				return "", runErr
			}
			lastFailure = serr.Error()
			s.logger.Warn("specialist run failed",
				"attempt", attempt, "code", serr.Code())
			contents = appendExchange(contents, source, feedbackFor(serr, result))
			continue
		}

		if result.ExitCode == 0 {
			s.logger.Info("specialist task solved", "attempts", attempt)
			return distill(result), nil
		}

		lastFailure = fmt.Sprintf("exit code %d: %s", result.ExitCode, clipText(result.Stderr, 800))
		s.logger.Warn("specialist program exited non-zero",
			"attempt", attempt, "exit_code", result.ExitCode)
		contents = appendExchange(contents, source, fmt.Sprintf(
			"The program exited with code %d.\nstderr:\n%s\nFix the program and respond with the corrected full program.",
			result.ExitCode, clipText(result.Stderr, 2000)))
	}

	return "", fmt.Errorf("no working program after %d attempts; last failure: %s",
		s.opts.MaxAttempts, lastFailure)
}

// draft asks the model for a program and extracts its source.
func (s *Specialist) draft(ctx context.Context, contents []core.Content) (string, error) {
	req := model.Request{
		Instructions: specialistInstructions,
		Contents:     contents,
	}
	respCh, errCh := s.completer.Complete(ctx, req)
	var text string
	for resp := range respCh {
		if !resp.Partial {
			text = resp.Content.Text()
		}
	}
	if err := <-errCh; err != nil {
		return "", err
	}

	source := extractCode(text)
	if strings.TrimSpace(source) == "" {
		return "", fmt.Errorf("model response contained no code")
	}
	return source, nil
}

// feedbackFor phrases a sandbox failure for the next attempt. Timeouts get
// an explicit nudge to cut the runtime, which handles runaway loops and
// oversized simulations alike.
func feedbackFor(serr *core.SandboxError, result *sandbox.RunResult) string {
	if serr.Timeout {
		partial := ""
		if result != nil && result.Stdout != "" {
			partial = "\nPartial stdout before the kill:\n" + clipText(result.Stdout, 1000)
		}
		return "The program was killed for exceeding its time budget." + partial +
			"\nRewrite it to finish quickly: reduce iterations, avoid unbounded loops, and print results incrementally."
	}
	return "The program could not be executed: " + serr.Error() +
		"\nRespond with a corrected full program."
}

// appendExchange extends the conversation with the failed program and the
// failure feedback.
func appendExchange(contents []core.Content, source, feedback string) []core.Content {
	contents = append(contents, core.NewTextContent("assistant", "```python\n"+source+"\n```"))
	contents = append(contents, core.NewTextContent("user", feedback))
	return contents
}

// distill reduces a successful run to the few lines the orchestrator needs.
func distill(result *sandbox.RunResult) string {
	var sb strings.Builder
	sb.WriteString("Task completed.\n")
	if stdout := strings.TrimSpace(result.Stdout); stdout != "" {
		sb.WriteString("Output:\n")
		sb.WriteString(clipText(stdout, 2000))
		sb.WriteString("\n")
	}
	if len(result.Artifacts) > 0 {
		sb.WriteString("Files produced: ")
		sb.WriteString(strings.Join(result.Artifacts, ", "))
		sb.WriteString("\n")
	}
	return sb.String()
}

// extractCode pulls the source out of a fenced code block, tolerating a
// missing language tag. A response without fences is treated as bare code.
func extractCode(text string) string {
	start := strings.Index(text, "```")
	if start == -1 {
		return text
	}
	rest := text[start+3:]
	if nl := strings.Index(rest, "\n"); nl != -1 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "python" || firstLine == "py" || firstLine == "" {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end != -1 {
		return rest[:end]
	}
	return rest
}

func clipText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}

// NewDelegateTool exposes the specialist to the orchestrator as the
// delegate_coding_task tool. Failures surface as SPECIALIST_FAILED tool
// errors the orchestrator can re-plan around.
func NewDelegateTool(specialist *Specialist) *tool.FunctionTool {
	return tool.NewFunctionTool(
		"delegate_coding_task",
		"Delegate a self-contained computational task (simulation, data analysis, plotting) to a "+
			"coding specialist. Describe the task completely, including expected inputs and outputs; "+
			"the specialist works in the shared work directory and returns a distilled result.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "Complete description of the computational task",
				},
			},
			"required": []string{"task"},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			task, _ := args["task"].(string)
			outcome, err := specialist.Solve(tc.Context(), task)
			if err != nil {
				return nil, &core.ToolError{
					Tool:    "delegate_coding_task",
					Code:    "SPECIALIST_FAILED",
					Message: err.Error(),
					Err:     err,
				}
			}
			return outcome, nil
		},
	)
}
