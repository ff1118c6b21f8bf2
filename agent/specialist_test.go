package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/model"
	"github.com/scriptorium-ai/scriptorium/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner scripts sandbox outcomes per attempt and records sources.
type fakeRunner struct {
	results []fakeRun
	sources []string
}

type fakeRun struct {
	result *sandbox.RunResult
	err    error
}

func (r *fakeRunner) Run(ctx context.Context, source string) (*sandbox.RunResult, error) {
	r.sources = append(r.sources, source)
	if len(r.results) == 0 {
		return nil, errors.New("fake runner script exhausted")
	}
	next := r.results[0]
	r.results = r.results[1:]
	return next.result, next.err
}

func fenced(source string) string {
	return "```python\n" + source + "\n```"
}

func TestSpecialist_SolvesFirstAttempt(t *testing.T) {
	mock := model.NewMockModel(model.ScriptStep{Text: fenced(`print("pi ~= 3.1416")`)})
	runner := &fakeRunner{results: []fakeRun{
		{result: &sandbox.RunResult{Stdout: "pi ~= 3.1416\n", ExitCode: 0, Artifacts: []string{"pi.csv"}}},
	}}
	specialist := NewSpecialist(model.NewGateway(mock), runner)

	outcome, err := specialist.Solve(context.Background(), "Estimate pi with a Monte Carlo simulation")
	require.NoError(t, err)
	assert.Contains(t, outcome, "pi ~= 3.1416")
	assert.Contains(t, outcome, "pi.csv")
	assert.Equal(t, 1, mock.Calls())
	require.Len(t, runner.sources, 1)
	assert.Equal(t, `print("pi ~= 3.1416")`, runner.sources[0])
}

func TestSpecialist_RetriesOnNonZeroExit(t *testing.T) {
	mock := model.NewMockModel(
		model.ScriptStep{Text: fenced(`print(resutls)`)},
		model.ScriptStep{Text: fenced(`print("fixed")`)},
	)
	runner := &fakeRunner{results: []fakeRun{
		{result: &sandbox.RunResult{Stderr: "NameError: name 'resutls' is not defined", ExitCode: 1}},
		{result: &sandbox.RunResult{Stdout: "fixed\n", ExitCode: 0}},
	}}
	specialist := NewSpecialist(model.NewGateway(mock), runner)

	outcome, err := specialist.Solve(context.Background(), "print the results")
	require.NoError(t, err)
	assert.Contains(t, outcome, "fixed")
	require.Equal(t, 2, mock.Calls())

	// the second draft must see the traceback from the first run
	retry := mock.Requests[1]
	var sawStderr bool
	for _, content := range retry.Contents {
		if strings.Contains(content.Text(), "NameError") {
			sawStderr = true
		}
	}
	assert.True(t, sawStderr, "stderr not fed back to the model")
}

func TestSpecialist_TimeoutFeedback(t *testing.T) {
	mock := model.NewMockModel(
		model.ScriptStep{Text: fenced("while True: pass")},
		model.ScriptStep{Text: fenced(`print("quick")`)},
	)
	runner := &fakeRunner{results: []fakeRun{
		{
			result: &sandbox.RunResult{Stdout: "progress 1%\n"},
			err:    &core.SandboxError{WorkID: "work-1", Timeout: true, Err: context.DeadlineExceeded},
		},
		{result: &sandbox.RunResult{Stdout: "quick\n", ExitCode: 0}},
	}}
	specialist := NewSpecialist(model.NewGateway(mock), runner)

	_, err := specialist.Solve(context.Background(), "run the big simulation")
	require.NoError(t, err)

	retry := mock.Requests[1]
	var feedback string
	for _, content := range retry.Contents {
		feedback += content.Text() + "\n"
	}
	assert.Contains(t, feedback, "time budget")
	assert.Contains(t, feedback, "progress 1%", "partial stdout before the kill should be included")
}

func TestSpecialist_ExhaustsAttempts(t *testing.T) {
	mock := model.NewMockModel(
		model.ScriptStep{Text: fenced("broken")},
		model.ScriptStep{Text: fenced("still broken")},
	)
	runner := &fakeRunner{results: []fakeRun{
		{result: &sandbox.RunResult{Stderr: "SyntaxError", ExitCode: 1}},
		{result: &sandbox.RunResult{Stderr: "SyntaxError", ExitCode: 1}},
	}}
	specialist := NewSpecialist(model.NewGateway(mock), runner,
		func(o *SpecialistOptions) { o.MaxAttempts = 2 })

	_, err := specialist.Solve(context.Background(), "impossible task")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Contains(t, err.Error(), "SyntaxError")
}

func TestSpecialist_ResponseWithoutCode(t *testing.T) {
	mock := model.NewMockModel(model.ScriptStep{Text: "   "})
	specialist := NewSpecialist(model.NewGateway(mock), &fakeRunner{})

	_, err := specialist.Solve(context.Background(), "task")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no code")
}

func TestExtractCode(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"tagged fence", "```python\nprint(1)\n```", "print(1)\n"},
		{"short tag", "```py\nprint(1)\n```", "print(1)\n"},
		{"bare fence", "```\nprint(1)\n```", "print(1)\n"},
		{"prose around fence", "Here you go:\n```python\nprint(1)\n```\nHope it helps.", "print(1)\n"},
		{"no fence at all", "print(1)", "print(1)"},
		{"unterminated fence", "```python\nprint(1)", "print(1)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractCode(tc.in))
		})
	}
}

func TestDelegateTool_SurfacesSpecialistFailure(t *testing.T) {
	mock := model.NewMockModel(model.ScriptStep{Text: fenced("broken")})
	runner := &fakeRunner{results: []fakeRun{
		{result: &sandbox.RunResult{Stderr: "boom", ExitCode: 1}},
	}}
	specialist := NewSpecialist(model.NewGateway(mock), runner,
		func(o *SpecialistOptions) { o.MaxAttempts = 1 })

	delegate := NewDelegateTool(specialist)
	assert.Equal(t, "delegate_coding_task", delegate.Name())

	tc := testToolContext(t)
	_, err := delegate.Call(tc, map[string]any{"task": "do the thing"})
	require.Error(t, err)
	var terr *core.ToolError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "SPECIALIST_FAILED", terr.Code)
	assert.Contains(t, fmt.Sprint(terr), "boom")
}
