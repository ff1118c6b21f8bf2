package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/sandbox"
)

// CodeRunner executes source for the work a tool invocation belongs to.
// It is satisfied by a per-work binding around *sandbox.Runner.
type CodeRunner interface {
	Run(ctx context.Context, source string) (*sandbox.RunResult, error)
}

// NewFileReadTool returns the built-in file_read tool. It reads through the
// invocation's path-scoped file service, so escapes are rejected there.
func NewFileReadTool() *FunctionTool {
	return NewFunctionTool(
		"file_read",
		"Read a text file from the work directory. The path is relative to the work root.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Work-relative file path"},
			},
			"required": []string{"path"},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			files := tc.Files()
			if files == nil {
				return nil, core.NewToolError("file_read", "NO_WORKSPACE", "no file service bound to this work")
			}
			path, _ := args["path"].(string)
			data, err := files.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			return string(data), nil
		},
	)
}

// NewFileWriteTool returns the built-in file_write tool.
func NewFileWriteTool() *FunctionTool {
	return NewFunctionTool(
		"file_write",
		"Write a text file into the work directory, creating parent directories as needed.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Work-relative file path"},
				"content": map[string]any{"type": "string", "description": "Full file contents"},
			},
			"required": []string{"path", "content"},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			files := tc.Files()
			if files == nil {
				return nil, core.NewToolError("file_write", "NO_WORKSPACE", "no file service bound to this work")
			}
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if err := files.WriteFile(path, []byte(content)); err != nil {
				return nil, fmt.Errorf("write %s: %w", path, err)
			}
			return map[string]any{"path": path, "bytes": len(content)}, nil
		},
	)
}

// NewListFilesTool returns the built-in list_files tool.
func NewListFilesTool() *FunctionTool {
	return NewFunctionTool(
		"list_files",
		"List entries in a directory of the work. Pass \".\" for the work root.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dir": map[string]any{"type": "string", "description": "Work-relative directory, default \".\""},
			},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			files := tc.Files()
			if files == nil {
				return nil, core.NewToolError("list_files", "NO_WORKSPACE", "no file service bound to this work")
			}
			dir, _ := args["dir"].(string)
			if dir == "" {
				dir = "."
			}
			infos, err := files.ListFiles(dir)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", dir, err)
			}
			return infos, nil
		},
	)
}

// runCodeArgs is the argument container for run_code; its schema is derived
// by reflection.
type runCodeArgs struct {
	Source string `json:"source" description:"Complete Python source to run"`
}

// NewRunCodeTool returns the built-in run_code tool backed by the sandbox.
// Timeouts and crashes come back as tool errors with the sandbox taxonomy
// code, so the model can shorten or fix its program and try again.
func NewRunCodeTool(runner CodeRunner) *FunctionTool {
	return NewFunctionToolFromStruct(
		"run_code",
		"Execute a Python program inside the work directory and return its stdout, stderr, "+
			"exit code and any files it created or modified.",
		runCodeArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			source, _ := args["source"].(string)
			result, err := runner.Run(tc.Context(), source)
			if err != nil {
				var serr *core.SandboxError
				if errors.As(err, &serr) {
					return nil, &core.ToolError{
						Tool:    "run_code",
						Code:    serr.Code(),
						Message: serr.Error() + stderrSuffix(serr.Stderr),
						Err:     err,
					}
				}
				return nil, err
			}
			return result, nil
		},
	)
}

func stderrSuffix(stderr string) string {
	if stderr == "" {
		return ""
	}
	return "\nstderr:\n" + stderr
}
