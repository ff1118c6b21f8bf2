package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/workspace"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func testWorkspace(t *testing.T) *workspace.Service {
	t.Helper()
	ws, err := workspace.NewService(t.TempDir())
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	return ws
}

func TestRunner_Success(t *testing.T) {
	requirePython(t)
	ws := testWorkspace(t)
	runner := NewRunner()

	result, err := runner.Run(context.Background(), `print("pi is 3.14159")`, ws, "work-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code %d, stderr: %s", result.ExitCode, result.Stderr)
	}
	if !strings.Contains(result.Stdout, "pi is 3.14159") {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
}

func TestRunner_NonZeroExitIsNotAnError(t *testing.T) {
	requirePython(t)
	ws := testWorkspace(t)
	runner := NewRunner()

	result, err := runner.Run(context.Background(), `raise ValueError("bad input")`, ws, "work-1")
	if err != nil {
		t.Fatalf("non-zero exit must return a result, got error: %v", err)
	}
	if result.ExitCode == 0 {
		t.Fatal("expected non-zero exit code")
	}
	if !strings.Contains(result.Stderr, "ValueError") {
		t.Fatalf("stderr missing traceback: %q", result.Stderr)
	}
}

func TestRunner_TimeoutKillsProcess(t *testing.T) {
	requirePython(t)
	ws := testWorkspace(t)
	runner := NewRunner(func(o *Options) { o.Timeout = 200 * time.Millisecond })

	start := time.Now()
	_, err := runner.Run(context.Background(), "import time\ntime.sleep(30)\n", ws, "work-1")
	elapsed := time.Since(start)

	var serr *core.SandboxError
	if !errors.As(err, &serr) || !serr.Timeout {
		t.Fatalf("expected timeout sandbox error, got %v", err)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("process not killed promptly: %v", elapsed)
	}
}

func TestRunner_BlocksWriteOutsideWorkDir(t *testing.T) {
	requirePython(t)
	ws := testWorkspace(t)
	runner := NewRunner()
	outside := filepath.Join(t.TempDir(), "escape.txt")

	source := fmt.Sprintf("open(%q, 'w').write('escaped')\n", outside)
	result, err := runner.Run(context.Background(), source, ws, "work-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode == 0 {
		t.Fatal("escaping write must not succeed")
	}
	if !strings.Contains(result.Stderr, "PermissionError") {
		t.Fatalf("stderr missing denial: %q", result.Stderr)
	}
	if _, err := os.Stat(outside); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file escaped the work directory: stat err %v", err)
	}
}

func TestRunner_BlocksSubprocessSpawn(t *testing.T) {
	requirePython(t)
	ws := testWorkspace(t)
	runner := NewRunner()

	source := "import subprocess\nsubprocess.run(['touch', '/tmp/spawned'])\n"
	result, err := runner.Run(context.Background(), source, ws, "work-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode == 0 || !strings.Contains(result.Stderr, "PermissionError") {
		t.Fatalf("spawn not blocked: exit %d, stderr %q", result.ExitCode, result.Stderr)
	}
}

func TestRunner_ArtifactDiscovery(t *testing.T) {
	requirePython(t)
	ws := testWorkspace(t)
	runner := NewRunner()

	source := "with open('results.csv', 'w') as f:\n    f.write('x,y\\n1,2\\n')\n"
	result, err := runner.Run(context.Background(), source, ws, "work-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Artifacts) != 1 || result.Artifacts[0] != "results.csv" {
		t.Fatalf("unexpected artifacts: %v", result.Artifacts)
	}
	// the staged script itself must never appear as an artifact
	for _, a := range result.Artifacts {
		if strings.HasPrefix(a, ".runs/") {
			t.Fatalf("staged source leaked into artifacts: %s", a)
		}
	}
}

func TestRunner_OutputCap(t *testing.T) {
	requirePython(t)
	ws := testWorkspace(t)
	runner := NewRunner(func(o *Options) { o.MaxOutputBytes = 64 })

	result, err := runner.Run(context.Background(), `print("A" * 10000)`, ws, "work-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasSuffix(result.Stdout, "[output truncated]") {
		t.Fatalf("expected truncation marker, got %q", result.Stdout)
	}
	if len(result.Stdout) > 128 {
		t.Fatalf("stdout not capped: %d bytes", len(result.Stdout))
	}
}
