package launcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ralph-mcp/ralph/pkg/models"
)

func TestPromptFor(t *testing.T) {
	exec := &models.Execution{
		ID: "e1", Branch: "ralph/story-1", PrdPath: "/prds/story-1.md", WorktreePath: "/work/story-1",
	}
	prompt := PromptFor(exec)
	for _, want := range []string{"e1", "ralph/story-1", "/prds/story-1.md", "/work/story-1"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q: %s", want, prompt)
		}
	}
}

func TestSubprocessLauncher_Launch(t *testing.T) {
	logDir := t.TempDir()
	l := NewSubprocessLauncher("true", logDir)

	result, err := l.Launch("do the thing", t.TempDir(), "exec-1")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.AgentTaskID == "" {
		t.Error("expected a non-empty AgentTaskID")
	}
	if _, err := os.Stat(result.LogPath); err != nil {
		t.Errorf("expected log file to exist: %v", err)
	}
	if filepath.Dir(result.LogPath) != logDir {
		t.Errorf("log path %q not under log dir %q", result.LogPath, logDir)
	}
}

func TestSubprocessLauncher_Launch_CommandNotFound(t *testing.T) {
	l := NewSubprocessLauncher("definitely-not-a-real-binary-xyz", t.TempDir())
	result, err := l.Launch("prompt", t.TempDir(), "exec-1")
	if err != nil {
		t.Fatalf("Launch should report failure via result, not error: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure for missing binary, got %+v", result)
	}
	if result.Error == "" {
		t.Error("expected a non-empty Error message")
	}
}

func TestSubprocessLauncher_CreatesLogDir(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "nested", "logs")
	l := NewSubprocessLauncher("true", logDir)
	if _, err := l.Launch("prompt", t.TempDir(), "exec-1"); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if _, err := os.Stat(logDir); err != nil {
		t.Errorf("expected log dir to be created: %v", err)
	}

	// Give the detached process a moment to finish and close its log.
	time.Sleep(50 * time.Millisecond)
}
