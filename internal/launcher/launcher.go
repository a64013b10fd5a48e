// Package launcher defines the agent-launcher collaborator contract and
// a concrete subprocess-based implementation. The core only depends on
// the Launcher interface; spawning, streaming, and interpreting an
// agent's own output is this package's concern, not the scheduler's.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// LaunchResult is returned by Launch: on success the core stores
// AgentTaskID and LogPath; on failure it inspects Error.
type LaunchResult struct {
	Success     bool
	AgentTaskID string
	LogPath     string
	Error       string
}

// Launcher starts an external agent process against a working
// directory and returns immediately; the process is detached and the
// core never waits on it synchronously.
type Launcher interface {
	Launch(prompt, cwd, executionID string) (LaunchResult, error)
}

// PromptFor builds the launch prompt for an execution. The PRD body
// itself is produced by the PRD parser collaborator; this only frames
// it with the execution's identity so the agent's first turn knows
// which branch and worktree it is operating in.
func PromptFor(exec *models.Execution) string {
	return fmt.Sprintf(
		"You are working execution %s on branch %s.\nPRD: %s\nWorking directory: %s\nReport progress through the update RPC, one user story at a time.",
		exec.ID, exec.Branch, exec.PrdPath, exec.WorktreePath,
	)
}

// SubprocessLauncher launches a named CLI command (e.g. "claude") as a
// detached child process, piping its combined output to a per-execution
// log file under logDir.
type SubprocessLauncher struct {
	Command string
	Args    []string
	LogDir  string
}

// NewSubprocessLauncher builds a launcher that runs command with args
// appended before the prompt, logging to logDir.
func NewSubprocessLauncher(command, logDir string, args ...string) *SubprocessLauncher {
	return &SubprocessLauncher{Command: command, Args: args, LogDir: logDir}
}

// Launch starts the subprocess detached from the caller's lifetime: it
// does not wait for exit, matching the spec's "fire-and-forget,
// progress reported back through updates" launcher contract.
func (l *SubprocessLauncher) Launch(prompt, cwd, executionID string) (LaunchResult, error) {
	if err := os.MkdirAll(l.LogDir, 0o755); err != nil {
		return LaunchResult{}, fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(l.LogDir, fmt.Sprintf("%s-%d.log", executionID, time.Now().UnixNano()))
	logFile, err := os.Create(logPath)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("create log file: %w", err)
	}

	args := append(append([]string{}, l.Args...), prompt)
	cmd := exec.Command(l.Command, args...)
	cmd.Dir = cwd
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return LaunchResult{Success: false, Error: err.Error()}, nil
	}

	taskID := uuid.NewString()
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()

	return LaunchResult{Success: true, AgentTaskID: taskID, LogPath: logPath}, nil
}
