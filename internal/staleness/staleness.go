// Package staleness decides whether a running execution has become a
// zombie by reducing several independent liveness signals to a single
// idle duration and comparing it against a task-type-adaptive timeout.
package staleness

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ralph-mcp/ralph/internal/git"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// TaskType is the inferred kind of work currently in progress, used to
// pick an appropriate idle timeout.
type TaskType string

const (
	TaskImplementing TaskType = "implementing"
	TaskBuilding     TaskType = "building"
	TaskTesting      TaskType = "testing"
	TaskVerifying    TaskType = "verifying"
	TaskUnknown      TaskType = "unknown"
)

// Timeouts maps each task type to its idle timeout. Ordering only
// (implementing < building < testing < verifying) is specified; exact
// values are deployment-tunable.
type Timeouts map[TaskType]time.Duration

// DefaultTimeouts follows the documented ordering: implementing gets the
// shortest leash, verifying the longest.
var DefaultTimeouts = Timeouts{
	TaskImplementing: 10 * time.Minute,
	TaskBuilding:      15 * time.Minute,
	TaskTesting:       20 * time.Minute,
	TaskVerifying:     30 * time.Minute,
	TaskUnknown:       15 * time.Minute,
}

// String returns the task type label.
func (t TaskType) String() string {
	return string(t)
}

// Lookup returns the configured timeout for kind, falling back to the
// unknown-task default whenever t has no entry for kind, including when
// t is nil or empty.
func (t Timeouts) Lookup(kind TaskType) time.Duration {
	return t.lookup(kind)
}

func (t Timeouts) lookup(kind TaskType) time.Duration {
	if d, ok := t[kind]; ok {
		return d
	}
	return DefaultTimeouts[TaskUnknown]
}

// Signals is the set of raw, independently-fetched liveness inputs. A
// zero time.Time means that signal was unavailable.
type Signals struct {
	StateUpdatedAt         time.Time
	GitHeadCommit          time.Time
	ChangedFilesMaxMtime    time.Time
	LogMtime               time.Time
}

// Verdict is the read-only result returned to the reconciler.
type Verdict struct {
	IsStale  bool
	IdleMs   int64
	TimeoutMs int64
	TaskType TaskType
	Signals  Signals
}

// maxFilesToStat bounds the changed-file mtime scan so a large diff does
// not turn a liveness check into an unbounded filesystem walk.
const maxFilesToStat = 200

// CollectSignals gathers the four liveness signals for exec. repo is nil
// when the worktree no longer exists; callers should pass a repo rooted
// at exec.WorktreePath.
func CollectSignals(exec *models.Execution, repo git.Runner) Signals {
	sig := Signals{StateUpdatedAt: exec.UpdatedAt}

	if repo == nil || exec.WorktreePath == "" {
		return sig
	}

	if t, err := repo.CommitterTime("HEAD"); err == nil {
		sig.GitHeadCommit = t
	}

	if files, err := repo.ChangedFiles(exec.BaseCommitSha); err == nil {
		sig.ChangedFilesMaxMtime = maxMtime(exec.WorktreePath, files)
	}

	if exec.Activity.LogPath != "" {
		if info, err := os.Stat(exec.Activity.LogPath); err == nil {
			sig.LogMtime = info.ModTime()
		}
	}

	return sig
}

func maxMtime(worktree string, files []string) time.Time {
	var latest time.Time
	for i, f := range files {
		if i >= maxFilesToStat {
			break
		}
		info, err := os.Stat(filepath.Join(worktree, f))
		if err != nil {
			continue
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}

// InferTaskType guesses the current task type from the activity step
// label, free-text notes, and the last recorded error.
func InferTaskType(step, notes, lastError string) TaskType {
	joined := strings.ToLower(step + " " + notes + " " + lastError)
	switch {
	case strings.Contains(joined, "verify") || strings.Contains(joined, "review"):
		return TaskVerifying
	case strings.Contains(joined, "test"):
		return TaskTesting
	case strings.Contains(joined, "build") || strings.Contains(joined, "compil"):
		return TaskBuilding
	case strings.Contains(joined, "implement") || strings.Contains(joined, "writing") || step == "":
		return TaskImplementing
	default:
		return TaskUnknown
	}
}

// Evaluate reduces sig to an aggregate liveness instant, infers the task
// type from exec's activity state, and compares the idle duration
// against timeouts. It never mutates exec.
func Evaluate(exec *models.Execution, sig Signals, timeouts Timeouts, now time.Time) Verdict {
	if timeouts == nil {
		timeouts = DefaultTimeouts
	}

	liveness := sig.StateUpdatedAt
	for _, t := range []time.Time{sig.GitHeadCommit, sig.ChangedFilesMaxMtime, sig.LogMtime} {
		if t.After(liveness) {
			liveness = t
		}
	}

	taskType := InferTaskType(exec.Activity.CurrentStep, exec.Activity.CurrentStep, exec.LastError)
	timeout := timeouts.lookup(taskType)

	var idle time.Duration
	if !liveness.IsZero() {
		idle = now.Sub(liveness)
	}

	return Verdict{
		IsStale:   idle >= timeout,
		IdleMs:    idle.Milliseconds(),
		TimeoutMs: timeout.Milliseconds(),
		TaskType:  taskType,
		Signals:   sig,
	}
}

// Watcher pushes a liveness tick whenever the activity log for a set of
// running executions is written to, so the reconciler (or a status
// long-poll) can react faster than its periodic scan interval without
// busy-polling the filesystem.
type Watcher struct {
	watcher *fsnotify.Watcher
	Events  chan string
	done    chan struct{}
}

// Watch starts watching logDirs for writes. A watch directory that does
// not exist yet (the execution hasn't produced a log) is skipped rather
// than failing the whole watcher; a caller that needs it watched should
// call Add once the directory exists.
func Watch(logDirs ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher: fw,
		Events:  make(chan string, 32),
		done:    make(chan struct{}),
	}

	for _, dir := range logDirs {
		_ = w.Add(dir)
	}

	go w.run()
	return w, nil
}

// Add registers an additional directory to watch, e.g. once an
// execution's worktree and log directory have been created.
func (w *Watcher) Add(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	return w.watcher.Add(dir)
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				select {
				case w.Events <- event.Name:
				default:
				}
			}
		case <-w.watcher.Errors:
		}
	}
}

// Close shuts down the watcher.
func (w *Watcher) Close() {
	close(w.done)
	w.watcher.Close()
}
