package mergeworker

import (
	"errors"
	"testing"
	"time"

	"github.com/ralph-mcp/ralph/internal/git"
	"github.com/ralph-mcp/ralph/internal/state"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// fakeRunner implements git.Runner with configurable behavior for the
// handful of methods the merge worker actually calls; everything else
// is a harmless zero-value stub.
type fakeRunner struct {
	mergeErr     error
	hasConflicts bool
	revParseSha  string
	changedFiles []string
	changedErr   error
}

func (f *fakeRunner) CurrentBranch() (string, error)           { return "", nil }
func (f *fakeRunner) CreateBranch(name string) error           { return nil }
func (f *fakeRunner) CreateAndCheckoutBranch(name string) error { return nil }
func (f *fakeRunner) CheckoutBranch(name string) error          { return nil }
func (f *fakeRunner) BranchExists(name string) (bool, error)     { return true, nil }
func (f *fakeRunner) DeleteBranch(name string) error             { return nil }

func (f *fakeRunner) Status() (string, error)                         { return "", nil }
func (f *fakeRunner) HasChanges() (bool, error)                        { return false, nil }
func (f *fakeRunner) Diff(base string) (string, error)                 { return "", nil }
func (f *fakeRunner) DiffBetween(ref1, ref2 string) (string, error)    { return "", nil }
func (f *fakeRunner) ChangedFiles(base string) ([]string, error)       { return f.changedFiles, f.changedErr }
func (f *fakeRunner) ChangedFilesBetween(ref1, ref2 string) ([]string, error) {
	return nil, nil
}
func (f *fakeRunner) ChangedFilesRelative(branch, relativeTo string) ([]string, error) {
	return nil, nil
}
func (f *fakeRunner) ConflictedFiles() ([]string, error) { return nil, nil }
func (f *fakeRunner) NumstatRelative(branch, relativeTo string) ([]git.FileStat, error) {
	return nil, nil
}

func (f *fakeRunner) Add(paths ...string) error     { return nil }
func (f *fakeRunner) Commit(message string) error   { return nil }
func (f *fakeRunner) Reset(ref string) error         { return nil }
func (f *fakeRunner) CheckoutPath(path string) error { return nil }

func (f *fakeRunner) Merge(branch string) error                     { return nil }
func (f *fakeRunner) MergeNoFF(branch string) error                  { return nil }
func (f *fakeRunner) MergeNoFFMessage(branch, message string) error  { return f.mergeErr }
func (f *fakeRunner) MergeAbort() error                              { return nil }
func (f *fakeRunner) MergeBase(branch1, branch2 string) (string, error) {
	return "", nil
}
func (f *fakeRunner) HasConflicts() (bool, error) { return f.hasConflicts, nil }
func (f *fakeRunner) Rebase(base string) error     { return nil }
func (f *fakeRunner) RebaseAbort() error           { return nil }

func (f *fakeRunner) WorktreeAdd(path, branch string) error         { return nil }
func (f *fakeRunner) WorktreeAddNewBranch(path, branch string) error { return nil }
func (f *fakeRunner) WorktreeRemove(path string) error               { return nil }
func (f *fakeRunner) WorktreeRemoveOptionalForce(path string, force bool) error {
	return nil
}
func (f *fakeRunner) WorktreeUnlock(path string) error       { return nil }
func (f *fakeRunner) WorktreeList() ([]string, error)        { return nil, nil }
func (f *fakeRunner) WorktreeListPorcelain() (string, error) { return "", nil }
func (f *fakeRunner) WorktreePrune() error                    { return nil }
func (f *fakeRunner) WorktreePruneExpireNow() error           { return nil }

func (f *fakeRunner) PullFFOnly() error { return nil }

func (f *fakeRunner) CommitterTime(ref string) (time.Time, error) {
	return time.Time{}, errors.New("no commits")
}
func (f *fakeRunner) BranchMergedInto(branch, target string) (bool, error) {
	return false, nil
}
func (f *fakeRunner) RevParse(ref string) (string, error) { return f.revParseSha, nil }

func (f *fakeRunner) ShowFile(ref, path string) (string, error) { return "", nil }
func (f *fakeRunner) CheckoutOurs(path string) error            { return nil }
func (f *fakeRunner) CheckoutTheirs(path string) error          { return nil }

func (f *fakeRunner) Run(args ...string) (string, error) { return "", nil }

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcessNext_EmptyQueueIsNoop(t *testing.T) {
	s := newTestStore(t)
	w := New(s, &fakeRunner{})

	outcome, err := w.ProcessNext()
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if outcome.ExecutionID != "" || outcome.Success {
		t.Fatalf("expected zero outcome for empty queue, got %+v", outcome)
	}
}

func TestProcessNext_SuccessfulMergeArchivesExecution(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InsertExecution(models.Execution{
		ID: "e1", Branch: "ralph/story-1", Project: "p", Status: models.StatusMerging,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.EnqueueMerge("e1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	repo := &fakeRunner{revParseSha: "merged-sha"}
	w := New(s, repo)

	outcome, err := w.ProcessNext()
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !outcome.Success || outcome.ExecutionID != "e1" {
		t.Fatalf("expected successful merge outcome, got %+v", outcome)
	}

	exec, err := s.FindByID("e1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if exec != nil {
		t.Fatalf("expected merged execution to be archived off the live list, got %+v", exec)
	}

	queue, err := s.ListMergeQueue()
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(queue) != 0 {
		t.Fatalf("expected merge queue entry removed, got %+v", queue)
	}
}

func TestProcessNext_ConflictRollsBackAndFailsExecution(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InsertExecution(models.Execution{
		ID: "e1", Branch: "ralph/story-2", Project: "p", Status: models.StatusMerging,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.EnqueueMerge("e1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	repo := &fakeRunner{hasConflicts: true, revParseSha: "head-before-merge"}
	w := New(s, repo)

	outcome, err := w.ProcessNext()
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if outcome.Success {
		t.Fatalf("expected failed outcome for a conflicting merge, got %+v", outcome)
	}

	exec, err := s.FindByID("e1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if exec == nil || exec.Status != models.StatusFailed {
		t.Fatalf("expected execution marked failed, got %+v", exec)
	}
	if exec.MergeMetadata.ReconcileReason != "merge_conflict" {
		t.Errorf("expected merge_conflict reason, got %q", exec.MergeMetadata.ReconcileReason)
	}

	queue, err := s.ListMergeQueue()
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(queue) != 1 || queue[0].Status != models.MergeQueueFailed {
		t.Fatalf("expected queue entry marked failed, got %+v", queue)
	}
}

func TestProcessNext_MergeErrorRollsBack(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InsertExecution(models.Execution{
		ID: "e1", Branch: "ralph/story-3", Project: "p", Status: models.StatusMerging,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.EnqueueMerge("e1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	repo := &fakeRunner{mergeErr: errors.New("CONFLICT: merge failed"), revParseSha: "head-before-merge"}
	w := New(s, repo)

	outcome, err := w.ProcessNext()
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if outcome.Success {
		t.Fatalf("expected failed outcome, got %+v", outcome)
	}

	exec, err := s.FindByID("e1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if exec == nil || exec.Status != models.StatusFailed {
		t.Fatalf("expected execution marked failed, got %+v", exec)
	}
}

func TestProcessNext_MissingExecutionDrainsQueueEntry(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.EnqueueMerge("ghost"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := New(s, &fakeRunner{})

	outcome, err := w.ProcessNext()
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if outcome.Success || outcome.ExecutionID != "ghost" {
		t.Fatalf("expected a failed outcome naming the missing execution, got %+v", outcome)
	}

	queue, err := s.ListMergeQueue()
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(queue) != 0 {
		t.Fatalf("expected ghost entry removed from queue, got %+v", queue)
	}
}

func TestLogCriticalFileRisk_ChangedFilesErrorIsSwallowed(t *testing.T) {
	s := newTestStore(t)
	repo := &fakeRunner{changedErr: errors.New("no base commit")}
	w := New(s, repo)

	w.logCriticalFileRisk(&models.Execution{Branch: "ralph/story-4", BaseCommitSha: "base-sha"})
}

func TestLogCriticalFileRisk_DetectsLockFiles(t *testing.T) {
	s := newTestStore(t)
	repo := &fakeRunner{changedFiles: []string{"go.mod", "go.sum", "internal/foo.go"}}
	w := New(s, repo)

	w.logCriticalFileRisk(&models.Execution{Branch: "ralph/story-5", BaseCommitSha: "base-sha"})
}
