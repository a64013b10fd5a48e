package rpc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralph-mcp/ralph/internal/git"
	"github.com/ralph-mcp/ralph/internal/launcher"
	"github.com/ralph-mcp/ralph/internal/mergeworker"
	"github.com/ralph-mcp/ralph/internal/prd"
	"github.com/ralph-mcp/ralph/internal/scheduler"
	"github.com/ralph-mcp/ralph/internal/staleness"
	"github.com/ralph-mcp/ralph/internal/state"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// fakeRunner implements git.Runner with configurable behavior for the
// handful of methods Start and the pipeline actually call; everything
// else is a harmless zero-value stub.
type fakeRunner struct {
	headSha string
}

func (f *fakeRunner) CurrentBranch() (string, error)            { return "", nil }
func (f *fakeRunner) CreateBranch(name string) error            { return nil }
func (f *fakeRunner) CreateAndCheckoutBranch(name string) error { return nil }
func (f *fakeRunner) CheckoutBranch(name string) error          { return nil }
func (f *fakeRunner) BranchExists(name string) (bool, error)    { return true, nil }
func (f *fakeRunner) DeleteBranch(name string) error            { return nil }

func (f *fakeRunner) Status() (string, error)                      { return "", nil }
func (f *fakeRunner) HasChanges() (bool, error)                     { return false, nil }
func (f *fakeRunner) Diff(base string) (string, error)              { return "", nil }
func (f *fakeRunner) DiffBetween(ref1, ref2 string) (string, error) { return "", nil }
func (f *fakeRunner) ChangedFiles(base string) ([]string, error)    { return nil, nil }
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
func (f *fakeRunner) MergeNoFFMessage(branch, message string) error  { return nil }
func (f *fakeRunner) MergeAbort() error                              { return nil }
func (f *fakeRunner) MergeBase(branch1, branch2 string) (string, error) {
	return "", nil
}
func (f *fakeRunner) HasConflicts() (bool, error) { return false, nil }
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
func (f *fakeRunner) RevParse(ref string) (string, error) { return f.headSha, nil }

func (f *fakeRunner) ShowFile(ref, path string) (string, error) { return "", nil }
func (f *fakeRunner) CheckoutOurs(path string) error            { return nil }
func (f *fakeRunner) CheckoutTheirs(path string) error          { return nil }

func (f *fakeRunner) Run(args ...string) (string, error) { return "", nil }

type fakeLauncher struct {
	result launcher.LaunchResult
	err    error
}

func (f *fakeLauncher) Launch(prompt, cwd, executionID string) (launcher.LaunchResult, error) {
	return f.result, f.err
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestServer(t *testing.T, s *state.Store) *Server {
	t.Helper()
	repo := &fakeRunner{headSha: "base-sha"}
	repos := func(string) git.Runner { return repo }
	sched := scheduler.New(s, &fakeLauncher{result: launcher.LaunchResult{Success: true, AgentTaskID: "t1", LogPath: "/tmp/a.log"}}, nil, 0, 0, 3)
	mw := mergeworker.New(s, repo)
	return New(s, repos, sched, mw, staleness.DefaultTimeouts, "ralph")
}

func writePrd(t *testing.T, dir, name, branch string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := "---\nid: " + name + "\nbranch: " + branch + "\nslug: demo\n---\n\nbody\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write prd: %v", err)
	}
	return path
}

func TestStart_CreatesReadyExecution(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)
	prdPath := writePrd(t, t.TempDir(), "story-1.md", "ralph/story-1")

	res, err := srv.Start(StartRequest{PrdPath: prdPath, ProjectRoot: "/repo", Worktree: "/repo-wt"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Branch != "ralph/story-1" || res.ExecutionID == "" {
		t.Fatalf("unexpected start result: %+v", res)
	}

	exec, err := s.FindByID(res.ExecutionID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if exec.Status != models.StatusReady {
		t.Fatalf("expected ready status, got %s", exec.Status)
	}
}

func TestStart_WiresParsedUserStories(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)
	prdPath := writePrd(t, t.TempDir(), "story-2.md", "ralph/story-2")

	res, err := srv.Start(StartRequest{
		PrdPath: prdPath, ProjectRoot: "/repo", Worktree: "/repo-wt",
		UserStories: []prd.ParsedUserStory{
			{Title: "first", AcceptanceCriteria: []string{"does a thing"}},
			{ID: "US-CUSTOM", Title: "second"},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(res.Stories) != 2 {
		t.Fatalf("expected 2 stories wired through, got %+v", res.Stories)
	}
	if res.Stories[0].StoryID != "US-001" || res.Stories[0].Title != "first" {
		t.Fatalf("expected generated story id for first story, got %+v", res.Stories[0])
	}
	if res.Stories[1].StoryID != "US-CUSTOM" || res.Stories[1].Title != "second" {
		t.Fatalf("expected caller-supplied story id preserved, got %+v", res.Stories[1])
	}

	exec, err := s.FindByID(res.ExecutionID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if exec.Status != models.StatusReady {
		t.Fatalf("expected ready status, got %s", exec.Status)
	}
}

func TestStart_MissingBranchIsRejected(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)
	dir := t.TempDir()
	path := filepath.Join(dir, "no-branch.md")
	if err := os.WriteFile(path, []byte("---\nid: no-branch\n---\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := srv.Start(StartRequest{PrdPath: path, ProjectRoot: "/repo"}); err == nil {
		t.Fatal("expected an error for a PRD with no branch declared")
	}
}

func TestStatus_SummarizesAndSuggestsRetry(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)
	if _, err := s.InsertExecution(models.Execution{ID: "e1", Branch: "ralph/a", Project: "p", Status: models.StatusFailed}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertExecution(models.Execution{ID: "e2", Branch: "ralph/b", Project: "p", Status: models.StatusRunning}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := srv.Status(StatusRequest{Project: "p"})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if res.Summary.Total != 2 {
		t.Fatalf("expected 2 executions, got %+v", res.Summary)
	}
	found := false
	for _, sug := range res.Suggestions {
		if sug == "retry(ralph/a)" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a retry suggestion for the failed execution, got %v", res.Suggestions)
	}
}

func TestStatus_WaitForChangeReturnsOnTimeoutWithoutWatcher(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)

	start := time.Now()
	if _, err := srv.Status(StatusRequest{Project: "p", WaitForChange: 20 * time.Millisecond}); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("expected Status to return promptly with no watcher installed")
	}
}

func TestStop_ArchivesWhenRequested(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)
	if _, err := s.InsertExecution(models.Execution{ID: "e1", Branch: "ralph/a", Project: "p", Status: models.StatusRunning}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := srv.Stop(StopRequest{Branch: "ralph/a", DeleteRecord: true}); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	exec, err := s.FindByID("e1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if exec != nil {
		t.Fatalf("expected execution archived off the live list, got %+v", exec)
	}
}

func TestMerge_EnqueueByBranch(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)
	if _, err := s.InsertExecution(models.Execution{ID: "e1", Branch: "ralph/a", Project: "p", Status: models.StatusCompleted}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := srv.Merge(MergeRequest{Action: "enqueue", Branch: "ralph/a"})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Enqueued == nil || res.Enqueued.ExecutionID != "e1" {
		t.Fatalf("expected enqueued entry for e1, got %+v", res.Enqueued)
	}
}

func TestMerge_UnknownActionRejected(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)
	if _, err := srv.Merge(MergeRequest{Action: "bogus"}); err == nil {
		t.Fatal("expected error for an unknown merge action")
	}
}

func TestShutdown_RefusesWithRunningExecutions(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)
	if _, err := s.InsertExecution(models.Execution{ID: "e1", Branch: "ralph/a", Project: "p", Status: models.StatusRunning}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := srv.Shutdown(ShutdownRequest{}); err == nil {
		t.Fatal("expected shutdown to refuse while an execution is running")
	}
}

func TestTick_ReconcilesAndClaims(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)
	if _, err := s.InsertExecution(models.Execution{ID: "e1", Branch: "ralph/a", Project: "p", Status: models.StatusReady}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.SetMaxConcurrency(5, ""); err != nil {
		t.Fatalf("set concurrency: %v", err)
	}

	_, claims, err := srv.Tick("p")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(claims) != 1 || !claims[0].Claimed {
		t.Fatalf("expected one claimed execution, got %+v", claims)
	}
}
