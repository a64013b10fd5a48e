package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ralph-mcp/ralph/internal/rerr"
	"github.com/ralph-mcp/ralph/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_DefersDocumentUntilFirstWrite(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(dir, documentFileName)); !os.IsNotExist(err) {
		t.Fatalf("state.json should not exist until first write")
	}
}

func TestInsertExecution_RejectsDuplicateBranch(t *testing.T) {
	s := newTestStore(t)
	exec := models.Execution{ID: "e1", Branch: "ralph/a", Project: "p"}
	if _, err := s.InsertExecution(exec); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := s.InsertExecution(models.Execution{ID: "e2", Branch: "ralph/a", Project: "p"})
	if err == nil {
		t.Fatal("expected error for duplicate branch")
	}
	if cat, ok := rerr.CategoryOf(err); !ok || cat != rerr.PreconditionFailed {
		t.Fatalf("expected PreconditionFailed, got %v", err)
	}
}

func TestClaimReadyExecution_ExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InsertExecution(models.Execution{
		ID: "e1", Branch: "ralph/atomic", Project: "p", Status: models.StatusReady,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.SetMaxConcurrency(5, ""); err != nil {
		t.Fatalf("set concurrency: %v", err)
	}

	const attempts = 5
	var wg sync.WaitGroup
	successes := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ClaimReadyExecution("ralph/atomic")
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	won := 0
	for _, ok := range successes {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly 1 successful claim, got %d", won)
	}

	exec, err := s.FindByBranch("ralph/atomic")
	if err != nil || exec == nil {
		t.Fatalf("FindByBranch: %v", err)
	}
	if exec.Status != models.StatusStarting {
		t.Fatalf("status = %s, want starting", exec.Status)
	}
	if exec.LaunchAttempts != 1 {
		t.Fatalf("launchAttempts = %d, want 1", exec.LaunchAttempts)
	}
}

func TestClaimReadyExecution_GlobalCap(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.SetMaxConcurrency(1, ""); err != nil {
		t.Fatalf("set concurrency: %v", err)
	}
	if _, err := s.InsertExecution(models.Execution{
		ID: "running", Branch: "ralph/r", Project: "p", Status: models.StatusRunning,
	}); err != nil {
		t.Fatalf("insert running: %v", err)
	}
	if _, err := s.InsertExecution(models.Execution{
		ID: "ready", Branch: "ralph/b", Project: "p", Status: models.StatusReady,
	}); err != nil {
		t.Fatalf("insert ready: %v", err)
	}

	_, err := s.ClaimReadyExecution("ralph/b")
	if err == nil {
		t.Fatal("expected claim to fail under the concurrency cap")
	}
	want := "Global concurrency limit reached 1/1"
	if err.Error() == "" || !contains(err.Error(), want) {
		t.Fatalf("error = %v, want to contain %q", err, want)
	}

	exec, _ := s.FindByBranch("ralph/b")
	if exec.Status != models.StatusReady {
		t.Fatalf("status = %s, want ready", exec.Status)
	}
	if exec.LaunchAttempts != 0 {
		t.Fatalf("launchAttempts = %d, want 0", exec.LaunchAttempts)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestUpdateExecution_InvalidTransitionRejected(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InsertExecution(models.Execution{
		ID: "e1", Branch: "ralph/a", Project: "p", Status: models.StatusMerged,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	running := models.StatusRunning
	_, err := s.UpdateExecution("e1", ExecutionPatch{Status: &running})
	if err == nil {
		t.Fatal("expected invalid-transition error from merged")
	}
}

func TestUpdateExecution_SkipTransitionValidation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InsertExecution(models.Execution{
		ID: "e1", Branch: "ralph/a", Project: "p", Status: models.StatusRunning,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	merged := models.StatusMerged
	_, err := s.UpdateExecution("e1", ExecutionPatch{Status: &merged, SkipTransitionValidation: true})
	if err != nil {
		t.Fatalf("privileged transition should succeed: %v", err)
	}
}

func TestArchiveExecution_EnforcesRetentionCap(t *testing.T) {
	s := newTestStore(t)
	s.SetMaxArchived(2)
	for i := 0; i < 3; i++ {
		branch := "ralph/" + string(rune('a'+i))
		if _, err := s.InsertExecution(models.Execution{
			ID: branch, Branch: branch, Project: "p", Status: models.StatusMerged,
		}); err != nil {
			t.Fatalf("insert %s: %v", branch, err)
		}
		if err := s.ArchiveExecution(branch); err != nil {
			t.Fatalf("archive %s: %v", branch, err)
		}
	}
	archived, err := s.ListArchivedExecutions(0)
	if err != nil {
		t.Fatalf("list archived: %v", err)
	}
	if len(archived) != 2 {
		t.Fatalf("len(archived) = %d, want 2", len(archived))
	}
}

func TestRestoreArchivedExecutionByBranch_PrefersFailed(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InsertExecution(models.Execution{
		ID: "stopped1", Branch: "ralph/x", Project: "p", Status: models.StatusStopped,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.ArchiveExecution("stopped1"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := s.InsertExecution(models.Execution{
		ID: "failed1", Branch: "ralph/x", Project: "p", Status: models.StatusFailed,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.ArchiveExecution("failed1"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	restored, err := s.RestoreArchivedExecutionByBranch("ralph/x")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored == nil || restored.ID != "failed1" {
		t.Fatalf("restored = %+v, want failed1", restored)
	}
}

func TestEnqueueMerge_PositionIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	a, err := s.EnqueueMerge("e1")
	if err != nil {
		t.Fatalf("enqueue e1: %v", err)
	}
	b, err := s.EnqueueMerge("e2")
	if err != nil {
		t.Fatalf("enqueue e2: %v", err)
	}
	if b.Position <= a.Position {
		t.Fatalf("position not monotonic: a=%d b=%d", a.Position, b.Position)
	}
	if b.ID <= a.ID {
		t.Fatalf("id not monotonic: a=%d b=%d", a.ID, b.ID)
	}
}
