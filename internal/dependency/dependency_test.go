package dependency

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ralph-mcp/ralph/internal/state"
	"github.com/ralph-mcp/ralph/pkg/models"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		token, prefix, want string
	}{
		{"story-1.md", "ralph", "ralph/story-1"},
		{"tasks/story-2.json", "ralph", "ralph/story-2"},
		{"ralph/already-branch", "ralph", "ralph/already-branch"},
		{"story-3", "", "story-3"},
	}
	for _, c := range cases {
		if got := Normalize(c.token, c.prefix); got != c.want {
			t.Errorf("Normalize(%q, %q) = %q, want %q", c.token, c.prefix, got, c.want)
		}
	}
}

func TestResolve_SatisfiedByStoreStatus(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InsertExecution(models.Execution{ID: "e1", Branch: "ralph/dep-a", Project: "p", Status: models.StatusCompleted}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := New(s, "ralph")
	exec := &models.Execution{Dependencies: []string{"dep-a"}}

	res, err := r.Resolve(exec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Satisfied {
		t.Fatalf("expected satisfied, got %+v", res)
	}
	if len(res.Completed) != 1 || res.Completed[0] != "dep-a" {
		t.Errorf("expected dep-a completed, got %+v", res.Completed)
	}
}

func TestResolve_PendingWhenRunning(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InsertExecution(models.Execution{ID: "e1", Branch: "ralph/dep-a", Project: "p", Status: models.StatusRunning}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := New(s, "ralph")
	exec := &models.Execution{Dependencies: []string{"dep-a"}}

	res, err := r.Resolve(exec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Satisfied {
		t.Fatalf("expected unsatisfied while dependency still running, got %+v", res)
	}
	if len(res.Pending) != 1 || res.Pending[0] != "dep-a" {
		t.Errorf("expected dep-a pending, got %+v", res.Pending)
	}
}

func TestResolve_SatisfiedByArchivedMerge(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InsertExecution(models.Execution{ID: "e1", Branch: "ralph/dep-a", Project: "p", Status: models.StatusMerged}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.ArchiveExecution("e1"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	r := New(s, "ralph")
	exec := &models.Execution{Dependencies: []string{"dep-a"}}

	res, err := r.Resolve(exec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Satisfied {
		t.Fatalf("expected satisfied by archived merged execution, got %+v", res)
	}
}

func TestResolve_ViaPrdFrontmatterAlias(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dep-a.md")
	content := "---\nid: dep-a\nbranch: ralph/renamed-branch\naliases:\n  - legacy-name\n---\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := newTestStore(t)
	if _, err := s.InsertExecution(models.Execution{ID: "e1", Branch: "ralph/renamed-branch", Project: "p", Status: models.StatusCompleted}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := New(s, "ralph", dir)
	exec := &models.Execution{Dependencies: []string{"legacy-name"}}

	res, err := r.Resolve(exec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Satisfied {
		t.Fatalf("expected satisfied via frontmatter-resolved branch, got %+v", res)
	}
}

func TestResolve_SatisfiedByTitleDerivedBranch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dep-a.md")
	content := "---\nid: dep-a\ntitle: Add Login Flow\n---\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := newTestStore(t)
	if _, err := s.InsertExecution(models.Execution{ID: "e1", Branch: "ralph/add-login-flow", Project: "p", Status: models.StatusCompleted}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := New(s, "ralph", dir)
	exec := &models.Execution{Dependencies: []string{"dep-a"}}

	res, err := r.Resolve(exec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Satisfied {
		t.Fatalf("expected satisfied via title-derived branch, got %+v", res)
	}
}

func TestResolve_NoDependencies(t *testing.T) {
	s := newTestStore(t)
	r := New(s, "ralph")
	res, err := r.Resolve(&models.Execution{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Satisfied {
		t.Fatalf("expected satisfied with no dependencies, got %+v", res)
	}
}
