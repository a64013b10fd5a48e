// Package reconciler periodically aligns the state store's recorded
// execution status with what git actually shows, and classifies
// apparently-running executions that have gone silent.
package reconciler

import (
	"log"
	"os"
	"time"

	"github.com/ralph-mcp/ralph/internal/git"
	"github.com/ralph-mcp/ralph/internal/prd"
	"github.com/ralph-mcp/ralph/internal/staleness"
	"github.com/ralph-mcp/ralph/internal/state"
	"github.com/ralph-mcp/ralph/pkg/models"
)

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Action is one observability entry describing what the reconciler did
// (or chose not to do) for a single execution.
type Action struct {
	Branch         string
	PreviousStatus models.ExecutionStatus
	Action         string
	Reason         string
}

// RepoFactory opens a git.Runner rooted at a project root, so the
// reconciler can query branch state without a worktree, and a second
// rooted at a worktree when one exists.
type RepoFactory func(root string) git.Runner

// Reconciler wires the state store, a git runner factory, and the
// staleness detector's timeouts together.
type Reconciler struct {
	store    *state.Store
	repos    RepoFactory
	timeouts staleness.Timeouts
}

// New builds a Reconciler. timeouts may be nil to use staleness defaults.
func New(store *state.Store, repos RepoFactory, timeouts staleness.Timeouts) *Reconciler {
	return &Reconciler{store: store, repos: repos, timeouts: timeouts}
}

// Run walks every non-terminal active execution for project (all
// projects if empty) and reconciles it against git reality. A failure
// reconciling one execution is recorded as a skipped action; it never
// aborts the whole cycle.
func (rc *Reconciler) Run(project string) []Action {
	execs, err := rc.store.ListExecutions(project)
	if err != nil {
		return []Action{{Action: "skipped", Reason: "list executions: " + err.Error()}}
	}

	var actions []Action
	for _, exec := range execs {
		if exec.IsTerminal() {
			continue
		}
		actions = append(actions, rc.reconcileOne(exec)...)
	}
	return actions
}

func (rc *Reconciler) reconcileOne(exec models.Execution) []Action {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[reconciler] recovered panic reconciling %s: %v", exec.Branch, r)
		}
	}()

	repo := rc.repos(exec.ProjectRoot)

	if a, handled := rc.reconcilePrdMergeSha(exec, repo); handled {
		return []Action{a}
	}
	if a, handled := rc.reconcileBranchMerged(exec, repo); handled {
		return []Action{a}
	}
	if exec.Status == models.StatusStopped {
		return nil
	}
	if a, handled := rc.reconcileBranchDeleted(exec, repo); handled {
		return []Action{a}
	}
	if a, handled := rc.reconcileWorktreeMissing(exec); handled {
		return []Action{a}
	}
	if exec.Status == models.StatusRunning {
		if a, handled := rc.reconcileZombie(exec, repo); handled {
			return []Action{a}
		}
	}
	return nil
}

func (rc *Reconciler) reconcilePrdMergeSha(exec models.Execution, repo git.Runner) (Action, bool) {
	if exec.PrdPath == "" {
		return Action{}, false
	}
	fm, err := prd.ReadFrontmatter(exec.PrdPath)
	if err != nil || fm.MergeSha == "" {
		return Action{}, false
	}

	baseIsAncestor, err := repo.BranchMergedInto(exec.BaseCommitSha, fm.MergeSha)
	if err != nil || !baseIsAncestor {
		return Action{}, false
	}
	mergeIsAncestor, err := rc.mergedIntoMain(repo, fm.MergeSha)
	if err != nil || !mergeIsAncestor {
		return Action{}, false
	}

	if exec.WorktreePath != "" {
		_ = repo.WorktreeRemoveOptionalForce(exec.WorktreePath, true)
	}

	mergedAt := fm.ExecutedAt
	if mergedAt.IsZero() {
		mergedAt = time.Now()
	}
	completed := models.StatusMerged
	if _, err := rc.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status:                   &completed,
		MergeMetadata:            &models.MergeMetadata{MergedAt: mergedAt, MergeCommitSha: fm.MergeSha, ReconcileReason: "branch_merged"},
		SkipTransitionValidation: true,
	}); err != nil {
		log.Printf("[reconciler] update %s to merged: %v", exec.Branch, err)
		return Action{}, false
	}
	_ = rc.store.ArchiveExecution(exec.ID)

	return Action{Branch: exec.Branch, PreviousStatus: exec.Status, Action: "archived", Reason: "branch_merged"}, true
}

func (rc *Reconciler) reconcileBranchMerged(exec models.Execution, repo git.Runner) (Action, bool) {
	merged, err := rc.mergedIntoMain(repo, exec.Branch)
	if err != nil || !merged {
		return Action{}, false
	}

	head, err := repo.RevParse(exec.Branch)
	if err != nil {
		return Action{}, false
	}
	if head == exec.BaseCommitSha {
		// Ghost merge: a brand-new branch has not diverged from its base
		// and git already reports it as "merged" trivially.
		return Action{}, false
	}

	mergedStatus := models.StatusMerged
	if _, err := rc.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status:                   &mergedStatus,
		MergeMetadata:            &models.MergeMetadata{MergedAt: time.Now(), MergeCommitSha: head, ReconcileReason: "branch_merged"},
		SkipTransitionValidation: true,
	}); err != nil {
		return Action{}, false
	}
	_ = rc.store.ArchiveExecution(exec.ID)
	return Action{Branch: exec.Branch, PreviousStatus: exec.Status, Action: "archived", Reason: "branch_merged"}, true
}

func (rc *Reconciler) mergedIntoMain(repo git.Runner, branch string) (bool, error) {
	merged, err := repo.BranchMergedInto(branch, "origin/main")
	if err != nil {
		return repo.BranchMergedInto(branch, "main")
	}
	return merged, nil
}

func (rc *Reconciler) reconcileBranchDeleted(exec models.Execution, repo git.Runner) (Action, bool) {
	exists, err := repo.BranchExists(exec.Branch)
	if err != nil || exists {
		return Action{}, false
	}

	if exec.WorktreePath != "" {
		_ = repo.WorktreeRemoveOptionalForce(exec.WorktreePath, true)
	}
	failed := models.StatusFailed
	noPath := ""
	if _, err := rc.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status:                   &failed,
		WorktreePath:             &noPath,
		MergeMetadata:            &models.MergeMetadata{ReconcileReason: "branch_deleted"},
		SkipTransitionValidation: true,
	}); err != nil {
		return Action{}, false
	}
	_ = rc.store.ArchiveExecution(exec.ID)
	return Action{Branch: exec.Branch, PreviousStatus: exec.Status, Action: "archived", Reason: "branch_deleted"}, true
}

func (rc *Reconciler) reconcileWorktreeMissing(exec models.Execution) (Action, bool) {
	if exec.Status != models.StatusRunning || exec.WorktreePath == "" {
		return Action{}, false
	}
	if pathExists(exec.WorktreePath) {
		return Action{}, false
	}

	failed := models.StatusFailed
	noPath := ""
	if _, err := rc.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status:                   &failed,
		WorktreePath:             &noPath,
		MergeMetadata:            &models.MergeMetadata{ReconcileReason: "worktree_missing"},
		SkipTransitionValidation: true,
	}); err != nil {
		return Action{}, false
	}
	_ = rc.store.ArchiveExecution(exec.ID)
	return Action{Branch: exec.Branch, PreviousStatus: exec.Status, Action: "archived", Reason: "worktree_missing"}, true
}

func (rc *Reconciler) reconcileZombie(exec models.Execution, repo git.Runner) (Action, bool) {
	var worktreeRepo git.Runner
	if exec.WorktreePath != "" && pathExists(exec.WorktreePath) {
		worktreeRepo = rc.repos(exec.WorktreePath)
	}

	sig := staleness.CollectSignals(&exec, worktreeRepo)
	verdict := staleness.Evaluate(&exec, sig, rc.timeouts, time.Now())
	if !verdict.IsStale {
		return Action{}, false
	}

	allPass, err := rc.store.AllStoriesPass(exec.ID)
	if err != nil {
		return Action{}, false
	}

	if allPass {
		completed := models.StatusCompleted
		if _, err := rc.store.UpdateExecution(exec.ID, state.ExecutionPatch{Status: &completed, SkipTransitionValidation: true}); err != nil {
			return Action{}, false
		}
		return Action{Branch: exec.Branch, PreviousStatus: exec.Status, Action: "completed", Reason: "zombie_all_stories_pass"}, true
	}

	interrupted := models.StatusInterrupted
	reason := "no liveness signal for " + verdict.TaskType.String() + " task beyond its timeout"
	if _, err := rc.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status:                   &interrupted,
		MergeMetadata:            &models.MergeMetadata{ReconcileReason: reason},
		SkipTransitionValidation: true,
	}); err != nil {
		return Action{}, false
	}
	return Action{Branch: exec.Branch, PreviousStatus: exec.Status, Action: "interrupted", Reason: reason}, true
}
