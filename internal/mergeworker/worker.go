// Package mergeworker serializes merge-queue processing: one queued
// execution's branch is merged into main at a time, guarded by a git
// checkpoint so a bad merge can be rolled back cleanly.
package mergeworker

import (
	"fmt"
	"log"
	"time"

	"github.com/ralph-mcp/ralph/internal/git"
	"github.com/ralph-mcp/ralph/internal/merge"
	"github.com/ralph-mcp/ralph/internal/state"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// Worker processes merge-queue entries one at a time against the main
// repo (not a per-execution worktree).
type Worker struct {
	store       *state.Store
	repo        git.Runner
	checkpoints *merge.CheckpointManager
	rollback    *merge.RollbackManager
}

// New builds a Worker over repo, the repository checked out at main.
func New(store *state.Store, repo git.Runner) *Worker {
	checkpoints := merge.NewCheckpointManager(repo)
	return &Worker{
		store:       store,
		repo:        repo,
		checkpoints: checkpoints,
		rollback:    merge.NewRollbackManager(repo, checkpoints),
	}
}

// Outcome is the result of processing one merge-queue entry.
type Outcome struct {
	ExecutionID string
	Success     bool
	Reason      string
}

// ProcessNext pops the lowest-position pending entry and attempts the
// merge. Returns a zero Outcome with Success=false and an empty
// ExecutionID if the queue is empty.
func (w *Worker) ProcessNext() (Outcome, error) {
	queue, err := w.store.ListMergeQueue()
	if err != nil {
		return Outcome{}, err
	}

	var next *models.MergeQueueItem
	for i := range queue {
		if queue[i].Status == models.MergeQueuePending {
			next = &queue[i]
			break
		}
	}
	if next == nil {
		return Outcome{}, nil
	}

	return w.process(*next)
}

func (w *Worker) process(item models.MergeQueueItem) (Outcome, error) {
	if _, err := w.store.UpdateMergeQueueStatus(item.ID, models.MergeQueueMerging); err != nil {
		return Outcome{}, err
	}

	exec, err := w.store.FindByID(item.ExecutionID)
	if err != nil {
		return Outcome{}, err
	}
	if exec == nil {
		_ = w.store.RemoveMergeQueueEntry(item.ID)
		return Outcome{ExecutionID: item.ExecutionID, Success: false, Reason: "execution no longer exists"}, nil
	}

	merging := models.StatusMerging
	if _, err := w.store.UpdateExecution(exec.ID, state.ExecutionPatch{Status: &merging}); err != nil {
		return Outcome{}, err
	}

	if err := w.checkpoints.CreateCheckpoint(exec.ID); err != nil {
		log.Printf("[mergeworker] checkpoint failed for %s: %v", exec.Branch, err)
	}

	w.logCriticalFileRisk(exec)

	mergeErr := w.repo.MergeNoFFMessage(exec.Branch, fmt.Sprintf("Merge %s", exec.Branch))
	if mergeErr == nil {
		if hasConflicts, _ := w.repo.HasConflicts(); hasConflicts {
			mergeErr = fmt.Errorf("merge produced conflicts")
		}
	}

	if mergeErr != nil {
		_ = w.checkpoints.MarkBad(exec.ID)
		if _, err := w.rollback.Rollback(exec.ID); err != nil {
			log.Printf("[mergeworker] rollback failed for %s: %v", exec.Branch, err)
		}
		if _, err := w.store.UpdateMergeQueueStatus(item.ID, models.MergeQueueFailed); err != nil {
			return Outcome{}, err
		}
		failed := models.StatusFailed
		if _, err := w.store.UpdateExecution(exec.ID, state.ExecutionPatch{
			Status:        &failed,
			MergeMetadata: &models.MergeMetadata{ReconcileReason: "merge_conflict"},
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{ExecutionID: exec.ID, Success: false, Reason: mergeErr.Error()}, nil
	}

	_ = w.checkpoints.MarkGood(exec.ID)
	head, _ := w.repo.RevParse("HEAD")

	merged := models.StatusMerged
	if _, err := w.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status:        &merged,
		MergeMetadata: &models.MergeMetadata{MergedAt: time.Now(), MergeCommitSha: head, ReconcileReason: "merge_queue"},
	}); err != nil {
		return Outcome{}, err
	}
	if _, err := w.store.UpdateMergeQueueStatus(item.ID, models.MergeQueueCompleted); err != nil {
		return Outcome{}, err
	}
	if err := w.store.ArchiveExecution(exec.ID); err != nil {
		log.Printf("[mergeworker] archive failed for %s: %v", exec.Branch, err)
	}

	return Outcome{ExecutionID: exec.ID, Success: true, Reason: "merged"}, nil
}

// logCriticalFileRisk flags package-manager and lock files in the
// branch's diff before attempting the merge, so an operator watching
// logs sees which merges are likely to need manual attention.
func (w *Worker) logCriticalFileRisk(exec *models.Execution) {
	changed, err := w.repo.ChangedFiles(exec.BaseCommitSha)
	if err != nil {
		return
	}
	mergeable, regenerate := merge.CategorizeCriticalFiles(changed)
	if len(mergeable) > 0 {
		log.Printf("[mergeworker] %s touches critical files: %v", exec.Branch, mergeable)
	}
	for _, f := range regenerate {
		log.Printf("[mergeworker] %s touches lock file %s, regenerate with %q after merge", exec.Branch, f, merge.GetLockFileCommand(f))
	}
}
