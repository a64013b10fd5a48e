package merge

import (
	"fmt"

	"github.com/ralph-mcp/ralph/internal/git"
)

// RollbackManager resets the target branch back to a checkpoint after a
// queued merge fails partway through.
type RollbackManager struct {
	repo        git.Runner
	checkpoints *CheckpointManager
}

// NewRollbackManager creates a rollback manager over the given repo and
// checkpoint manager.
func NewRollbackManager(repo git.Runner, checkpoints *CheckpointManager) *RollbackManager {
	return &RollbackManager{repo: repo, checkpoints: checkpoints}
}

// RollbackResult contains the result of a rollback operation.
type RollbackResult struct {
	Success        bool
	PreviousCommit string
	NewCommit      string
	Checkpoint     *Checkpoint
}

// Rollback resets the target branch to executionID's checkpoint with a
// hard reset, discarding the partially-applied merge.
func (rm *RollbackManager) Rollback(executionID string) (*RollbackResult, error) {
	previousCommit, err := rm.repo.Run("rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("get current commit: %w", err)
	}

	checkpoint, err := rm.checkpoints.GetCheckpoint(executionID)
	if err != nil {
		return nil, err
	}

	if _, err := rm.repo.Run("reset", "--hard", checkpoint.CommitSHA); err != nil {
		return nil, fmt.Errorf("git reset: %w", err)
	}
	_ = rm.repo.MergeAbort() // best-effort, no-op if no merge is in progress

	newCommit, err := rm.repo.Run("rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("get new commit: %w", err)
	}

	return &RollbackResult{
		Success:        true,
		PreviousCommit: previousCommit,
		NewCommit:      newCommit,
		Checkpoint:     checkpoint,
	}, nil
}
