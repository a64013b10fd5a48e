// Package merge provides the merge queue worker's git checkpoint and
// rollback machinery, used to make a queued merge attempt safely
// reversible.
package merge

import (
	"fmt"
	"sync"
	"time"

	"github.com/ralph-mcp/ralph/internal/git"
)

// CheckpointStatus represents the status of a checkpoint.
type CheckpointStatus int

const (
	// CheckpointGood indicates a successful merge at this checkpoint.
	CheckpointGood CheckpointStatus = iota
	// CheckpointBad indicates a failed merge at this checkpoint.
	CheckpointBad
	// CheckpointUnknown indicates the checkpoint status is not yet determined.
	CheckpointUnknown
)

// Checkpoint represents a git tag marking the main branch's tip right
// before a queued execution's branch was merged into it.
type Checkpoint struct {
	ExecutionID string
	CommitSHA   string
	TagName     string
	CreatedAt   time.Time
	Status      CheckpointStatus
}

// CheckpointManager creates a lightweight git tag before each merge
// attempt, tracks its status, and supports rolling back to the last
// known-good tag.
type CheckpointManager struct {
	repo        git.Runner
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint // executionID -> Checkpoint
}

// NewCheckpointManager creates a checkpoint manager for the given repo.
func NewCheckpointManager(repo git.Runner) *CheckpointManager {
	return &CheckpointManager{
		repo:        repo,
		checkpoints: make(map[string]*Checkpoint),
	}
}

// CreateCheckpoint tags the current HEAD of the target branch before
// attempting to merge executionID's branch into it.
func (cm *CheckpointManager) CreateCheckpoint(executionID string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	commitSHA, err := cm.repo.Run("rev-parse", "HEAD")
	if err != nil {
		return fmt.Errorf("get HEAD sha: %w", err)
	}

	tagName := fmt.Sprintf("ralph-checkpoint-%s", executionID)
	if _, err := cm.repo.Run("tag", "-f", tagName, commitSHA); err != nil {
		return fmt.Errorf("create checkpoint tag: %w", err)
	}

	cm.checkpoints[executionID] = &Checkpoint{
		ExecutionID: executionID,
		CommitSHA:   commitSHA,
		TagName:     tagName,
		CreatedAt:   time.Now(),
		Status:      CheckpointUnknown,
	}
	return nil
}

// MarkGood marks a checkpoint as successful after merge completes.
func (cm *CheckpointManager) MarkGood(executionID string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cp, ok := cm.checkpoints[executionID]
	if !ok {
		return fmt.Errorf("checkpoint not found for execution %s", executionID)
	}
	cp.Status = CheckpointGood
	return nil
}

// MarkBad marks a checkpoint as failed after merge fails.
func (cm *CheckpointManager) MarkBad(executionID string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cp, ok := cm.checkpoints[executionID]
	if !ok {
		return fmt.Errorf("checkpoint not found for execution %s", executionID)
	}
	cp.Status = CheckpointBad
	return nil
}

// GetCheckpoint retrieves a checkpoint by execution id.
func (cm *CheckpointManager) GetCheckpoint(executionID string) (*Checkpoint, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cp, ok := cm.checkpoints[executionID]
	if !ok {
		return nil, fmt.Errorf("checkpoint not found for execution %s", executionID)
	}
	out := *cp
	return &out, nil
}

// GetLastGoodCheckpoint returns the most recent good checkpoint, or nil.
func (cm *CheckpointManager) GetLastGoodCheckpoint() *Checkpoint {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	var lastGood *Checkpoint
	for _, cp := range cm.checkpoints {
		if cp.Status == CheckpointGood && (lastGood == nil || cp.CreatedAt.After(lastGood.CreatedAt)) {
			lastGood = cp
		}
	}
	if lastGood == nil {
		return nil
	}
	out := *lastGood
	return &out
}

// DeleteCheckpoint removes a specific checkpoint tag.
func (cm *CheckpointManager) DeleteCheckpoint(executionID string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cp, ok := cm.checkpoints[executionID]
	if !ok {
		return fmt.Errorf("checkpoint not found for execution %s", executionID)
	}
	if _, err := cm.repo.Run("tag", "-d", cp.TagName); err != nil {
		return fmt.Errorf("delete checkpoint tag: %w", err)
	}
	delete(cm.checkpoints, executionID)
	return nil
}

// String returns a human-readable status string.
func (s CheckpointStatus) String() string {
	switch s {
	case CheckpointGood:
		return "good"
	case CheckpointBad:
		return "bad"
	default:
		return "unknown"
	}
}
