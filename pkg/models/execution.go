package models

import "time"

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusPending     ExecutionStatus = "pending"
	StatusReady       ExecutionStatus = "ready"
	StatusStarting    ExecutionStatus = "starting"
	StatusRunning     ExecutionStatus = "running"
	StatusInterrupted ExecutionStatus = "interrupted"
	StatusCompleted   ExecutionStatus = "completed"
	StatusFailed      ExecutionStatus = "failed"
	StatusStopped     ExecutionStatus = "stopped"
	StatusMerging     ExecutionStatus = "merging"
	StatusMerged      ExecutionStatus = "merged"
)

// Valid returns true if the status is a known value.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusStarting, StatusRunning, StatusInterrupted,
		StatusCompleted, StatusFailed, StatusStopped, StatusMerging, StatusMerged:
		return true
	default:
		return false
	}
}

// transitions is the allowed-next-state table. Absent keys are terminal.
var transitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending:     {StatusReady, StatusRunning, StatusStopped, StatusFailed},
	StatusReady:       {StatusStarting, StatusStopped, StatusFailed, StatusPending},
	StatusStarting:    {StatusRunning, StatusReady, StatusFailed, StatusStopped},
	StatusRunning:     {StatusCompleted, StatusFailed, StatusStopped, StatusMerging, StatusInterrupted},
	StatusInterrupted: {StatusReady, StatusFailed},
	StatusCompleted:   {StatusMerging},
	StatusFailed:      {StatusRunning, StatusReady, StatusStopped},
	StatusStopped:     {StatusReady},
	StatusMerging:     {StatusMerged, StatusFailed},
	StatusMerged:      {},
}

// CanTransition reports whether moving from 'from' to 'to' is allowed by
// the transition table. Transitioning to the same status is never valid
// through this check; callers that want a no-op update should skip the
// status field entirely.
func CanTransition(from, to ExecutionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActivityState tracks the agent's current point of progress within an
// execution, surfaced through the Update Pipeline.
type ActivityState struct {
	CurrentStoryID string    `json:"currentStoryId,omitempty"`
	CurrentStep    string    `json:"currentStep,omitempty"`
	StepStartedAt  time.Time `json:"stepStartedAt,omitempty"`
	LogPath        string    `json:"logPath,omitempty"`
}

// LoopCounters tracks the stagnation bookkeeping for an execution.
type LoopCounters struct {
	LoopCount            int    `json:"loopCount"`
	ConsecutiveNoProgress int    `json:"consecutiveNoProgress"`
	ConsecutiveErrors    int    `json:"consecutiveErrors"`
	LastError            string `json:"lastError,omitempty"`
	LastFilesChanged     int    `json:"lastFilesChanged"`
}

// LaunchRecovery tracks launch attempt bookkeeping for the scheduler.
type LaunchRecovery struct {
	LaunchAttemptAt time.Time `json:"launchAttemptAt,omitempty"`
	LaunchAttempts  int       `json:"launchAttempts"`
}

// MergeMetadata records how and when an execution was merged.
type MergeMetadata struct {
	MergedAt        time.Time `json:"mergedAt,omitempty"`
	MergeCommitSha  string    `json:"mergeCommitSha,omitempty"`
	ReconcileReason string    `json:"reconcileReason,omitempty"`
}

// Execution is the runtime instance of a PRD: it owns a branch, an
// optional worktree, and a lifecycle governed by ExecutionStatus.
type Execution struct {
	ID          string `json:"id"`
	Project     string `json:"project"`
	Branch      string `json:"branch"`
	Description string `json:"description,omitempty"`
	PrdPath     string `json:"prdPath"`
	ProjectRoot string `json:"projectRoot"`
	WorktreePath string `json:"worktreePath,omitempty"`

	// BaseCommitSha is the branch HEAD at creation time, the "no
	// divergence" anchor used by the ghost-merge guard. Immutable after
	// creation.
	BaseCommitSha string `json:"baseCommitSha"`

	Status ExecutionStatus `json:"status"`

	AgentTaskID       string `json:"agentTaskId,omitempty"`
	ConflictStrategy  string `json:"conflictStrategy,omitempty"`
	AutoMerge         bool   `json:"autoMerge"`
	NotifyOnComplete  bool   `json:"notifyOnComplete"`

	// Dependencies holds branch-like refs from the PRD, resolved lazily
	// by the dependency resolver.
	Dependencies []string `json:"dependencies,omitempty"`

	LoopCounters
	LastProgressAt time.Time `json:"lastProgressAt,omitempty"`

	Activity ActivityState `json:"activity"`
	LaunchRecovery
	MergeMetadata

	Priority Priority `json:"priority"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep-enough copy of the execution for safe mutation
// outside the store's lock (slices are copied; nested structs are value
// types already).
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Dependencies != nil {
		cp.Dependencies = append([]string(nil), e.Dependencies...)
	}
	return &cp
}

// IsTerminal returns true if the status has no allowed next states.
func (e *Execution) IsTerminal() bool {
	return len(transitions[e.Status]) == 0
}

// IsActive returns true if the execution is not merged (the only status
// that leaves the active table permanently without reconciler action).
func (e *Execution) IsActive() bool {
	return e.Status != StatusMerged
}
