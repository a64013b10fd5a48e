package state

import (
	"sort"
	"time"

	"github.com/ralph-mcp/ralph/internal/rerr"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// ListExecutions returns a snapshot of all active executions, optionally
// filtered by project.
func (s *Store) ListExecutions(project string) ([]models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Execution
	for _, e := range s.doc.Executions {
		if project != "" && e.Project != project {
			continue
		}
		out = append(out, *e.Clone())
	}
	return out, nil
}

// FindByBranch returns the active execution with the given branch, or
// nil if none exists.
func (s *Store) FindByBranch(branch string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.doc.Executions {
		if s.doc.Executions[i].Branch == branch {
			return s.doc.Executions[i].Clone(), nil
		}
	}
	return nil, nil
}

// FindByID returns the active execution with the given id, or nil.
func (s *Store) FindByID(id string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.doc.Executions {
		if s.doc.Executions[i].ID == id {
			return s.doc.Executions[i].Clone(), nil
		}
	}
	return nil, nil
}

func findExecutionIndex(execs []models.Execution, branch string) int {
	for i := range execs {
		if execs[i].Branch == branch {
			return i
		}
	}
	return -1
}

// InsertExecution inserts a single execution. Fails if an active
// execution with the same branch already exists.
func (s *Store) InsertExecution(exec models.Execution) (*models.Execution, error) {
	var result models.Execution
	err := s.withLock(func() error {
		if findExecutionIndex(s.doc.Executions, exec.Branch) >= 0 {
			return rerr.Precondition("active execution already exists for branch %q", exec.Branch)
		}
		now := time.Now()
		if exec.CreatedAt.IsZero() {
			exec.CreatedAt = now
		}
		exec.UpdatedAt = now
		if exec.Priority == "" {
			exec.Priority = models.DefaultPriority
		}
		if exec.Status == "" {
			exec.Status = models.StatusPending
		}
		s.doc.Executions = append(s.doc.Executions, exec)
		if err := s.persistLocked(); err != nil {
			return err
		}
		result = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// InsertExecutionAtomic inserts an execution and all of its stories in a
// single write; no reader may observe the execution without its stories.
func (s *Store) InsertExecutionAtomic(exec models.Execution, stories []models.UserStory) (*models.Execution, error) {
	var result models.Execution
	err := s.withLock(func() error {
		if findExecutionIndex(s.doc.Executions, exec.Branch) >= 0 {
			return rerr.Precondition("active execution already exists for branch %q", exec.Branch)
		}
		now := time.Now()
		if exec.CreatedAt.IsZero() {
			exec.CreatedAt = now
		}
		exec.UpdatedAt = now
		if exec.Priority == "" {
			exec.Priority = models.DefaultPriority
		}
		if exec.Status == "" {
			exec.Status = models.StatusPending
		}
		s.doc.Executions = append(s.doc.Executions, exec)
		for _, st := range stories {
			st.ExecutionID = exec.ID
			s.doc.UserStories = append(s.doc.UserStories, st)
		}
		if err := s.persistLocked(); err != nil {
			return err
		}
		result = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ExecutionPatch is an explicit, statically-typed alternative to a
// dynamic partial-field bag: one optional pointer field per mutable
// attribute of Execution. SkipTransitionValidation is a privileged
// side-channel used exclusively by the reconciler.
type ExecutionPatch struct {
	Status           *models.ExecutionStatus
	WorktreePath     *string
	AgentTaskID      *string
	Activity         *models.ActivityState
	LoopCounters     *models.LoopCounters
	LastProgressAt   *time.Time
	LaunchRecovery   *models.LaunchRecovery
	MergeMetadata    *models.MergeMetadata
	Dependencies     *[]string
	Priority         *models.Priority

	SkipTransitionValidation bool
}

// UpdateExecution applies patch to the execution identified by id. If
// patch.Status is set and differs from the current status, the
// transition is validated against the table unless
// patch.SkipTransitionValidation is set.
func (s *Store) UpdateExecution(id string, patch ExecutionPatch) (*models.Execution, error) {
	var result models.Execution
	err := s.withLock(func() error {
		idx := -1
		for i := range s.doc.Executions {
			if s.doc.Executions[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return rerr.NotFoundf("execution %q not found", id)
		}
		exec := &s.doc.Executions[idx]

		if patch.Status != nil && *patch.Status != exec.Status {
			if !patch.SkipTransitionValidation && !models.CanTransition(exec.Status, *patch.Status) {
				return rerr.Precondition("invalid transition %s -> %s", exec.Status, *patch.Status)
			}
			exec.Status = *patch.Status
		}
		if patch.WorktreePath != nil {
			exec.WorktreePath = *patch.WorktreePath
		}
		if patch.AgentTaskID != nil {
			exec.AgentTaskID = *patch.AgentTaskID
		}
		if patch.Activity != nil {
			exec.Activity = *patch.Activity
		}
		if patch.LoopCounters != nil {
			exec.LoopCounters = *patch.LoopCounters
		}
		if patch.LastProgressAt != nil {
			exec.LastProgressAt = *patch.LastProgressAt
		}
		if patch.LaunchRecovery != nil {
			exec.LaunchRecovery = *patch.LaunchRecovery
		}
		if patch.MergeMetadata != nil {
			exec.MergeMetadata = *patch.MergeMetadata
		}
		if patch.Dependencies != nil {
			exec.Dependencies = *patch.Dependencies
		}
		if patch.Priority != nil {
			exec.Priority = *patch.Priority
		}
		exec.UpdatedAt = time.Now()

		if err := s.persistLocked(); err != nil {
			return err
		}
		result = *exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ClaimReadyExecution is the only way to cross into `starting`: an
// atomic compare-and-swap that requires status==ready and
// (#running+#starting) < runnerConfig.maxConcurrency in the same
// critical section as the status change.
func (s *Store) ClaimReadyExecution(branch string) (*models.Execution, error) {
	var result models.Execution
	err := s.withLock(func() error {
		idx := findExecutionIndex(s.doc.Executions, branch)
		if idx < 0 {
			return rerr.NotFoundf("execution for branch %q not found", branch)
		}
		exec := &s.doc.Executions[idx]
		if exec.Status != models.StatusReady {
			return rerr.Precondition("status is %s, expected ready", exec.Status)
		}

		maxConcurrency := models.ClampConcurrency(models.MinConcurrency)
		if s.doc.RunnerConfig != nil {
			maxConcurrency = models.ClampConcurrency(s.doc.RunnerConfig.MaxConcurrency)
		}
		inFlight := 0
		for i := range s.doc.Executions {
			switch s.doc.Executions[i].Status {
			case models.StatusRunning, models.StatusStarting:
				inFlight++
			}
		}
		if inFlight >= maxConcurrency {
			return rerr.Precondition("Global concurrency limit reached %d/%d", inFlight, maxConcurrency)
		}

		exec.Status = models.StatusStarting
		now := time.Now()
		exec.LaunchAttemptAt = now
		exec.LaunchAttempts++
		exec.UpdatedAt = now

		if err := s.persistLocked(); err != nil {
			return err
		}
		result = *exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteExecution removes the execution, its stories, and its
// merge-queue entry in one write. Used for record deletion on stop.
func (s *Store) DeleteExecution(id string) error {
	return s.withLock(func() error {
		idx := -1
		for i := range s.doc.Executions {
			if s.doc.Executions[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return rerr.NotFoundf("execution %q not found", id)
		}
		s.doc.Executions = append(s.doc.Executions[:idx], s.doc.Executions[idx+1:]...)
		s.removeStoriesForLocked(id)
		s.removeMergeQueueEntryLocked(id)
		return s.persistLocked()
	})
}

func (s *Store) removeStoriesForLocked(executionID string) {
	filtered := s.doc.UserStories[:0]
	for _, st := range s.doc.UserStories {
		if st.ExecutionID != executionID {
			filtered = append(filtered, st)
		}
	}
	s.doc.UserStories = filtered
}

func (s *Store) removeMergeQueueEntryLocked(executionID string) {
	filtered := s.doc.MergeQueue[:0]
	for _, m := range s.doc.MergeQueue {
		if m.ExecutionID != executionID {
			filtered = append(filtered, m)
		}
	}
	s.doc.MergeQueue = filtered
}

// sortByPriorityThenCreatedThenBranch implements the scheduler's
// candidate ordering: priority weight P0<P1<P2, createdAt ASC, branch ASC.
func sortByPriorityThenCreatedThenBranch(execs []models.Execution) {
	sort.SliceStable(execs, func(i, j int) bool {
		wi, wj := execs[i].Priority.Weight(), execs[j].Priority.Weight()
		if wi != wj {
			return wi < wj
		}
		if !execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].CreatedAt.Before(execs[j].CreatedAt)
		}
		return execs[i].Branch < execs[j].Branch
	})
}

// ListReady returns active executions with status=ready, optionally
// filtered by project, ordered by (priority, createdAt, branch).
func (s *Store) ListReady(project string) ([]models.Execution, error) {
	all, err := s.ListExecutions(project)
	if err != nil {
		return nil, err
	}
	var ready []models.Execution
	for _, e := range all {
		if e.Status == models.StatusReady {
			ready = append(ready, e)
		}
	}
	sortByPriorityThenCreatedThenBranch(ready)
	return ready, nil
}

// CountInFlight returns the number of executions in running or starting
// status, across all projects.
func (s *Store) CountInFlight() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.doc.Executions {
		if e.Status == models.StatusRunning || e.Status == models.StatusStarting {
			n++
		}
	}
	return n, nil
}
