package state

import (
	"sort"

	"github.com/ralph-mcp/ralph/internal/rerr"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// ArchiveExecution moves an execution and its stories into the archive,
// drops its merge-queue entry, and enforces the retention cap by
// evicting the oldest archived execution (by MergedAt, falling back to
// UpdatedAt) when the cap would be exceeded.
func (s *Store) ArchiveExecution(id string) error {
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
		exec := s.doc.Executions[idx]
		s.doc.Executions = append(s.doc.Executions[:idx], s.doc.Executions[idx+1:]...)

		var kept []models.UserStory
		for _, st := range s.doc.UserStories {
			if st.ExecutionID == id {
				s.doc.ArchivedUserStories = append(s.doc.ArchivedUserStories, st)
			} else {
				kept = append(kept, st)
			}
		}
		s.doc.UserStories = kept
		s.removeMergeQueueEntryLocked(id)

		s.doc.ArchivedExecutions = append(s.doc.ArchivedExecutions, exec)
		s.enforceArchiveRetentionLocked()

		return s.persistLocked()
	})
}

func archivalInstant(e models.Execution) int64 {
	if !e.MergedAt.IsZero() {
		return e.MergedAt.UnixNano()
	}
	return e.UpdatedAt.UnixNano()
}

func (s *Store) enforceArchiveRetentionLocked() {
	if len(s.doc.ArchivedExecutions) <= s.maxArchived {
		return
	}
	sort.SliceStable(s.doc.ArchivedExecutions, func(i, j int) bool {
		return archivalInstant(s.doc.ArchivedExecutions[i]) < archivalInstant(s.doc.ArchivedExecutions[j])
	})
	excess := len(s.doc.ArchivedExecutions) - s.maxArchived
	evicted := s.doc.ArchivedExecutions[:excess]
	s.doc.ArchivedExecutions = s.doc.ArchivedExecutions[excess:]

	evictedIDs := make(map[string]bool, len(evicted))
	for _, e := range evicted {
		evictedIDs[e.ID] = true
	}
	var keptStories []models.UserStory
	for _, st := range s.doc.ArchivedUserStories {
		if !evictedIDs[st.ExecutionID] {
			keptStories = append(keptStories, st)
		}
	}
	s.doc.ArchivedUserStories = keptStories
}

// ListArchivedExecutions returns a snapshot of archived executions,
// most-recent (by archivalInstant) first, limited to limit entries
// (0 means unlimited).
func (s *Store) ListArchivedExecutions(limit int) ([]models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Execution, len(s.doc.ArchivedExecutions))
	copy(out, s.doc.ArchivedExecutions)
	sort.SliceStable(out, func(i, j int) bool {
		return archivalInstant(out[i]) > archivalInstant(out[j])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// findArchivedByBranchLocked returns every archived execution whose
// branch matches, of any status, in archive order.
func (s *Store) findArchivedByBranchLocked(branch string) []models.Execution {
	var matches []models.Execution
	for _, e := range s.doc.ArchivedExecutions {
		if e.Branch == branch {
			matches = append(matches, e)
		}
	}
	return matches
}

// RestoreArchivedExecutionByBranch restores a single archived execution
// that is failed or stopped back into the active set, preferring
// failed then most recent updatedAt. Used when an agent writes an
// update after its record was archived.
func (s *Store) RestoreArchivedExecutionByBranch(branch string) (*models.Execution, error) {
	var result *models.Execution
	err := s.withLock(func() error {
		candidates := s.findArchivedByBranchLocked(branch)
		var eligible []models.Execution
		for _, e := range candidates {
			if e.Status == models.StatusFailed || e.Status == models.StatusStopped {
				eligible = append(eligible, e)
			}
		}
		if len(eligible) == 0 {
			return nil
		}
		sort.SliceStable(eligible, func(i, j int) bool {
			if eligible[i].Status != eligible[j].Status {
				return eligible[i].Status == models.StatusFailed
			}
			return eligible[i].UpdatedAt.After(eligible[j].UpdatedAt)
		})
		chosen := eligible[0]

		idx := -1
		for i := range s.doc.ArchivedExecutions {
			if s.doc.ArchivedExecutions[i].ID == chosen.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}
		s.doc.ArchivedExecutions = append(s.doc.ArchivedExecutions[:idx], s.doc.ArchivedExecutions[idx+1:]...)

		var restoredStories []models.UserStory
		var keptArchivedStories []models.UserStory
		for _, st := range s.doc.ArchivedUserStories {
			if st.ExecutionID == chosen.ID {
				restoredStories = append(restoredStories, st)
			} else {
				keptArchivedStories = append(keptArchivedStories, st)
			}
		}
		s.doc.ArchivedUserStories = keptArchivedStories

		s.doc.Executions = append(s.doc.Executions, chosen)
		s.doc.UserStories = append(s.doc.UserStories, restoredStories...)

		if err := s.persistLocked(); err != nil {
			return err
		}
		result = &chosen
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
