package state

import (
	"sort"
	"time"

	"github.com/ralph-mcp/ralph/internal/rerr"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// ListMergeQueue returns all merge queue entries ordered by
// (position ASC, id ASC).
func (s *Store) ListMergeQueue() ([]models.MergeQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MergeQueueItem, len(s.doc.MergeQueue))
	copy(out, s.doc.MergeQueue)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FindMergeQueueEntryByExecution returns the merge queue entry for the
// given execution id, or nil if none exists.
func (s *Store) FindMergeQueueEntryByExecution(executionID string) (*models.MergeQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.doc.MergeQueue {
		if s.doc.MergeQueue[i].ExecutionID == executionID {
			return s.doc.MergeQueue[i].Clone(), nil
		}
	}
	return nil, nil
}

// EnqueueMerge appends executionID to the merge queue at
// position = max(existingPositions)+1, assigning id = max(id)+1. If an
// entry for executionID already exists, it is returned unchanged.
func (s *Store) EnqueueMerge(executionID string) (*models.MergeQueueItem, error) {
	var result models.MergeQueueItem
	err := s.withLock(func() error {
		for i := range s.doc.MergeQueue {
			if s.doc.MergeQueue[i].ExecutionID == executionID {
				result = s.doc.MergeQueue[i]
				return nil
			}
		}
		maxID, maxPos := 0, 0
		for _, m := range s.doc.MergeQueue {
			if m.ID > maxID {
				maxID = m.ID
			}
			if m.Position > maxPos {
				maxPos = m.Position
			}
		}
		item := models.MergeQueueItem{
			ID:          maxID + 1,
			ExecutionID: executionID,
			Position:    maxPos + 1,
			Status:      models.MergeQueuePending,
			CreatedAt:   time.Now(),
		}
		s.doc.MergeQueue = append(s.doc.MergeQueue, item)
		if err := s.persistLocked(); err != nil {
			return err
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateMergeQueueStatus transitions the merge queue entry identified by
// id to the given status.
func (s *Store) UpdateMergeQueueStatus(id int, status models.MergeQueueStatus) (*models.MergeQueueItem, error) {
	var result models.MergeQueueItem
	err := s.withLock(func() error {
		for i := range s.doc.MergeQueue {
			if s.doc.MergeQueue[i].ID == id {
				s.doc.MergeQueue[i].Status = status
				if err := s.persistLocked(); err != nil {
					return err
				}
				result = s.doc.MergeQueue[i]
				return nil
			}
		}
		return rerr.NotFoundf("merge queue entry %d not found", id)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RemoveMergeQueueEntry removes a merge queue entry by id.
func (s *Store) RemoveMergeQueueEntry(id int) error {
	return s.withLock(func() error {
		idx := -1
		for i := range s.doc.MergeQueue {
			if s.doc.MergeQueue[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return rerr.NotFoundf("merge queue entry %d not found", id)
		}
		s.doc.MergeQueue = append(s.doc.MergeQueue[:idx], s.doc.MergeQueue[idx+1:]...)
		return s.persistLocked()
	})
}
