package state

import (
	"github.com/ralph-mcp/ralph/internal/rerr"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// ListStories returns all stories for the given execution id.
func (s *Store) ListStories(executionID string) ([]models.UserStory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.UserStory
	for i := range s.doc.UserStories {
		if s.doc.UserStories[i].ExecutionID == executionID {
			out = append(out, *s.doc.UserStories[i].Clone())
		}
	}
	return out, nil
}

// FindStory returns a single story by composite key, or nil.
func (s *Store) FindStory(executionID, storyID string) (*models.UserStory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.doc.UserStories {
		if s.doc.UserStories[i].ExecutionID == executionID && s.doc.UserStories[i].StoryID == storyID {
			return s.doc.UserStories[i].Clone(), nil
		}
	}
	return nil, nil
}

// InsertStory upserts a story by its composite id.
func (s *Store) InsertStory(story models.UserStory) error {
	return s.withLock(func() error {
		s.upsertStoryLocked(story)
		return s.persistLocked()
	})
}

func (s *Store) upsertStoryLocked(story models.UserStory) {
	for i := range s.doc.UserStories {
		if s.doc.UserStories[i].ExecutionID == story.ExecutionID && s.doc.UserStories[i].StoryID == story.StoryID {
			s.doc.UserStories[i] = story
			return
		}
	}
	s.doc.UserStories = append(s.doc.UserStories, story)
}

// StoryPatch carries the mutable fields of UserStory; identity fields
// (ExecutionID, StoryID) cannot be changed through Update.
type StoryPatch struct {
	Passes   *bool
	Notes    *string
	Evidence map[string]models.ACEvidence
}

// UpdateStory applies patch to the story identified by (executionID,
// storyID). Evidence entries in patch.Evidence are merged into the
// existing evidence map rather than replacing it wholesale.
func (s *Store) UpdateStory(executionID, storyID string, patch StoryPatch) (*models.UserStory, error) {
	var result models.UserStory
	err := s.withLock(func() error {
		idx := -1
		for i := range s.doc.UserStories {
			if s.doc.UserStories[i].ExecutionID == executionID && s.doc.UserStories[i].StoryID == storyID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return rerr.NotFoundf("story %s/%s not found", executionID, storyID)
		}
		story := &s.doc.UserStories[idx]
		if patch.Passes != nil {
			story.Passes = *patch.Passes
		}
		if patch.Notes != nil {
			story.Notes = *patch.Notes
		}
		if len(patch.Evidence) > 0 {
			if story.Evidence == nil {
				story.Evidence = make(map[string]models.ACEvidence, len(patch.Evidence))
			}
			for k, v := range patch.Evidence {
				story.Evidence[k] = v
			}
		}
		if err := s.persistLocked(); err != nil {
			return err
		}
		result = *story
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AllStoriesPass returns true if the execution has at least one story
// and every story's Passes flag is true.
func (s *Store) AllStoriesPass(executionID string) (bool, error) {
	stories, err := s.ListStories(executionID)
	if err != nil {
		return false, err
	}
	if len(stories) == 0 {
		return false, nil
	}
	for _, st := range stories {
		if !st.Passes {
			return false, nil
		}
	}
	return true, nil
}

// PendingStoryCount returns the number of stories for executionID that
// have not yet passed.
func (s *Store) PendingStoryCount(executionID string) (int, error) {
	stories, err := s.ListStories(executionID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range stories {
		if !st.Passes {
			n++
		}
	}
	return n, nil
}
