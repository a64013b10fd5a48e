package state

import (
	"time"

	"github.com/ralph-mcp/ralph/pkg/models"
)

// GetRunnerConfig returns the current runner config, defaulting to
// MaxConcurrency=1 if none has ever been set.
func (s *Store) GetRunnerConfig() (models.RunnerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.RunnerConfig == nil {
		return models.DefaultRunnerConfig(), nil
	}
	return *s.doc.RunnerConfig, nil
}

// SetMaxConcurrency clamps and stores a new maxConcurrency, with an
// optional human-readable reason (e.g. "memory pressure").
func (s *Store) SetMaxConcurrency(maxConcurrency int, reason string) (models.RunnerConfig, error) {
	var result models.RunnerConfig
	err := s.withLock(func() error {
		cfg := models.RunnerConfig{
			MaxConcurrency: models.ClampConcurrency(maxConcurrency),
			UpdatedAt:      time.Now(),
			Reason:         reason,
		}
		s.doc.RunnerConfig = &cfg
		if err := s.persistLocked(); err != nil {
			return err
		}
		result = cfg
		return nil
	})
	return result, err
}
