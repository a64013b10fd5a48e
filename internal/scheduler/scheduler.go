// Package scheduler selects ready executions and promotes them into
// running agents under a memory- and config-derived concurrency cap.
package scheduler

import (
	"log"

	"github.com/ralph-mcp/ralph/internal/launcher"
	"github.com/ralph-mcp/ralph/internal/rerr"
	"github.com/ralph-mcp/ralph/internal/state"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// MemoryEstimator reports free memory in bytes; swappable in tests.
type MemoryEstimator func() (freeBytes uint64, err error)

// Scheduler promotes `ready` executions into `starting`/`running` via
// the state store's atomic claim, then hands off to an external launcher.
type Scheduler struct {
	store              *state.Store
	launcher           launcher.Launcher
	memory             MemoryEstimator
	memoryReserveBytes uint64
	perAgentBytes      uint64
	maxLaunchAttempts  int
}

// New builds a Scheduler. A nil MemoryEstimator disables the
// memory-derived cap (effective cap becomes just the configured cap).
func New(store *state.Store, l launcher.Launcher, memory MemoryEstimator, reserveBytes, perAgentBytes uint64, maxLaunchAttempts int) *Scheduler {
	if maxLaunchAttempts <= 0 {
		maxLaunchAttempts = 3
	}
	return &Scheduler{
		store:              store,
		launcher:           l,
		memory:             memory,
		memoryReserveBytes: reserveBytes,
		perAgentBytes:      perAgentBytes,
		maxLaunchAttempts:  maxLaunchAttempts,
	}
}

// EffectiveConcurrency returns min(memory-derived cap, configured cap).
// 0 means the scheduler is paused by memory pressure.
func (s *Scheduler) EffectiveConcurrency() (int, error) {
	cfg, err := s.store.GetRunnerConfig()
	if err != nil {
		return 0, err
	}
	configured := models.ClampConcurrency(cfg.MaxConcurrency)

	if s.memory == nil || s.perAgentBytes == 0 {
		return configured, nil
	}
	free, err := s.memory()
	if err != nil {
		return configured, nil
	}
	if free <= s.memoryReserveBytes {
		return 0, nil
	}
	memCap := int((free - s.memoryReserveBytes) / s.perAgentBytes)
	if memCap < configured {
		return memCap, nil
	}
	return configured, nil
}

// ClaimResult reports the outcome of one scheduling attempt.
type ClaimResult struct {
	Branch  string
	Claimed bool
	Reason  string
}

// Tick selects ready executions for project (all projects if empty),
// claims as many as the effective concurrency allows, and launches
// each claimed execution via the external launcher.
func (s *Scheduler) Tick(project string) ([]ClaimResult, error) {
	effective, err := s.EffectiveConcurrency()
	if err != nil {
		return nil, err
	}
	if effective == 0 {
		log.Printf("[scheduler] paused: memory-derived cap is 0")
		return nil, nil
	}

	inFlight, err := s.store.CountInFlight()
	if err != nil {
		return nil, err
	}
	slots := effective - inFlight
	if slots <= 0 {
		return nil, nil
	}

	ready, err := s.store.ListReady(project)
	if err != nil {
		return nil, err
	}

	var results []ClaimResult
	for _, cand := range ready {
		if slots <= 0 {
			break
		}
		exec, err := s.store.ClaimReadyExecution(cand.Branch)
		if err != nil {
			reason := err.Error()
			log.Printf("[scheduler] claim %s failed: %s", cand.Branch, reason)
			results = append(results, ClaimResult{Branch: cand.Branch, Claimed: false, Reason: reason})
			continue
		}
		slots--
		results = append(results, ClaimResult{Branch: exec.Branch, Claimed: true})
		s.launch(exec)
	}
	return results, nil
}

func (s *Scheduler) launch(exec *models.Execution) {
	if s.launcher == nil {
		return
	}
	prompt := launcher.PromptFor(exec)
	result, err := s.launcher.Launch(prompt, exec.WorktreePath, exec.ID)
	if err != nil || !result.Success {
		s.onLaunchFailure(exec, errString(err, result))
		return
	}

	running := models.StatusRunning
	if _, err := s.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status:      &running,
		AgentTaskID: &result.AgentTaskID,
		Activity:    &models.ActivityState{LogPath: result.LogPath, CurrentStep: "implementing"},
	}); err != nil {
		log.Printf("[scheduler] failed to mark %s running after launch: %v", exec.Branch, err)
	}
}

func errString(err error, result launcher.LaunchResult) string {
	if err != nil {
		return err.Error()
	}
	return result.Error
}

func (s *Scheduler) onLaunchFailure(exec *models.Execution, reason string) {
	if exec.LaunchAttempts >= s.maxLaunchAttempts {
		failed := models.StatusFailed
		if _, err := s.store.UpdateExecution(exec.ID, state.ExecutionPatch{Status: &failed}); err != nil {
			log.Printf("[scheduler] failed to mark %s failed: %v", exec.Branch, err)
		}
		log.Printf("[scheduler] %s exhausted launch attempts: %s", exec.Branch, reason)
		return
	}

	back := models.StatusReady
	if _, err := s.store.UpdateExecution(exec.ID, state.ExecutionPatch{Status: &back}); err != nil {
		log.Printf("[scheduler] failed to return %s to ready: %v", exec.Branch, err)
	}
	log.Printf("[scheduler] launch failed for %s, retrying: %s", exec.Branch, reason)
}

// Stop transitions a running or claimed execution to stopped. Idempotent.
func Stop(store *state.Store, branch string) error {
	exec, err := store.FindByBranch(branch)
	if err != nil {
		return err
	}
	if exec == nil {
		return rerr.NotFoundf("execution for branch %q not found", branch)
	}
	if exec.Status == models.StatusStopped {
		return nil
	}
	stopped := models.StatusStopped
	_, err = store.UpdateExecution(exec.ID, state.ExecutionPatch{Status: &stopped})
	return err
}

// Retry transitions a failed/stopped/interrupted execution back to
// ready and resets its stagnation counters.
func Retry(store *state.Store, branch string) (*models.Execution, error) {
	exec, err := store.FindByBranch(branch)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		restored, rErr := store.RestoreArchivedExecutionByBranch(branch)
		if rErr != nil || restored == nil {
			return nil, rerr.NotFoundf("execution for branch %q not found", branch)
		}
		exec = restored
	}
	switch exec.Status {
	case models.StatusFailed, models.StatusStopped, models.StatusInterrupted:
	default:
		return nil, rerr.Precondition("status is %s, cannot retry", exec.Status)
	}

	ready := models.StatusReady
	counters := models.LoopCounters{}
	return store.UpdateExecution(exec.ID, state.ExecutionPatch{Status: &ready, LoopCounters: &counters})
}
