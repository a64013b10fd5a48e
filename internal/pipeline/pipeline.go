// Package pipeline implements the update RPC entry: the single path
// through which an agent reports per-story progress, trips scope and
// evidence guardrails, appends a progress log, and advances the
// execution (and its dependents) toward completion and merge.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ralph-mcp/ralph/internal/dependency"
	"github.com/ralph-mcp/ralph/internal/git"
	"github.com/ralph-mcp/ralph/internal/launcher"
	"github.com/ralph-mcp/ralph/internal/merge"
	"github.com/ralph-mcp/ralph/internal/rerr"
	"github.com/ralph-mcp/ralph/internal/stagnation"
	"github.com/ralph-mcp/ralph/internal/staleness"
	"github.com/ralph-mcp/ralph/internal/state"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// Scope thresholds from the guardrail.
const (
	scopeWarnLines  = 1500
	scopeWarnFiles  = 15
	scopeHardLines  = 3000
	scopeHardFiles  = 25
	divergenceLimit = 0.5
)

// Update is the RPC payload for a single story progress report.
type Update struct {
	Branch                    string
	StoryID                   string
	Passes                    bool
	Notes                     string
	FilesChanged              int
	Error                     string
	Step                      string
	ACEvidence                map[string]models.ACEvidence
	HardGates                 map[string]bool
	SkipHardGates             bool
	ExpectedFiles             []string
	UnexpectedFileExplanation map[string]string
	ScopeExplanation          map[string]string
	SkipScopeCheck            bool
}

// Result is the domain-level outcome of an update call.
type Result struct {
	Success          bool
	Error            string
	Stagnant         bool
	StagnationReason string
	AllComplete      bool
	Unlocked         []UnlockedDependent
}

// UnlockedDependent describes a dependent execution that was promoted
// to ready as a side effect of this update.
type UnlockedDependent struct {
	Branch string
	Prompt string
}

// Pipeline wires the state store, a git runner factory, and the
// dependency resolver together to process update() calls.
type Pipeline struct {
	store    *state.Store
	repos    func(root string) git.Runner
	deps     func(exec *models.Execution) *dependency.Resolver
	timeouts staleness.Timeouts
}

// New builds a Pipeline.
func New(store *state.Store, repos func(root string) git.Runner, deps func(exec *models.Execution) *dependency.Resolver, timeouts staleness.Timeouts) *Pipeline {
	return &Pipeline{store: store, repos: repos, deps: deps, timeouts: timeouts}
}

// Update processes one agent-reported progress update end to end.
func (p *Pipeline) Update(u Update) (Result, error) {
	exec, err := p.findOrRestore(u.Branch)
	if err != nil {
		return Result{}, err
	}
	if exec == nil {
		return Result{}, rerr.NotFoundf("execution for branch %q not found", u.Branch)
	}

	p.advanceActivity(exec, u)

	repo := p.repos(exec.WorktreePath)
	sig := staleness.CollectSignals(exec, repo)
	taskType := staleness.InferTaskType(u.Step, u.Notes, u.Error)
	timeout := p.timeouts.Lookup(taskType)

	verdict, err := stagnation.RecordLoopResult(p.store, exec.ID, u.FilesChanged, u.Error, stagnation.Options{
		Thresholds: stagnation.Thresholds{NoProgressTimeout: timeout},
		Signals: stagnation.ProgressSignals{
			GitHeadCommitMs:        sig.GitHeadCommit.UnixMilli(),
			ChangedFilesMaxMtimeMs: sig.ChangedFilesMaxMtime.UnixMilli(),
			LogMtimeMs:             sig.LogMtime.UnixMilli(),
		},
	})
	if err != nil {
		return Result{}, err
	}
	if verdict.Stagnant {
		return Result{Stagnant: true, StagnationReason: string(verdict.Kind)}, nil
	}

	if !u.SkipScopeCheck {
		if res, rejected := p.checkScope(exec, repo, u); rejected {
			return res, nil
		}
	}
	if len(u.ExpectedFiles) > 0 {
		if res, rejected := p.checkDiffReconciliation(exec, repo, u); rejected {
			return res, nil
		}
	}

	story, err := p.store.FindStory(exec.ID, u.StoryID)
	if err != nil {
		return Result{}, err
	}
	var criteria []string
	if story != nil {
		criteria = story.AcceptanceCriteria
	}
	effectivePasses, evidence, gateReason := p.validateEvidence(u, criteria)

	patch := state.StoryPatch{Passes: &effectivePasses, Evidence: evidence}
	if u.Notes != "" {
		patch.Notes = &u.Notes
	} else if gateReason != "" {
		note := gateReason
		patch.Notes = &note
	}
	if _, err := p.store.UpdateStory(exec.ID, u.StoryID, patch); err != nil {
		return Result{}, err
	}

	if effectivePasses && exec.WorktreePath != "" {
		appendProgressLog(exec.WorktreePath, u.StoryID, u.Notes)
	}

	return p.advanceExecution(exec)
}

func (p *Pipeline) findOrRestore(branch string) (*models.Execution, error) {
	exec, err := p.store.FindByBranch(branch)
	if err != nil || exec != nil {
		return exec, err
	}
	return p.store.RestoreArchivedExecutionByBranch(branch)
}

func (p *Pipeline) advanceActivity(exec *models.Execution, u Update) {
	step := u.Step
	if step == "" {
		if u.Passes {
			step = "verifying"
		} else {
			step = "implementing"
		}
	}
	activity := exec.Activity
	activity.CurrentStoryID = u.StoryID
	if activity.CurrentStep != step {
		activity.StepStartedAt = time.Now()
	}
	activity.CurrentStep = step
	if _, err := p.store.UpdateExecution(exec.ID, state.ExecutionPatch{Activity: &activity}); err == nil {
		exec.Activity = activity
	}
}

func (p *Pipeline) checkScope(exec *models.Execution, repo git.Runner, u Update) (Result, bool) {
	if repo == nil {
		return Result{}, false
	}
	stats, err := repo.NumstatRelative(exec.Branch, exec.BaseCommitSha)
	if err != nil {
		return Result{}, false
	}

	var lines, files int
	var large []string
	for _, s := range stats {
		if merge.IsLockFile(s.Path) {
			continue
		}
		files++
		changed := s.Added + s.Removed
		lines += changed
		if changed > 50 {
			large = append(large, s.Path)
		}
	}

	if lines > scopeHardLines || files > scopeHardFiles {
		return Result{Success: false, Error: fmt.Sprintf("scope hard threshold exceeded: %d lines across %d files", lines, files)}, true
	}
	if lines > scopeWarnLines || files > scopeWarnFiles {
		for _, f := range large {
			if _, ok := u.ScopeExplanation[f]; !ok {
				return Result{Success: false, Error: fmt.Sprintf("scope warning: %s changed >50 lines without scopeExplanation", f)}, true
			}
		}
	}
	return Result{}, false
}

func (p *Pipeline) checkDiffReconciliation(exec *models.Execution, repo git.Runner, u Update) (Result, bool) {
	if repo == nil {
		return Result{}, false
	}
	actualFiles, err := repo.ChangedFiles(exec.BaseCommitSha)
	if err != nil {
		return Result{}, false
	}

	expected := toSet(u.ExpectedFiles)
	actual := toSet(actualFiles)

	var unexpected []string
	for f := range actual {
		if !expected[f] {
			unexpected = append(unexpected, f)
		}
	}
	sort.Strings(unexpected)

	for _, f := range unexpected {
		if _, ok := u.UnexpectedFileExplanation[f]; !ok {
			return Result{Success: false, Error: fmt.Sprintf("unexpected file %q changed without an explanation", f)}, true
		}
	}

	if len(actual) > 0 {
		divergence := float64(len(unexpected)) / float64(len(actual))
		if divergence > divergenceLimit {
			return Result{Success: false, Error: "changed-file divergence exceeds 50%, please re-scope"}, true
		}
	}
	return Result{}, false
}

func (p *Pipeline) validateEvidence(u Update, acceptanceCriteria []string) (bool, map[string]models.ACEvidence, string) {
	evidence := make(map[string]models.ACEvidence, len(u.ACEvidence))
	for k, v := range u.ACEvidence {
		evidence[k] = v
	}

	for i := range acceptanceCriteria {
		key := fmt.Sprintf("AC-%d", i+1)
		if _, ok := evidence[key]; !ok {
			evidence[key] = models.ACEvidence{Passes: false, BlockedReason: "No evidence provided"}
		}
	}

	effectivePasses := u.Passes
	reason := ""

	if u.Passes && !u.SkipHardGates {
		for gate, ok := range u.HardGates {
			if gate == "typecheck" || gate == "build" {
				if !ok {
					effectivePasses = false
					reason = fmt.Sprintf("hard gate %q failing", gate)
				}
			}
		}
	}

	return effectivePasses, evidence, reason
}

func appendProgressLog(worktree, storyID, notes string) {
	path := filepath.Join(worktree, "ralph-progress.md")
	entry := fmt.Sprintf("\n## %s — %s\n\n%s\n", time.Now().Format(time.RFC3339), storyID, notes)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(entry)

	if pattern := extractCodebasePattern(notes); pattern != "" {
		upsertCodebasePattern(path, pattern)
	}
}

func extractCodebasePattern(notes string) string {
	const marker = "**Codebase Pattern:**"
	idx := strings.Index(notes, marker)
	if idx < 0 {
		return ""
	}
	rest := notes[idx+len(marker):]
	if end := strings.Index(rest, "\n\n"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func upsertCodebasePattern(path, pattern string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	content := string(data)
	const heading = "## Codebase Patterns"

	if strings.Contains(content, pattern) {
		return
	}

	if idx := strings.Index(content, heading); idx >= 0 {
		insertAt := idx + len(heading)
		content = content[:insertAt] + "\n- " + pattern + content[insertAt:]
	} else {
		content = heading + "\n\n- " + pattern + "\n\n" + content
	}
	_ = os.WriteFile(path, []byte(content), 0o644)
}

func (p *Pipeline) advanceExecution(exec *models.Execution) (Result, error) {
	allComplete, err := p.store.AllStoriesPass(exec.ID)
	if err != nil {
		return Result{}, err
	}

	status := models.StatusRunning
	if allComplete {
		status = models.StatusCompleted
	}
	patch := state.ExecutionPatch{Status: &status}
	if allComplete {
		patch.Activity = &models.ActivityState{}
	}
	if _, err := p.store.UpdateExecution(exec.ID, patch); err != nil {
		return Result{}, err
	}

	result := Result{Success: true, AllComplete: allComplete}
	if !allComplete {
		return result, nil
	}

	if exec.AutoMerge {
		if _, err := p.store.EnqueueMerge(exec.ID); err != nil {
			return Result{}, err
		}
	}

	unlocked, err := p.unlockDependents(exec)
	if err != nil {
		return Result{}, err
	}
	result.Unlocked = unlocked
	return result, nil
}

func (p *Pipeline) unlockDependents(completed *models.Execution) ([]UnlockedDependent, error) {
	all, err := p.store.ListExecutions("")
	if err != nil {
		return nil, err
	}

	var unlocked []UnlockedDependent
	for _, candidate := range all {
		if candidate.Status != models.StatusPending {
			continue
		}
		if !dependsOn(candidate.Dependencies, completed.Branch) {
			continue
		}

		resolver := p.deps(&candidate)
		res, err := resolver.Resolve(&candidate)
		if err != nil || !res.Satisfied {
			continue
		}

		if err := p.syncFromMain(&candidate); err != nil {
			blocked := "dependency satisfied but sync from main failed: " + err.Error()
			activity := candidate.Activity
			activity.CurrentStep = blocked
			_, _ = p.store.UpdateExecution(candidate.ID, state.ExecutionPatch{Activity: &activity})
			continue
		}

		ready := models.StatusReady
		if _, err := p.store.UpdateExecution(candidate.ID, state.ExecutionPatch{Status: &ready}); err != nil {
			continue
		}
		unlocked = append(unlocked, UnlockedDependent{Branch: candidate.Branch, Prompt: launcher.PromptFor(&candidate)})
	}
	return unlocked, nil
}

func dependsOn(deps []string, branch string) bool {
	for _, d := range deps {
		if d == branch || strings.HasSuffix(branch, "/"+d) {
			return true
		}
	}
	return false
}

func (p *Pipeline) syncFromMain(exec *models.Execution) error {
	if exec.WorktreePath == "" {
		return nil
	}
	repo := p.repos(exec.WorktreePath)
	if repo == nil {
		return nil
	}
	return repo.PullFFOnly()
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}
