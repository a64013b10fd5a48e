// Package rpc is the transport-agnostic entry point into Ralph's core.
// It wires the state store, reconciler, scheduler, dependency resolver,
// update pipeline, and merge worker behind the operation set a CLI or
// network transport can call directly: start, status, update, stop,
// retry, merge, claimReady, and shutdown.
package rpc

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ralph-mcp/ralph/internal/dependency"
	"github.com/ralph-mcp/ralph/internal/git"
	"github.com/ralph-mcp/ralph/internal/mergeworker"
	"github.com/ralph-mcp/ralph/internal/pipeline"
	"github.com/ralph-mcp/ralph/internal/prd"
	"github.com/ralph-mcp/ralph/internal/reconciler"
	"github.com/ralph-mcp/ralph/internal/rerr"
	"github.com/ralph-mcp/ralph/internal/scheduler"
	"github.com/ralph-mcp/ralph/internal/staleness"
	"github.com/ralph-mcp/ralph/internal/state"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// Server bundles the core components behind the RPC surface. It holds
// no transport concerns (HTTP, gRPC, stdio framing are all external).
type Server struct {
	store       *state.Store
	repos       reconciler.RepoFactory
	reconciler  *reconciler.Reconciler
	scheduler   *scheduler.Scheduler
	pipeline    *pipeline.Pipeline
	mergeworker *mergeworker.Worker
	branchPrefix string
	prdDirs     []string
	watcher     *staleness.Watcher
}

// New wires a Server from its already-constructed collaborators.
func New(store *state.Store, repos reconciler.RepoFactory, sched *scheduler.Scheduler, mw *mergeworker.Worker, timeouts staleness.Timeouts, branchPrefix string, prdDirs ...string) *Server {
	rc := reconciler.New(store, repos, timeouts)
	depsFor := func(exec *models.Execution) *dependency.Resolver {
		return dependency.New(store, branchPrefix, prdDirs...)
	}
	pl := pipeline.New(store, func(root string) git.Runner { return repos(root) }, depsFor, timeouts)
	return &Server{
		store:        store,
		repos:        repos,
		reconciler:   rc,
		scheduler:    sched,
		pipeline:     pl,
		mergeworker:  mw,
		branchPrefix: branchPrefix,
		prdDirs:      prdDirs,
	}
}

// WatchLogs starts (or replaces) the server's log-change watcher, used
// by Status's long-poll mode to wake up as soon as a running execution
// writes to its activity log rather than waiting out the poll interval.
func (s *Server) WatchLogs(logDirs ...string) error {
	w, err := staleness.Watch(logDirs...)
	if err != nil {
		return err
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.watcher = w
	return nil
}

// StartRequest is the input to Start. UserStories carries the PRD
// parser collaborator's already-parsed story list (§6); the core never
// parses PRD body text itself.
type StartRequest struct {
	PrdPath          string
	ProjectRoot      string
	Worktree         string
	OnConflict       string
	AutoMerge        bool
	NotifyOnComplete bool
	UserStories      []prd.ParsedUserStory
}

// StartResult is the output of Start.
type StartResult struct {
	ExecutionID string
	Branch      string
	Stories     []models.UserStory
}

// Start parses the PRD frontmatter at req.PrdPath and atomically
// creates a new execution plus its user stories.
func (s *Server) Start(req StartRequest) (StartResult, error) {
	fm, err := prd.ReadFrontmatter(req.PrdPath)
	if err != nil {
		return StartResult{}, rerr.External("prd", err)
	}

	branch := fm.Branch
	if branch == "" {
		branch = fm.BranchName
	}
	if branch == "" {
		return StartResult{}, rerr.Precondition("PRD at %s declares no branch", req.PrdPath)
	}

	repo := s.repos(req.ProjectRoot)
	baseSha, err := repo.RevParse("HEAD")
	if err != nil {
		return StartResult{}, rerr.External("git", err)
	}

	exec := models.Execution{
		ID:               uuid.NewString(),
		Project:          req.ProjectRoot,
		Branch:           branch,
		Description:      fm.Slug,
		PrdPath:          req.PrdPath,
		ProjectRoot:      req.ProjectRoot,
		WorktreePath:     req.Worktree,
		BaseCommitSha:    baseSha,
		Status:           models.StatusPending,
		ConflictStrategy: req.OnConflict,
		AutoMerge:        req.AutoMerge,
		NotifyOnComplete: req.NotifyOnComplete,
		Dependencies:     fm.Dependencies,
	}

	stories := make([]models.UserStory, len(req.UserStories))
	for i, ps := range req.UserStories {
		id := ps.ID
		if id == "" {
			id = fmt.Sprintf("US-%03d", i+1)
		}
		stories[i] = models.UserStory{
			ExecutionID:        exec.ID,
			StoryID:            id,
			Title:              ps.Title,
			Description:        ps.Description,
			AcceptanceCriteria: ps.AcceptanceCriteria,
			Priority:           ps.Priority,
		}
	}

	created, err := s.store.InsertExecutionAtomic(exec, stories)
	if err != nil {
		return StartResult{}, err
	}

	ready := models.StatusReady
	if _, err := s.store.UpdateExecution(created.ID, state.ExecutionPatch{Status: &ready}); err != nil {
		return StartResult{}, err
	}

	stories, err := s.store.ListStories(created.ID)
	if err != nil {
		return StartResult{}, err
	}

	return StartResult{ExecutionID: created.ID, Branch: branch, Stories: stories}, nil
}

// StatusRequest is the input to Status.
type StatusRequest struct {
	Project      string
	Status       string
	Reconcile    bool
	HistoryLimit int

	// WaitForChange, when positive and a watcher is active (see
	// WatchLogs), makes Status block until either a watched log
	// changes or the duration elapses, whichever comes first. This
	// lets a caller long-poll instead of tight-looping Status calls.
	WaitForChange time.Duration
}

// StatusSummary aggregates counts across statuses.
type StatusSummary struct {
	Total       int
	ByStatus    map[models.ExecutionStatus]int
	AtRisk      int
	Interrupted int
}

// StatusResult is the output of Status.
type StatusResult struct {
	Executions []models.Execution
	Summary    StatusSummary
	Archive    []models.Execution
	Actions    []reconciler.Action
	Suggestions []string
}

// Status returns the per-execution view, summary counts, recent
// archive, and reconciler actions / suggestions. Reconciliation runs
// first (when requested) so the view reflects git reality.
func (s *Server) Status(req StatusRequest) (StatusResult, error) {
	if req.WaitForChange > 0 && s.watcher != nil {
		select {
		case <-s.watcher.Events:
		case <-time.After(req.WaitForChange):
		}
	}

	var actions []reconciler.Action
	if req.Reconcile {
		actions = s.reconciler.Run(req.Project)
	}

	execs, err := s.store.ListExecutions(req.Project)
	if err != nil {
		return StatusResult{}, err
	}

	var filtered []models.Execution
	summary := StatusSummary{ByStatus: map[models.ExecutionStatus]int{}}
	for _, e := range execs {
		if req.Status != "" && string(e.Status) != req.Status {
			continue
		}
		filtered = append(filtered, e)
		summary.Total++
		summary.ByStatus[e.Status]++
		if e.Status == models.StatusInterrupted {
			summary.Interrupted++
		}
		if e.ConsecutiveNoProgress > 0 || e.ConsecutiveErrors > 0 {
			summary.AtRisk++
		}
	}

	limit := req.HistoryLimit
	if limit == 0 {
		limit = 10
	}
	archive, err := s.store.ListArchivedExecutions(limit)
	if err != nil {
		return StatusResult{}, err
	}

	var suggestions []string
	for _, e := range filtered {
		if e.Status == models.StatusInterrupted || e.Status == models.StatusFailed {
			suggestions = append(suggestions, fmt.Sprintf("retry(%s)", e.Branch))
		}
	}

	return StatusResult{
		Executions:  filtered,
		Summary:     summary,
		Archive:     archive,
		Actions:     actions,
		Suggestions: suggestions,
	}, nil
}

// Update forwards to the update pipeline.
func (s *Server) Update(u pipeline.Update) (pipeline.Result, error) {
	return s.pipeline.Update(u)
}

// StopRequest is the input to Stop.
type StopRequest struct {
	Branch       string
	DeleteRecord bool
}

// Stop transitions branch's execution to stopped, optionally archiving
// (and thereby removing) the live record.
func (s *Server) Stop(req StopRequest) error {
	if err := scheduler.Stop(s.store, req.Branch); err != nil {
		return err
	}
	if req.DeleteRecord {
		exec, err := s.store.FindByBranch(req.Branch)
		if err != nil {
			return err
		}
		if exec != nil {
			return s.store.ArchiveExecution(exec.ID)
		}
	}
	return nil
}

// RetryRequest is the input to Retry.
type RetryRequest struct {
	Branch string
	Hint   string
}

// Retry transitions a failed/stopped/interrupted execution back to
// ready, resetting stagnation counters.
func (s *Server) Retry(req RetryRequest) (*models.Execution, error) {
	return scheduler.Retry(s.store, req.Branch)
}

// MergeRequest is the input to Merge.
type MergeRequest struct {
	Action      string // list, enqueue, process, remove
	Branch      string
	ExecutionID string
	QueueID     int
}

// MergeResult is the output of Merge.
type MergeResult struct {
	Queue   []models.MergeQueueItem
	Enqueued *models.MergeQueueItem
	Outcome  *mergeworker.Outcome
}

// Merge implements merge-queue control: list, enqueue, process one
// entry, or remove an entry.
func (s *Server) Merge(req MergeRequest) (MergeResult, error) {
	switch req.Action {
	case "list":
		queue, err := s.store.ListMergeQueue()
		return MergeResult{Queue: queue}, err

	case "enqueue":
		execID := req.ExecutionID
		if execID == "" {
			exec, err := s.store.FindByBranch(req.Branch)
			if err != nil {
				return MergeResult{}, err
			}
			if exec == nil {
				return MergeResult{}, rerr.NotFoundf("no execution for branch %q", req.Branch)
			}
			execID = exec.ID
		}
		item, err := s.store.EnqueueMerge(execID)
		return MergeResult{Enqueued: item}, err

	case "process":
		outcome, err := s.mergeworker.ProcessNext()
		return MergeResult{Outcome: &outcome}, err

	case "remove":
		err := s.store.RemoveMergeQueueEntry(req.QueueID)
		return MergeResult{}, err

	default:
		return MergeResult{}, rerr.Precondition("unknown merge action %q", req.Action)
	}
}

// ClaimReady exposes the atomic CAS directly for external runners.
func (s *Server) ClaimReady(branch string) (*models.Execution, error) {
	return s.store.ClaimReadyExecution(branch)
}

// ShutdownRequest is the input to Shutdown.
type ShutdownRequest struct {
	Force bool
}

// Shutdown refuses if any execution is running unless forced.
func (s *Server) Shutdown(req ShutdownRequest) error {
	if req.Force {
		return s.store.Close()
	}
	execs, err := s.store.ListExecutions("")
	if err != nil {
		return err
	}
	for _, e := range execs {
		if e.Status == models.StatusRunning {
			return rerr.Precondition("execution %s is running; use force to shut down anyway", e.Branch)
		}
	}
	return s.store.Close()
}

// Tick runs one scheduling pass: reconcile, then claim+launch ready
// executions up to the effective concurrency cap. It is the
// composition point an external timer or orchestrator loop calls
// periodically; none of the individual RPC operations run it
// implicitly.
func (s *Server) Tick(project string) ([]reconciler.Action, []scheduler.ClaimResult, error) {
	actions := s.reconciler.Run(project)
	claims, err := s.scheduler.Tick(project)
	return actions, claims, err
}
