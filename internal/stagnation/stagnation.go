// Package stagnation implements the per-execution progress bookkeeping
// described for the Stagnation Detector: it decides whether an
// execution's loops have stopped being productive from thresholded
// progress and error counters.
package stagnation

import (
	"log"
	"time"

	"github.com/ralph-mcp/ralph/internal/state"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// Kind identifies why recordLoopResult declared an execution stagnant.
type Kind string

const (
	NoProgress    Kind = "no_progress"
	RepeatedError Kind = "repeated_error"
	MaxLoops      Kind = "max_loops"
)

// Thresholds bundles the tunable knobs; zero values fall back to the
// package defaults.
type Thresholds struct {
	NoProgressThreshold int
	NoProgressTimeout   time.Duration
	SameErrorThreshold  int
	MaxLoopsPerStory    int
}

// Defaults mirror the values spec.md names explicitly.
var Defaults = Thresholds{
	NoProgressThreshold: 3,
	SameErrorThreshold:  5,
	MaxLoopsPerStory:    10,
}

func (t Thresholds) withDefaults() Thresholds {
	if t.NoProgressThreshold <= 0 {
		t.NoProgressThreshold = Defaults.NoProgressThreshold
	}
	if t.SameErrorThreshold <= 0 {
		t.SameErrorThreshold = Defaults.SameErrorThreshold
	}
	if t.MaxLoopsPerStory <= 0 {
		t.MaxLoopsPerStory = Defaults.MaxLoopsPerStory
	}
	return t
}

// ProgressSignals are external liveness signals fed in from the caller
// (git HEAD commit time, max mtime of changed files, log mtime), each as
// Unix milliseconds. Zero means "not available".
type ProgressSignals struct {
	GitHeadCommitMs        int64
	ChangedFilesMaxMtimeMs int64
	LogMtimeMs             int64
}

// Options carries per-call overrides to the package defaults.
type Options struct {
	Thresholds
	Signals ProgressSignals
}

// Verdict is the result of recordLoopResult or checkStagnation.
type Verdict struct {
	Stagnant bool
	Kind     Kind
	Reason   string
}

// RecordLoopResult is the mutator: it advances loop bookkeeping for
// executionID, applies the progress/error algorithm described in
// spec.md section 4.2, and — on a no_progress or repeated_error verdict —
// flips the execution's status to failed. A max_loops verdict is returned
// without changing the status. A completion short-circuit flips status
// to completed instead when every story already passes.
func RecordLoopResult(store *state.Store, executionID string, filesChanged int, errMsg string, opts Options) (Verdict, error) {
	opts.Thresholds = opts.Thresholds.withDefaults()

	exec, err := store.FindByID(executionID)
	if err != nil {
		return Verdict{}, err
	}
	if exec == nil {
		return Verdict{}, nil
	}

	counters := exec.LoopCounters
	previousLastProgressAt := exec.LastProgressAt
	now := time.Now()
	nowMs := now.UnixMilli()

	counters.LoopCount++
	counters.LastFilesChanged = filesChanged

	signalMs := opts.Signals.GitHeadCommitMs
	if filesChanged > 0 && nowMs > signalMs {
		signalMs = nowMs
	}
	if opts.Signals.ChangedFilesMaxMtimeMs > signalMs {
		signalMs = opts.Signals.ChangedFilesMaxMtimeMs
	}
	if opts.Signals.LogMtimeMs > signalMs {
		signalMs = opts.Signals.LogMtimeMs
	}

	lastProgressAt := exec.LastProgressAt
	if lastProgressAt.IsZero() {
		if signalMs > 0 {
			lastProgressAt = time.UnixMilli(signalMs)
		} else {
			lastProgressAt = now
		}
	} else if signalMs > 0 && signalMs > lastProgressAt.UnixMilli() {
		lastProgressAt = time.UnixMilli(signalMs)
	}

	progressed := previousLastProgressAt.IsZero() || (signalMs > 0 && signalMs > previousLastProgressAt.UnixMilli())
	if progressed {
		counters.ConsecutiveNoProgress = 0
	} else {
		counters.ConsecutiveNoProgress++
	}

	switch {
	case errMsg == "":
		counters.ConsecutiveErrors = 0
		counters.LastError = ""
	case errMsg == counters.LastError:
		counters.ConsecutiveErrors++
	default:
		counters.ConsecutiveErrors = 1
		counters.LastError = errMsg
	}

	allPass, err := store.AllStoriesPass(executionID)
	if err != nil {
		return Verdict{}, err
	}

	patch := state.ExecutionPatch{
		LoopCounters:   &counters,
		LastProgressAt: &lastProgressAt,
	}

	if allPass {
		completed := models.StatusCompleted
		patch.Status = &completed
		if _, err := store.UpdateExecution(exec.ID, patch); err != nil {
			return Verdict{}, err
		}
		log.Printf("[stagnation] execution %s completed: all stories pass", exec.Branch)
		return Verdict{}, nil
	}

	if counters.ConsecutiveNoProgress >= opts.NoProgressThreshold {
		withinWindow := opts.NoProgressTimeout <= 0 || now.Sub(lastProgressAt) >= opts.NoProgressTimeout
		if withinWindow {
			failed := models.StatusFailed
			patch.Status = &failed
			if _, err := store.UpdateExecution(exec.ID, patch); err != nil {
				return Verdict{}, err
			}
			log.Printf("[stagnation] execution %s stagnant: no_progress", exec.Branch)
			return Verdict{Stagnant: true, Kind: NoProgress, Reason: "no file or liveness signal progress across consecutive loops"}, nil
		}
	}

	if counters.ConsecutiveErrors >= opts.SameErrorThreshold {
		failed := models.StatusFailed
		patch.Status = &failed
		if _, err := store.UpdateExecution(exec.ID, patch); err != nil {
			return Verdict{}, err
		}
		log.Printf("[stagnation] execution %s stagnant: repeated_error", exec.Branch)
		return Verdict{Stagnant: true, Kind: RepeatedError, Reason: "same error repeated across consecutive loops"}, nil
	}

	if _, err := store.UpdateExecution(exec.ID, patch); err != nil {
		return Verdict{}, err
	}

	pending, err := store.PendingStoryCount(executionID)
	if err != nil {
		return Verdict{}, err
	}
	if pending > 0 && counters.LoopCount >= opts.MaxLoopsPerStory*pending {
		return Verdict{Stagnant: true, Kind: MaxLoops, Reason: "loop count exceeded maxLoopsPerStory * pending stories"}, nil
	}

	return Verdict{}, nil
}

// CheckStagnation is the read-only evaluator used by dashboards: it
// applies RecordLoopResult's no_progress and repeated_error rules to the
// execution's current counters, without mutating anything. The max_loops
// rule is not evaluated here.
func CheckStagnation(exec *models.Execution, opts Options) Verdict {
	opts.Thresholds = opts.Thresholds.withDefaults()

	if exec.ConsecutiveNoProgress >= opts.NoProgressThreshold {
		withinWindow := opts.NoProgressTimeout <= 0 || time.Since(exec.LastProgressAt) >= opts.NoProgressTimeout
		if withinWindow {
			return Verdict{Stagnant: true, Kind: NoProgress, Reason: "no progress for consecutive loops"}
		}
	}
	if exec.ConsecutiveErrors >= opts.SameErrorThreshold {
		return Verdict{Stagnant: true, Kind: RepeatedError, Reason: "same error repeated"}
	}
	return Verdict{}
}
