package models

// ArchivedExecution has the same shape as Execution. Executions enter the
// archive on terminal disposition (merged, or reconciler-driven failure).
type ArchivedExecution = Execution

// ArchivedUserStory has the same shape as UserStory.
type ArchivedUserStory = UserStory

// DefaultMaxArchivedExecutions is the retention cap enforced by the
// archive; oldest entries (by MergedAt, falling back to UpdatedAt) are
// evicted first.
const DefaultMaxArchivedExecutions = 50
