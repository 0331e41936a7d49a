package store

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/drover/internal/pipeline"
)

var (
	// ErrNotFound is returned when no state exists for an issue.
	ErrNotFound = errors.New("pipeline state not found")
	// ErrConflict is returned when a Transition's expected stage no
	// longer matches the stored stage.
	ErrConflict = errors.New("pipeline state transition conflict")
	// ErrAssigned is returned when Assign finds an active assignment.
	ErrAssigned = errors.New("issue already assigned")
)

// TransitionMeta carries optional fields applied atomically with a stage
// transition.
type TransitionMeta struct {
	// At is the transition time; zero means now.
	At time.Time
	// StalledFrom records the origin stage when transitioning into
	// StageStalled. Ignored for every other target stage.
	StalledFrom pipeline.Stage
}

// Store is the durable pipeline state repository.
type Store interface {
	// Get returns the state for an issue, or ErrNotFound.
	Get(ctx context.Context, issueID int) (pipeline.State, error)

	// Ensure creates state on first sighting of an issue and refreshes
	// last_seen_at on every later sighting. It never changes the stage of
	// an existing record.
	Ensure(ctx context.Context, issueID int, repo string, stage pipeline.Stage) (pipeline.State, error)

	// Transition moves an issue from one stage to another. It fails with
	// ErrConflict when the stored stage is not from, which is the only
	// concurrency guard for stage mutation. A successful transition
	// clears the last recorded error.
	Transition(ctx context.Context, issueID int, from, to pipeline.Stage, meta TransitionMeta) (pipeline.State, error)

	// RecordStall increments the consecutive-stall counter.
	RecordStall(ctx context.Context, issueID int) error
	// ClearStall resets the consecutive-stall counter.
	ClearStall(ctx context.Context, issueID int) error

	// RecordError annotates the issue with its most recent failure.
	RecordError(ctx context.Context, issueID int, msg string) error
	// ClearError removes the failure annotation.
	ClearError(ctx context.Context, issueID int) error

	// Assign records an active agent assignment, failing with ErrAssigned
	// when one already exists.
	Assign(ctx context.Context, issueID int, agent, invocationID string) error
	// ClearAssignment removes the active assignment, if any.
	ClearAssignment(ctx context.Context, issueID int) error

	// Archive stamps a terminal issue as archived. Archived issues drop
	// out of List.
	Archive(ctx context.Context, issueID int) error

	// List returns all non-archived states ordered by issue number.
	List(ctx context.Context) ([]pipeline.State, error)
	// ListByStage returns non-archived states in the given stage.
	ListByStage(ctx context.Context, stage pipeline.Stage) ([]pipeline.State, error)

	// SubIssues returns the persisted sub-issue records for a parent.
	SubIssues(ctx context.Context, parentID int) ([]pipeline.SubIssue, error)
	// PutSubIssue upserts a sub-issue record. It never clears an existing
	// completion flag; completion is recorded only through
	// MarkSubIssueComplete.
	PutSubIssue(ctx context.Context, sub pipeline.SubIssue) error
	// MarkSubIssueComplete sets the persisted completion flag.
	MarkSubIssueComplete(ctx context.Context, parentID, subID int) error

	// Close releases the underlying database.
	Close() error
}
