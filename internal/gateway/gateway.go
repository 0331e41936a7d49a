package gateway

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/drover/internal/pipeline"
)

// Issue is one listing entry: a tracked-issue candidate as the remote
// service currently sees it.
type Issue struct {
	Number int
	Title  string
	Body   string
	Open   bool
	Labels []string
	// Status is the value of the orchestrator's status label, empty
	// when the issue carries none.
	Status string
	// Agent is the value of the agent label, empty when unassigned.
	Agent string
}

// Comment is one issue comment, newest data the idempotency and marker
// scans need.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// SubIssueSpec describes a child issue to create under a parent.
type SubIssueSpec struct {
	Title string
	Body  string
	// Agent pre-assigns the child to an agent identifier.
	Agent string
}

// Gateway is the orchestrator's contract with the remote project/issue
// service. Implementations classify every failure per the package
// taxonomy; see the package documentation for retry semantics.
type Gateway interface {
	// ListIssues returns the issues currently carrying the given status
	// label value.
	ListIssues(ctx context.Context, status string) ([]Issue, error)

	// GetIssue loads one issue by number.
	GetIssue(ctx context.Context, issueNumber int) (Issue, error)

	// GetFields reads the orchestrator-owned fields of one issue.
	GetFields(ctx context.Context, issueNumber int) (map[string]string, error)

	// SetField writes one orchestrator-owned field ("status" or
	// "agent"). The write is idempotent and may be retried.
	SetField(ctx context.Context, issueNumber int, field, value string) error

	// CreateSubIssue creates a child issue under parent. Attempted
	// exactly once; callers check state before re-issuing.
	CreateSubIssue(ctx context.Context, parent int, spec SubIssueSpec) (pipeline.SubIssue, error)

	// Comment adds a comment to an issue. Attempted exactly once;
	// callers check state before re-issuing.
	Comment(ctx context.Context, issueNumber int, text string) error

	// ListComments returns an issue's comments in creation order.
	ListComments(ctx context.Context, issueNumber int) ([]Comment, error)

	// FindLinkedPRs resolves the pull requests linked to an issue via
	// timeline cross-references, with review state attached.
	FindLinkedPRs(ctx context.Context, issueNumber int) ([]pipeline.PullRequestRef, error)

	// MergePR merges one pull request and confirms the merged state.
	// Attempted exactly once; callers check state before re-issuing.
	MergePR(ctx context.Context, prNumber int) error

	// GetTimeline returns an issue's ordered timeline events.
	GetTimeline(ctx context.Context, issueNumber int) ([]pipeline.TimelineEvent, error)
}

// Field names accepted by SetField and returned by GetFields.
const (
	FieldStatus = "status"
	FieldAgent  = "agent"
)
