package pipeline

import "time"

// PRState is the lifecycle state of a linked pull request.
type PRState string

const (
	PROpen   PRState = "open"
	PRClosed PRState = "closed"
	PRMerged PRState = "merged"
)

// ReviewStatus summarizes the review position of a pull request.
type ReviewStatus string

const (
	ReviewNone             ReviewStatus = "none"
	ReviewPending          ReviewStatus = "pending"
	ReviewApproved         ReviewStatus = "approved"
	ReviewChangesRequested ReviewStatus = "changes_requested"
)

// PullRequestRef is a cycle-local reference to a linked pull request.
// It is recomputed from the gateway every cycle and never persisted as a
// source of truth.
type PullRequestRef struct {
	Number int          `json:"number"`
	Title  string       `json:"title,omitempty"`
	State  PRState      `json:"state"`
	Review ReviewStatus `json:"review"`
	// ReadyToMerge is derived: open, not draft, and mergeable per the
	// gateway's view.
	ReadyToMerge bool `json:"ready_to_merge"`
	Draft        bool `json:"draft,omitempty"`
}

// TrackedIssue is the unit of orchestrated work as seen within a cycle.
type TrackedIssue struct {
	Number int    `json:"number"`
	Repo   string `json:"repo"`
	Title  string `json:"title,omitempty"`
	Stage  Stage  `json:"stage"`
	// Agent is the assigned agent identifier, empty when unassigned.
	Agent        string    `json:"agent,omitempty"`
	LastAdvanced time.Time `json:"last_advanced"`
	StallCount   int       `json:"stall_count"`
}

// SubIssue is a child unit of work spawned for a TrackedIssue. The list of
// sub-issues is rebuilt from the gateway each cycle; only the completion
// flag is persisted.
type SubIssue struct {
	Parent int    `json:"parent"`
	Number int    `json:"number"`
	Title  string `json:"title,omitempty"`
	Agent  string `json:"agent,omitempty"`
	// PR is the sub-issue's associated pull request, nil until one is
	// linked.
	PR *PullRequestRef `json:"pr,omitempty"`
	// Open reports the external issue state.
	Open bool `json:"open"`
	// MarkerPresent is set when an explicit "done" marker was found in
	// the sub-issue body or comments.
	MarkerPresent bool `json:"marker_present"`
	Completed     bool `json:"completed"`
}

// AgentAssignment records which agent owns a tracked issue and when the
// assignment was made. InvocationID identifies the one agent invocation
// permitted per assignment and appears in the assignment comment used for
// idempotency checks.
type AgentAssignment struct {
	Agent        string    `json:"agent"`
	AssignedAt   time.Time `json:"assigned_at"`
	InvocationID string    `json:"invocation_id"`
}

// Timeline event types surfaced by the gateway.
const (
	EventCrossReferenced = "cross-referenced"
	EventMerged          = "merged"
	EventReviewed        = "reviewed"
	EventClosed          = "closed"
	EventCommented       = "commented"
	EventLabeled         = "labeled"
)

// TimelineEvent is one ordered entry from an issue's external timeline.
type TimelineEvent struct {
	Type      string    `json:"type"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// PRNumber is set for cross-referenced and merged events.
	PRNumber int `json:"pr_number,omitempty"`
	// ReviewState is set for reviewed events ("approved",
	// "changes_requested", "commented").
	ReviewState string `json:"review_state,omitempty"`
	// Body carries comment text for commented events.
	Body string `json:"body,omitempty"`
}

// State is the durable projection of a tracked issue's orchestration
// status. The store is its sole writer; everything else reads it or
// proposes transitions through the engine's compare-and-set.
type State struct {
	IssueNumber    int       `json:"issue_number"`
	Repo           string    `json:"repo"`
	Stage          Stage     `json:"stage"`
	EnteredStageAt time.Time `json:"entered_stage_at"`
	LastAdvancedAt time.Time `json:"last_advanced_at"`
	// StalledFrom is the stage a Stalled issue fell from; meaningful
	// only while Stage == StageStalled.
	StalledFrom Stage `json:"stalled_from,omitempty"`
	StallCount  int   `json:"stall_count"`
	// Agent and AssignedAt mirror the active assignment; Agent empty
	// means unassigned. InvocationID ties the assignment to its one
	// permitted agent invocation.
	Agent        string    `json:"agent,omitempty"`
	AssignedAt   time.Time `json:"assigned_at,omitzero"`
	InvocationID string    `json:"invocation_id,omitempty"`
	// LastError annotates the most recent per-issue failure; cleared on
	// the next successful transition.
	LastError string `json:"last_error,omitempty"`
	// LastSeenAt is the last cycle that observed the issue in a gateway
	// listing. An issue missing from listings is "currently unknown",
	// never silently dropped.
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	ArchivedAt time.Time `json:"archived_at,omitzero"`
}

// Assigned reports whether an active agent assignment exists.
func (s *State) Assigned() bool {
	return s.Agent != ""
}

// Assignment returns the active assignment, or nil when unassigned.
func (s *State) Assignment() *AgentAssignment {
	if !s.Assigned() {
		return nil
	}
	return &AgentAssignment{
		Agent:        s.Agent,
		AssignedAt:   s.AssignedAt,
		InvocationID: s.InvocationID,
	}
}

// CompletionFacts summarizes the completion detector's verdicts on a
// snapshot. They are computed while the snapshot is assembled, so the
// transition decision itself stays a pure function of snapshot and
// stored state.
type CompletionFacts struct {
	// Reviewable: every sub-issue (or the parent's own PRs) carries a PR
	// in a reviewable state.
	Reviewable bool `json:"reviewable"`
	// ReviewSatisfied: the review gate passes for every open linked PR.
	ReviewSatisfied bool `json:"review_satisfied"`
	// MergeQueue lists the open PRs eligible to merge, in merge order.
	MergeQueue []PullRequestRef `json:"merge_queue,omitempty"`
	// Complete: the aggregate dual-signal completion verdict.
	Complete bool `json:"complete"`
	// Inconsistent: completion signals disagree; recovery re-examines.
	Inconsistent bool   `json:"inconsistent,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Snapshot is the cycle-local external view of one issue, assembled by
// the poller from gateway reads and handed to the transition engine. It
// is discarded when the cycle ends.
type Snapshot struct {
	Issue TrackedIssue `json:"issue"`
	// ExternalStatus is the status label value currently on the issue.
	ExternalStatus string `json:"external_status"`
	// Open reports whether the parent issue itself is open.
	Open bool             `json:"open"`
	Subs []SubIssue       `json:"subs,omitempty"`
	PRs  []PullRequestRef `json:"prs,omitempty"`
	// MarkerPresent reports a "done" marker on the parent issue itself.
	MarkerPresent bool `json:"marker_present"`
	// AssignmentCommentPresent reports whether the orchestrator's own
	// assignment comment exists; recovery's idempotency check.
	AssignmentCommentPresent bool `json:"assignment_comment_present"`
	// EligibleAgent is the agent that would take new work this cycle,
	// empty when none is available.
	EligibleAgent string `json:"eligible_agent,omitempty"`
	// Completion holds the detector's verdicts for this snapshot.
	Completion CompletionFacts `json:"completion"`
	// FetchedAt is when the snapshot was assembled.
	FetchedAt time.Time `json:"fetched_at"`
}

// AgentActive reports gateway-visible evidence that an agent has begun
// work: a linked PR or any sub-issue.
func (s *Snapshot) AgentActive() bool {
	return len(s.PRs) > 0 || len(s.Subs) > 0
}

// OpenPRs returns the subset of linked PRs still open.
func (s *Snapshot) OpenPRs() []PullRequestRef {
	var open []PullRequestRef
	for _, pr := range s.PRs {
		if pr.State == PROpen {
			open = append(open, pr)
		}
	}
	return open
}
