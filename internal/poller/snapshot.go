package poller

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/drover/internal/completion"
	"github.com/fyrsmithlabs/drover/internal/gateway"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
	"github.com/fyrsmithlabs/drover/internal/tracking"
)

// Assembler builds the cycle-local snapshot for one issue: the issue as
// the gateway sees it, resolved sub-issues, linked pull requests, the
// marker scans, and the completion detector's verdicts. Everything the
// transition decision needs is gathered here so the decision itself can
// stay pure.
type Assembler struct {
	agentID  string
	gateway  gateway.Gateway
	tracker  tracking.Tracker
	detector completion.Detector
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewAssembler creates an Assembler. agentID names the one configured
// agent; it is offered as the eligible agent on every snapshot and the
// agent's own webhook pushes back when it is at capacity.
func NewAssembler(agentID string, gw gateway.Gateway, tracker tracking.Tracker, detector completion.Detector, logger *zap.Logger) (*Assembler, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Assembler{
		agentID:  agentID,
		gateway:  gw,
		tracker:  tracker,
		detector: detector,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}, nil
}

// Snapshot assembles the external view of one tracked issue. The first
// failed read aborts assembly; a partial snapshot would feed the
// decision stale or missing evidence.
func (a *Assembler) Snapshot(ctx context.Context, state pipeline.State) (*pipeline.Snapshot, error) {
	ctx, span := a.tracer.Start(ctx, "poller.snapshot")
	defer span.End()
	span.SetAttributes(attribute.Int("issue.number", state.IssueNumber))

	snap, err := a.assemble(ctx, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return snap, nil
}

func (a *Assembler) assemble(ctx context.Context, state pipeline.State) (*pipeline.Snapshot, error) {
	issue, err := a.gateway.GetIssue(ctx, state.IssueNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to load issue #%d: %w", state.IssueNumber, err)
	}

	subs, err := a.tracker.Resolve(ctx, state.IssueNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sub-issues of #%d: %w", state.IssueNumber, err)
	}

	prs, err := a.gateway.FindLinkedPRs(ctx, state.IssueNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to find pull requests linked to #%d: %w", state.IssueNumber, err)
	}

	marker, err := a.tracker.HasDoneMarker(ctx, state.IssueNumber, issue.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to scan #%d for done marker: %w", state.IssueNumber, err)
	}

	// The assignment comment only matters once an assignment exists;
	// skip the comment listing for everything else.
	var assignmentComment bool
	if state.Assigned() {
		assignmentComment, err = a.tracker.HasAssignmentComment(ctx, state.IssueNumber)
		if err != nil {
			return nil, fmt.Errorf("failed to scan #%d for assignment comment: %w", state.IssueNumber, err)
		}
	}

	snap := &pipeline.Snapshot{
		Issue: pipeline.TrackedIssue{
			Number:       state.IssueNumber,
			Repo:         state.Repo,
			Title:        issue.Title,
			Stage:        state.Stage,
			Agent:        state.Agent,
			LastAdvanced: state.LastAdvancedAt,
			StallCount:   state.StallCount,
		},
		ExternalStatus:           issue.Status,
		Open:                     issue.Open,
		Subs:                     subs,
		PRs:                      prs,
		MarkerPresent:            marker,
		AssignmentCommentPresent: assignmentComment,
		EligibleAgent:            a.agentID,
		FetchedAt:                time.Now().UTC(),
	}

	// Completion verdicts are only meaningful once work can exist, and
	// EvaluateIssue persists granted sub-issue completions, so skip the
	// evaluation for backlog and terminal issues.
	if state.Stage.Active() || state.Stage == pipeline.StageStalled {
		facts, err := a.detector.Facts(ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate completion for #%d: %w", state.IssueNumber, err)
		}
		snap.Completion = facts
	}

	a.logger.Debug("assembled snapshot",
		zap.Int("issue", state.IssueNumber),
		zap.Int("subs", len(snap.Subs)),
		zap.Int("prs", len(snap.PRs)),
		zap.Bool("marker", snap.MarkerPresent),
	)

	return snap, nil
}
