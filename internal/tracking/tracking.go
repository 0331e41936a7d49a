// Package tracking resolves the sub-issues belonging to a parent task and
// detects the textual markers agents leave behind: the "done" marker used
// as one of the two completion signals, and the orchestrator's own
// assignment comment used for idempotency checks.
package tracking

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/drover/internal/gateway"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
	"github.com/fyrsmithlabs/drover/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/drover/internal/tracking"

// DefaultDoneMarker is the completion marker agents are instructed to
// leave in a sub-issue body or comment when they consider their slice of
// work finished.
const DefaultDoneMarker = "<!-- drover:done -->"

const assignmentMarkerPrefix = "<!-- drover:assigned"

// AssignmentComment renders the comment written to an issue when an agent
// is assigned. Its marker prefix is what HasAssignmentComment scans for,
// so re-driving an assignment can tell whether the comment already went
// out.
func AssignmentComment(agent, invocationID string) string {
	return fmt.Sprintf("%s agent=%s invocation=%s -->\nAssigned to agent `%s`.",
		assignmentMarkerPrefix, agent, invocationID, agent)
}

// IsAssignmentComment reports whether body carries the orchestrator's
// assignment marker.
func IsAssignmentComment(body string) bool {
	return strings.Contains(body, assignmentMarkerPrefix)
}

// Config holds tracking settings.
type Config struct {
	// DoneMarker is the textual completion marker scanned for in issue
	// bodies and comments.
	DoneMarker string
}

// DefaultConfig returns the default tracking configuration.
func DefaultConfig() *Config {
	return &Config{
		DoneMarker: DefaultDoneMarker,
	}
}

// Tracker resolves sub-issue sets and scans for agent markers.
type Tracker interface {
	// Resolve returns the sub-issues of parent as currently visible at
	// the gateway, hydrated with marker and PR evidence and merged with
	// persisted completion flags. Resolved metadata is written back to
	// the store so completed sub-issues are never re-detected.
	Resolve(ctx context.Context, parent int) ([]pipeline.SubIssue, error)

	// HasDoneMarker reports whether the already-fetched issue body or any
	// comment on the issue carries the done marker.
	HasDoneMarker(ctx context.Context, issueNumber int, body string) (bool, error)

	// HasAssignmentComment reports whether the orchestrator's assignment
	// comment exists on the issue.
	HasAssignmentComment(ctx context.Context, issueNumber int) (bool, error)
}

type tracker struct {
	config  *Config
	gateway gateway.Gateway
	store   store.Store
	logger  *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	resolveCounter metric.Int64Counter
}

// New creates a Tracker backed by the given gateway and store.
func New(config *Config, gw gateway.Gateway, st store.Store, logger *zap.Logger) (Tracker, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DoneMarker == "" {
		config.DoneMarker = DefaultDoneMarker
	}

	t := &tracker{
		config:  config,
		gateway: gw,
		store:   st,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	t.initMetrics()

	return t, nil
}

func (t *tracker) initMetrics() {
	var err error
	t.resolveCounter, err = t.meter.Int64Counter(
		"drover.tracking.resolves_total",
		metric.WithDescription("Sub-issue resolution passes"),
		metric.WithUnit("{resolve}"),
	)
	if err != nil {
		t.logger.Warn("failed to create resolve counter", zap.Error(err))
	}
}

func (t *tracker) Resolve(ctx context.Context, parent int) ([]pipeline.SubIssue, error) {
	ctx, span := t.tracer.Start(ctx, "tracking.resolve")
	defer span.End()
	span.SetAttributes(attribute.Int("parent", parent))

	issues, err := t.gateway.ListIssues(ctx, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list issues for sub-issue resolution: %w", err)
	}

	stored, err := t.store.SubIssues(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted sub-issues: %w", err)
	}
	completed := make(map[int]bool, len(stored))
	for _, sub := range stored {
		if sub.Completed {
			completed[sub.Number] = true
		}
	}

	var subs []pipeline.SubIssue
	for _, issue := range issues {
		p, ok := gateway.ParseParent(issue.Labels)
		if !ok || p != parent {
			continue
		}

		sub := pipeline.SubIssue{
			Parent:    parent,
			Number:    issue.Number,
			Title:     issue.Title,
			Agent:     issue.Agent,
			Open:      issue.Open,
			Completed: completed[issue.Number],
		}

		if sub.Completed {
			// Persisted completion flags exist so finished work is never
			// re-detected.
			sub.MarkerPresent = true
		} else {
			marker, err := t.HasDoneMarker(ctx, issue.Number, issue.Body)
			if err != nil {
				return nil, err
			}
			sub.MarkerPresent = marker

			refs, err := t.gateway.FindLinkedPRs(ctx, issue.Number)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve sub-issue pull requests: %w", err)
			}
			sub.PR = pickPR(refs)
		}

		if err := t.store.PutSubIssue(ctx, sub); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	if t.resolveCounter != nil {
		t.resolveCounter.Add(ctx, 1)
	}
	t.logger.Debug("resolved sub-issues",
		zap.Int("parent", parent),
		zap.Int("count", len(subs)),
	)

	return subs, nil
}

func (t *tracker) HasDoneMarker(ctx context.Context, issueNumber int, body string) (bool, error) {
	if strings.Contains(body, t.config.DoneMarker) {
		return true, nil
	}

	comments, err := t.gateway.ListComments(ctx, issueNumber)
	if err != nil {
		return false, fmt.Errorf("failed to scan comments for done marker: %w", err)
	}
	for _, c := range comments {
		if strings.Contains(c.Body, t.config.DoneMarker) {
			return true, nil
		}
	}
	return false, nil
}

func (t *tracker) HasAssignmentComment(ctx context.Context, issueNumber int) (bool, error) {
	comments, err := t.gateway.ListComments(ctx, issueNumber)
	if err != nil {
		return false, fmt.Errorf("failed to scan comments for assignment marker: %w", err)
	}
	for _, c := range comments {
		if IsAssignmentComment(c.Body) {
			return true, nil
		}
	}
	return false, nil
}

// pickPR chooses the sub-issue's authoritative PR: merged beats open,
// open beats closed.
func pickPR(refs []pipeline.PullRequestRef) *pipeline.PullRequestRef {
	var open, closed *pipeline.PullRequestRef
	for i := range refs {
		switch refs[i].State {
		case pipeline.PRMerged:
			return &refs[i]
		case pipeline.PROpen:
			if open == nil {
				open = &refs[i]
			}
		default:
			if closed == nil {
				closed = &refs[i]
			}
		}
	}
	if open != nil {
		return open
	}
	return closed
}
