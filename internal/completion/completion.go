// Package completion decides whether a unit of agent work is genuinely
// finished. Two independent signals must agree: the textual done marker
// an agent leaves behind, and gateway evidence that the linked pull
// request was merged, not merely closed. A marker without a merge (or a
// merge without a marker) is never granted; the disagreement is surfaced
// as an inconsistent result for recovery to re-examine, because markers
// can be stale or manipulated while merge state is authoritative.
package completion

import (
	"context"
	"fmt"

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

const instrumentationName = "github.com/fyrsmithlabs/drover/internal/completion"

// Config holds completion policy settings.
type Config struct {
	// RequireApproval gates merging and completion on a recorded
	// approving review.
	RequireApproval bool
}

// DefaultConfig returns the default completion policy.
func DefaultConfig() *Config {
	return &Config{
		RequireApproval: true,
	}
}

// Result is the completion verdict for one unit of work.
type Result struct {
	Complete bool
	// Inconsistent marks disagreeing completion signals; the issue stays
	// where it is and recovery re-examines it later.
	Inconsistent bool
	Reason       string
}

// Detector evaluates completion and review-gate conditions.
type Detector interface {
	// EvaluateSub decides completion for a single sub-issue, fetching the
	// linked PR's timeline to corroborate merge state. This is the
	// longest-latency call in a cycle and honors ctx cancellation.
	EvaluateSub(ctx context.Context, sub pipeline.SubIssue) (Result, error)

	// EvaluateIssue decides aggregate completion for a parent snapshot:
	// every sub-issue complete and every linked PR merged. Newly granted
	// sub-issue completions are persisted so they are never re-detected.
	EvaluateIssue(ctx context.Context, snap *pipeline.Snapshot) (Result, error)

	// Facts bundles every verdict for a snapshot, filled in before the
	// transition decision runs so that decision can stay pure.
	Facts(ctx context.Context, snap *pipeline.Snapshot) (pipeline.CompletionFacts, error)

	// Reviewable reports whether review can begin: every sub-issue
	// carries a PR in a reviewable state (open and not draft, or already
	// merged). Without sub-issues the parent's own PRs stand in.
	Reviewable(snap *pipeline.Snapshot) bool

	// ReviewSatisfied reports whether the review gate passes for every
	// open linked PR.
	ReviewSatisfied(snap *pipeline.Snapshot) bool

	// MergeQueue returns the open PRs eligible to merge now, sub-issue
	// PRs first, each to be merged and confirmed one at a time.
	MergeQueue(snap *pipeline.Snapshot) []pipeline.PullRequestRef
}

type detector struct {
	config  *Config
	gateway gateway.Gateway
	store   store.Store
	logger  *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	evalCounter metric.Int64Counter
}

// New creates a Detector using the gateway for timeline corroboration
// and the store for persisting granted sub-issue completions.
func New(config *Config, gw gateway.Gateway, st store.Store, logger *zap.Logger) (Detector, error) {
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

	d := &detector{
		config:  config,
		gateway: gw,
		store:   st,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	d.initMetrics()

	return d, nil
}

func (d *detector) initMetrics() {
	var err error
	d.evalCounter, err = d.meter.Int64Counter(
		"drover.completion.evaluations_total",
		metric.WithDescription("Completion evaluations by outcome"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		d.logger.Warn("failed to create evaluation counter", zap.Error(err))
	}
}

func (d *detector) countEval(ctx context.Context, outcome string) {
	if d.evalCounter == nil {
		return
	}
	d.evalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func outcome(r Result) string {
	switch {
	case r.Complete:
		return "complete"
	case r.Inconsistent:
		return "inconsistent"
	default:
		return "incomplete"
	}
}

func (d *detector) EvaluateSub(ctx context.Context, sub pipeline.SubIssue) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "completion.evaluate_sub")
	defer span.End()
	span.SetAttributes(attribute.Int("parent", sub.Parent), attribute.Int("sub", sub.Number))

	r, err := d.evaluateSub(ctx, sub)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	d.countEval(ctx, outcome(r))
	if r.Inconsistent {
		d.logger.Debug("completion signals disagree",
			zap.Int("sub", sub.Number),
			zap.String("reason", r.Reason),
		)
	}
	return r, nil
}

func (d *detector) evaluateSub(ctx context.Context, sub pipeline.SubIssue) (Result, error) {
	// A persisted completion flag is settled; never re-detected.
	if sub.Completed {
		return Result{Complete: true}, nil
	}

	merged := sub.PR != nil && sub.PR.State == pipeline.PRMerged

	switch {
	case !sub.MarkerPresent && !merged:
		// The signals agree: not done.
		return Result{Reason: "no completion evidence"}, nil
	case sub.MarkerPresent && !merged:
		return Result{
			Inconsistent: true,
			Reason:       fmt.Sprintf("done marker on #%d but no merged pull request", sub.Number),
		}, nil
	}

	// The PR claims merged; corroborate against its timeline before
	// trusting it.
	confirmed, approved, err := d.prEvidence(ctx, sub.PR.Number)
	if err != nil {
		return Result{}, err
	}
	if !confirmed {
		return Result{
			Inconsistent: true,
			Reason:       fmt.Sprintf("pull request #%d reports merged without a timeline merge event", sub.PR.Number),
		}, nil
	}
	if !sub.MarkerPresent {
		return Result{
			Inconsistent: true,
			Reason:       fmt.Sprintf("pull request #%d merged but no done marker on #%d", sub.PR.Number, sub.Number),
		}, nil
	}
	if d.config.RequireApproval && !approved && sub.PR.Review != pipeline.ReviewApproved {
		return Result{
			Inconsistent: true,
			Reason:       fmt.Sprintf("pull request #%d merged without a recorded approval", sub.PR.Number),
		}, nil
	}

	return Result{Complete: true}, nil
}

func (d *detector) EvaluateIssue(ctx context.Context, snap *pipeline.Snapshot) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "completion.evaluate_issue")
	defer span.End()
	span.SetAttributes(attribute.Int("issue", snap.Issue.Number))

	r, err := d.evaluateIssue(ctx, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	d.countEval(ctx, outcome(r))
	return r, nil
}

func (d *detector) evaluateIssue(ctx context.Context, snap *pipeline.Snapshot) (Result, error) {
	// Without sub-issues the parent's own PR carries the work; the same
	// dual-signal rule applies to it directly.
	if len(snap.Subs) == 0 {
		return d.evaluateSub(ctx, pipeline.SubIssue{
			Parent:        snap.Issue.Number,
			Number:        snap.Issue.Number,
			Open:          snap.Open,
			MarkerPresent: snap.MarkerPresent,
			PR:            pickMerged(snap.PRs),
		})
	}

	for _, sub := range snap.Subs {
		r, err := d.evaluateSub(ctx, sub)
		if err != nil {
			return Result{}, err
		}
		if !r.Complete {
			if r.Reason == "" {
				r.Reason = fmt.Sprintf("sub-issue #%d incomplete", sub.Number)
			}
			return r, nil
		}
		if !sub.Completed {
			if err := d.store.MarkSubIssueComplete(ctx, sub.Parent, sub.Number); err != nil {
				d.logger.Warn("failed to persist sub-issue completion",
					zap.Int("parent", sub.Parent),
					zap.Int("sub", sub.Number),
					zap.Error(err),
				)
			}
		}
	}

	// Every sub-issue is complete; an open parent-level PR still holds
	// the aggregate. Closed-unmerged PRs are abandoned work and do not
	// block, they just never count as evidence.
	for _, pr := range snap.PRs {
		if pr.State == pipeline.PROpen {
			return Result{Reason: fmt.Sprintf("pull request #%d not merged", pr.Number)}, nil
		}
	}

	return Result{Complete: true}, nil
}

// pickMerged prefers a merged PR from refs, falling back to the first.
func pickMerged(refs []pipeline.PullRequestRef) *pipeline.PullRequestRef {
	for i := range refs {
		if refs[i].State == pipeline.PRMerged {
			return &refs[i]
		}
	}
	if len(refs) > 0 {
		return &refs[0]
	}
	return nil
}

// prEvidence fetches the PR's timeline and reports whether it carries a
// merge event and an approving review event.
func (d *detector) prEvidence(ctx context.Context, prNumber int) (merged, approved bool, err error) {
	events, err := d.gateway.GetTimeline(ctx, prNumber)
	if err != nil {
		return false, false, fmt.Errorf("failed to fetch pull request timeline: %w", err)
	}
	for _, ev := range events {
		switch ev.Type {
		case pipeline.EventMerged:
			merged = true
		case pipeline.EventReviewed:
			if ev.ReviewState == "approved" {
				approved = true
			}
		}
	}
	return merged, approved, nil
}

func (d *detector) Facts(ctx context.Context, snap *pipeline.Snapshot) (pipeline.CompletionFacts, error) {
	r, err := d.EvaluateIssue(ctx, snap)
	if err != nil {
		return pipeline.CompletionFacts{}, err
	}
	return pipeline.CompletionFacts{
		Reviewable:      d.Reviewable(snap),
		ReviewSatisfied: d.ReviewSatisfied(snap),
		MergeQueue:      d.MergeQueue(snap),
		Complete:        r.Complete,
		Inconsistent:    r.Inconsistent,
		Reason:          r.Reason,
	}, nil
}

func (d *detector) Reviewable(snap *pipeline.Snapshot) bool {
	if len(snap.Subs) == 0 {
		if len(snap.PRs) == 0 {
			return false
		}
		for _, pr := range snap.PRs {
			if !reviewablePR(pr) {
				return false
			}
		}
		return true
	}

	for _, sub := range snap.Subs {
		if sub.Completed {
			continue
		}
		if sub.PR == nil || !reviewablePR(*sub.PR) {
			return false
		}
	}
	return true
}

func reviewablePR(pr pipeline.PullRequestRef) bool {
	if pr.State == pipeline.PRMerged {
		return true
	}
	return pr.State == pipeline.PROpen && !pr.Draft
}

func (d *detector) ReviewSatisfied(snap *pipeline.Snapshot) bool {
	open := snap.OpenPRs()
	for _, sub := range snap.Subs {
		if sub.PR != nil && sub.PR.State == pipeline.PROpen {
			open = append(open, *sub.PR)
		}
	}
	if len(open) == 0 {
		return false
	}
	for _, pr := range open {
		if !d.gatePasses(pr) {
			return false
		}
	}
	return true
}

func (d *detector) gatePasses(pr pipeline.PullRequestRef) bool {
	if pr.Review == pipeline.ReviewChangesRequested {
		return false
	}
	if d.config.RequireApproval {
		return pr.Review == pipeline.ReviewApproved
	}
	return true
}

func (d *detector) MergeQueue(snap *pipeline.Snapshot) []pipeline.PullRequestRef {
	var queue []pipeline.PullRequestRef
	seen := make(map[int]bool)

	add := func(pr pipeline.PullRequestRef) {
		if seen[pr.Number] || pr.State != pipeline.PROpen {
			return
		}
		if !pr.ReadyToMerge || !d.gatePasses(pr) {
			return
		}
		seen[pr.Number] = true
		queue = append(queue, pr)
	}

	for _, sub := range snap.Subs {
		if sub.PR != nil {
			add(*sub.PR)
		}
	}
	for _, pr := range snap.PRs {
		add(pr)
	}
	return queue
}
