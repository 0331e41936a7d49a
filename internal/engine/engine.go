// Package engine advances tracked issues through the pipeline.
//
// The engine splits every cycle's work per issue into a pure decision
// and an effectful application. Decide looks only at the cycle-local
// snapshot and the stored state and names at most one action; Apply
// claims that action's transition through the store's compare-and-set
// before issuing any gateway side effect, so two concurrent cycles can
// never double-apply. A claimed transition whose side effects then fail
// is recorded as the issue's last error and re-driven by recovery.
//
// The engine is deliberately conservative: one transition per issue per
// cycle, always the earliest eligible step in the sequence, never
// skipping a stage even when downstream conditions already hold.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/drover/internal/agent"
	"github.com/fyrsmithlabs/drover/internal/events"
	"github.com/fyrsmithlabs/drover/internal/gateway"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
	"github.com/fyrsmithlabs/drover/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/drover/internal/engine"

// Kind names the one action Decide can propose for an issue in a cycle.
type Kind int

const (
	// ActionNone holds the issue where it is.
	ActionNone Kind = iota
	// ActionActivate moves a backlog issue into Ready once a human marks
	// it ready externally.
	ActionActivate
	// ActionAssignAgent hands a Ready issue to an agent: assignment
	// record, labels, one invocation, and the assignment comment.
	ActionAssignAgent
	// ActionMarkInProgress acknowledges observed agent activity.
	ActionMarkInProgress
	// ActionRequestReview moves fully reviewable work into InReview.
	ActionRequestReview
	// ActionBeginMerging moves review-satisfied work into Merging.
	ActionBeginMerging
	// ActionMergeNextPR merges the head of the merge queue. Not a stage
	// transition: one PR per cycle, each confirmed before the next.
	ActionMergeNextPR
	// ActionComplete retires a fully merged, confirmed-closed issue.
	ActionComplete
)

var kindNames = map[Kind]string{
	ActionNone:           "none",
	ActionActivate:       "activate",
	ActionAssignAgent:    "assign_agent",
	ActionMarkInProgress: "mark_in_progress",
	ActionRequestReview:  "request_review",
	ActionBeginMerging:   "begin_merging",
	ActionMergeNextPR:    "merge_next_pr",
	ActionComplete:       "complete",
}

// String returns the snake_case action name used in logs and metrics.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Transition reports whether the action applies a stage transition.
func (k Kind) Transition() bool {
	switch k {
	case ActionNone, ActionMergeNextPR:
		return false
	}
	return true
}

// Action is Decide's verdict for one issue in one cycle.
type Action struct {
	Kind Kind
	// From is the stage the action claims through compare-and-set.
	// Recovery overrides it with StageStalled when re-driving a stalled
	// issue, so the same apply path serves both.
	From pipeline.Stage
	// To is the target stage for transition actions.
	To pipeline.Stage
	// Agent is the agent to assign, for ActionAssignAgent.
	Agent string
	// PR is the pull request to merge, for ActionMergeNextPR.
	PR int
	// Reason is a short operator-facing explanation.
	Reason string
	// Inconsistent flags disagreeing completion signals; the issue holds
	// and the disagreement is recorded for recovery to re-examine.
	Inconsistent bool
}

// Engine drives per-issue pipeline progress.
type Engine interface {
	// Decide is the pure decision step: at most one action for the issue,
	// from snapshot, stored state, and the clock alone.
	Decide(snap *pipeline.Snapshot, state pipeline.State, now time.Time) Action

	// Apply claims the action's transition through the store and then
	// issues its side effects in order. Losing the compare-and-set race
	// is not an error; side-effect failures are recorded on the issue
	// and returned.
	Apply(ctx context.Context, action Action, snap *pipeline.Snapshot) error

	// Process runs Decide then Apply for one issue and returns the
	// decided action.
	Process(ctx context.Context, snap *pipeline.Snapshot, state pipeline.State) (Action, error)
}

type engine struct {
	store     store.Store
	gateway   gateway.Gateway
	invoker   agent.Invoker
	publisher events.Publisher
	logger    *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	actionCounter metric.Int64Counter
}

// New creates an Engine. All dependencies are required; pass
// events.NewNoop() when transition events are disabled.
func New(st store.Store, gw gateway.Gateway, inv agent.Invoker, pub events.Publisher, logger *zap.Logger) (Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if inv == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &engine{
		store:     st,
		gateway:   gw,
		invoker:   inv,
		publisher: pub,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	e.initMetrics()

	return e, nil
}

func (e *engine) initMetrics() {
	var err error
	e.actionCounter, err = e.meter.Int64Counter(
		"drover.engine.actions_total",
		metric.WithDescription("Engine actions by kind and outcome"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		e.logger.Warn("failed to create action counter", zap.Error(err))
	}
}

func (e *engine) recordAction(ctx context.Context, kind Kind, outcome string) {
	if e.actionCounter == nil {
		return
	}
	e.actionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", kind.String()),
		attribute.String("outcome", outcome),
	))
}

// Process runs the decide/apply pair for one issue.
func (e *engine) Process(ctx context.Context, snap *pipeline.Snapshot, state pipeline.State) (Action, error) {
	ctx, span := e.tracer.Start(ctx, "engine.process")
	defer span.End()

	action := e.Decide(snap, state, time.Now())
	span.SetAttributes(
		attribute.Int("issue.number", snap.Issue.Number),
		attribute.String("stage", state.Stage.String()),
		attribute.String("action", action.Kind.String()),
	)

	if err := e.Apply(ctx, action, snap); err != nil {
		return action, err
	}
	return action, nil
}
