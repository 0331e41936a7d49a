// Package recovery detects pipeline work that has stopped moving and
// re-drives it. A sweep runs independently of the polling cycle: issues
// that have sat in an active stage beyond that stage's cooldown are
// moved to StageStalled, then re-evaluated with a fresh snapshot under
// the engine's normal rules. Whatever the engine decides is applied
// straight out of StageStalled, so a stalled issue whose conditions have
// since been met skips re-invocation entirely. Only when the engine sees
// nothing to do does recovery consider re-issuing the one side effect
// whose absence explains the stall: an agent invocation that never
// happened despite an assignment record.
//
// All recovery transitions go through the same compare-and-set as the
// main cycle, so a concurrent poller never double-applies.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/drover/internal/agent"
	"github.com/fyrsmithlabs/drover/internal/engine"
	"github.com/fyrsmithlabs/drover/internal/events"
	"github.com/fyrsmithlabs/drover/internal/gateway"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
	"github.com/fyrsmithlabs/drover/internal/store"
	"github.com/fyrsmithlabs/drover/internal/tracking"
)

const instrumentationName = "github.com/fyrsmithlabs/drover/internal/recovery"

// Snapshotter assembles a fresh external view of one issue. The poller's
// snapshot assembler satisfies this; recovery needs its own snapshots
// because a sweep runs between cycles, when no cycle-local snapshot
// exists.
type Snapshotter interface {
	Snapshot(ctx context.Context, state pipeline.State) (*pipeline.Snapshot, error)
}

// Config configures stall detection. Cooldowns are per stage: expected
// latency differs, review sits for hours while agent pickup should take
// minutes.
type Config struct {
	// SweepInterval is the time between periodic sweeps.
	SweepInterval time.Duration

	CooldownReady         time.Duration
	CooldownAgentAssigned time.Duration
	CooldownInProgress    time.Duration
	CooldownInReview      time.Duration
	CooldownMerging       time.Duration
}

// DefaultConfig returns the default recovery configuration.
func DefaultConfig() *Config {
	return &Config{
		SweepInterval:         2 * time.Minute,
		CooldownReady:         15 * time.Minute,
		CooldownAgentAssigned: 10 * time.Minute,
		CooldownInProgress:    45 * time.Minute,
		CooldownInReview:      4 * time.Hour,
		CooldownMerging:       30 * time.Minute,
	}
}

// cooldown returns the stall threshold for an active stage.
func (c *Config) cooldown(stage pipeline.Stage) time.Duration {
	switch stage {
	case pipeline.StageReady:
		return c.CooldownReady
	case pipeline.StageAgentAssigned:
		return c.CooldownAgentAssigned
	case pipeline.StageInProgress:
		return c.CooldownInProgress
	case pipeline.StageInReview:
		return c.CooldownInReview
	case pipeline.StageMerging:
		return c.CooldownMerging
	default:
		return 0
	}
}

// Sweep outcomes for stalled issues.
const (
	outcomeAdvanced  = "advanced"
	outcomeReinvoked = "reinvoked"
	outcomeRemained  = "remained"
	outcomeError     = "error"
)

// Report summarizes one sweep.
type Report struct {
	// Swept is the number of active-stage issues examined.
	Swept int `json:"swept"`
	// Stalled is the number of issues newly moved to StageStalled.
	Stalled int `json:"stalled"`
	// Advanced is the number of stalled issues the engine moved forward.
	Advanced int `json:"advanced"`
	// Reinvoked is the number of stalled assignments re-driven to the
	// agent.
	Reinvoked int `json:"reinvoked"`
	// Remained is the number of stalled issues with nothing to do yet.
	Remained int `json:"remained"`
	// Errors is the number of per-issue failures; they never abort the
	// sweep.
	Errors int `json:"errors"`
	// At and Elapsed locate the sweep in time.
	At      time.Time     `json:"at"`
	Elapsed time.Duration `json:"elapsed"`
}

// Recovery sweeps for stalled pipeline work.
type Recovery interface {
	// Start begins periodic sweeps, including one immediately. It
	// returns without waiting for the first sweep.
	Start(ctx context.Context)
	// Stop halts periodic sweeps and waits for an in-flight sweep to
	// finish.
	Stop()
	// Sweep runs one full pass now: stall detection over active stages,
	// then re-evaluation of everything stalled. Sweeps are serialized.
	Sweep(ctx context.Context) (Report, error)
	// Running reports whether periodic sweeps are active.
	Running() bool
	// LastReport returns the most recent sweep's report.
	LastReport() Report
}

type recovery struct {
	config    *Config
	store     store.Store
	engine    engine.Engine
	snapshots Snapshotter
	invoker   agent.Invoker
	gateway   gateway.Gateway
	publisher events.Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	meter     metric.Meter

	stallCounter   metric.Int64Counter
	outcomeCounter metric.Int64Counter
	sweepDuration  metric.Float64Histogram

	sweepMu sync.Mutex

	mu      sync.Mutex
	running bool
	last    Report
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// New creates the recovery sweeper. Zero durations in config fall back
// to the defaults.
func New(config *Config, st store.Store, eng engine.Engine, snaps Snapshotter, inv agent.Invoker, gw gateway.Gateway, pub events.Publisher, logger *zap.Logger) (Recovery, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if snaps == nil {
		return nil, fmt.Errorf("snapshotter is required")
	}
	if inv == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if pub == nil {
		return nil, fmt.Errorf("publisher is required; pass events.NewNoop() when transition events are disabled")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	defaults := DefaultConfig()
	cfg := *config
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.CooldownReady <= 0 {
		cfg.CooldownReady = defaults.CooldownReady
	}
	if cfg.CooldownAgentAssigned <= 0 {
		cfg.CooldownAgentAssigned = defaults.CooldownAgentAssigned
	}
	if cfg.CooldownInProgress <= 0 {
		cfg.CooldownInProgress = defaults.CooldownInProgress
	}
	if cfg.CooldownInReview <= 0 {
		cfg.CooldownInReview = defaults.CooldownInReview
	}
	if cfg.CooldownMerging <= 0 {
		cfg.CooldownMerging = defaults.CooldownMerging
	}

	r := &recovery{
		config:    &cfg,
		store:     st,
		engine:    eng,
		snapshots: snaps,
		invoker:   inv,
		gateway:   gw,
		publisher: pub,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	r.initMetrics()
	return r, nil
}

func (r *recovery) initMetrics() {
	var err error
	r.stallCounter, err = r.meter.Int64Counter("drover.recovery.stalls_total",
		metric.WithDescription("Issues moved to the stalled stage, by origin stage"))
	if err != nil {
		r.logger.Warn("failed to create stall counter", zap.Error(err))
	}
	r.outcomeCounter, err = r.meter.Int64Counter("drover.recovery.outcomes_total",
		metric.WithDescription("Recovery attempts on stalled issues, by outcome"))
	if err != nil {
		r.logger.Warn("failed to create outcome counter", zap.Error(err))
	}
	r.sweepDuration, err = r.meter.Float64Histogram("drover.recovery.sweep_duration_seconds",
		metric.WithDescription("Duration of recovery sweeps"),
		metric.WithUnit("s"))
	if err != nil {
		r.logger.Warn("failed to create sweep duration histogram", zap.Error(err))
	}
}

// Start begins periodic sweeps. The first sweep runs immediately, which
// is also how legacy issues left mid-pipeline by an earlier process get
// folded back in at startup. A stopped sweeper can be started again,
// which the control API relies on.
func (r *recovery) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.doneCh = make(chan struct{})
	r.running = true

	r.logger.Info("starting recovery sweeper",
		zap.Duration("sweep_interval", r.config.SweepInterval))
	go r.run(runCtx, r.doneCh)
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (r *recovery) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.doneCh
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.logger.Info("recovery sweeper stopped")
}

// Running reports whether periodic sweeps are active.
func (r *recovery) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// LastReport returns the most recent sweep's report.
func (r *recovery) LastReport() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *recovery) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	r.sweepAndLog(ctx)

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepAndLog(ctx)
		}
	}
}

func (r *recovery) sweepAndLog(ctx context.Context) {
	if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("recovery sweep failed", zap.Error(err))
	}
}

// Sweep runs one full recovery pass. Per-issue failures are counted and
// logged but never abort the sweep; only store unavailability does.
func (r *recovery) Sweep(ctx context.Context) (Report, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	ctx, span := r.tracer.Start(ctx, "recovery.sweep")
	defer span.End()

	start := time.Now()
	report := Report{At: start}

	for _, stage := range pipeline.ActiveStages() {
		states, err := r.store.ListByStage(ctx, stage)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list failed")
			return report, fmt.Errorf("failed to list %s issues: %w", stage, err)
		}
		cooldown := r.config.cooldown(stage)
		for _, state := range states {
			report.Swept++
			if time.Since(state.EnteredStageAt) < cooldown {
				continue
			}
			stalled, err := r.stall(ctx, state, cooldown)
			if err != nil {
				report.Errors++
				r.logger.Warn("failed to stall overdue issue",
					zap.Int("issue", state.IssueNumber),
					zap.String("stage", state.Stage.String()),
					zap.Error(err))
				continue
			}
			if stalled {
				report.Stalled++
			}
		}
	}

	stalled, err := r.store.ListByStage(ctx, pipeline.StageStalled)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return report, fmt.Errorf("failed to list stalled issues: %w", err)
	}
	for _, state := range stalled {
		outcome, err := r.recover(ctx, state)
		if err != nil {
			report.Errors++
			r.recordOutcome(ctx, outcomeError)
			r.logger.Warn("recovery attempt failed",
				zap.Int("issue", state.IssueNumber),
				zap.String("stalled_from", state.StalledFrom.String()),
				zap.Error(err))
			if rerr := r.store.RecordError(ctx, state.IssueNumber, fmt.Sprintf("recovery: %v", err)); rerr != nil {
				r.logger.Warn("failed to record issue error",
					zap.Int("issue", state.IssueNumber), zap.Error(rerr))
			}
			continue
		}
		r.recordOutcome(ctx, outcome)
		switch outcome {
		case outcomeAdvanced:
			report.Advanced++
		case outcomeReinvoked:
			report.Reinvoked++
		case outcomeRemained:
			report.Remained++
		}
	}

	report.Elapsed = time.Since(start)
	if r.sweepDuration != nil {
		r.sweepDuration.Record(ctx, report.Elapsed.Seconds())
	}
	span.SetAttributes(
		attribute.Int("swept", report.Swept),
		attribute.Int("stalled", report.Stalled),
		attribute.Int("advanced", report.Advanced),
		attribute.Int("reinvoked", report.Reinvoked),
	)
	r.logger.Info("recovery sweep completed",
		zap.Int("swept", report.Swept),
		zap.Int("stalled", report.Stalled),
		zap.Int("advanced", report.Advanced),
		zap.Int("reinvoked", report.Reinvoked),
		zap.Int("remained", report.Remained),
		zap.Int("errors", report.Errors),
		zap.Duration("elapsed", report.Elapsed))

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, nil
}

// stall moves an overdue issue into StageStalled. A compare-and-set
// conflict means the issue advanced while the sweep was looking at it,
// which is not a stall. Returns whether the issue actually stalled.
func (r *recovery) stall(ctx context.Context, state pipeline.State, cooldown time.Duration) (bool, error) {
	if _, err := r.store.Transition(ctx, state.IssueNumber, state.Stage, pipeline.StageStalled, store.TransitionMeta{StalledFrom: state.Stage}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			r.logger.Debug("issue advanced before stall took effect",
				zap.Int("issue", state.IssueNumber))
			return false, nil
		}
		return false, fmt.Errorf("failed to mark issue stalled: %w", err)
	}
	if err := r.store.RecordStall(ctx, state.IssueNumber); err != nil {
		r.logger.Warn("failed to increment stall counter",
			zap.Int("issue", state.IssueNumber), zap.Error(err))
	}
	r.syncStatusLabel(ctx, state.IssueNumber, pipeline.StageStalled)
	if r.stallCounter != nil {
		r.stallCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", state.Stage.String())))
	}
	r.publish(ctx, state, state.Stage, pipeline.StageStalled,
		fmt.Sprintf("no transition within %s cooldown", cooldown))
	r.logger.Warn("issue stalled",
		zap.Int("issue", state.IssueNumber),
		zap.String("stage", state.Stage.String()),
		zap.Duration("in_stage", time.Since(state.EnteredStageAt)),
		zap.Int("stall_count", state.StallCount+1))
	return true, nil
}

// recover re-evaluates one stalled issue against a fresh snapshot. The
// engine's rules run as if the issue were still in the stage it fell
// from; any resulting action is applied straight out of StageStalled.
func (r *recovery) recover(ctx context.Context, state pipeline.State) (string, error) {
	ctx, span := r.tracer.Start(ctx, "recovery.recover", trace.WithAttributes(
		attribute.Int("issue.number", state.IssueNumber),
		attribute.String("stalled_from", state.StalledFrom.String()),
	))
	defer span.End()

	snap, err := r.snapshots.Snapshot(ctx, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot failed")
		return "", fmt.Errorf("failed to assemble snapshot: %w", err)
	}

	asIf := state
	asIf.Stage = state.StalledFrom
	action := r.engine.Decide(snap, asIf, time.Now())

	if action.Kind != engine.ActionNone {
		action.From = pipeline.StageStalled
		if err := r.engine.Apply(ctx, action, snap); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "apply failed")
			return "", fmt.Errorf("failed to apply %s: %w", action.Kind, err)
		}
		if !action.Kind.Transition() {
			// Merge pacing acted without a stage change; resume normal
			// cycling from the stage the issue fell from.
			if err := r.reset(ctx, state, "merge applied, resuming"); err != nil {
				return "", err
			}
		}
		r.logger.Info("recovered stalled issue",
			zap.Int("issue", state.IssueNumber),
			zap.String("stalled_from", state.StalledFrom.String()),
			zap.String("action", action.Kind.String()),
			zap.String("reason", action.Reason))
		return outcomeAdvanced, nil
	}

	// Nothing to advance. If the assignment's one invocation never
	// reached the agent, re-issue it; the assignment comment is the
	// idempotency check, its presence means the agent was already told.
	if state.StalledFrom == pipeline.StageAgentAssigned && state.Assigned() && !snap.AssignmentCommentPresent {
		return r.reinvoke(ctx, state, snap)
	}

	if action.Inconsistent {
		// Keep the disagreement annotated; stalling cleared the last
		// recorded error.
		if err := r.engine.Apply(ctx, action, snap); err != nil {
			return "", err
		}
	}
	r.logger.Debug("issue remains stalled",
		zap.Int("issue", state.IssueNumber),
		zap.String("stalled_from", state.StalledFrom.String()),
		zap.String("reason", action.Reason))
	return outcomeRemained, nil
}

// reinvoke re-drives the agent invocation for a stalled assignment. The
// stored invocation ID is reused, so the agent can deduplicate, and the
// assignment comment still follows the invocation. On success the issue
// resets to AgentAssigned and the cooldown starts over.
func (r *recovery) reinvoke(ctx context.Context, state pipeline.State, snap *pipeline.Snapshot) (string, error) {
	inv := agent.Invocation{
		InvocationID: state.InvocationID,
		Agent:        state.Agent,
		Repo:         state.Repo,
		Issue:        state.IssueNumber,
		Title:        snap.Issue.Title,
	}
	if err := r.invoker.Invoke(ctx, inv); err != nil {
		return "", fmt.Errorf("failed to re-invoke agent: %w", err)
	}
	if err := r.gateway.Comment(ctx, state.IssueNumber, tracking.AssignmentComment(state.Agent, state.InvocationID)); err != nil {
		return "", fmt.Errorf("failed to post assignment comment: %w", err)
	}
	if err := r.reset(ctx, state, "agent re-invoked"); err != nil {
		return "", err
	}
	r.logger.Info("re-invoked agent for stalled assignment",
		zap.Int("issue", state.IssueNumber),
		zap.String("agent", state.Agent),
		zap.String("invocation_id", state.InvocationID))
	return outcomeReinvoked, nil
}

// reset returns a stalled issue to the stage it fell from. The stage's
// cooldown restarts from the reset.
func (r *recovery) reset(ctx context.Context, state pipeline.State, reason string) error {
	if _, err := r.store.Transition(ctx, state.IssueNumber, pipeline.StageStalled, state.StalledFrom, store.TransitionMeta{}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return fmt.Errorf("failed to reset stalled issue: %w", err)
	}
	r.syncStatusLabel(ctx, state.IssueNumber, state.StalledFrom)
	r.publish(ctx, state, pipeline.StageStalled, state.StalledFrom, reason)
	return nil
}

// syncStatusLabel mirrors a stage onto the external status label. The
// mirror is advisory; a failed write never blocks recovery.
func (r *recovery) syncStatusLabel(ctx context.Context, issue int, stage pipeline.Stage) {
	if err := r.gateway.SetField(ctx, issue, gateway.FieldStatus, stage.String()); err != nil {
		r.logger.Warn("failed to sync status label",
			zap.Int("issue", issue),
			zap.String("status", stage.String()),
			zap.Error(err))
	}
}

// publish emits a transition event for recovery's own stall and reset
// transitions. Engine-applied recoveries publish through the engine.
func (r *recovery) publish(ctx context.Context, state pipeline.State, from, to pipeline.Stage, reason string) {
	ev := events.TransitionEvent{
		Repo:   state.Repo,
		Issue:  state.IssueNumber,
		From:   from,
		To:     to,
		Agent:  state.Agent,
		Reason: reason,
	}
	if err := r.publisher.PublishTransition(ctx, ev); err != nil {
		r.logger.Warn("failed to publish transition event",
			zap.Int("issue", state.IssueNumber), zap.Error(err))
	}
}

func (r *recovery) recordOutcome(ctx context.Context, outcome string) {
	if r.outcomeCounter == nil {
		return
	}
	r.outcomeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome)))
}

var _ Recovery = (*recovery)(nil)
