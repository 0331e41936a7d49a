// Package poller runs the orchestrator's polling lifecycle: fixed-interval
// cycles that discover tracked issues from the gateway, assemble a
// snapshot per issue, and hand each one to the transition engine through
// a bounded worker pool.
//
// At most one cycle runs at a time. A tick that lands while a cycle is
// still in flight is skipped, not queued, so a slow remote never builds a
// backlog of overlapping cycles. When the gateway reports rate limiting
// the poller opens a pause window until the advertised reset and attempts
// no transitions inside it.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/drover/internal/engine"
	"github.com/fyrsmithlabs/drover/internal/gateway"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
	"github.com/fyrsmithlabs/drover/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/drover/internal/poller"

// ErrCycleInFlight is returned by Cycle when another cycle holds the
// single-flight lock.
var ErrCycleInFlight = errors.New("a polling cycle is already in flight")

// Config holds poller settings.
type Config struct {
	// Repo is the "owner/name" repository whose issues are orchestrated.
	Repo string

	// Interval is the fixed delay between cycle starts.
	Interval time.Duration

	// MaxConcurrent bounds how many issues are processed in parallel
	// within one cycle.
	MaxConcurrent int

	// ArchiveGrace is how long a completed issue must sit in its
	// terminal stage before the archive pass retires it.
	ArchiveGrace time.Duration
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:      30 * time.Second,
		MaxConcurrent: 4,
		ArchiveGrace:  24 * time.Hour,
	}
}

// Snapshotter assembles the cycle-local snapshot for one issue.
type Snapshotter interface {
	Snapshot(ctx context.Context, state pipeline.State) (*pipeline.Snapshot, error)
}

// CycleStats summarizes one polling cycle.
type CycleStats struct {
	CycleID    string        `json:"cycle_id"`
	StartedAt  time.Time     `json:"started_at"`
	Elapsed    time.Duration `json:"elapsed"`
	Discovered int           `json:"discovered"`
	Processed  int           `json:"processed"`
	Actions    int           `json:"actions"`
	Errors     int           `json:"errors"`
	Archived   int           `json:"archived"`
	// RateLimited marks a cycle cut short (or skipped entirely) by the
	// gateway's rate-limit window.
	RateLimited bool `json:"rate_limited"`
}

// Status is the poller's operator-facing state.
type Status struct {
	Running          bool       `json:"running"`
	CycleInFlight    bool       `json:"cycle_in_flight"`
	RateLimitedUntil time.Time  `json:"rate_limited_until,omitzero"`
	LastCycle        CycleStats `json:"last_cycle"`
}

// Poller drives the polling lifecycle.
type Poller interface {
	// Start launches the polling loop: an immediate first cycle, then one
	// per interval. Idempotent while running; Start after Stop begins a
	// fresh loop.
	Start(ctx context.Context)

	// Stop halts the loop and waits for an in-flight cycle to finish.
	Stop()

	// Cycle runs one polling cycle now. Returns ErrCycleInFlight when a
	// cycle is already running.
	Cycle(ctx context.Context) (CycleStats, error)

	// Status reports the poller's current state and last cycle.
	Status() Status
}

// Issue processing outcomes, recorded per issue.
const (
	outcomeHeld    = "held"
	outcomeAction  = "action"
	outcomeError   = "error"
	outcomeSkipped = "skipped"
)

type poller struct {
	config    *Config
	store     store.Store
	gateway   gateway.Gateway
	engine    engine.Engine
	snapshots Snapshotter
	logger    *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	cycleCounter  metric.Int64Counter
	cycleDuration metric.Float64Histogram
	issueCounter  metric.Int64Counter

	// cycleMu is the single-flight lock; TryLock turns an overlapping
	// cycle into a skip instead of a queue.
	cycleMu sync.Mutex

	mu           sync.Mutex
	running      bool
	inFlight     bool
	last         CycleStats
	blockedUntil time.Time
	cancel       context.CancelFunc
	doneCh       chan struct{}
}

// New creates a Poller.
func New(config *Config, st store.Store, gw gateway.Gateway, eng engine.Engine, snaps Snapshotter, logger *zap.Logger) (Poller, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Repo == "" {
		return nil, fmt.Errorf("repo is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if snaps == nil {
		return nil, fmt.Errorf("snapshotter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.ArchiveGrace <= 0 {
		config.ArchiveGrace = defaults.ArchiveGrace
	}

	p := &poller{
		config:    config,
		store:     st,
		gateway:   gw,
		engine:    eng,
		snapshots: snaps,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	p.initMetrics()

	return p, nil
}

func (p *poller) initMetrics() {
	var err error
	p.cycleCounter, err = p.meter.Int64Counter(
		"drover.poller.cycles_total",
		metric.WithDescription("Polling cycles by outcome"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		p.logger.Warn("failed to create cycle counter", zap.Error(err))
	}

	p.cycleDuration, err = p.meter.Float64Histogram(
		"drover.poller.cycle_duration_seconds",
		metric.WithDescription("Polling cycle duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		p.logger.Warn("failed to create cycle duration histogram", zap.Error(err))
	}

	p.issueCounter, err = p.meter.Int64Counter(
		"drover.poller.issues_processed_total",
		metric.WithDescription("Issues processed per cycle by outcome"),
		metric.WithUnit("{issue}"),
	)
	if err != nil {
		p.logger.Warn("failed to create issue counter", zap.Error(err))
	}
}

func (p *poller) recordCycle(ctx context.Context, outcome string) {
	if p.cycleCounter == nil {
		return
	}
	p.cycleCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (p *poller) recordIssue(ctx context.Context, outcome string) {
	if p.issueCounter == nil {
		return
	}
	p.issueCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Start launches the polling loop.
func (p *poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.doneCh = make(chan struct{})
	p.running = true

	p.logger.Info("starting poller",
		zap.String("repo", p.config.Repo),
		zap.Duration("interval", p.config.Interval),
		zap.Int("max_concurrent", p.config.MaxConcurrent),
	)
	go p.run(runCtx, p.doneCh)
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (p *poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.doneCh
	p.mu.Unlock()

	cancel()
	<-done

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.logger.Info("poller stopped")
}

// Status reports the poller's current state.
func (p *poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Running:       p.running,
		CycleInFlight: p.inFlight,
		LastCycle:     p.last,
	}
	if time.Now().Before(p.blockedUntil) {
		s.RateLimitedUntil = p.blockedUntil
	}
	return s
}

func (p *poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	p.cycleAndLog(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycleAndLog(ctx)
			// A tick that accumulated while the cycle ran would fire
			// immediately; drop it so the next cycle waits a full
			// interval.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

func (p *poller) cycleAndLog(ctx context.Context) {
	if _, err := p.Cycle(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("polling cycle failed", zap.Error(err))
	}
}

// Cycle runs one polling cycle: discover issues carrying active status
// labels, process each through the engine, then archive completed issues
// past their grace period. Per-issue failures are recorded on the issue
// and counted, never fatal to the cycle.
func (p *poller) Cycle(ctx context.Context) (CycleStats, error) {
	if !p.cycleMu.TryLock() {
		p.recordCycle(ctx, "in_flight")
		return CycleStats{}, ErrCycleInFlight
	}
	defer p.cycleMu.Unlock()

	p.setInFlight(true)
	defer p.setInFlight(false)

	stats := CycleStats{
		CycleID:   uuid.New().String(),
		StartedAt: time.Now(),
	}

	if until, limited := p.rateLimitWindow(); limited {
		stats.RateLimited = true
		stats.Elapsed = time.Since(stats.StartedAt)
		p.storeLast(stats)
		p.recordCycle(ctx, "rate_limited")
		p.logger.Info("skipping cycle, gateway rate limited",
			zap.String("cycle_id", stats.CycleID),
			zap.Time("until", until),
		)
		return stats, nil
	}

	ctx, span := p.tracer.Start(ctx, "poller.cycle")
	defer span.End()
	span.SetAttributes(attribute.String("cycle.id", stats.CycleID))

	issues := p.discover(ctx, &stats)
	if !stats.RateLimited {
		p.fanOut(ctx, issues, &stats)
	}
	p.archiveDone(ctx, &stats)

	stats.Elapsed = time.Since(stats.StartedAt)
	span.SetAttributes(
		attribute.Int("cycle.discovered", stats.Discovered),
		attribute.Int("cycle.processed", stats.Processed),
		attribute.Int("cycle.actions", stats.Actions),
		attribute.Int("cycle.errors", stats.Errors),
	)
	if p.cycleDuration != nil {
		p.cycleDuration.Record(ctx, stats.Elapsed.Seconds())
	}
	if stats.RateLimited {
		p.recordCycle(ctx, "rate_limited")
	} else {
		p.recordCycle(ctx, "completed")
	}
	p.storeLast(stats)

	p.logger.Info("polling cycle complete",
		zap.String("cycle_id", stats.CycleID),
		zap.Int("discovered", stats.Discovered),
		zap.Int("processed", stats.Processed),
		zap.Int("actions", stats.Actions),
		zap.Int("errors", stats.Errors),
		zap.Int("archived", stats.Archived),
		zap.Duration("elapsed", stats.Elapsed),
	)

	return stats, nil
}

// discover lists issues carrying each active status label, deduplicated
// by issue number. A rate-limited listing stops discovery and marks the
// cycle; other listing failures skip that bucket only.
func (p *poller) discover(ctx context.Context, stats *CycleStats) []gateway.Issue {
	seen := make(map[int]bool)
	var out []gateway.Issue

	for _, stage := range pipeline.ActiveStages() {
		issues, err := p.gateway.ListIssues(ctx, stage.String())
		if err != nil {
			if p.noteRateLimit(err) {
				stats.RateLimited = true
				break
			}
			stats.Errors++
			p.logger.Warn("failed to list issues",
				zap.String("status", stage.String()),
				zap.Error(err),
			)
			continue
		}
		for _, issue := range issues {
			if seen[issue.Number] {
				continue
			}
			seen[issue.Number] = true
			out = append(out, issue)
		}
	}

	stats.Discovered = len(out)
	return out
}

// fanOut processes the discovered issues through a bounded worker pool.
func (p *poller) fanOut(ctx context.Context, issues []gateway.Issue, stats *CycleStats) {
	if len(issues) == 0 {
		return
	}

	sem := make(chan struct{}, p.config.MaxConcurrent)
	var wg sync.WaitGroup
	var statsMu sync.Mutex

	for _, issue := range issues {
		wg.Add(1)
		go func(issue gateway.Issue) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			// A rate limit hit mid-cycle stops the remaining workers
			// from attempting transitions.
			if p.rateLimited() {
				return
			}

			outcome := p.processIssue(ctx, issue)
			p.recordIssue(ctx, outcome)

			statsMu.Lock()
			defer statsMu.Unlock()
			switch outcome {
			case outcomeSkipped:
			case outcomeAction:
				stats.Processed++
				stats.Actions++
			case outcomeError:
				stats.Processed++
				stats.Errors++
			default:
				stats.Processed++
			}
		}(issue)
	}

	wg.Wait()
}

// processIssue drives one issue through ensure, snapshot, and the
// engine's decide/apply pair.
func (p *poller) processIssue(ctx context.Context, issue gateway.Issue) string {
	state, err := p.store.Ensure(ctx, issue.Number, p.config.Repo, pipeline.StageBacklog)
	if err != nil {
		p.logger.Warn("failed to ensure pipeline state",
			zap.Int("issue", issue.Number),
			zap.Error(err),
		)
		return outcomeError
	}

	// Stalled issues belong to recovery; terminal ones only age toward
	// archival.
	if state.Stage == pipeline.StageStalled || state.Stage.Terminal() {
		return outcomeSkipped
	}

	snap, err := p.snapshots.Snapshot(ctx, state)
	if err != nil {
		if p.noteRateLimit(err) {
			return outcomeSkipped
		}
		if rerr := p.store.RecordError(ctx, issue.Number, fmt.Sprintf("snapshot: %v", err)); rerr != nil {
			p.logger.Warn("failed to record snapshot error",
				zap.Int("issue", issue.Number),
				zap.Error(rerr),
			)
		}
		p.logger.Warn("failed to assemble snapshot",
			zap.Int("issue", issue.Number),
			zap.Error(err),
		)
		return outcomeError
	}

	action, err := p.engine.Process(ctx, snap, state)
	if err != nil {
		if p.noteRateLimit(err) {
			return outcomeSkipped
		}
		// The engine already annotated the issue with the failure.
		p.logger.Warn("failed to process issue",
			zap.Int("issue", issue.Number),
			zap.String("action", action.Kind.String()),
			zap.Error(err),
		)
		return outcomeError
	}

	if action.Kind != engine.ActionNone {
		return outcomeAction
	}
	return outcomeHeld
}

// archiveDone retires completed issues that have sat in their terminal
// stage for the full grace period. Store-only; runs even inside a
// rate-limit window.
func (p *poller) archiveDone(ctx context.Context, stats *CycleStats) {
	states, err := p.store.ListByStage(ctx, pipeline.StageDone)
	if err != nil {
		stats.Errors++
		p.logger.Warn("failed to list completed issues", zap.Error(err))
		return
	}

	for _, state := range states {
		age := time.Since(state.EnteredStageAt)
		if age < p.config.ArchiveGrace {
			continue
		}
		if err := p.store.Archive(ctx, state.IssueNumber); err != nil {
			stats.Errors++
			p.logger.Warn("failed to archive issue",
				zap.Int("issue", state.IssueNumber),
				zap.Error(err),
			)
			continue
		}
		stats.Archived++
		p.logger.Info("archived completed issue",
			zap.Int("issue", state.IssueNumber),
			zap.Duration("stable_for", age),
		)
	}
}

// noteRateLimit opens the pause window when err is a rate-limit
// rejection, using the advertised reset time. Reports whether err was
// rate limiting.
func (p *poller) noteRateLimit(err error) bool {
	if !gateway.IsRateLimited(err) {
		return false
	}
	reset, ok := gateway.ResetTime(err)
	if !ok {
		reset = time.Now().Add(time.Minute)
	}

	p.mu.Lock()
	if reset.After(p.blockedUntil) {
		p.blockedUntil = reset
	}
	p.mu.Unlock()

	p.logger.Warn("gateway rate limited, pausing transitions", zap.Time("until", reset))
	return true
}

func (p *poller) rateLimited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().Before(p.blockedUntil)
}

func (p *poller) rateLimitWindow() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockedUntil, time.Now().Before(p.blockedUntil)
}

func (p *poller) setInFlight(v bool) {
	p.mu.Lock()
	p.inFlight = v
	p.mu.Unlock()
}

func (p *poller) storeLast(stats CycleStats) {
	p.mu.Lock()
	p.last = stats
	p.mu.Unlock()
}

var _ Poller = (*poller)(nil)
var _ Snapshotter = (*Assembler)(nil)
