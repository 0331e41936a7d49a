// Package events publishes pipeline transition events to a NATS broker.
//
// Publishing is strictly best-effort: a transition that already committed
// to the store is never rolled back or retried because the broker was
// unreachable. Downstream consumers (dashboards, notification bots) must
// tolerate gaps and treat the store as the source of truth. When no
// broker URL is configured the publisher is a no-op.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/drover/internal/pipeline"
)

const instrumentationName = "github.com/fyrsmithlabs/drover/internal/events"

// TransitionEvent is the payload published for every stage transition.
type TransitionEvent struct {
	Repo       string         `json:"repo"`
	Issue      int            `json:"issue"`
	From       pipeline.Stage `json:"from"`
	To         pipeline.Stage `json:"to"`
	Agent      string         `json:"agent,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher emits transition events. Implementations never block beyond
// the local client buffer; callers log and continue on error.
type Publisher interface {
	PublishTransition(ctx context.Context, ev TransitionEvent) error
	Close()
}

// Config configures the NATS publisher.
type Config struct {
	// URL is the broker address. Empty disables publishing entirely.
	URL string

	// Name identifies this connection to the broker.
	Name string
}

// DefaultConfig returns sensible defaults. URL must still be provided
// to enable publishing.
func DefaultConfig() *Config {
	return &Config{
		Name: "droverd",
	}
}

// natsPublisher implements Publisher over a core NATS connection.
type natsPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	publishCounter metric.Int64Counter
}

// New creates a Publisher. An empty URL yields a no-op publisher so
// callers need no conditional wiring.
func New(config *Config, logger *zap.Logger) (Publisher, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.URL == "" {
		logger.Info("event publishing disabled, no broker URL configured")
		return NewNoop(), nil
	}

	name := config.Name
	if name == "" {
		name = DefaultConfig().Name
	}

	nc, err := nats.Connect(config.URL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", config.URL, err)
	}
	logger.Info("connected to NATS", zap.String("url", config.URL))

	p := &natsPublisher{
		conn:   nc,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	p.initMetrics()
	return p, nil
}

func (p *natsPublisher) initMetrics() {
	var err error
	p.publishCounter, err = p.meter.Int64Counter(
		"drover.events.published_total",
		metric.WithDescription("Transition events handed to the broker"),
	)
	if err != nil {
		p.logger.Warn("failed to create publish counter", zap.Error(err))
	}
}

// PublishTransition emits one transition event.
func (p *natsPublisher) PublishTransition(ctx context.Context, ev TransitionEvent) error {
	_, span := p.tracer.Start(ctx, "events.publish_transition")
	defer span.End()
	span.SetAttributes(
		attribute.Int("issue.number", ev.Issue),
		attribute.String("stage.to", ev.To.String()),
	)

	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal transition event: %w", err)
	}

	subject := Subject(ev.Repo, ev.Issue, ev.To)
	if err := p.conn.Publish(subject, data); err != nil {
		p.recordPublish(ctx, "error")
		span.RecordError(err)
		return fmt.Errorf("failed to publish transition event: %w", err)
	}

	p.recordPublish(ctx, "published")
	p.logger.Debug("published transition event",
		zap.String("subject", subject),
		zap.Int("issue", ev.Issue),
		zap.String("to", ev.To.String()))
	return nil
}

func (p *natsPublisher) recordPublish(ctx context.Context, outcome string) {
	if p.publishCounter == nil {
		return
	}
	p.publishCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// Close releases the broker connection.
func (p *natsPublisher) Close() {
	p.conn.Close()
}

// Subject returns the broker subject for a transition into the given
// stage, e.g. "pipeline.fyrsmithlabs.widgets.7.in_progress". The repo's
// owner/name halves become separate subject tokens.
func Subject(repo string, issue int, to pipeline.Stage) string {
	return fmt.Sprintf("pipeline.%s.%d.%s", sanitizeRepo(repo), issue, to)
}

// sanitizeRepo makes a repo slug safe for use inside a subject. NATS
// reserves '.', '*', and '>' as subject syntax.
func sanitizeRepo(repo string) string {
	return strings.NewReplacer(
		"/", ".",
		".", "-",
		"*", "-",
		">", "-",
		" ", "-",
	).Replace(repo)
}

// noopPublisher drops every event.
type noopPublisher struct{}

// NewNoop returns a Publisher that discards all events.
func NewNoop() Publisher {
	return noopPublisher{}
}

func (noopPublisher) PublishTransition(context.Context, TransitionEvent) error { return nil }
func (noopPublisher) Close()                                                   {}

var _ Publisher = (*natsPublisher)(nil)
var _ Publisher = noopPublisher{}
