// Package agent delivers work orders to autonomous coding agents.
//
// The orchestrator never manages agent processes. Assignment hands an
// issue to an agent by posting a signed work order to the agent's
// webhook endpoint; from that point the agent works independently and
// the orchestrator observes progress through the issue tracker. A
// webhook acceptance (any 2xx) means the order was delivered, nothing
// more. Failures are returned to the caller, which records them on the
// issue so stalled-work recovery can re-drive the hand-off later.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/drover/internal/config"
)

const instrumentationName = "github.com/fyrsmithlabs/drover/internal/agent"

// Invocation is one work order: everything an agent needs to pick up an
// issue. The InvocationID is minted fresh per delivery attempt and is
// echoed into the assignment comment so re-deliveries are detectable.
type Invocation struct {
	InvocationID string `json:"invocation_id"`
	Agent        string `json:"agent"`
	Repo         string `json:"repo"`
	Issue        int    `json:"issue"`
	Title        string `json:"title"`
	Instructions string `json:"instructions,omitempty"`
}

// Invoker hands work orders to agents.
type Invoker interface {
	// Invoke delivers one work order. A nil return means the agent
	// accepted the order, not that any work happened.
	Invoke(ctx context.Context, inv Invocation) error
}

// Config configures the webhook-backed invoker.
type Config struct {
	// WebhookURL is the agent's invocation endpoint.
	WebhookURL string

	// Token, when set, is sent as a bearer credential.
	Token config.Secret

	// Timeout bounds the whole delivery attempt.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults. WebhookURL must still be
// provided.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 10 * time.Second,
	}
}

// webhookInvoker implements Invoker by POSTing work orders as JSON.
type webhookInvoker struct {
	config *Config
	client *http.Client
	logger *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	invokeCounter metric.Int64Counter
}

// New creates a webhook-backed Invoker.
func New(config *Config, logger *zap.Logger) (Invoker, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultConfig().Timeout
	}

	w := &webhookInvoker{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	w.initMetrics()
	return w, nil
}

func (w *webhookInvoker) initMetrics() {
	var err error
	w.invokeCounter, err = w.meter.Int64Counter(
		"drover.agent.invocations_total",
		metric.WithDescription("Work orders delivered to agent webhooks"),
	)
	if err != nil {
		w.logger.Warn("failed to create invocation counter", zap.Error(err))
	}
}

// Invoke delivers the work order to the configured webhook.
func (w *webhookInvoker) Invoke(ctx context.Context, inv Invocation) error {
	ctx, span := w.tracer.Start(ctx, "agent.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.id", inv.Agent),
		attribute.Int("issue.number", inv.Issue),
		attribute.String("invocation.id", inv.InvocationID),
	)

	if inv.InvocationID == "" {
		return fmt.Errorf("invocation ID is required")
	}
	if inv.Agent == "" {
		return fmt.Errorf("agent is required")
	}

	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.WebhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.config.Token.IsSet() {
		req.Header.Set("Authorization", "Bearer "+w.config.Token.Value())
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.recordInvoke(ctx, inv.Agent, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook delivery failed")
		return fmt.Errorf("failed to deliver invocation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		w.recordInvoke(ctx, inv.Agent, "rejected")
		err := fmt.Errorf("agent webhook rejected invocation (%d): %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook rejected invocation")
		return err
	}

	w.recordInvoke(ctx, inv.Agent, "accepted")
	w.logger.Info("invoked agent",
		zap.String("agent", inv.Agent),
		zap.Int("issue", inv.Issue),
		zap.String("invocation_id", inv.InvocationID))
	return nil
}

func (w *webhookInvoker) recordInvoke(ctx context.Context, agent, outcome string) {
	if w.invokeCounter == nil {
		return
	}
	w.invokeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("outcome", outcome),
	))
}

// noopInvoker accepts every work order without delivering it anywhere.
// Used when no webhook is configured, so the pipeline still advances in
// setups where agents poll the tracker themselves.
type noopInvoker struct {
	logger *zap.Logger
}

// NewNoop returns an Invoker that records nothing but the log line.
func NewNoop(logger *zap.Logger) Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &noopInvoker{logger: logger}
}

func (n *noopInvoker) Invoke(_ context.Context, inv Invocation) error {
	n.logger.Debug("no webhook configured, skipping agent delivery",
		zap.String("agent", inv.Agent),
		zap.Int("issue", inv.Issue))
	return nil
}

var _ Invoker = (*webhookInvoker)(nil)
var _ Invoker = (*noopInvoker)(nil)
