package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// initMetrics initializes OpenTelemetry metrics.
func (g *gitHubGateway) initMetrics() {
	var err error

	g.callCounter, err = g.meter.Int64Counter(
		"drover.gateway.calls_total",
		metric.WithDescription("Total gateway calls by operation and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		g.logger.Warn("failed to create call counter", zap.Error(err))
	}

	g.callDuration, err = g.meter.Float64Histogram(
		"drover.gateway.call_duration",
		metric.WithDescription("Gateway call duration including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		g.logger.Warn("failed to create call duration histogram", zap.Error(err))
	}

	g.retryCounter, err = g.meter.Int64Counter(
		"drover.gateway.retries_total",
		metric.WithDescription("Total gateway retry attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		g.logger.Warn("failed to create retry counter", zap.Error(err))
	}

	g.rateLimitCounter, err = g.meter.Int64Counter(
		"drover.gateway.rate_limits_total",
		metric.WithDescription("Total rate-limit rejections observed"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		g.logger.Warn("failed to create rate limit counter", zap.Error(err))
	}
}

func (g *gitHubGateway) recordCall(ctx context.Context, op, outcome string, d time.Duration) {
	if g.callCounter != nil {
		g.callCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
	}
	if g.callDuration != nil && d > 0 {
		g.callDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("op", op),
		))
	}
}

func (g *gitHubGateway) countRetry(ctx context.Context, op string) {
	if g.retryCounter != nil {
		g.retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

func (g *gitHubGateway) countRateLimit(ctx context.Context, op string) {
	if g.rateLimitCounter != nil {
		g.rateLimitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}
