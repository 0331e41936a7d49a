package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Telemetry manages the tracer, meter, and logger providers plus the
// prometheus registry, and shuts them down together.
//
// Initialization failures degrade rather than fail: the daemon runs
// without export and Health reports the degradation.
type Telemetry struct {
	config *Config
	logger *zap.Logger

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logProvider    *sdklog.LoggerProvider
	registry       *prometheus.Registry

	healthy  atomic.Bool
	degraded atomic.Bool
}

// HealthStatus reports provider health.
type HealthStatus struct {
	Healthy  bool `json:"healthy"`
	Degraded bool `json:"degraded"`
}

// New builds providers per config and installs the tracer and meter
// providers globally. A nil config gets defaults; a nil logger logs
// nowhere.
//
// Exporter construction errors do not fail New. The affected signal
// is dropped, the instance is marked degraded, and the daemon keeps
// running.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Telemetry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{
		config: cfg,
		logger: logger,
	}
	t.healthy.Store(true)

	if cfg.Prometheus {
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if !cfg.Enabled && t.registry == nil {
		return t, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		t.setDegraded("resource", err)
		return t, nil
	}

	if cfg.Enabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			t.setDegraded("trace exporter", err)
		} else {
			t.tracerProvider = tp
			otel.SetTracerProvider(tp)
		}
	}

	mp, err := newMeterProvider(ctx, cfg, res, t.registry)
	if err != nil {
		t.setDegraded("metric exporter", err)
	} else if mp != nil {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	if cfg.Enabled {
		lp, err := newLoggerProvider(ctx, cfg, res)
		if err != nil {
			t.setDegraded("log exporter", err)
		} else {
			t.logProvider = lp
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return t, nil
}

// Tracer returns a tracer for the given instrumentation scope,
// falling back to the global provider when export is off.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter for the given instrumentation scope, falling
// back to the global provider when no meter provider was built.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// LoggerProvider returns the provider backing the zap bridge core, or
// nil when log export is off.
func (t *Telemetry) LoggerProvider() otellog.LoggerProvider {
	if t == nil || t.logProvider == nil {
		return nil
	}
	return t.logProvider
}

// MetricsHandler returns the /metrics scrape handler, or nil when the
// prometheus registry is disabled.
func (t *Telemetry) MetricsHandler() http.Handler {
	if t == nil || t.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops all providers. When the caller's context
// has no deadline, the configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok && t.config != nil && t.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if t.logProvider != nil {
		if err := t.logProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log provider shutdown: %w", err))
		}
	}

	t.healthy.Store(false)
	return errors.Join(errs...)
}

// ForceFlush exports all pending telemetry immediately.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace flush: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter flush: %w", err))
		}
	}
	if t.logProvider != nil {
		if err := t.logProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log flush: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Health returns the current provider health.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Healthy: false, Degraded: true}
	}
	return HealthStatus{
		Healthy:  t.healthy.Load(),
		Degraded: t.degraded.Load(),
	}
}

// IsEnabled reports whether OTLP export is on and healthy.
func (t *Telemetry) IsEnabled() bool {
	if t == nil || t.config == nil {
		return false
	}
	return t.config.Enabled && t.healthy.Load()
}

func (t *Telemetry) setDegraded(component string, err error) {
	t.degraded.Store(true)
	t.logger.Warn("telemetry degraded",
		zap.String("component", component),
		zap.Error(err))
}
