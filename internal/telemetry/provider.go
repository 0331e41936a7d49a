package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials"
)

// newResource describes the service. A standalone resource avoids
// schema URL conflicts with resource.Default, which pins a different
// semconv version.
func newResource(cfg *Config) (*resource.Resource, error) {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	), nil
}

// newTracerProvider builds a TracerProvider with an OTLP span exporter.
func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*trace.TracerProvider, error) {
	var exporter trace.SpanExporter
	var err error

	switch cfg.Protocol {
	case "http/protobuf":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(stripScheme(cfg.Endpoint)),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		} else if cfg.TLSSkipVerify {
			opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // explicit opt-in
			}))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc"
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else if cfg.TLSSkipVerify {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // explicit opt-in
			})))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	var sampler trace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = trace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = trace.NeverSample()
	default:
		sampler = trace.TraceIDRatioBased(cfg.SampleRate)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		// Parent-based keeps sampling decisions consistent across
		// propagated contexts.
		trace.WithSampler(trace.ParentBased(sampler)),
	), nil
}

// newMeterProvider builds a MeterProvider feeding up to two readers:
// a periodic OTLP exporter when export is enabled, and a prometheus
// pull reader when a registry is supplied. Returns nil when neither
// applies.
func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource, reg *prometheus.Registry) (*metric.MeterProvider, error) {
	var readers []metric.Reader

	if cfg.Enabled {
		exporter, err := newMetricExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		readers = append(readers, metric.NewPeriodicReader(
			exporter,
			metric.WithInterval(cfg.MetricInterval),
		))
	}

	if reg != nil {
		promReader, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("creating prometheus reader: %w", err)
		}
		readers = append(readers, promReader)
	}

	if len(readers) == 0 {
		return nil, nil
	}

	opts := []metric.Option{metric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, metric.WithReader(r))
	}
	return metric.NewMeterProvider(opts...), nil
}

func newMetricExporter(ctx context.Context, cfg *Config) (metric.Exporter, error) {
	// Prometheus-compatible backends require cumulative temporality.
	// Setting the selector here also overrides the temporality
	// preference env var a parent process may have exported.
	cumulative := func(metric.InstrumentKind) metricdata.Temporality {
		return metricdata.CumulativeTemporality
	}

	var exporter metric.Exporter
	var err error

	switch cfg.Protocol {
	case "http/protobuf":
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlpmetrichttp.WithTemporalitySelector(cumulative),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		} else if cfg.TLSSkipVerify {
			opts = append(opts, otlpmetrichttp.WithTLSClientConfig(&tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // explicit opt-in
			}))
		}
		exporter, err = otlpmetrichttp.New(ctx, opts...)
	default: // "grpc"
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithTemporalitySelector(cumulative),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		} else if cfg.TLSSkipVerify {
			opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // explicit opt-in
			})))
		}
		exporter, err = otlpmetricgrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	return exporter, nil
}

// newLoggerProvider builds a LoggerProvider with an OTLP log exporter.
// It backs the zap bridge core, so daemon logs reach the collector
// alongside traces and metrics.
func newLoggerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	var exporter sdklog.Exporter
	var err error

	switch cfg.Protocol {
	case "http/protobuf":
		opts := []otlploghttp.Option{
			otlploghttp.WithEndpoint(stripScheme(cfg.Endpoint)),
		}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		} else if cfg.TLSSkipVerify {
			opts = append(opts, otlploghttp.WithTLSClientConfig(&tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // explicit opt-in
			}))
		}
		exporter, err = otlploghttp.New(ctx, opts...)
	default: // "grpc"
		opts := []otlploggrpc.Option{
			otlploggrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlploggrpc.WithInsecure())
		} else if cfg.TLSSkipVerify {
			opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // explicit opt-in
			})))
		}
		exporter, err = otlploggrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating log exporter: %w", err)
	}

	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	), nil
}

// stripScheme removes http:// or https:// from an endpoint. The OTLP
// HTTP exporters expect host:port, not a URL.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return endpoint
}
