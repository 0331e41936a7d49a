// Package telemetry owns droverd's OpenTelemetry provider lifecycle:
// OTLP trace, metric, and log export plus the prometheus registry that
// backs the /metrics endpoint.
//
// New installs the configured providers globally, so packages
// instrument through otel.Tracer and otel.Meter under their own
// instrumentation scope names. Telemetry failures never take the
// daemon down: when an exporter cannot be built the instance degrades
// to no-op providers and reports itself degraded through Health.
//
// The prometheus registry is independent of OTLP export. Scraping
// works without a collector, and when both are on the same meter
// provider feeds both paths.
package telemetry
