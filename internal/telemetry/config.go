package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// Config holds telemetry settings. The daemon maps its observability
// section onto this struct; tests build it directly.
type Config struct {
	// Enabled turns OTLP export on. The prometheus registry is
	// controlled separately so /metrics works without a collector.
	Enabled bool

	// Endpoint is the OTLP collector address as host:port.
	Endpoint string

	// Protocol selects the OTLP transport: "grpc" or "http/protobuf".
	Protocol string

	// Insecure disables TLS. Only allowed for local endpoints.
	Insecure bool

	// TLSSkipVerify accepts any server certificate. For collectors
	// behind internal CAs.
	TLSSkipVerify bool

	ServiceName    string
	ServiceVersion string

	// SampleRate is the trace sampling ratio, 0.0 to 1.0.
	SampleRate float64

	// MetricInterval is the OTLP metric export period.
	MetricInterval time.Duration

	// Prometheus enables the pull registry served at /metrics.
	Prometheus bool

	// ShutdownTimeout bounds provider shutdown when the caller's
	// context carries no deadline.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns telemetry defaults: OTLP export off, the
// prometheus registry on.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		Insecure:        true,
		ServiceName:     "droverd",
		ServiceVersion:  "dev",
		SampleRate:      1.0,
		MetricInterval:  15 * time.Second,
		Prometheus:      true,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration. Export settings are only
// validated when OTLP export is enabled.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required when telemetry is enabled")
	}

	switch c.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("protocol must be %q or %q, got %q", "grpc", "http/protobuf", c.Protocol)
	}

	// Plaintext export is only acceptable when the collector is local.
	if c.Insecure && !c.isLocalEndpoint() {
		return fmt.Errorf("insecure connections to remote endpoints are not allowed; set insecure=false for TLS or use a local endpoint")
	}

	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.MetricInterval <= 0 {
		return fmt.Errorf("metric_interval must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}

	return nil
}

// isLocalEndpoint reports whether the endpoint points at this host.
func (c *Config) isLocalEndpoint() bool {
	host := stripScheme(c.Endpoint)

	if strings.HasPrefix(host, "[") {
		// Bracketed IPv6, [::1]:4317 or [::1].
		if idx := strings.Index(host, "]:"); idx != -1 {
			host = host[1:idx]
		} else if strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	} else if strings.Count(host, ":") == 1 {
		// Hostname or IPv4 with port.
		host = host[:strings.LastIndex(host, ":")]
	}
	// Unbracketed IPv6 keeps its colons and is matched whole below.

	return host == "localhost" ||
		host == "::1" ||
		strings.HasPrefix(host, "127.") ||
		strings.HasPrefix(stripScheme(c.Endpoint), "::1")
}
