// Package config provides configuration loading for droverd.
//
// Configuration is loaded from a YAML file with environment variable
// overrides and hardcoded defaults. This package supports the polling
// loop, gateway, recovery, store, server, and observability settings.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete droverd configuration.
type Config struct {
	// Repo is the tracked repository in "owner/name" form.
	Repo string `koanf:"repo"`

	Poller        PollerConfig        `koanf:"poller"`
	Gateway       GatewayConfig       `koanf:"gateway"`
	Agent         AgentConfig         `koanf:"agent"`
	Review        ReviewConfig        `koanf:"review"`
	Recovery      RecoveryConfig      `koanf:"recovery"`
	Store         StoreConfig         `koanf:"store"`
	Server        ServerConfig        `koanf:"server"`
	Events        EventsConfig        `koanf:"events"`
	Log           LogConfig           `koanf:"log"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// PollerConfig holds polling lifecycle settings.
type PollerConfig struct {
	// Interval between polling cycles. A cycle still in flight when the
	// interval elapses causes the late tick to be skipped, not queued.
	Interval Duration `koanf:"interval"`
	// MaxConcurrent bounds per-issue workers within one cycle.
	MaxConcurrent int `koanf:"max_concurrent"`
}

// GatewayConfig holds settings for the project/issue API gateway client.
type GatewayConfig struct {
	Token             Secret   `koanf:"token"`
	RequestTimeout    Duration `koanf:"request_timeout"`
	MaxRetries        int      `koanf:"max_retries"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	// LabelPrefix namespaces the status labels the orchestrator owns,
	// e.g. "pipeline" yields labels like "pipeline:ready".
	LabelPrefix string `koanf:"label_prefix"`
	// BaseURL overrides the API endpoint for GitHub Enterprise installs.
	// Empty means api.github.com.
	BaseURL string `koanf:"base_url"`
}

// AgentConfig identifies the coding agent and how to invoke it.
type AgentConfig struct {
	ID            string   `koanf:"id"`
	WebhookURL    string   `koanf:"webhook_url"`
	WebhookToken  Secret   `koanf:"webhook_token"`
	InvokeTimeout Duration `koanf:"invoke_timeout"`
}

// ReviewConfig holds the review-gate policy.
type ReviewConfig struct {
	// RequireApproval gates completion on an approving review in
	// addition to the PR being merged.
	RequireApproval bool `koanf:"require_approval"`
}

// RecoveryConfig holds stall detection settings. Cooldowns are tunable
// per stage since expected latency differs (review takes longer than
// agent pickup).
type RecoveryConfig struct {
	SweepInterval         Duration `koanf:"sweep_interval"`
	CooldownReady         Duration `koanf:"cooldown_ready"`
	CooldownAgentAssigned Duration `koanf:"cooldown_agent_assigned"`
	CooldownInProgress    Duration `koanf:"cooldown_in_progress"`
	CooldownInReview      Duration `koanf:"cooldown_in_review"`
	CooldownMerging       Duration `koanf:"cooldown_merging"`
}

// StoreConfig holds pipeline state store settings.
type StoreConfig struct {
	Path string `koanf:"path"`
	// ArchiveGrace is how long a Done issue must be stable before its
	// record is archived.
	ArchiveGrace Duration `koanf:"archive_grace"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// EventsConfig holds transition event publishing settings. An empty
// NATSURL disables publishing.
type EventsConfig struct {
	NATSURL string `koanf:"nats_url"`
}

// LogConfig holds logger construction settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration. OTLP export is
// gated by EnableTelemetry; the prometheus registry behind /metrics is
// controlled separately so scraping works without a collector.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	// Endpoint is the OTLP collector address, host:port.
	Endpoint string `koanf:"endpoint"`
	// Protocol selects the OTLP transport: "grpc" or "http/protobuf".
	Protocol string `koanf:"protocol"`
	// Insecure disables TLS toward the collector.
	Insecure bool `koanf:"insecure"`
	// TLSSkipVerify accepts any collector certificate, for internal CAs.
	TLSSkipVerify bool `koanf:"tls_skip_verify"`
	// SampleRate is the parent-based trace sampling ratio, 0 to 1.
	SampleRate float64 `koanf:"sample_rate"`
	// MetricInterval paces OTLP metric export.
	MetricInterval Duration `koanf:"metric_interval"`
	// DisablePrometheus turns off the pull registry served at /metrics,
	// which is otherwise always on.
	DisablePrometheus bool `koanf:"disable_prometheus"`
	// ShutdownTimeout bounds telemetry provider shutdown.
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Repo is not in "owner/name" form
//   - Server port is not between 1 and 65535
//   - Poll interval or shutdown timeout is not positive
//   - The gateway token is missing
//   - Service name is empty when telemetry is enabled
func (c *Config) Validate() error {
	owner, name, ok := strings.Cut(c.Repo, "/")
	if !ok || owner == "" || name == "" {
		return fmt.Errorf("invalid repo %q (must be owner/name)", c.Repo)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Poller.Interval.Duration() <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.Poller.MaxConcurrent < 1 {
		return errors.New("poller max_concurrent must be at least 1")
	}

	if !c.Gateway.Token.IsSet() {
		return errors.New("gateway token is required")
	}
	if c.Gateway.MaxRetries < 0 {
		return errors.New("gateway max_retries cannot be negative")
	}
	if c.Gateway.RequestsPerSecond <= 0 {
		return errors.New("gateway requests_per_second must be positive")
	}

	if c.Agent.ID == "" {
		return errors.New("agent id is required")
	}

	if c.Recovery.SweepInterval.Duration() <= 0 {
		return errors.New("recovery sweep_interval must be positive")
	}

	if c.Store.Path == "" {
		return errors.New("store path is required")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Observability.EnableTelemetry && c.Observability.Endpoint == "" {
		return errors.New("observability endpoint required when telemetry is enabled")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability sample_rate must be between 0 and 1, got %g", c.Observability.SampleRate)
	}

	return nil
}

// Owner returns the repository owner half of Repo.
func (c *Config) Owner() string {
	owner, _, _ := strings.Cut(c.Repo, "/")
	return owner
}

// Name returns the repository name half of Repo.
func (c *Config) Name() string {
	_, name, _ := strings.Cut(c.Repo, "/")
	return name
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = Duration(30 * time.Second)
	}
	if cfg.Poller.MaxConcurrent == 0 {
		cfg.Poller.MaxConcurrent = 4
	}

	if cfg.Gateway.RequestTimeout == 0 {
		cfg.Gateway.RequestTimeout = Duration(15 * time.Second)
	}
	if cfg.Gateway.MaxRetries == 0 {
		cfg.Gateway.MaxRetries = 4
	}
	if cfg.Gateway.RequestsPerSecond == 0 {
		cfg.Gateway.RequestsPerSecond = 5
	}
	if cfg.Gateway.LabelPrefix == "" {
		cfg.Gateway.LabelPrefix = "pipeline"
	}

	if cfg.Agent.InvokeTimeout == 0 {
		cfg.Agent.InvokeTimeout = Duration(10 * time.Second)
	}

	if cfg.Recovery.SweepInterval == 0 {
		cfg.Recovery.SweepInterval = Duration(2 * time.Minute)
	}
	if cfg.Recovery.CooldownReady == 0 {
		cfg.Recovery.CooldownReady = Duration(15 * time.Minute)
	}
	if cfg.Recovery.CooldownAgentAssigned == 0 {
		cfg.Recovery.CooldownAgentAssigned = Duration(10 * time.Minute)
	}
	if cfg.Recovery.CooldownInProgress == 0 {
		cfg.Recovery.CooldownInProgress = Duration(45 * time.Minute)
	}
	if cfg.Recovery.CooldownInReview == 0 {
		cfg.Recovery.CooldownInReview = Duration(4 * time.Hour)
	}
	if cfg.Recovery.CooldownMerging == 0 {
		cfg.Recovery.CooldownMerging = Duration(30 * time.Minute)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.local/share/drover/pipeline.db"
	}
	if cfg.Store.ArchiveGrace == 0 {
		cfg.Store.ArchiveGrace = Duration(24 * time.Hour)
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9820
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "drover"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
	if cfg.Observability.MetricInterval == 0 {
		cfg.Observability.MetricInterval = Duration(15 * time.Second)
	}
	if cfg.Observability.ShutdownTimeout == 0 {
		cfg.Observability.ShutdownTimeout = Duration(5 * time.Second)
	}
}
