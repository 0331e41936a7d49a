// Droverd is the drover orchestration daemon.
//
// It polls a GitHub repository on a fixed interval, drives tracked issues
// through the pipeline stages by assigning work to coding agents, and
// exposes a status/control API for operators.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. See internal/config for details.
//
// Usage:
//
//	# Start with the default config file (~/.config/drover/config.yaml)
//	droverd
//
//	# Start with an explicit config file
//	droverd -config /etc/drover/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/drover/internal/agent"
	"github.com/fyrsmithlabs/drover/internal/completion"
	"github.com/fyrsmithlabs/drover/internal/config"
	"github.com/fyrsmithlabs/drover/internal/engine"
	"github.com/fyrsmithlabs/drover/internal/events"
	"github.com/fyrsmithlabs/drover/internal/gateway"
	droverhttp "github.com/fyrsmithlabs/drover/internal/http"
	"github.com/fyrsmithlabs/drover/internal/logging"
	"github.com/fyrsmithlabs/drover/internal/poller"
	"github.com/fyrsmithlabs/drover/internal/recovery"
	"github.com/fyrsmithlabs/drover/internal/services"
	"github.com/fyrsmithlabs/drover/internal/store"
	"github.com/fyrsmithlabs/drover/internal/telemetry"
	"github.com/fyrsmithlabs/drover/internal/tracking"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file path (default ~/.config/drover/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  droverd           Start the drover daemon\n")
			fmt.Fprintf(os.Stderr, "  droverd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("droverd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled or the
// HTTP server fails.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Build logger, then telemetry, then bridge logs to the collector
//  3. Construct pipeline components in dependency order
//  4. Start the poller, the recovery sweeper, and the HTTP server
//  5. On shutdown, stop in reverse order and join the errors
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting droverd",
		zap.String("version", version),
		zap.String("repo", cfg.Repo),
		zap.Duration("poll_interval", cfg.Poller.Interval.Duration()),
		zap.Int("port", cfg.Server.Port))

	tel, err := telemetry.New(ctx, telemetryConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// Route log entries to the collector as well once providers exist.
	logger = logging.WithOTel(logger, tel.LoggerProvider())

	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}

	srv, err := droverhttp.NewServer(&droverhttp.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Repo:    cfg.Repo,
		Version: version,
	}, reg.Store(), reg.Poller(), reg.Recovery(), reg.Gateway(), tel.MetricsHandler(), logger)
	if err != nil {
		closeRegistry(reg, logger)
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("failed to create http server: %w", err)
	}

	reg.Poller().Start(ctx)
	reg.Recovery().Start(ctx)

	logger.Info("droverd started",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.Bool("metrics_enabled", tel.MetricsHandler() != nil))

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	return errors.Join(runErr, shutdown(reg, srv, tel, cfg, logger))
}

// buildRegistry constructs every pipeline component in dependency order
// and bundles them into the component registry.
func buildRegistry(cfg *config.Config, logger *zap.Logger) (services.Registry, error) {
	st, err := store.New(&store.Config{Path: cfg.Store.Path}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	gw, err := gateway.NewGitHub(&gateway.Config{
		Token:             cfg.Gateway.Token,
		Owner:             cfg.Owner(),
		Repo:              cfg.Name(),
		RequestTimeout:    cfg.Gateway.RequestTimeout.Duration(),
		MaxRetries:        cfg.Gateway.MaxRetries,
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		LabelPrefix:       cfg.Gateway.LabelPrefix,
		BaseURL:           cfg.Gateway.BaseURL,
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	pub, err := events.New(&events.Config{URL: cfg.Events.NATSURL}, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	var inv agent.Invoker
	if cfg.Agent.WebhookURL == "" {
		logger.Info("agent webhook not configured, invocations will be logged only")
		inv = agent.NewNoop(logger)
	} else {
		inv, err = agent.New(&agent.Config{
			WebhookURL: cfg.Agent.WebhookURL,
			Token:      cfg.Agent.WebhookToken,
			Timeout:    cfg.Agent.InvokeTimeout.Duration(),
		}, logger)
		if err != nil {
			pub.Close()
			_ = st.Close()
			return nil, fmt.Errorf("failed to create agent invoker: %w", err)
		}
	}

	tracker, err := tracking.New(tracking.DefaultConfig(), gw, st, logger)
	if err != nil {
		pub.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to create tracker: %w", err)
	}

	detector, err := completion.New(&completion.Config{
		RequireApproval: cfg.Review.RequireApproval,
	}, gw, st, logger)
	if err != nil {
		pub.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to create completion detector: %w", err)
	}

	eng, err := engine.New(st, gw, inv, pub, logger)
	if err != nil {
		pub.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	snaps, err := poller.NewAssembler(cfg.Agent.ID, gw, tracker, detector, logger)
	if err != nil {
		pub.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to create snapshot assembler: %w", err)
	}

	pol, err := poller.New(&poller.Config{
		Repo:          cfg.Repo,
		Interval:      cfg.Poller.Interval.Duration(),
		MaxConcurrent: cfg.Poller.MaxConcurrent,
		ArchiveGrace:  cfg.Store.ArchiveGrace.Duration(),
	}, st, gw, eng, snaps, logger)
	if err != nil {
		pub.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}

	rec, err := recovery.New(&recovery.Config{
		SweepInterval:         cfg.Recovery.SweepInterval.Duration(),
		CooldownReady:         cfg.Recovery.CooldownReady.Duration(),
		CooldownAgentAssigned: cfg.Recovery.CooldownAgentAssigned.Duration(),
		CooldownInProgress:    cfg.Recovery.CooldownInProgress.Duration(),
		CooldownInReview:      cfg.Recovery.CooldownInReview.Duration(),
		CooldownMerging:       cfg.Recovery.CooldownMerging.Duration(),
	}, st, eng, snaps, inv, gw, pub, logger)
	if err != nil {
		pub.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to create recovery sweeper: %w", err)
	}

	return services.NewRegistry(services.Options{
		Store:     st,
		Gateway:   gw,
		Tracker:   tracker,
		Detector:  detector,
		Engine:    eng,
		Poller:    pol,
		Recovery:  rec,
		Invoker:   inv,
		Publisher: pub,
	}), nil
}

// shutdown stops everything in reverse dependency order: the loops first
// so no new work starts, then the API, then the resources under them.
func shutdown(reg services.Registry, srv *droverhttp.Server, tel *telemetry.Telemetry, cfg *config.Config, logger *zap.Logger) error {
	reg.Poller().Stop()
	reg.Recovery().Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	reg.Publisher().Close()
	if err := reg.Store().Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	// Telemetry last so the shutdown itself is still traced and logged.
	if err := tel.Shutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}

	logger.Info("droverd stopped")
	return errors.Join(errs...)
}

// closeRegistry releases registry-held resources on failed startup.
func closeRegistry(reg services.Registry, logger *zap.Logger) {
	reg.Publisher().Close()
	if err := reg.Store().Close(); err != nil {
		logger.Warn("failed to close store", zap.Error(err))
	}
}

// telemetryConfig maps the observability section onto the telemetry
// package's config.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	return &telemetry.Config{
		Enabled:         cfg.Observability.EnableTelemetry,
		Endpoint:        cfg.Observability.Endpoint,
		Protocol:        cfg.Observability.Protocol,
		Insecure:        cfg.Observability.Insecure,
		TLSSkipVerify:   cfg.Observability.TLSSkipVerify,
		ServiceName:     cfg.Observability.ServiceName,
		ServiceVersion:  version,
		SampleRate:      cfg.Observability.SampleRate,
		MetricInterval:  cfg.Observability.MetricInterval.Duration(),
		Prometheus:      !cfg.Observability.DisablePrometheus,
		ShutdownTimeout: cfg.Observability.ShutdownTimeout.Duration(),
	}
}
