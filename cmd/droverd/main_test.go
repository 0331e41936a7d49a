package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/drover/internal/config"
)

// TestRunIntegration boots the full daemon against a stubbed GitHub API
// and checks the health endpoint plus graceful shutdown. Every issue
// listing the stub serves is empty, so polling cycles succeed without
// touching the network.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "[]")
	}))
	defer stub.Close()

	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("REPO", "fyrsmithlabs/widgets")
	t.Setenv("GATEWAY_TOKEN", "test-token")
	t.Setenv("GATEWAY_BASE_URL", stub.URL)
	t.Setenv("AGENT_ID", "forge-1")
	t.Setenv("STORE_PATH", filepath.Join(tmp, "pipeline.db"))
	t.Setenv("SERVER_PORT", "9824")
	t.Setenv("LOG_LEVEL", "error")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, "")
	}()

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://localhost:9824/health")
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}

func TestTelemetryConfig(t *testing.T) {
	cfg := &config.Config{
		Observability: config.ObservabilityConfig{
			EnableTelemetry:   true,
			ServiceName:       "drover",
			Endpoint:          "collector:4317",
			Protocol:          "grpc",
			SampleRate:        0.5,
			MetricInterval:    config.Duration(10 * time.Second),
			DisablePrometheus: true,
			ShutdownTimeout:   config.Duration(5 * time.Second),
		},
	}

	tc := telemetryConfig(cfg)

	if !tc.Enabled {
		t.Error("expected telemetry enabled")
	}
	if tc.Endpoint != "collector:4317" {
		t.Errorf("endpoint = %q", tc.Endpoint)
	}
	if tc.SampleRate != 0.5 {
		t.Errorf("sample rate = %g", tc.SampleRate)
	}
	if tc.MetricInterval != 10*time.Second {
		t.Errorf("metric interval = %v", tc.MetricInterval)
	}
	// disable_prometheus inverts into the positive Prometheus flag.
	if tc.Prometheus {
		t.Error("expected prometheus registry disabled")
	}
	if tc.ServiceVersion != version {
		t.Errorf("service version = %q, want %q", tc.ServiceVersion, version)
	}
}
