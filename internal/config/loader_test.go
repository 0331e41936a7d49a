package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temp directory and sets the env vars a
// minimal valid configuration needs. Returns the fake home path.
func setupTestHome(t *testing.T) string {
	t.Helper()

	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	// Required fields with no defaults.
	t.Setenv("REPO", "fyrsmithlabs/widgets")
	t.Setenv("GATEWAY_TOKEN", "ghp_test")
	t.Setenv("AGENT_ID", "forge-1")

	return tmpHome
}

// writetestConfig writes a config file in the allowed directory under home.
func writeTestConfig(t *testing.T, home, content string, perm os.FileMode) string {
	t.Helper()

	configDir := filepath.Join(home, ".config", "drover")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), perm); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return configPath
}

// TestLoadWithFile_ValidYAML tests loading configuration from a valid YAML file.
func TestLoadWithFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)

	yamlContent := `repo: fyrsmithlabs/roadmap

poller:
  interval: 45s
  max_concurrent: 8

gateway:
  token: ghp_fromfile
  label_prefix: flow

server:
  port: 9400
`
	configPath := writeTestConfig(t, home, yamlContent, 0600)

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Repo != "fyrsmithlabs/roadmap" {
		t.Errorf("Repo = %q, want fyrsmithlabs/roadmap", cfg.Repo)
	}
	if cfg.Poller.Interval.Duration() != 45*time.Second {
		t.Errorf("Poller.Interval = %v, want 45s", cfg.Poller.Interval.Duration())
	}
	if cfg.Poller.MaxConcurrent != 8 {
		t.Errorf("Poller.MaxConcurrent = %d, want 8", cfg.Poller.MaxConcurrent)
	}
	if cfg.Gateway.LabelPrefix != "flow" {
		t.Errorf("Gateway.LabelPrefix = %q, want flow", cfg.Gateway.LabelPrefix)
	}
	if cfg.Server.Port != 9400 {
		t.Errorf("Server.Port = %d, want 9400", cfg.Server.Port)
	}
	// Defaults still fill unset sections.
	if cfg.Recovery.SweepInterval.Duration() != 2*time.Minute {
		t.Errorf("Recovery.SweepInterval = %v, want default 2m", cfg.Recovery.SweepInterval.Duration())
	}
}

// TestLoadWithFile_EnvironmentOverride tests that environment variables
// override YAML values.
func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	home := setupTestHome(t)

	yamlContent := `repo: fyrsmithlabs/widgets

gateway:
  token: ghp_fromfile

server:
  port: 9820

poller:
  interval: 30s
`
	configPath := writeTestConfig(t, home, yamlContent, 0600)

	t.Setenv("SERVER_PORT", "7777")
	t.Setenv("POLLER_INTERVAL", "90s")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (from env override)", cfg.Server.Port)
	}
	if cfg.Poller.Interval.Duration() != 90*time.Second {
		t.Errorf("Poller.Interval = %v, want 90s (from env override)", cfg.Poller.Interval.Duration())
	}
	// Env GATEWAY_TOKEN from setupTestHome overrides the file token.
	if cfg.Gateway.Token.Value() != "ghp_test" {
		t.Errorf("Gateway.Token = %q, want env value", cfg.Gateway.Token.Value())
	}
}

// TestLoadWithFile_MissingFile tests that a missing config file falls back
// to environment variables plus defaults.
func TestLoadWithFile_MissingFile(t *testing.T) {
	home := setupTestHome(t)

	configPath := filepath.Join(home, ".config", "drover", "config.yaml")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() should not error on missing file, got: %v", err)
	}

	if cfg == nil {
		t.Fatal("LoadWithFile() returned nil config for missing file")
	}
	if cfg.Poller.Interval.Duration() != 30*time.Second {
		t.Errorf("Poller.Interval = %v, want default 30s", cfg.Poller.Interval.Duration())
	}
	if cfg.Repo != "fyrsmithlabs/widgets" {
		t.Errorf("Repo = %q, want env value", cfg.Repo)
	}
}

// TestLoadWithFile_InvalidYAML tests handling of malformed YAML.
func TestLoadWithFile_InvalidYAML(t *testing.T) {
	home := setupTestHome(t)

	invalidYAML := `poller:
  interval: [not
  a duration
`
	configPath := writeTestConfig(t, home, invalidYAML, 0600)

	if _, err := LoadWithFile(configPath); err == nil {
		t.Error("LoadWithFile() should error on invalid YAML, got nil")
	}
}

// TestLoadWithFile_Validation tests that validation failures surface.
func TestLoadWithFile_Validation(t *testing.T) {
	home := setupTestHome(t)

	yamlContent := `repo: fyrsmithlabs/widgets

gateway:
  token: ghp_test

server:
  port: 99999
`
	configPath := writeTestConfig(t, home, yamlContent, 0600)

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("LoadWithFile() should error on invalid port, got nil")
	}
	if !strings.Contains(err.Error(), "invalid server port") {
		t.Errorf("error = %v, want invalid server port", err)
	}
}

// TestLoadWithFile_PathTraversal tests path traversal prevention.
func TestLoadWithFile_PathTraversal(t *testing.T) {
	setupTestHome(t)

	_, err := LoadWithFile("../../../../etc/passwd")
	if err == nil {
		t.Fatal("Expected error for path traversal, got nil")
	}
	if !strings.Contains(err.Error(), "must be in ~/.config/drover/ or /etc/drover/") {
		t.Errorf("Expected path validation error, got: %v", err)
	}
}

// TestLoadWithFile_InsecurePermissions tests file permission enforcement.
func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}

	home := setupTestHome(t)
	configPath := writeTestConfig(t, home, "repo: fyrsmithlabs/widgets\n", 0644)

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("Expected error for insecure permissions, got nil")
	}
	if !strings.Contains(err.Error(), "insecure") && !strings.Contains(err.Error(), "permissions") {
		t.Errorf("Expected 'insecure permissions' error, got: %v", err)
	}
}

// TestLoadWithFile_SecurePermissions tests that 0600 permissions are accepted.
func TestLoadWithFile_SecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}

	home := setupTestHome(t)
	configPath := writeTestConfig(t, home, "server:\n  port: 9407\n", 0600)

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() should succeed with 0600 permissions, got: %v", err)
	}
	if cfg.Server.Port != 9407 {
		t.Errorf("Server.Port = %d, want 9407", cfg.Server.Port)
	}
}

// TestLoadWithFile_FileTooLarge tests file size limit enforcement.
func TestLoadWithFile_FileTooLarge(t *testing.T) {
	home := setupTestHome(t)

	largeContent := bytes.Repeat([]byte("# comment line\n"), 150000)
	configPath := writeTestConfig(t, home, string(largeContent), 0600)

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("Expected error for large file, got nil")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected 'too large' error, got: %v", err)
	}
}
