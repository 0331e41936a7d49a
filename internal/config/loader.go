package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (GATEWAY_TOKEN, POLLER_INTERVAL, etc.)
//  2. YAML config file (~/.config/drover/config.yaml)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, the
// default path ~/.config/drover/config.yaml is used.
//
// # Security Considerations
//
// File Permissions: the configuration file must have 0600 permissions
// (owner read/write only) since it carries the gateway token. Files with
// weaker permissions are rejected.
//
// Path Validation: only configuration files in allowed directories can be
// loaded:
//   - ~/.config/drover/ (user's config directory)
//   - /etc/drover/ (system-wide config directory)
//
// Absolute paths outside these directories are rejected to prevent path
// traversal.
//
// File Size Limit: configuration files larger than 1MB are rejected.
//
// # Environment Variable Mapping
//
// Environment variables use underscore separators and are uppercased. The
// transformer maps the first underscore to a section separator:
//
//	GATEWAY_REQUEST_TIMEOUT  -> gateway.request_timeout
//	POLLER_MAX_CONCURRENT    -> poller.max_concurrent
//	RECOVERY_SWEEP_INTERVAL  -> recovery.sweep_interval
//	REPO                     -> repo
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "drover", "config.yaml")
	}

	// Validate config path (even if file doesn't exist)
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the file descriptor to avoid a
		// TOCTOU race between stat and read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}

		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Override with environment variables. The first underscore splits
	// section from field; remaining underscores stay in the field name.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)

		if len(parts) == 1 {
			// No underscore: root-level field like REPO.
			return lower
		}

		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureConfigDir creates the drover config directory if it doesn't exist.
// Called during startup so new installs have the directory ready. The
// directory is created with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "drover")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks if path is in an allowed directory. This
// validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so a link cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Symlink evaluation fails for paths that don't exist yet;
		// validate the absolute path instead.
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "drover"),
		"/etc/drover",
	}

	allowed := false
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			allowed = true
			break
		}
	}

	if !allowed {
		return fmt.Errorf("config file must be in ~/.config/drover/ or /etc/drover/")
	}

	return nil
}

// validateConfigFileProperties checks file permissions and size. Takes
// FileInfo from an already-opened file descriptor to avoid a TOCTOU race.
func validateConfigFileProperties(info os.FileInfo) error {
	// Skip the permission check on Windows (different permission model).
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}
