package logging

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		name         string
		level        string
		debugEnabled bool
		infoEnabled  bool
	}{
		{name: "debug", level: "debug", debugEnabled: true, infoEnabled: true},
		{name: "info", level: "info", debugEnabled: false, infoEnabled: true},
		{name: "warn", level: "warn", debugEnabled: false, infoEnabled: false},
		{name: "error", level: "error", debugEnabled: false, infoEnabled: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.level, "json")
			require.NoError(t, err)

			assert.Equal(t, tt.debugEnabled, logger.Core().Enabled(zapcore.DebugLevel))
			assert.Equal(t, tt.infoEnabled, logger.Core().Enabled(zapcore.InfoLevel))
			assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
		})
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("loud", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNew_Formats(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		_, err := New("info", format)
		assert.NoError(t, err, "format %q", format)
	}

	_, err := New("info", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
}

func TestSync_NilLogger(t *testing.T) {
	assert.NoError(t, Sync(nil))
}

func TestSync_IgnoresStderrErrors(t *testing.T) {
	logger, err := New("info", "json")
	require.NoError(t, err)

	logger.Info("flush me")

	// Syncing a stderr-backed logger returns EINVAL or ENOTTY on Linux;
	// Sync must swallow both.
	assert.NoError(t, Sync(logger))
}

func TestIsStderrSyncError(t *testing.T) {
	assert.True(t, isStderrSyncError(syscall.EINVAL))
	assert.True(t, isStderrSyncError(syscall.ENOTTY))
	assert.False(t, isStderrSyncError(syscall.EACCES))
	assert.False(t, isStderrSyncError(assert.AnError))
}
