package logging

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a zap logger writing to stderr.
//
// level is one of "debug", "info", "warn", "error" (anything
// zapcore.ParseLevel accepts). format is "json" or "console".
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoder, err := newEncoder(format)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core), nil
}

// newEncoder creates a JSON or console encoder.
func newEncoder(format string) (zapcore.Encoder, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	switch format {
	case "console":
		return zapcore.NewConsoleEncoder(encoderCfg), nil
	case "json", "":
		return zapcore.NewJSONEncoder(encoderCfg), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want json or console)", format)
	}
}

// Sync flushes buffered log entries, ignoring the harmless EINVAL/ENOTTY
// errors syncing stderr produces on Linux.
func Sync(logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	err := logger.Sync()
	if err != nil && isStderrSyncError(err) {
		return nil
	}
	return err
}

func isStderrSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
