package logging

import (
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WithOTel tees the logger's output into an OpenTelemetry log
// provider, so every entry also reaches the collector. A nil provider
// returns the logger unchanged, which keeps the call site free of
// export-enabled branching.
func WithOTel(logger *zap.Logger, provider log.LoggerProvider) *zap.Logger {
	if logger == nil || provider == nil {
		return logger
	}

	bridge := otelzap.NewCore("droverd", otelzap.WithLoggerProvider(provider))
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, bridge)
	}))
}
