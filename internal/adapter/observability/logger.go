package observability

import (
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultLogLevel = "info"

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
	}
}

// ParseLevel falls back to info for empty or unknown levels.
func ParseLevel(level string) zap.AtomicLevel {
	atomic := zap.NewAtomicLevel()
	if err := atomic.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		_ = atomic.UnmarshalText([]byte(defaultLogLevel))
	}
	return atomic
}

// NewLogger builds a JSON logger writing to stdout.
func NewLogger(level string, serviceName string) (*zap.Logger, error) {
	cfg := zap.Config{
		Level:             ParseLevel(level),
		Encoding:          "json",
		EncoderConfig:     encoderConfig(),
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
		InitialFields:     map[string]any{"service.name": serviceName},
	}
	return cfg.Build()
}

// WithOTelBridge tees every entry of logger into the OpenTelemetry log
// provider, so records carry the trace and span of the context they were
// logged with.
func WithOTelBridge(logger *zap.Logger, provider log.LoggerProvider, scope string) *zap.Logger {
	if provider == nil {
		return logger
	}
	bridge := otelzap.NewCore(scope, otelzap.WithLoggerProvider(provider))
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, bridge)
	}))
}
