package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nteguem/armelle-manager-sub002/internal/config"
)

// Context key for the logger.
type loggerKey struct{}

// Context key for conversation scope fields.
type scopeKey struct{}

// ConversationScope carries the identifiers of the conversation currently
// being processed, for log enrichment.
type ConversationScope struct {
	SessionID string
	Channel   string
	State     string
}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures (store down, unhandled panics), transport send failures
//   - warn:  Recoverable faults shown to users, circuit breaker opening, stale workflow sweeps
//   - info:  Message handling start/end, workflow start/complete/cancel, state transitions
//   - debug: Step dispatch details, validation outcomes, service call payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// WithConversationScope stores conversation identifiers in the context for
// log enrichment further down the call chain.
func WithConversationScope(ctx context.Context, scope ConversationScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ConversationLogger returns a logger enriched with the conversation scope
// fields stored in the context. If no scope is present, the plain logger is
// returned.
func ConversationLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	scope, ok := ctx.Value(scopeKey{}).(ConversationScope)
	if !ok {
		return logger
	}

	fields := []zap.Field{
		zap.String("session_id", scope.SessionID),
		zap.String("channel", scope.Channel),
	}
	if scope.State != "" {
		fields = append(fields, zap.String("state", scope.State))
	}

	return logger.With(fields...)
}

// defaultSensitiveFields is the default set of field names that should be
// redacted in debug logging output.
var defaultSensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"authorization": true,
	"niu":           true,
	"phone":         true,
	"birth_date":    true,
	"pin":           true,
}

// RedactParams returns a copy of params with sensitive fields replaced by
// "[REDACTED]". The sensitiveFields list is merged with default sensitive
// field names. This is intended for debug-level logging only.
func RedactParams(params map[string]any, sensitiveFields []string) map[string]any {
	if params == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(sensitiveFields))
	for k, v := range defaultSensitiveFields {
		redactSet[k] = v
	}
	for _, f := range sensitiveFields {
		redactSet[f] = true
	}

	result := make(map[string]any, len(params))
	for k, v := range params {
		if redactSet[k] {
			result[k] = "[REDACTED]"
		} else if nested, ok := v.(map[string]any); ok {
			result[k] = RedactParams(nested, sensitiveFields)
		} else {
			result[k] = v
		}
	}
	return result
}
