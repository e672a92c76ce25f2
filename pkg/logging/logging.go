// Package logging provides the scheduler's structured-logging wrapper
// around log/slog, grounded on the teacher's pkg/logging.StructuredLogger
// (LogLevel/LoggerConfig/Format naming, Debug/Info/Warn/Error/WithFields
// shape) trimmed to what an in-process component needs: no file rotation
// or on-disk buffering, since persistence is explicitly out of scope.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LogLevel is the recognized logging verbosity.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Format is the log output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config configures the structured logger.
type Config struct {
	Level          LogLevel
	Format         Format
	Output         io.Writer // nil -> os.Stderr
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// DefaultConfig is info-level JSON logging to stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Format: FormatJSON, ServiceName: "pipelinesched"}
}

// New builds a *slog.Logger tagged with the service/environment fields
// every log line should carry, per the teacher's base-attrs convention.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}

	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	if cfg.ServiceName != "" {
		logger = logger.With("service", cfg.ServiceName)
	}
	if cfg.ServiceVersion != "" {
		logger = logger.With("version", cfg.ServiceVersion)
	}
	if cfg.Environment != "" {
		logger = logger.With("environment", cfg.Environment)
	}
	return logger
}

// contextKey namespaces values this package stores on a context.
type contextKey struct{ name string }

var executionIDKey = &contextKey{"execution_id"}

// WithExecutionID attaches an execution ID to ctx for downstream logging.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// FromContext returns a logger enriched with any execution ID WithExecutionID
// attached to ctx, falling back to base unchanged if none is present.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if executionID, ok := ctx.Value(executionIDKey).(string); ok && executionID != "" {
		return base.With("execution_id", executionID)
	}
	return base
}
