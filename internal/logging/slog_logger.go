// Package logging provides a common interface and setup for application-wide logging.
package logging

// file: internal/logging/slog_logger.go

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// slogLogger adapts the standard library's structured logger to the Logger interface.
type slogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a Logger backed by a slog text handler writing to stderr.
// The level string is one of "debug", "info", "warn", "error"; unknown values
// fall back to info.
func NewSlogLogger(level string) Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return &slogLogger{logger: slog.New(handler)}
}

// SetupDefaultLogger installs a slog-backed logger as the application default.
// Intended to be called once from the command layer before any component
// requests a logger via GetLogger.
func SetupDefaultLogger(level string) {
	SetDefaultLogger(NewSlogLogger(level))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs a debug-level message with optional key/value pairs.
func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// Info logs an info-level message with optional key/value pairs.
func (l *slogLogger) Info(msg string, args ...any) { l.logger.Info(msg, args...) }

// Warn logs a warning-level message with optional key/value pairs.
func (l *slogLogger) Warn(msg string, args ...any) { l.logger.Warn(msg, args...) }

// Error logs an error-level message with optional key/value pairs.
func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// WithContext returns the logger unchanged; slog attributes are carried per-call.
func (l *slogLogger) WithContext(_ context.Context) Logger { return l }

// WithField returns a logger that includes the given field on every record.
func (l *slogLogger) WithField(key string, value any) Logger {
	return &slogLogger{logger: l.logger.With(key, value)}
}
