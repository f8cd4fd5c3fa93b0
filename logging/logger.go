// Package logging provides a tiny abstraction over structured loggers
// so downstream code can depend on a minimal interface (Logger) while
// users plug in slog, zerolog or their own implementation.
package logging

import (
	"log/slog"

	"github.com/rs/zerolog"
)

// Logger defines the minimal logging interface used across the core.
// args are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// ZerologAdapter wraps a zerolog.Logger to implement the Logger
// interface.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter creates a Logger from a zerolog.Logger.
func NewZerologAdapter(logger zerolog.Logger) Logger {
	return &ZerologAdapter{logger: logger}
}

func fields(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	m := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		m[key] = args[i+1]
	}
	return m
}

// Debug logs a debug message.
func (z *ZerologAdapter) Debug(msg string, args ...any) {
	z.logger.Debug().Fields(fields(args)).Msg(msg)
}

// Info logs an informational message.
func (z *ZerologAdapter) Info(msg string, args ...any) {
	z.logger.Info().Fields(fields(args)).Msg(msg)
}

// Warn logs a warning message.
func (z *ZerologAdapter) Warn(msg string, args ...any) {
	z.logger.Warn().Fields(fields(args)).Msg(msg)
}

// Error logs an error message.
func (z *ZerologAdapter) Error(msg string, args ...any) {
	z.logger.Error().Fields(fields(args)).Msg(msg)
}

// NoOpLogger discards all log messages. Useful for testing or when
// logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

var (
	_ Logger = (*SlogAdapter)(nil)
	_ Logger = (*ZerologAdapter)(nil)
	_ Logger = NoOpLogger{}
)
