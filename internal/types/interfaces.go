package types

import (
	"log/slog"
	"time"
)

// Logger defines the structured logging interface used by domain packages.
// Entrypoints adapt *slog.Logger to it.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// NopLogger discards everything. Useful as a default when a collaborator is
// constructed without a logger.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) Warn(string, ...any)  {}
func (n NopLogger) With(...any) Logger { return n }

// SlogLogger adapts *slog.Logger to Logger. slog's With returns
// *slog.Logger, so the adapter is needed to satisfy the interface.
type SlogLogger struct {
	*slog.Logger
}

// NewSlogLogger wraps l.
func NewSlogLogger(l *slog.Logger) Logger {
	return &SlogLogger{Logger: l}
}

func (a *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{Logger: a.Logger.With(args...)}
}
