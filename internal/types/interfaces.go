package types

import "time"

// Logger is the narrow structured-logging interface components depend on.
// Production code adapts *slog.Logger to this interface; tests use a no-op
// implementation.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// Clock abstracts time.Now so time-dependent logic (night mode, TTL expiry)
// is deterministic under test.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
