package types

import "log/slog"

// slogAdapter wraps *slog.Logger to implement the Logger interface.
// slog.Logger satisfies Info/Warn/Error directly, but With returns
// *slog.Logger rather than Logger, so an adapter is necessary.
type slogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter wraps an *slog.Logger as a Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &slogAdapter{logger: logger}
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) With(args ...any) Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

// NopLogger is a Logger that discards everything. Useful as a default and
// in tests.
type NopLogger struct{}

func (NopLogger) Info(msg string, args ...any)  {}
func (NopLogger) Warn(msg string, args ...any)  {}
func (NopLogger) Error(msg string, args ...any) {}
func (n NopLogger) With(args ...any) Logger     { return n }

// Compile-time assertions.
var (
	_ Logger = (*slogAdapter)(nil)
	_ Logger = NopLogger{}
)
