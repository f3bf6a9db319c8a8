// Package logging provides the structured record facade used by every
// coordinator and protocol component. Records carry run/conversation/
// interaction identifiers as slog attributes; the sink (file, rotation,
// shipping) is the caller's concern — this package only writes to the
// io.Writer it was given.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls handler construction.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// New creates a component-scoped structured logger.
func New(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// Component returns logger scoped with a component attribute, tolerating nil.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return OrNop(logger).With("component", name)
}

// Nop returns a logger that discards all records.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns logger when non-nil, otherwise a discarding logger.
func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

// EventFunc receives one observable state-change or protocol event.
// Attrs are slog-style key-value pairs. Implementations must not block.
type EventFunc func(event string, attrs ...any)

// NopEvent discards events.
func NopEvent(string, ...any) {}

// Events adapts a logger into an EventFunc. A nil logger yields a
// discarding sink, so coordinators can call the result unconditionally.
func Events(logger *slog.Logger) EventFunc {
	l := OrNop(logger)
	return func(event string, attrs ...any) {
		l.Info(event, attrs...)
	}
}
