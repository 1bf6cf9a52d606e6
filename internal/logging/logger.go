// Package logging sets up the process-wide structured logger. Every binary
// logs JSON to stdout; the level comes from configuration.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a JSON logger at the given level. Debug level also
// stamps records with their source location; that is too noisy for the
// steady-state levels.
func NewLogger(level string) *slog.Logger {
	lvl := ParseLevel(level)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	})
	return slog.New(handler)
}

// ParseLevel maps a config string onto a slog level. Unknown or empty
// strings fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// WithComponent tags every record emitted through the returned logger with
// the subsystem name, so one process's streams stay separable.
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	return l.With("component", name)
}
