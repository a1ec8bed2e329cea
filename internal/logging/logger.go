// Package logging constructs the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
)

// NewLogger builds a structured logger writing to w. Production uses
// JSON format at Info level, everything else human-readable text at
// Debug. A non-empty level name ("debug", "info", "warn", "error")
// overrides the environment default; an unrecognised name keeps it.
func NewLogger(w io.Writer, env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}

	if env == "production" {
		opts.Level = slog.LevelInfo
	}

	if level != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(level)); err == nil {
			opts.Level = l
		}
	}

	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}
