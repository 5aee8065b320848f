package main

import (
	"io"
	"log/slog"
)

// logFormat selects the slog handler
type logFormat string

const (
	formatText logFormat = "text"
	formatJSON logFormat = "json"
)

// parseLevel parses a log level string.
// Returns slog.LevelInfo if the string is not recognized.
func parseLevel(s string) slog.Level {
	switch s {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "info", "INFO", "":
		return slog.LevelInfo
	case "warn", "WARN", "warning", "WARNING":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseFormat parses a log format string.
// Returns formatText if the string is not recognized.
func parseFormat(s string) logFormat {
	switch s {
	case "json", "JSON":
		return formatJSON
	default:
		return formatText
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch parseFormat(format) {
	case formatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
