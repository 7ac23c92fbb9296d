// Package logging builds the slog loggers used across attemptrun.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/me/attemptrun/pkg/model"
)

// NewLogger creates a configured slog.Logger.
//
// level: slog level (DEBUG, INFO, WARN, ERROR)
// format: "text" (human-readable) or "json" (structured)
//
// Output goes to stderr; stdout is reserved for protocol messages emitted
// by operations such as discover.
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
// Attributes whose key names a credential are written as [REDACTED].
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redactCredentials}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Redacted replaces credential values in log output.
const Redacted = "[REDACTED]"

var credentialKeys = []string{"password", "secret", "token", "access_key", "credential"}

func redactCredentials(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	key := strings.ToLower(a.Key)
	for _, k := range credentialKeys {
		if strings.Contains(key, k) {
			return slog.String(a.Key, Redacted)
		}
	}
	return a
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ForAttempt returns a child logger tagged with the attempt's job id and
// attempt number, the correlation key shared by logs, heartbeats and
// backend names.
func ForAttempt(logger *slog.Logger, id model.JobRunIdentity) *slog.Logger {
	return logger.With("job_id", id.JobID, "attempt", id.AttemptNumber)
}

// ParseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
