// Package logging builds the agent's slog loggers and the attribute helpers
// used to scope them to a batch, upload, or transcription job.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const sep = string(filepath.Separator)

// ParseLevel maps a config level name onto slog. Unknown names mean info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger writes JSON lines to stdout. Debug output carries source
// locations.
func NewLogger(level string) *slog.Logger {
	return newJSONLogger(os.Stdout, ParseLevel(level))
}

func newJSONLogger(w io.Writer, lvl slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	}))
}

func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	if requestID == "" {
		return logger
	}
	return logger.With("request_id", requestID)
}

func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

func WithJobID(logger *slog.Logger, jobID string) *slog.Logger {
	return logger.With("job_id", jobID)
}

func WithBatchID(logger *slog.Logger, batchID string) *slog.Logger {
	return logger.With("batch_id", batchID)
}

func WithUploadID(logger *slog.Logger, uploadID string) *slog.Logger {
	return logger.With("upload_id", uploadID)
}

// OrDiscard returns logger, or one that drops everything when it is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SanitizeToken keeps the first and last four characters of a secret.
func SanitizeToken(token string) string {
	const keep = 4
	if len(token) <= 2*keep {
		return "****"
	}
	return token[:keep] + "..." + token[len(token)-keep:]
}

// SanitizePath shortens paths under the user's home directory to ~.
func SanitizePath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home {
		return "~"
	}
	if rest, ok := strings.CutPrefix(path, strings.TrimSuffix(home, sep)+sep); ok {
		return "~" + sep + rest
	}
	return path
}
