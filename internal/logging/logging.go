// Package logging builds the structured loggers used across pynode.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caffeineduck/pynode/internal/config"
)

// NewFromConfig creates a logger writing to w, and also to the configured
// file if any. The returned closer is nil when no file was opened.
func NewFromConfig(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Level)

	if cfg.File == "" {
		return slog.New(newHandler(cfg.Format, w, level)), nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}

	handler := newHandler(cfg.Format, io.MultiWriter(w, file), level)
	return slog.New(handler), file, nil
}

// NewForTest creates a silent logger for tests.
func NewForTest() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func parseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(format config.LogFormat, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	if format == config.LogFormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// WithSession returns a logger with session context.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With("session", sessionID)
}
