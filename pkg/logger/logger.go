// Package logger configures the process-wide slog logger used by matrix.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown strings default to warn.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// Options configures logger initialization.
type Options struct {
	Level  slog.Level
	Format string // "text" or "json"
	Output io.Writer
}

// Init installs the default slog logger for the process.
func Init(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// InitFromEnv initializes logging from MATRIX_LOG_LEVEL and MATRIX_LOG_FORMAT.
func InitFromEnv() *slog.Logger {
	return Init(Options{
		Level:  ParseLevel(os.Getenv("MATRIX_LOG_LEVEL")),
		Format: os.Getenv("MATRIX_LOG_FORMAT"),
	})
}
