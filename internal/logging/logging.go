// Package logging builds the slog logger injected into every component
// at construction time. There is no package-level logger.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New builds a logger for the given level and format. Format "console"
// uses a tinted human-readable handler; anything else emits JSON.
func New(level, format string) *slog.Logger {
	lvl := parseLevel(level)

	var handler slog.Handler
	switch format {
	case "console", "":
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		})
	default:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
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
