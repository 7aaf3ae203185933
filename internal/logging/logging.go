package logging

import (
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps LOG_LEVEL style names to slog levels. Unknown names map to
// the production default, error.
func ParseLevel(l string) slog.Level {
	switch strings.ToLower(l) {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func Init() {
	level := slog.LevelError // default: production only shows errors

	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level = ParseLevel(l)
	}

	logger := slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}),
	)
	slog.SetDefault(logger)
}
