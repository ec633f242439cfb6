package logging

import (
	"log/slog"
	"os"
)

// New returns a JSON logger writing to stdout. LOG_FORMAT=console switches
// to a human-readable handler and LOG_LEVEL=debug lowers the threshold.
func New() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if os.Getenv("LOG_FORMAT") == "console" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
