// Package logging configures the structured logger shared by the
// maintenance daemons: one process-wide slog default on stderr, plus
// component-tagged child loggers for the subsystems.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Configure installs the process-wide slog default at the given level.
// Recognized levels: debug, info, warn, error; empty selects info.
func Configure(level string) error {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", LevelInfo:
		l = slog.LevelInfo
	case LevelDebug:
		l = slog.LevelDebug
	case LevelWarn:
		l = slog.LevelWarn
	case LevelError:
		l = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q", level)
	}

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	slog.SetDefault(slog.New(h))
	return nil
}

// Component returns the default logger tagged with a component name,
// so every line a subsystem emits carries its origin.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}
