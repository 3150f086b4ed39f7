// Package logging configures the process-wide slog logger. By default
// everything is discarded so stray diagnostics can never corrupt the drawn
// terminal surface; verbose and debug modes route to stderr instead.
package logging

import (
	"log/slog"
	"os"
)

func New(verbose, debug bool) *slog.Logger {
	var handler slog.Handler
	switch {
	case debug:
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	case verbose:
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	default:
		handler = slog.DiscardHandler
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
