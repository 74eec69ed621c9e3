package core

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// SetupLogging configures the default slog logger. Everything goes to stderr:
// stdout carries the protocol and must stay clean. Verbosity maps the -v
// count to levels; color is only used when stderr is a terminal.
func SetupLogging(verbose int, sessionID string) {
	level := slog.LevelWarn
	switch {
	case verbose >= 2:
		level = slog.LevelDebug
	case verbose == 1:
		level = slog.LevelInfo
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	})

	logger := slog.New(handler)
	if sessionID != "" {
		logger = logger.With("session", sessionID)
	}
	slog.SetDefault(logger)
}
