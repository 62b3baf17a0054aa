package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger writes human-readable text to terminals and JSON otherwise.
func newLogger(w io.Writer, level string, tty bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if tty {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// newProtocolLogger is handed to whatsmeow. Its chatter below warn is only
// interesting when debugging.
func newProtocolLogger(w io.Writer, level string, tty bool) zerolog.Logger {
	zl := zerolog.WarnLevel
	if parseLevel(level) == slog.LevelDebug {
		zl = zerolog.DebugLevel
	}

	var logger zerolog.Logger
	if tty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(w)
	}
	return logger.Level(zl).With().Timestamp().Str("component", "whatsmeow").Logger()
}
