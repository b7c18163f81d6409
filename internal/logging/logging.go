// Package logging configures the process-wide slog logger: leveled,
// structured, stderr by default, with an optional size-rotated file sink.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log level and optional rotating file output.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// File enables a rotating file sink when non-empty.
	File string
	// MaxSizeMB and MaxBackups tune rotation; zero values use the
	// rotation library's defaults.
	MaxSizeMB  int
	MaxBackups int
}

// Setup installs the default slog logger. Call once at startup, before
// any component logs.
func Setup(opts Options) {
	var out io.Writer = os.Stderr
	if opts.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotated)
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLevel(opts.Level)})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
