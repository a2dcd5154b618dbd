// Package logging wires up bundlestored's structured logger: slog
// writing to a lumberjack-rotated file (and, in development, also to
// stderr).
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the rotating log file and level.
type Options struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	Level      string
	AlsoStderr bool
}

// New builds a slog.Logger per opts. An empty Path disables file
// rotation and logs to stderr only.
func New(opts Options) *slog.Logger {
	level := parseLevel(opts.Level)

	var w io.Writer = os.Stderr
	if opts.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    defaultInt(opts.MaxSizeMB, 100),
			MaxBackups: defaultInt(opts.MaxBackups, 3),
			Compress:   true,
		}
		if opts.AlsoStderr {
			w = io.MultiWriter(lj, os.Stderr)
		} else {
			w = lj
		}
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
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
