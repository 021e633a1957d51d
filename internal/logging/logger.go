package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation settings for LOG_FILE.
const (
	maxLogSizeMB  = 10
	maxLogBackups = 3
	maxLogAgeDays = 28
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// When file is non-empty output goes to a rotating log file instead of
// stdout.
func NewLogger(env, file string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	out := output(file)

	if env == "production" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

func output(file string) io.Writer {
	if file == "" {
		return os.Stdout
	}

	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
	}
}
