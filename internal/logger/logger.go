// Package logger provides the process-wide structured logger
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// L is the global logger. It is usable before InitLogger runs so that
// packages (and tests) never dereference a nil logger.
var L = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// InitLogger configures the global logger. Call once at startup, after
// loading config.
func InitLogger(level string) {
	L = New(os.Stdout, level)
	slog.SetDefault(L)
	L.Info("Logger initialized", "level", parseLevel(level).String())
}

// New builds a JSON logger writing to w at the given level
func New(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}
	return slog.New(slog.NewJSONHandler(w, opts))
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
