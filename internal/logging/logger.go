package logging

import (
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// New creates a new structured logger with text output.
// app: application name (e.g., "sparselink-send")
// level: one of "debug", "info", "warn", "error" (default: "info")
func New(app string, level string) *slog.Logger {
	return NewWithFormat(app, level, "text")
}

// NewWithFormat creates a logger writing to stderr in the given format.
// format: "text" (logfmt-style slog output, default) or "pretty" (colored console).
func NewWithFormat(app, level, format string) *slog.Logger {
	return newLogger(os.Stderr, app, level, format)
}

func newLogger(w io.Writer, app, level, format string) *slog.Logger {
	var handler slog.Handler
	switch format {
	case "pretty":
		handler = charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmLevel(parseLevel(level)),
			ReportTimestamp: true,
			Prefix:          app,
		})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: parseLevel(level),
		})
	}

	// Add default attributes: app and pid
	return slog.New(handler).With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

func charmLevel(level slog.Level) charmlog.Level {
	switch level {
	case slog.LevelDebug:
		return charmlog.DebugLevel
	case slog.LevelWarn:
		return charmlog.WarnLevel
	case slog.LevelError:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}
