package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/tekscripts/bypassgate/internal/config"
)

// NewLogger creates a structured logger writing to stdout.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	return NewLoggerTo(os.Stdout, level, format)
}

// NewLoggerTo creates a structured logger writing to w. Unknown levels map to
// info and unknown formats to JSON.
func NewLoggerTo(w io.Writer, level config.LogLevel, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == config.LogFormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("service", "bypassgate")
}

// ParseLevel maps a configured level to its slog equivalent.
func ParseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
