// Package observability provides structured logging with sensitive-value
// redaction and correlation ID propagation.
package observability

import (
	"io"
	"log/slog"
	"strings"
)

// Logger wraps slog.Logger with a redactor so secrets configured through
// sensitive settings never reach the log sink.
type Logger struct {
	*slog.Logger
	redactor *Redactor
}

// LoggerConfig contains configuration for the logger.
type LoggerConfig struct {
	Level      slog.Level
	Output     io.Writer
	JSONFormat bool
}

// ParseLevel maps a LOG_LEVEL string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a logger with redaction support.
func NewLogger(cfg LoggerConfig, redactor *Redactor) *Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	if redactor != nil {
		handler = redactor.WrapHandler(handler)
	}

	return &Logger{
		Logger:   slog.New(handler),
		redactor: redactor,
	}
}

// With returns a logger with additional fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger:   l.Logger.With(args...),
		redactor: l.redactor,
	}
}

// Scoped returns a logger annotated with endpoint/transport scope, the shape
// every transport and executor log line carries.
func (l *Logger) Scoped(endpoint, transport string) *Logger {
	return l.With("endpoint", endpoint, "transport", transport)
}

// Slog returns the underlying slog.Logger for packages that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.Logger
}
