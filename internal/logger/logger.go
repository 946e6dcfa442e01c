// Package logger provides the leveled logger used across catalog-mirror.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Options configures the logger.
type Options struct {
	Level  string    // debug, info, warn, error (default: info)
	JSON   bool      // Output as JSON
	Output io.Writer // Output destination (default: stderr)
}

// Logger is a printf-style logger on top of slog. Attributes added with
// With are carried on every line.
type Logger struct {
	l *slog.Logger
}

// NewLogger creates a logger writing at the given level to stderr.
func NewLogger(level string) *Logger {
	return New(Options{Level: level})
}

// New creates a logger from options.
func New(opts Options) *Logger {
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(output, handlerOpts)
	} else {
		handler = slog.NewTextHandler(output, handlerOpts)
	}
	return &Logger{l: slog.New(handler)}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(Options{Output: io.Discard, Level: "error"})
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// With returns a logger carrying the given key/value attributes.
func (lg *Logger) With(args ...any) *Logger {
	return &Logger{l: lg.l.With(args...)}
}

// Slog exposes the underlying slog logger.
func (lg *Logger) Slog() *slog.Logger {
	return lg.l
}

func (lg *Logger) Debug(format string, v ...interface{}) {
	lg.l.Debug(fmt.Sprintf(format, v...))
}

func (lg *Logger) Info(format string, v ...interface{}) {
	lg.l.Info(fmt.Sprintf(format, v...))
}

func (lg *Logger) Warn(format string, v ...interface{}) {
	lg.l.Warn(fmt.Sprintf(format, v...))
}

func (lg *Logger) Error(format string, v ...interface{}) {
	lg.l.Error(fmt.Sprintf(format, v...))
}

// LogJobOutcome records the end of a scrape job in one line.
func (lg *Logger) LogJobOutcome(jobID, target, status string, attempt int, duration time.Duration, err error) {
	args := []any{"job_id", jobID, "target", target, "status", status, "attempt", attempt, "duration", duration}
	if err != nil {
		args = append(args, "error", err.Error())
		lg.l.Warn("scrape job finished", args...)
		return
	}
	lg.l.Info("scrape job finished", args...)
}

// LogRetry records a scheduled retry.
func (lg *Logger) LogRetry(jobID, target string, attempt int, delay time.Duration, err error) {
	lg.l.Warn("scrape job will be retried",
		"job_id", jobID,
		"target", target,
		"attempt", attempt,
		"retry_in", delay,
		"error", err)
}
