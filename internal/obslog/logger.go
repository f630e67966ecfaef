// Package obslog provides the structured logging setup shared by every
// component of the harness. It wraps log/slog with a terminal-aware
// colorized handler so operator-facing runs look like a normal CLI tool
// while piped/file output stays plain and grep-friendly.
package obslog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, nil
	}
}

func getLevelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

func isTerminal(file *os.File) bool {
	if fileInfo, err := file.Stat(); err == nil {
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}
	return false
}

// coloredHandler renders records as "LEVEL message key=value ..." with
// ANSI color on the level when writing to a terminal.
type coloredHandler struct {
	level    slog.Level
	writer   io.Writer
	useColor bool
}

func (h *coloredHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *coloredHandler) Handle(_ context.Context, record slog.Record) error {
	var buf strings.Builder

	if !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	levelStr := strings.ToUpper(record.Level.String())
	if levelStr == "WARNING" {
		levelStr = "WARN"
	}
	if h.useColor {
		buf.WriteString(getLevelColor(record.Level))
		buf.WriteString(levelStr)
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(levelStr)
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	record.Attrs(func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *coloredHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *coloredHandler) WithGroup(_ string) slog.Handler      { return h }

var defaultLogger *slog.Logger

// Init installs the process-wide default logger at the given level,
// writing to output. Color is enabled automatically when output is a
// terminal.
func Init(level slog.Level, output *os.File) *slog.Logger {
	handler := &coloredHandler{
		level:    level,
		writer:   output,
		useColor: isTerminal(output),
	}
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
	return defaultLogger
}

// OpenLogFile opens or creates a log file for an agent/judge subprocess's
// stdout/stderr capture, per the runs/{tier}/{subtest}/run_{n}/logs/ layout.
func OpenLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Get returns the process default logger, initializing a sensible
// default (INFO, stderr) if Init has not been called yet.
func Get() *slog.Logger {
	if defaultLogger == nil {
		return Init(slog.LevelInfo, os.Stderr)
	}
	return defaultLogger
}
