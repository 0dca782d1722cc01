// Package logger provides structured logging for the bouncer ingest
// pipeline (client, daemon, observer, admin CLI).
//
// It wraps the standard library's slog for structured logging with
// support for three outputs: console (stdout/stderr), file, and syslog
// (local or remote).
//
// Initialize the logger once at process startup:
//
//	logFile, err := logger.Initialize(logger.Config{
//		Output: "stderr",
//		Level:  "info",
//		Format: "json",
//	})
//
// then use the package-level functions:
//
//	logger.Info("daemon listening", "addr", addr)
//	logger.ErrorContext(ctx, "spool write failed", "error", err)
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"
)

// Config controls logger output, independent of the config package so
// that config can in turn depend on logger without an import cycle.
type Config struct {
	Output     string // "stdout", "stderr", "syslog", or a file path
	Level      string // "debug", "info", "warn", "error"
	Format     string // "json" or "console"
	SyslogTag  string // program tag used when Output == "syslog"
	SyslogAddr string // remote syslog address; empty dials the local daemon
}

var globalLogger *slog.Logger

// syslogHandler wraps syslog.Writer to implement slog.Handler.
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func newSyslogHandler(w *syslog.Writer, level slog.Level) *syslogHandler {
	return &syslogHandler{writer: w, level: level}
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message

	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		attrs := make([]any, 0, len(h.attrs)*2+r.NumAttrs()*2)
		for _, a := range h.attrs {
			attrs = append(attrs, a.Key, a.Value.Any())
		}
		r.Attrs(func(a slog.Attr) bool {
			attrs = append(attrs, a.Key, a.Value.Any())
			return true
		})
		if len(attrs) > 0 {
			msg = fmt.Sprintf("%s %v", msg, attrs)
		}
	}

	switch r.Level {
	case slog.LevelDebug:
		return h.writer.Debug(msg)
	case slog.LevelInfo:
		return h.writer.Info(msg)
	case slog.LevelWarn:
		return h.writer.Warning(msg)
	case slog.LevelError:
		return h.writer.Err(msg)
	default:
		return h.writer.Info(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &syslogHandler{writer: h.writer, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups[len(h.groups)] = name
	return &syslogHandler{writer: h.writer, level: h.level, attrs: h.attrs, groups: newGroups}
}

// Initialize sets up the global logger based on cfg. The returned *os.File
// is non-nil only when Output names a regular file; the caller owns
// closing it.
func Initialize(cfg Config) (*os.File, error) {
	var logFile *os.File

	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	format := cfg.Format
	if format == "" {
		format = "console"
	}
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	tag := cfg.SyslogTag
	if tag == "" {
		tag = "bouncer"
	}

	slogLevel := parseLogLevel(level)
	handlerOpts := &slog.HandlerOptions{Level: slogLevel}

	var handler slog.Handler

	switch output {
	case "stdout":
		handler = newTextOrJSONHandler(os.Stdout, format, handlerOpts)

	case "stderr":
		handler = newTextOrJSONHandler(os.Stderr, format, handlerOpts)

	case "syslog":
		if runtime.GOOS == "windows" {
			fmt.Fprintf(os.Stderr, "WARNING: syslog is not supported on Windows. Falling back to stderr.\n")
			handler = newTextOrJSONHandler(os.Stderr, format, handlerOpts)
			break
		}
		syslogWriter, err := syslog.Dial("", cfg.SyslogAddr, syslog.LOG_INFO|syslog.LOG_MAIL, tag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v. Falling back to stderr.\n", err)
			handler = newTextOrJSONHandler(os.Stderr, format, handlerOpts)
			break
		}
		handler = newSyslogHandler(syslogWriter, slogLevel)

	default:
		var err error
		logFile, err = os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file '%s': %v. Falling back to stderr.\n", output, err)
			handler = newTextOrJSONHandler(os.Stderr, format, handlerOpts)
			logFile = nil
		} else {
			handler = newTextOrJSONHandler(logFile, format, handlerOpts)
		}
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
	return logFile, nil
}

func newTextOrJSONHandler(w *os.File, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger instance, defaulting to slog.Default()
// before Initialize has been called.
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }

func InfoContext(ctx context.Context, msg string, args ...any)  { Get().InfoContext(ctx, msg, args...) }
func DebugContext(ctx context.Context, msg string, args ...any) { Get().DebugContext(ctx, msg, args...) }
func WarnContext(ctx context.Context, msg string, args ...any)  { Get().WarnContext(ctx, msg, args...) }
func ErrorContext(ctx context.Context, msg string, args ...any) { Get().ErrorContext(ctx, msg, args...) }

// Fatal logs at error level and terminates the process.
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// With returns a logger with the given attributes pre-bound.
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// Sync flushes any buffered log entries. It is a no-op for slog-backed
// handlers, kept for parity with loggers that do buffer.
func Sync() error { return nil }
