// Package logger provides a structured logger built on log/slog. Every
// record carries the service name and, when a TraceIDFn is configured, the
// trace id of the span found in the context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// TraceIDFn extracts a trace id from a context.
type TraceIDFn func(ctx context.Context) string

// Level represents a logging level.
type Level slog.Level

// Set of levels understood by the logger.
const (
	LevelDebug = Level(slog.LevelDebug)
	LevelInfo  = Level(slog.LevelInfo)
	LevelWarn  = Level(slog.LevelWarn)
	LevelError = Level(slog.LevelError)
)

// ParseLevel maps a textual level ("debug", "info", "warning", ...) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error", "critical":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// FromNumeric maps the numeric levels carried by command messages
// (10 debug, 20 info, 30 warning, 40 error, 50 critical) to a Level.
func FromNumeric(n int) Level {
	switch {
	case n <= 10:
		return LevelDebug
	case n <= 20:
		return LevelInfo
	case n <= 30:
		return LevelWarn
	default:
		return LevelError
	}
}

// Record represents the data that is being logged.
type Record struct {
	Time       time.Time
	Message    string
	Level      Level
	Attributes map[string]any
}

// EventFn is a function to be executed when a log at a configured level is
// written.
type EventFn func(ctx context.Context, r Record)

// Events contains an assignment of an event function to a log level.
type Events struct {
	Debug EventFn
	Info  EventFn
	Warn  EventFn
	Error EventFn
}

// Logger represents a logger for logging information.
type Logger struct {
	handler   slog.Handler
	level     *slog.LevelVar
	traceIDFn TraceIDFn
}

// New constructs a new log for application use.
func New(w io.Writer, minLevel Level, serviceName string, traceIDFn TraceIDFn) *Logger {
	return newLogger(w, minLevel, serviceName, traceIDFn, Events{}, nil)
}

// NewWithEvents constructs a new log for application use with events.
func NewWithEvents(w io.Writer, minLevel Level, serviceName string, traceIDFn TraceIDFn, events Events) *Logger {
	return newLogger(w, minLevel, serviceName, traceIDFn, events, nil)
}

// NewWithMetadata constructs a logger whose every record carries the given
// metadata (hostname, pod, stage, ...).
func NewWithMetadata(
	w io.Writer,
	minLevel Level,
	serviceName string,
	traceIDFn TraceIDFn,
	events Events,
	metadata map[string]string,
) *Logger {
	return newLogger(w, minLevel, serviceName, traceIDFn, events, metadata)
}

// NewWithHandler returns a new log for application use with the underlying
// handler.
func NewWithHandler(h slog.Handler) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelDebug)
	return &Logger{handler: &levelHandler{next: h, level: lv}, level: lv}
}

// Noop returns a logger that discards everything.
func Noop() *Logger {
	return NewWithHandler(slog.NewJSONHandler(io.Discard, nil))
}

// With returns a logger that includes the given attributes in every record.
func (log *Logger) With(args ...any) *Logger {
	return &Logger{
		handler:   log.handler.WithAttrs(argsToAttrs(args)),
		level:     log.level,
		traceIDFn: log.traceIDFn,
	}
}

// SetLevel changes the minimum level at runtime. Loggers derived with With
// share the level.
func (log *Logger) SetLevel(l Level) { log.level.Set(slog.Level(l)) }

// Level reports the current minimum level.
func (log *Logger) Level() Level { return Level(log.level.Level()) }

// WithHandler returns a logger that also writes every record to h. The
// level stays shared with log.
func (log *Logger) WithHandler(h slog.Handler) *Logger {
	return &Logger{
		handler:   &levelHandler{next: Tee(log.handler, h), level: log.level},
		level:     log.level,
		traceIDFn: log.traceIDFn,
	}
}

// Handler exposes the underlying slog handler.
func (log *Logger) Handler() slog.Handler { return log.handler }

// Enabled reports whether records at the level would be written.
func (log *Logger) Enabled(ctx context.Context, level Level) bool {
	return log.handler.Enabled(ctx, slog.Level(level))
}

// Debug logs at LevelDebug with the given context.
func (log *Logger) Debug(ctx context.Context, msg string, args ...any) {
	log.write(ctx, LevelDebug, 3, msg, args...)
}

// Info logs at LevelInfo with the given context.
func (log *Logger) Info(ctx context.Context, msg string, args ...any) {
	log.write(ctx, LevelInfo, 3, msg, args...)
}

// Warn logs at LevelWarn with the given context.
func (log *Logger) Warn(ctx context.Context, msg string, args ...any) {
	log.write(ctx, LevelWarn, 3, msg, args...)
}

// Error logs at LevelError with the given context.
func (log *Logger) Error(ctx context.Context, msg string, args ...any) {
	log.write(ctx, LevelError, 3, msg, args...)
}

func (log *Logger) write(ctx context.Context, level Level, caller int, msg string, args ...any) {
	slogLevel := slog.Level(level)

	if !log.handler.Enabled(ctx, slogLevel) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(caller, pcs[:])

	r := slog.NewRecord(time.Now(), slogLevel, msg, pcs[0])

	if log.traceIDFn != nil {
		args = append(args, "trace_id", log.traceIDFn(ctx))
	}
	r.Add(args...)

	_ = log.handler.Handle(ctx, r)
}

func newLogger(
	w io.Writer,
	minLevel Level,
	serviceName string,
	traceIDFn TraceIDFn,
	events Events,
	metadata map[string]string,
) *Logger {
	// Convert the file name to just the name.ext when this key/value will
	// be logged.
	f := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			if source, ok := a.Value.Any().(*slog.Source); ok {
				v := fmt.Sprintf("%s:%d", filepath.Base(source.File), source.Line)
				return slog.Attr{Key: "file", Value: slog.StringValue(v)}
			}
		}
		return a
	}

	lv := new(slog.LevelVar)
	lv.Set(slog.Level(minLevel))

	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource:   true,
		Level:       lv,
		ReplaceAttr: f,
	})

	if events.Debug != nil || events.Info != nil || events.Warn != nil || events.Error != nil {
		handler = newEventHandler(handler, events)
	}

	attrs := []slog.Attr{{Key: "service", Value: slog.StringValue(serviceName)}}
	for k, v := range metadata {
		if k == "service" || v == "" {
			continue
		}
		attrs = append(attrs, slog.String(k, v))
	}
	handler = handler.WithAttrs(attrs)

	return &Logger{
		handler:   &levelHandler{next: handler, level: lv},
		level:     lv,
		traceIDFn: traceIDFn,
	}
}

func argsToAttrs(args []any) []slog.Attr {
	r := slog.NewRecord(time.Time{}, slog.LevelInfo, "", 0)
	r.Add(args...)
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return attrs
}
