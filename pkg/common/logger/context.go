package logger

import "context"

// LoggerContext accumulates attributes over the course of a single operation
// and writes them with every subsequent record.
type LoggerContext struct {
	log   *Logger
	attrs []any
}

// NewLoggerContext wraps l.
func NewLoggerContext(l *Logger) *LoggerContext { return &LoggerContext{log: l} }

// Add records an attribute for all later records.
func (lc *LoggerContext) Add(key string, value any) { lc.attrs = append(lc.attrs, key, value) }

func (lc *LoggerContext) args(args []any) []any {
	out := make([]any, 0, len(lc.attrs)+len(args))
	out = append(out, lc.attrs...)
	return append(out, args...)
}

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.log.write(ctx, LevelDebug, 3, msg, lc.args(args)...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.log.write(ctx, LevelInfo, 3, msg, lc.args(args)...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.log.write(ctx, LevelWarn, 3, msg, lc.args(args)...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.log.write(ctx, LevelError, 3, msg, lc.args(args)...)
}
