package logger

import (
	"context"
	"errors"
	"log/slog"
)

// levelHandler gates records on a shared, mutable level before handing them
// to the wrapped handler.
type levelHandler struct {
	next  slog.Handler
	level *slog.LevelVar
}

func (h *levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() && h.next.Enabled(ctx, l)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{next: h.next.WithAttrs(attrs), level: h.level}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{next: h.next.WithGroup(name), level: h.level}
}

// eventHandler fires the configured event function for each record before
// passing it on.
type eventHandler struct {
	handler slog.Handler
	events  Events
}

func newEventHandler(handler slog.Handler, events Events) *eventHandler {
	return &eventHandler{handler: handler, events: events}
}

func (h *eventHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *eventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &eventHandler{handler: h.handler.WithAttrs(attrs), events: h.events}
}

func (h *eventHandler) WithGroup(name string) slog.Handler {
	return &eventHandler{handler: h.handler.WithGroup(name), events: h.events}
}

func (h *eventHandler) Handle(ctx context.Context, r slog.Record) error {
	switch r.Level {
	case slog.LevelDebug:
		if h.events.Debug != nil {
			h.events.Debug(ctx, toRecord(r))
		}
	case slog.LevelError:
		if h.events.Error != nil {
			h.events.Error(ctx, toRecord(r))
		}
	case slog.LevelWarn:
		if h.events.Warn != nil {
			h.events.Warn(ctx, toRecord(r))
		}
	case slog.LevelInfo:
		if h.events.Info != nil {
			h.events.Info(ctx, toRecord(r))
		}
	}

	return h.handler.Handle(ctx, r)
}

func toRecord(r slog.Record) Record {
	atts := make(map[string]any, r.NumAttrs())
	r.Attrs(func(attr slog.Attr) bool {
		atts[attr.Key] = attr.Value.Any()
		return true
	})

	return Record{
		Time:       r.Time,
		Message:    r.Message,
		Level:      Level(r.Level),
		Attributes: atts,
	}
}

// teeHandler writes each record to every wrapped handler.
type teeHandler []slog.Handler

// Tee returns a handler that duplicates records to all of hs. It is used to
// send records both to stdout and to the OpenTelemetry log bridge.
func Tee(hs ...slog.Handler) slog.Handler { return teeHandler(hs) }

func (t teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
