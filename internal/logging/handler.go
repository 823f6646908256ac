package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// Implements slog.Handler on top of a zerolog logger.
type Handler struct {
	logger zerolog.Logger // Backend.
	level  slog.Leveler   // Minimum level. Shared by derived handlers.
	attrs  []boundAttr    // Attributes added through WithAttrs.
	groups []string       // Open groups, outermost first.
}

// Attribute bound by WithAttrs, with the groups open at that time.
type boundAttr struct {
	attr   slog.Attr
	groups []string
}

// Creates a handler writing to logger, filtering below level.
//
// A *slog.LevelVar may be passed to adjust the level after creation.
func NewHandler(logger zerolog.Logger, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{logger: logger.Level(zerolog.TraceLevel), level: level}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, record slog.Record) error {
	var event *zerolog.Event

	switch {
	case record.Level < slog.LevelDebug:
		event = h.logger.Trace()
	case record.Level < slog.LevelInfo:
		event = h.logger.Debug()
	case record.Level < slog.LevelWarn:
		event = h.logger.Info()
	case record.Level < slog.LevelError:
		event = h.logger.Warn()
	default:
		event = h.logger.Error()
	}
	if event == nil {
		return nil
	}

	for _, b := range h.attrs {
		event = addAttr(event, b.attr, b.groups)
	}
	record.Attrs(func(attr slog.Attr) bool {
		event = addAttr(event, attr, h.groups)
		return true
	})

	event.Msg(record.Message)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]boundAttr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, attr := range attrs {
		merged = append(merged, boundAttr{attr: attr, groups: h.groups})
	}

	return &Handler{logger: h.logger, level: h.level, attrs: merged, groups: h.groups}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)

	return &Handler{logger: h.logger, level: h.level, attrs: h.attrs, groups: groups}
}

// Adds a slog attribute to a zerolog event, prefixing the key with the open
// groups.
func addAttr(event *zerolog.Event, attr slog.Attr, groups []string) *zerolog.Event {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return event
	}

	key := attr.Key
	for i := len(groups) - 1; i >= 0; i-- {
		key = groups[i] + "." + key
	}

	switch attr.Value.Kind() {
	case slog.KindString:
		return event.Str(key, attr.Value.String())
	case slog.KindInt64:
		return event.Int64(key, attr.Value.Int64())
	case slog.KindUint64:
		return event.Uint64(key, attr.Value.Uint64())
	case slog.KindFloat64:
		return event.Float64(key, attr.Value.Float64())
	case slog.KindBool:
		return event.Bool(key, attr.Value.Bool())
	case slog.KindDuration:
		return event.Dur(key, attr.Value.Duration())
	case slog.KindTime:
		return event.Time(key, attr.Value.Time())
	case slog.KindGroup:
		sub := append(append([]string(nil), groups...), attr.Key)
		if attr.Key == "" {
			sub = groups
		}
		for _, ga := range attr.Value.Group() {
			event = addAttr(event, ga, sub)
		}
		return event
	}

	if err, ok := attr.Value.Any().(error); ok {
		return event.AnErr(key, err)
	}
	return event.Interface(key, attr.Value.Any())
}
