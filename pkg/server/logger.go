package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LogSink persists one log record for a run.
type LogSink interface {
	InsertLog(ctx context.Context, runID uuid.UUID, ts time.Time, level, message string, metadata []byte) error
}

// DBLogHandler is a slog.Handler that writes records to the run log table and
// forwards them to next for console output.
type DBLogHandler struct {
	sink  LogSink
	runID uuid.UUID
	next  slog.Handler
	attrs []slog.Attr
	group string
}

func NewDBLogHandler(sink LogSink, runID uuid.UUID, next slog.Handler) *DBLogHandler {
	return &DBLogHandler{
		sink:  sink,
		runID: runID,
		next:  next,
	}
}

func (h *DBLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *DBLogHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]interface{}, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = attrValue(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		attrs[key] = attrValue(a.Value)
		return true
	})

	metaJSON, err := json.Marshal(attrs)
	if err != nil {
		metaJSON = []byte("{}")
	}

	// Logs must survive a cancelled request.
	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	dbErr := h.sink.InsertLog(insertCtx, h.runID, r.Time, r.Level.String(), r.Message, metaJSON)

	var nextErr error
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		nextErr = h.next.Handle(ctx, r)
	}
	return errors.Join(dbErr, nextErr)
}

func (h *DBLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), h.qualify(attrs)...)
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

func (h *DBLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if h.group != "" {
		clone.group = h.group + "." + name
	} else {
		clone.group = name
	}
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}

func (h *DBLogHandler) qualify(attrs []slog.Attr) []slog.Attr {
	if h.group == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: h.group + "." + a.Key, Value: a.Value}
	}
	return out
}

// attrValue keeps errors readable once marshalled.
func attrValue(v slog.Value) interface{} {
	val := v.Resolve().Any()
	if err, ok := val.(error); ok {
		return err.Error()
	}
	return val
}
