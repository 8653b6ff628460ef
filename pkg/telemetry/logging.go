// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// globalLevel backs the logger installed by ConfigureSlog.
var globalLevel slog.LevelVar

// ConfigureSlog sets the global slog logger with trace-aware attributes.
// Its level can be changed later with SetLevel.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	globalLevel.Set(ParseLevel(level))
	logger := slog.New(newHandler(output, &globalLevel, format))
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level of the logger installed by ConfigureSlog.
func SetLevel(level string) {
	globalLevel.Set(ParseLevel(level))
}

// NewHandler returns a text or JSON handler that adds trace_id and span_id
// from the record context.
func NewHandler(output io.Writer, level, format string) slog.Handler {
	return newHandler(output, ParseLevel(level), format)
}

func newHandler(output io.Writer, level slog.Leveler, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		base = slog.NewJSONHandler(output, opts)
	default:
		base = slog.NewTextHandler(output, opts)
	}
	return &traceHandler{next: base}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type traceHandler struct {
	next slog.Handler
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		if !recordHasAttr(record, "trace_id") {
			record.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
		}
		if !recordHasAttr(record, "span_id") {
			record.AddAttrs(slog.String("span_id", sc.SpanID().String()))
		}
	}
	return h.next.Handle(ctx, record)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{next: h.next.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{next: h.next.WithGroup(name)}
}

// ParseLevel maps debug, warn and error; anything else is info.
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

func recordHasAttr(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			found = true
			return false
		}
		return true
	})
	return found
}
