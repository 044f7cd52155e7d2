// Package logging carries run correlation ids through contexts and into
// slog records.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stepIDKey
	intentKey
)

// attrNames maps each context key to its log attribute, in output order.
var attrNames = [...]string{
	runIDKey:  "run_id",
	stepIDKey: "step_id",
	intentKey: "intent",
}

func lookup(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithRunID tags ctx with the run id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStepID tags ctx with the step id.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithIntent tags ctx with the planner intent.
func WithIntent(ctx context.Context, intent string) context.Context {
	return context.WithValue(ctx, intentKey, intent)
}

// RunID returns the run id carried by ctx, or "".
func RunID(ctx context.Context) string { return lookup(ctx, runIDKey) }

// StepID returns the step id carried by ctx, or "".
func StepID(ctx context.Context) string { return lookup(ctx, stepIDKey) }

// Intent returns the planner intent carried by ctx, or "".
func Intent(ctx context.Context) string { return lookup(ctx, intentKey) }

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for k, name := range attrNames {
		if v := lookup(ctx, ctxKey(k)); v != "" {
			attrs = append(attrs, slog.String(name, v))
		}
	}
	return attrs
}

// LogWith returns logger with the correlation ids of ctx attached. Absent
// ids are left out.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := correlationAttrs(ctx)
	if len(attrs) == 0 {
		return logger
	}
	return slog.New(logger.Handler().WithAttrs(attrs))
}

// CorrelationHandler adds the correlation ids of the record's context to
// every record logged through a *Context method.
type CorrelationHandler struct {
	next slog.Handler
}

// NewCorrelationHandler wraps next.
func NewCorrelationHandler(next slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{next: next}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.next.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewCorrelationHandler(h.next.WithAttrs(attrs))
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return NewCorrelationHandler(h.next.WithGroup(name))
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds the process logger: text records on w, correlated.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(NewCorrelationHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})))
}

// OrDefault returns logger, or slog.Default() when it is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
