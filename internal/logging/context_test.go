package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextIDs(t *testing.T) {
	bare := context.Background()
	assert.Empty(t, RunID(bare)+StepID(bare)+Intent(bare))

	ctx := WithIntent(WithStepID(WithRunID(bare, "run-123"), "execute_sql"), "sql")
	assert.Equal(t, "run-123", RunID(ctx))
	assert.Equal(t, "execute_sql", StepID(ctx))
	assert.Equal(t, "sql", Intent(ctx))
}

func TestLogWith(t *testing.T) {
	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "run and step",
			ctx:     WithStepID(WithRunID(context.Background(), "run-abc"), "plan"),
			want:    []string{"run_id=run-abc", "step_id=plan"},
			notWant: []string{"intent="},
		},
		{
			name:    "nothing to add",
			ctx:     context.Background(),
			notWant: []string{"run_id=", "step_id=", "intent="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			LogWith(tt.ctx, logger).Info("hello")
			out := buf.String()
			assert.Contains(t, out, "hello")
			for _, s := range tt.want {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.notWant {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("component", "orchestrator")}))

	ctx := WithIntent(WithStepID(WithRunID(context.Background(), "run-auto"), "retrieve_context"), "rag")
	logger.InfoContext(ctx, "correlated")
	out := buf.String()
	for _, s := range []string{`"run_id":"run-auto"`, `"step_id":"retrieve_context"`, `"intent":"rag"`, `"component":"orchestrator"`} {
		assert.Contains(t, out, s)
	}

	buf.Reset()
	slog.New(h.WithGroup("g")).InfoContext(context.Background(), "bare")
	assert.NotContains(t, buf.String(), "run_id")
	assert.Contains(t, buf.String(), "bare")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	} {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")
	logger.InfoContext(WithRunID(context.Background(), "r0"), "hidden")
	logger.WarnContext(WithRunID(context.Background(), "r1"), "shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "run_id=r1")
}

func TestOrDefault(t *testing.T) {
	assert.Same(t, slog.Default(), OrDefault(nil))
	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, l, OrDefault(l))
}
