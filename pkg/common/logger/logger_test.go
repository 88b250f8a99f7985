package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerWritesMetadataAndTraceID(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithMetadata(&buf, LevelInfo, "ENGINE-test",
		func(context.Context) string { return "abc" }, Events{},
		map[string]string{"stage": "worker", "pod": ""})

	log.With("component", "runner").Info(context.Background(), "started", "width", 3)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "started", lines[0]["msg"])
	assert.Equal(t, "ENGINE-test", lines[0]["service"])
	assert.Equal(t, "worker", lines[0]["stage"])
	assert.Equal(t, "runner", lines[0]["component"])
	assert.Equal(t, "abc", lines[0]["trace_id"])
	assert.EqualValues(t, 3, lines[0]["width"])
	assert.NotContains(t, lines[0], "pod")
}

func TestLoggerSetLevelIsShared(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo, "svc", nil)
	child := log.With("k", "v")

	child.Debug(context.Background(), "hidden")
	assert.Empty(t, buf.String())

	log.SetLevel(LevelDebug)
	child.Debug(context.Background(), "visible")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "visible", lines[0]["msg"])
}

func TestLoggerErrorEvent(t *testing.T) {
	var got []Record
	log := NewWithEvents(&bytes.Buffer{}, LevelDebug, "svc", nil, Events{
		Error: func(_ context.Context, r Record) { got = append(got, r) },
	})

	log.Info(context.Background(), "fine")
	log.Error(context.Background(), "broken", "error", "boom")

	require.Len(t, got, 1)
	assert.Equal(t, "broken", got[0].Message)
	assert.Equal(t, "boom", got[0].Attributes["error"])
}

func TestLoggerContextAccumulates(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelDebug, "svc", nil))
	lc.Add("queue", "os2ds_conversions")
	lc.Debug(context.Background(), "handled", "outputs", 2)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "os2ds_conversions", lines[0]["queue"])
	assert.EqualValues(t, 2, lines[0]["outputs"])
}

func TestTeeWritesToAllHandlers(t *testing.T) {
	var a, b bytes.Buffer
	log := NewWithHandler(Tee(slog.NewJSONHandler(&a, nil), slog.NewJSONHandler(&b, nil)))
	log.Info(context.Background(), "twice")

	assert.Contains(t, a.String(), "twice")
	assert.Contains(t, b.String(), "twice")
}

func TestWithHandlerSharesLevel(t *testing.T) {
	var a, b bytes.Buffer
	base := New(&a, LevelInfo, "test", nil)
	log := base.WithHandler(slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelDebug}))

	log.Debug(context.Background(), "hidden")
	assert.Empty(t, a.String())
	assert.Empty(t, b.String())

	log.SetLevel(LevelDebug)
	log.Debug(context.Background(), "shown")
	assert.Contains(t, a.String(), "shown")
	assert.Contains(t, b.String(), "shown")
}

func TestLevelParsing(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		err  bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"critical", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, LevelDebug, FromNumeric(10))
	assert.Equal(t, LevelInfo, FromNumeric(20))
	assert.Equal(t, LevelWarn, FromNumeric(30))
	assert.Equal(t, LevelError, FromNumeric(50))
}
