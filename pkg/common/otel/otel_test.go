package otel

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/os2datascanner/engine/pkg/common/logger"
)

func TestEndpointExcluderDropsExcludedRoutes(t *testing.T) {
	ex := newEndpointExcluder(map[string]struct{}{"/healthz": {}}, 1.0)

	res := ex.ShouldSample(sdktrace.SamplingParameters{Name: "/healthz"})
	assert.Equal(t, sdktrace.Drop, res.Decision)

	res = ex.ShouldSample(sdktrace.SamplingParameters{Name: "runner.handle"})
	assert.Equal(t, sdktrace.RecordAndSample, res.Decision)
}

func TestInitTelemetryWithoutEndpointIsNoop(t *testing.T) {
	tp, cleanup, err := InitTelemetry(logger.Noop(), Config{ServiceName: "test"})
	require.NoError(t, err)
	defer cleanup(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.Equal(t, "00000000000000000000000000000000", GetTraceID(ctx))
}

type recordingExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *recordingExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error   { return nil }
func (e *recordingExporter) ForceFlush(context.Context) error { return nil }

func TestLogHandlerForwardsToInstalledProvider(t *testing.T) {
	exp := new(recordingExporter)
	lp := newLoggerProvider(exp, NewResource("test", nil))
	prev := global.GetLoggerProvider()
	global.SetLoggerProvider(lp)
	t.Cleanup(func() { global.SetLoggerProvider(prev) })

	ctx := context.Background()
	log := logger.Noop().WithHandler(LogHandler("test"))
	log.Info(ctx, "scan started", "scanner_pk", 7)
	require.NoError(t, lp.ForceFlush(ctx))

	exp.mu.Lock()
	defer exp.mu.Unlock()
	require.Len(t, exp.records, 1)
	assert.Equal(t, "scan started", exp.records[0].Body().AsString())
}

func TestAddSpanSetsAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	_, span := AddSpan(context.Background(), tp.Tracer("test"), "explorer.explore", attribute.Int64("scanner_pk", 7))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "explorer.explore", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.Int64("scanner_pk", 7))
}
