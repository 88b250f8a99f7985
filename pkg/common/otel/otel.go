// Package otel provides otel support.
package otel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/os2datascanner/engine/pkg/common/logger"
)

// Config defines the information needed to init tracing.
type Config struct {
	ServiceName        string
	ExporterEndpoint   string
	ExcludedRoutes     map[string]struct{}
	Probability        float64
	ResourceAttributes map[string]string
	InsecureExporter   bool
}

// InitTelemetry configures open telemetry to be used with the service. With
// no exporter endpoint configured it installs no-op providers so that every
// caller can keep creating spans unconditionally. Otherwise traces, metrics
// and logs are exported over OTLP, and LogHandler forwards to the installed
// logger provider.
func InitTelemetry(log *logger.Logger, cfg Config) (trace.TracerProvider, func(ctx context.Context), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.ExporterEndpoint == "" {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		log.Info(context.Background(), "telemetry disabled: no exporter endpoint configured")
		return tp, func(context.Context) {}, nil
	}

	res := NewResource(cfg.ServiceName, cfg.ResourceAttributes)

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.ExporterEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.ExporterEndpoint)}
	logOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.ExporterEndpoint)}
	if cfg.InsecureExporter {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		logOpts = append(logOpts, otlploggrpc.WithInsecure())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	logExporter, err := otlploggrpc.New(ctx, logOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating log exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(newEndpointExcluder(cfg.ExcludedRoutes, cfg.Probability)),
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithMaxQueueSize(2048),
		),
		sdktrace.WithResource(res),
	)

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExporter)),
		metric.WithResource(res),
	)

	lp := newLoggerProvider(logExporter, res)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	cleanup := func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			log.Error(ctx, "shutting down tracer provider", "error", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			log.Error(ctx, "shutting down meter provider", "error", err)
		}
		if err := lp.Shutdown(ctx); err != nil {
			log.Error(ctx, "shutting down logger provider", "error", err)
		}
	}

	return tp, cleanup, nil
}

func newLoggerProvider(exp sdklog.Exporter, res *resource.Resource) *sdklog.LoggerProvider {
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)
}

// LogHandler returns an slog handler that forwards records to the globally
// registered OpenTelemetry logger provider.
func LogHandler(serviceName string) slog.Handler {
	return otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(global.GetLoggerProvider()))
}

// AddSpan creates a new span with the given name and attributes
func AddSpan(ctx context.Context, tracer trace.Tracer, spanName string, keyValues ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, spanName)
	for _, kv := range keyValues {
		span.SetAttributes(kv)
	}
	return ctx, span
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("noop") }

// endpointExcluder drops spans whose name is one of the excluded routes and
// samples the rest by probability.
type endpointExcluder struct {
	endpoints   map[string]struct{}
	probability float64
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{endpoints: endpoints, probability: probability}
}

func (ee endpointExcluder) ShouldSample(parameters sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if _, exists := ee.endpoints[parameters.Name]; exists {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return sdktrace.TraceIDRatioBased(ee.probability).ShouldSample(parameters)
}

func (ee endpointExcluder) Description() string { return "customSampler" }

func attributesFromMap(m map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
