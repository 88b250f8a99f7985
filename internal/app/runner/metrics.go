package runner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/os2datascanner/engine/internal/domain/events"
)

// PipelineMetrics defines the OpenTelemetry instruments of a runner. It also
// serves as the broker's events.Metrics.
type PipelineMetrics interface {
	// Messaging metrics
	events.Metrics

	// Delivery metrics
	TrackDelivery(ctx context.Context, queue string, f func() error) error
	IncAborted(ctx context.Context, queue string)
	IncPanics(ctx context.Context)
}

// pipelineMetrics implements PipelineMetrics
type pipelineMetrics struct {
	// Messaging metrics
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Delivery metrics
	deliveriesHandled  metric.Int64Counter
	deliveryErrors     metric.Int64Counter
	activeDeliveries   metric.Int64UpDownCounter
	deliveryHandleTime metric.Float64Histogram
	abortedDeliveries  metric.Int64Counter
	panics             metric.Int64Counter

	stage attribute.KeyValue
}

const namespace = "pipeline"

// NewPipelineMetrics creates the instruments of the named stage's runner.
func NewPipelineMetrics(mp metric.MeterProvider, stage string) (*pipelineMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := &pipelineMetrics{stage: attribute.String("stage", stage)}
	var err error

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages settled after consumption"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if m.deliveriesHandled, err = meter.Int64Counter(
		"deliveries_handled_total",
		metric.WithDescription("Total number of deliveries handled by the stage"),
	); err != nil {
		return nil, err
	}

	if m.deliveryErrors, err = meter.Int64Counter(
		"delivery_errors_total",
		metric.WithDescription("Total number of deliveries whose handling failed"),
	); err != nil {
		return nil, err
	}

	if m.activeDeliveries, err = meter.Int64UpDownCounter(
		"active_deliveries",
		metric.WithDescription("Number of deliveries currently being handled"),
	); err != nil {
		return nil, err
	}

	if m.deliveryHandleTime, err = meter.Float64Histogram(
		"delivery_handle_duration_seconds",
		metric.WithDescription("Time taken to handle one delivery"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.abortedDeliveries, err = meter.Int64Counter(
		"aborted_deliveries_total",
		metric.WithDescription("Total number of deliveries dropped because their scan was aborted"),
	); err != nil {
		return nil, err
	}

	if m.panics, err = meter.Int64Counter(
		"handler_panics_total",
		metric.WithDescription("Total number of recovered handler panics"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *pipelineMetrics) attrs(queue string) metric.MeasurementOption {
	return metric.WithAttributes(m.stage, attribute.String("queue", queue))
}

// Broker metrics implementations
func (m *pipelineMetrics) IncMessagePublished(ctx context.Context, queue string) {
	m.messagesPublished.Add(ctx, 1, m.attrs(queue))
}

func (m *pipelineMetrics) IncMessageConsumed(ctx context.Context, queue string) {
	m.messagesConsumed.Add(ctx, 1, m.attrs(queue))
}

func (m *pipelineMetrics) IncPublishError(ctx context.Context, queue string) {
	m.publishErrors.Add(ctx, 1, m.attrs(queue))
}

func (m *pipelineMetrics) IncConsumeError(ctx context.Context, queue string) {
	m.consumeErrors.Add(ctx, 1, m.attrs(queue))
}

// Delivery metrics implementations
func (m *pipelineMetrics) TrackDelivery(ctx context.Context, queue string, f func() error) error {
	m.activeDeliveries.Add(ctx, 1, metric.WithAttributes(m.stage))
	defer m.activeDeliveries.Add(ctx, -1, metric.WithAttributes(m.stage))

	start := time.Now()
	err := f()
	m.deliveryHandleTime.Record(ctx, time.Since(start).Seconds(), m.attrs(queue))
	m.deliveriesHandled.Add(ctx, 1, m.attrs(queue))
	if err != nil {
		m.deliveryErrors.Add(ctx, 1, m.attrs(queue))
	}
	return err
}

func (m *pipelineMetrics) IncAborted(ctx context.Context, queue string) {
	m.abortedDeliveries.Add(ctx, 1, m.attrs(queue))
}

func (m *pipelineMetrics) IncPanics(ctx context.Context) {
	m.panics.Add(ctx, 1, metric.WithAttributes(m.stage))
}
