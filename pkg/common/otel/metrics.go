package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// GetMeterProvider returns the globally registered meter provider; a no-op
// provider until InitTelemetry installs an exporting one.
func GetMeterProvider() metric.MeterProvider { return otel.GetMeterProvider() }

// NewResource creates a new OpenTelemetry resource with the service name and
// any extra resource attributes.
func NewResource(serviceName string, extra map[string]string) *resource.Resource {
	attrs := append(attributesFromMap(extra), semconv.ServiceNameKey.String(serviceName))
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}
