package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
)

// headerCarrier implements propagation.TextMapCarrier over Kafka record
// headers.
type headerCarrier []sarama.RecordHeader

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	out := make([]string, len(*c))
	for i, h := range *c {
		out[i] = string(h.Key)
	}
	return out
}

// InjectTraceContext adds the current trace context to the message headers.
func InjectTraceContext(ctx context.Context, msg *sarama.ProducerMessage) {
	carrier := headerCarrier(msg.Headers)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	msg.Headers = carrier
}

// ExtractTraceContext continues the trace recorded in the message headers.
func ExtractTraceContext(ctx context.Context, msg *sarama.ConsumerMessage) context.Context {
	carrier := make(headerCarrier, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			carrier = append(carrier, *h)
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, &carrier)
}
