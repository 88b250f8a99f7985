package kafka

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/domain/events"
	"github.com/os2datascanner/engine/pkg/common"
	"github.com/os2datascanner/engine/pkg/common/logger"
)

// ConnectWithRetry creates a client and Broker, retrying with exponential
// backoff while the cluster is unreachable.
func ConnectWithRetry(ctx context.Context, cfg *Config, log *logger.Logger, metrics events.Metrics, tracer trace.Tracer) (*Broker, error) {
	return common.ConnectWithRetry(ctx, log, "kafka", func() (*Broker, error) {
		client, err := NewClient(&ClientConfig{Brokers: cfg.Brokers, ClientID: cfg.ClientID})
		if err != nil {
			return nil, fmt.Errorf("creating client: %w", err)
		}
		broker, err := NewBroker(client, cfg, log, metrics, tracer)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("creating broker: %w", err)
		}
		return broker, nil
	})
}
