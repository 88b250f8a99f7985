package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/os2datascanner/engine/internal/domain/events"
	"github.com/os2datascanner/engine/pkg/common/logger"
	"github.com/os2datascanner/engine/pkg/common/otel"
)

type countingMetrics struct {
	mu        sync.Mutex
	published map[string]int
	failed    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{published: map[string]int{}, failed: map[string]int{}}
}

func (m *countingMetrics) IncMessagePublished(_ context.Context, q string) { m.inc(m.published, q) }
func (m *countingMetrics) IncPublishError(_ context.Context, q string)     { m.inc(m.failed, q) }
func (m *countingMetrics) IncMessageConsumed(context.Context, string)      {}
func (m *countingMetrics) IncConsumeError(context.Context, string)         {}

func (m *countingMetrics) inc(counts map[string]int, q string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts[q]++
}

func newTestBroker(t *testing.T, producer sarama.SyncProducer, metrics events.Metrics) *Broker {
	t.Helper()
	return &Broker{
		producer: producer,
		cfg:      &Config{GroupID: "os2ds", ClientID: "test"},
		logger:   logger.Noop(),
		tracer:   otel.NoopTracer(),
		metrics:  metrics,
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	t.Parallel()

	recorded := recordHeaders(events.Params(
		events.WithPriority(10),
		events.WithHeaders(map[string]any{"org": "Vejstrand", "x-match": "all"}),
	))

	consumed := make([]*sarama.RecordHeader, len(recorded))
	for i := range recorded {
		consumed[i] = &recorded[i]
	}
	consumed = append(consumed, nil)

	priority, headers := headerValues(consumed)
	assert.Equal(t, uint8(10), priority)
	assert.Equal(t, map[string]any{"org": "Vejstrand", "x-match": "all"}, headers)
}

func TestHeaderValuesIgnoresBadPriority(t *testing.T) {
	t.Parallel()

	priority, headers := headerValues([]*sarama.RecordHeader{
		{Key: []byte(priorityHeader), Value: []byte("high")},
	})
	assert.Zero(t, priority)
	assert.Empty(t, headers)
}

func TestOptionsOfDropsTraceContext(t *testing.T) {
	t.Parallel()

	p := events.Params(optionsOf([]*sarama.RecordHeader{
		{Key: []byte(priorityHeader), Value: []byte("3")},
		{Key: []byte("org"), Value: []byte("Vejstrand")},
		{Key: []byte("traceparent"), Value: []byte("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")},
	})...)
	assert.Equal(t, uint8(3), p.Priority)
	assert.Equal(t, "Vejstrand", p.Headers["org"])
}

func TestPublish(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sendErr error
		wantErr bool
	}{
		{name: "successful publish"},
		{name: "producer failure", sendErr: errors.New("leader not available"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			producer := mocks.NewSyncProducer(t, nil)
			check := func(msg *sarama.ProducerMessage) error {
				if msg.Topic != "os2ds_conversions" {
					return errors.New("unexpected topic " + msg.Topic)
				}
				if key, _ := msg.Key.Encode(); string(key) != "scan-1" {
					return errors.New("unexpected key")
				}
				return nil
			}
			if tt.sendErr != nil {
				producer.ExpectSendMessageWithMessageCheckerFunctionAndFail(check, tt.sendErr)
			} else {
				producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(check)
			}

			metrics := newCountingMetrics()
			b := newTestBroker(t, producer, metrics)

			err := b.Publish(context.Background(), "os2ds_conversions", []byte(`{}`),
				events.WithKey("scan-1"), events.WithPriority(1))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.sendErr)
				assert.Equal(t, 1, metrics.failed["os2ds_conversions"])
			} else {
				require.NoError(t, err)
				assert.Equal(t, 1, metrics.published["os2ds_conversions"])
			}
			require.NoError(t, producer.Close())
		})
	}
}

func TestBroadcastUsesBroadcastTopic(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != BroadcastTopic {
			return errors.New("unexpected topic " + msg.Topic)
		}
		return nil
	})

	metrics := newCountingMetrics()
	b := newTestBroker(t, producer, metrics)
	require.NoError(t, b.Broadcast(context.Background(), []byte(`{"abort":{}}`), events.WithPriority(10)))
	assert.Equal(t, 1, metrics.published[BroadcastTopic])
	require.NoError(t, producer.Close())
}
