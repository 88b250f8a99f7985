// Package kafka provides a Kafka-based implementation of events.Broker. Each
// pipeline queue is a topic of the same name.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/domain/events"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/infra/eventbus/kafka/tracing"
	"github.com/os2datascanner/engine/pkg/common/logger"
)

// BroadcastTopic carries command messages to every runner.
const BroadcastTopic = "os2ds_broadcast"

// priorityHeader records the delivery priority, which Kafka has no notion
// of.
const priorityHeader = "x-priority"

// commitInterval bounds how often settled offsets are committed.
const commitInterval = time.Second

// Config contains settings for connecting to and interacting with Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// GroupID identifies the consumer group shared by runners of one stage.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
	// Hostname names this runner's private broadcast consumer group.
	Hostname string
}

var _ events.Broker = (*Broker)(nil)

// Broker publishes with a synchronous producer and consumes through consumer
// groups. Every runner joins the broadcast topic with a group of its own so
// that each receives every command.
type Broker struct {
	client   sarama.Client
	producer sarama.SyncProducer
	cfg      *Config

	mu     sync.Mutex
	groups []sarama.ConsumerGroup

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics events.Metrics
}

// NewBroker creates a Broker over an established client. The Broker takes
// ownership of the client.
func NewBroker(client sarama.Client, cfg *Config, log *logger.Logger, metrics events.Metrics, tracer trace.Tracer) (*Broker, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka broker")
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}

	return &Broker{
		client:   client,
		producer: producer,
		cfg:      cfg,
		logger: log.With(
			"component", "kafka_broker",
			"client_id", cfg.ClientID,
			"group_id", cfg.GroupID,
		),
		tracer:  tracer,
		metrics: metrics,
	}, nil
}

func (b *Broker) Publish(ctx context.Context, queue string, body []byte, opts ...events.PublishOption) error {
	ctx, span := tracing.StartProducerSpan(ctx, queue, b.tracer)
	defer span.End()

	p := events.Params(opts...)
	msg := &sarama.ProducerMessage{
		Topic:   queue,
		Value:   sarama.ByteEncoder(body),
		Headers: recordHeaders(p),
	}
	if p.Key != "" {
		msg.Key = sarama.StringEncoder(p.Key)
		span.SetAttributes(attribute.String("message.key", p.Key))
	}

	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := b.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		b.metrics.IncPublishError(ctx, queue)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", queue, err)
	}
	b.metrics.IncMessagePublished(ctx, queue)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", queue,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

func (b *Broker) Broadcast(ctx context.Context, body []byte, opts ...events.PublishOption) error {
	return b.Publish(ctx, BroadcastTopic, body, opts...)
}

// Consume joins the stage's consumer group for queues and blocks until ctx is
// done.
func (b *Broker) Consume(ctx context.Context, queues []string, prefetch int, handler events.HandlerFunc) error {
	group, err := sarama.NewConsumerGroupFromClient(b.cfg.GroupID, b.client)
	if err != nil {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	b.track(group)

	b.logger.Info(ctx, "Consuming", "topics", queues, "prefetch", prefetch)
	return b.consumeLoop(ctx, group, queues, b.newClaimHandler(handler, prefetch))
}

// SubscribeBroadcast joins a consumer group private to this runner, starting
// at the newest command so that old commands are not replayed.
func (b *Broker) SubscribeBroadcast(ctx context.Context, handler events.HandlerFunc) error {
	groupID := fmt.Sprintf("broadcast-%s-%s", b.cfg.Hostname, uuid.NewString())
	group, err := sarama.NewConsumerGroup(b.cfg.Brokers, groupID, newSaramaConfig(b.cfg.ClientID, sarama.OffsetNewest))
	if err != nil {
		return fmt.Errorf("creating broadcast consumer group: %w", err)
	}
	b.track(group)

	b.logger.Info(ctx, "Subscribed to broadcasts", "group_id", groupID)
	return b.consumeLoop(ctx, group, []string{BroadcastTopic}, b.newClaimHandler(handler, 16))
}

func (b *Broker) track(group sarama.ConsumerGroup) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups = append(b.groups, group)
}

// consumeLoop maintains a continuous consumer group session, rejoining after
// every rebalance.
func (b *Broker) consumeLoop(ctx context.Context, group sarama.ConsumerGroup, topics []string, h *claimHandler) error {
	for {
		if err := group.Consume(ctx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			if h.failed != nil {
				return h.failed
			}
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (b *Broker) newClaimHandler(handler events.HandlerFunc, prefetch int) *claimHandler {
	return &claimHandler{
		broker:  b,
		handler: handler,
		slots:   make(chan struct{}, max(prefetch, 1)),
	}
}

// claimHandler implements sarama.ConsumerGroupHandler. Its slots channel
// bounds the deliveries handed out but not yet settled.
type claimHandler struct {
	broker  *Broker
	handler events.HandlerFunc
	slots   chan struct{}
	failed  error

	commitMu   sync.Mutex
	lastCommit time.Time
}

func (h *claimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.broker.logger.Info(sess.Context(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *claimHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	sess.Commit()
	h.broker.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim hands the messages of one partition to the handler.
func (h *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.slots <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			if err := h.deliver(sess, msg); err != nil {
				h.failed = err
				return err
			}
		}
	}
}

func (h *claimHandler) deliver(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) error {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.broker.tracer)
	defer span.End()

	var once sync.Once
	settle := func(requeue bool) error {
		var err error
		once.Do(func() {
			defer func() { <-h.slots }()
			if requeue {
				// Kafka cannot return a message to its partition, so it is
				// appended to the topic again.
				err = h.broker.Publish(msgCtx, msg.Topic, msg.Value, optionsOf(msg.Headers)...)
				if err != nil {
					h.broker.metrics.IncConsumeError(msgCtx, msg.Topic)
					return
				}
			}
			sess.MarkMessage(msg, "")
			h.broker.metrics.IncMessageConsumed(msgCtx, msg.Topic)
			h.maybeCommit(sess)
		})
		return err
	}

	queue := msg.Topic
	if queue == BroadcastTopic {
		queue = messages.BroadcastExchange
	}
	d := events.NewDelivery(queue, msg.Value,
		func() error { return settle(false) },
		func(requeue bool) error { return settle(requeue) },
	)
	d.Priority, d.Headers = headerValues(msg.Headers)

	if err := h.handler(msgCtx, d); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		return err
	}
	return nil
}

func (h *claimHandler) maybeCommit(sess sarama.ConsumerGroupSession) {
	h.commitMu.Lock()
	defer h.commitMu.Unlock()
	if time.Since(h.lastCommit) > commitInterval {
		sess.Commit()
		h.lastCommit = time.Now()
	}
}

// Close gracefully shuts down the broker by closing its consumer groups,
// producer and client.
func (b *Broker) Close() error {
	b.mu.Lock()
	groups := b.groups
	b.groups = nil
	b.mu.Unlock()

	var errs []error
	for _, g := range groups {
		errs = append(errs, g.Close())
	}
	errs = append(errs, b.producer.Close(), b.client.Close())
	if err := errors.Join(errs...); err != nil {
		b.logger.Error(context.Background(), "Failed to close broker", "error", err)
		return err
	}
	b.logger.Info(context.Background(), "Closed broker")
	return nil
}

func recordHeaders(p events.PublishParams) []sarama.RecordHeader {
	headers := make([]sarama.RecordHeader, 0, len(p.Headers)+1)
	if p.Priority > 0 {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(priorityHeader),
			Value: []byte(strconv.Itoa(int(p.Priority))),
		})
	}
	for k, v := range p.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(fmt.Sprint(v))})
	}
	return headers
}

// headerValues recovers the priority and string headers of a consumed
// message. Trace propagation headers are included; they are harmless to
// downstream consumers.
func headerValues(hs []*sarama.RecordHeader) (uint8, map[string]any) {
	var priority uint8
	headers := make(map[string]any, len(hs))
	for _, h := range hs {
		if h == nil {
			continue
		}
		if string(h.Key) == priorityHeader {
			if n, err := strconv.ParseUint(string(h.Value), 10, 8); err == nil {
				priority = uint8(n)
			}
			continue
		}
		headers[string(h.Key)] = string(h.Value)
	}
	return priority, headers
}

// optionsOf rebuilds the publish options of a consumed message, leaving out
// trace context so that it is injected afresh.
func optionsOf(hs []*sarama.RecordHeader) []events.PublishOption {
	priority, headers := headerValues(hs)
	for _, k := range otel.GetTextMapPropagator().Fields() {
		delete(headers, k)
	}
	return []events.PublishOption{events.WithPriority(priority), events.WithHeaders(headers)}
}
