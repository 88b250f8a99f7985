// Package amqp provides a RabbitMQ implementation of events.Broker. Every
// pipeline queue is a durable priority queue on the default exchange, and
// commands travel over a fanout exchange with one exclusive queue per runner.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/domain/events"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/pkg/common"
	"github.com/os2datascanner/engine/pkg/common/logger"
)

// MaxPriority is the x-max-priority argument of every declared queue.
const MaxPriority = 10

// Config holds the connection settings for a RabbitMQ server.
type Config struct {
	// URL is an amqp:// URL including credentials and virtual host.
	URL string
	// Heartbeat is the connection heartbeat interval. Zero uses the
	// server's interval.
	Heartbeat time.Duration
}

var _ events.Broker = (*Broker)(nil)

// Broker holds one connection with separate channels for publishing and for
// each consumer, so that a slow consumer never blocks a publish.
type Broker struct {
	conn *amqp.Connection

	pubMu    sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics events.Metrics
}

// ConnectWithRetry dials the server, retrying with exponential backoff while
// it is unreachable.
func ConnectWithRetry(ctx context.Context, cfg *Config, log *logger.Logger, metrics events.Metrics, tracer trace.Tracer) (*Broker, error) {
	return common.ConnectWithRetry(ctx, log, "rabbitmq", func() (*Broker, error) {
		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: cfg.Heartbeat, Locale: "en_US"})
		if err != nil {
			return nil, fmt.Errorf("dialing: %w", err)
		}
		broker, err := NewBroker(conn, log, metrics, tracer)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("creating broker: %w", err)
		}
		return broker, nil
	})
}

// NewBroker creates a Broker over an open connection, which it takes
// ownership of.
func NewBroker(conn *amqp.Connection, log *logger.Logger, metrics events.Metrics, tracer trace.Tracer) (*Broker, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for amqp broker")
	}
	pub, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening publish channel: %w", err)
	}
	if err := pub.ExchangeDeclare(messages.BroadcastExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		pub.Close()
		return nil, fmt.Errorf("declaring broadcast exchange: %w", err)
	}
	return &Broker{
		conn:     conn,
		pub:      pub,
		declared: make(map[string]bool),
		logger:   log.With("component", "amqp_broker"),
		tracer:   tracer,
		metrics:  metrics,
	}, nil
}

func priorityArgs() amqp.Table { return amqp.Table{"x-max-priority": int32(MaxPriority)} }

// declare makes sure queue exists on ch. Redeclaring a queue with the same
// arguments is a no-op on the server.
func declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, true, false, false, false, priorityArgs())
	if err != nil {
		return fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	return nil
}

func (b *Broker) Publish(ctx context.Context, queue string, body []byte, opts ...events.PublishOption) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if !b.declared[queue] {
		if err := declare(b.pub, queue); err != nil {
			b.metrics.IncPublishError(ctx, queue)
			return err
		}
		b.declared[queue] = true
	}
	return b.publish(ctx, "", queue, body, opts...)
}

func (b *Broker) Broadcast(ctx context.Context, body []byte, opts ...events.PublishOption) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.publish(ctx, messages.BroadcastExchange, "", body, opts...)
}

func (b *Broker) publish(ctx context.Context, exchange, key string, body []byte, opts ...events.PublishOption) error {
	dest := key
	if exchange != "" {
		dest = exchange
	}
	ctx, span := b.tracer.Start(ctx, "amqp.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingDestinationName(dest),
			semconv.MessagingRabbitmqDestinationRoutingKey(key),
			semconv.MessagingOperationPublish,
		),
	)
	defer span.End()

	p := events.Params(opts...)
	headers := amqp.Table{}
	for k, v := range p.Headers {
		headers[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))

	err := b.pub.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     min(p.Priority, MaxPriority),
		Headers:      headers,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		b.metrics.IncPublishError(ctx, dest)
		return fmt.Errorf("failed to publish to %s: %w", dest, err)
	}
	b.metrics.IncMessagePublished(ctx, dest)
	return nil
}

// Consume opens a channel with the given prefetch count, declares queues and
// delivers from all of them until ctx is done or the channel is closed by
// the server.
func (b *Broker) Consume(ctx context.Context, queues []string, prefetch int, handler events.HandlerFunc) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(max(prefetch, 1), 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}

	sources := make([]<-chan amqp.Delivery, 0, len(queues))
	for _, q := range queues {
		if err := declare(ch, q); err != nil {
			return err
		}
		ds, err := ch.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consuming %s: %w", q, err)
		}
		sources = append(sources, ds)
	}

	done := make(chan struct{})
	defer close(done)

	b.logger.Info(ctx, "Consuming", "queues", queues, "prefetch", prefetch)
	return b.deliverAll(ctx, ch, merge(done, sources), handler)
}

// SubscribeBroadcast binds an exclusive, server-named queue to the broadcast
// exchange. The queue disappears with the channel.
func (b *Broker) SubscribeBroadcast(ctx context.Context, handler events.HandlerFunc) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening broadcast channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, priorityArgs())
	if err != nil {
		return fmt.Errorf("declaring broadcast queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", messages.BroadcastExchange, false, nil); err != nil {
		return fmt.Errorf("binding broadcast queue: %w", err)
	}
	ds, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming broadcasts: %w", err)
	}

	b.logger.Info(ctx, "Subscribed to broadcasts", "queue", q.Name)
	return b.deliverAll(ctx, ch, ds, handler)
}

func (b *Broker) deliverAll(ctx context.Context, ch *amqp.Channel, ds <-chan amqp.Delivery, handler events.HandlerFunc) error {
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-closed:
			if err != nil {
				return fmt.Errorf("channel closed: %w", err)
			}
			return nil
		case raw, ok := <-ds:
			if !ok {
				return nil
			}
			if err := b.deliver(ctx, raw, handler); err != nil {
				return err
			}
		}
	}
}

func (b *Broker) deliver(ctx context.Context, raw amqp.Delivery, handler events.HandlerFunc) error {
	queue := raw.RoutingKey
	if raw.Exchange != "" {
		queue = raw.Exchange
	}

	msgCtx := otel.GetTextMapPropagator().Extract(ctx, tableCarrier(raw.Headers))
	msgCtx, span := b.tracer.Start(msgCtx, "amqp.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingDestinationName(queue),
			semconv.MessagingOperationReceive,
		),
	)
	defer span.End()

	var ack func() error
	var reject func(bool) error
	if raw.Acknowledger != nil && raw.DeliveryTag != 0 {
		ack = func() error {
			if err := raw.Ack(false); err != nil {
				b.metrics.IncConsumeError(msgCtx, queue)
				return err
			}
			b.metrics.IncMessageConsumed(msgCtx, queue)
			return nil
		}
		reject = func(requeue bool) error {
			b.metrics.IncMessageConsumed(msgCtx, queue)
			return raw.Nack(false, requeue)
		}
	}

	d := events.NewDelivery(queue, raw.Body, ack, reject)
	d.Priority = raw.Priority
	d.Timestamp = raw.Timestamp
	d.Headers = make(map[string]any, len(raw.Headers))
	for k, v := range raw.Headers {
		d.Headers[k] = v
	}
	for _, k := range otel.GetTextMapPropagator().Fields() {
		delete(d.Headers, k)
	}

	if err := handler(msgCtx, d); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		return err
	}
	return nil
}

// merge forwards every source onto one channel, which is closed once all
// sources are. Forwarding stops when done is closed.
func merge(done <-chan struct{}, sources []<-chan amqp.Delivery) <-chan amqp.Delivery {
	if len(sources) == 1 {
		return sources[0]
	}
	out := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	for _, s := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range s {
				select {
				case out <- d:
				case <-done:
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Close closes the publish channel and the connection, which also closes
// every consumer channel.
func (b *Broker) Close() error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err := errors.Join(b.pub.Close(), b.conn.Close())
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.logger.Error(context.Background(), "Failed to close broker", "error", err)
		return err
	}
	b.logger.Info(context.Background(), "Closed broker")
	return nil
}

// tableCarrier implements propagation.TextMapCarrier over AMQP headers.
type tableCarrier amqp.Table

func (c tableCarrier) Get(key string) string {
	if s, ok := c[key].(string); ok {
		return s
	}
	return ""
}

func (c tableCarrier) Set(key, value string) { c[key] = value }

func (c tableCarrier) Keys() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	return out
}
