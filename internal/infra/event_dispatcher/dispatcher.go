// Package eventdispatcher routes broker deliveries to the handler registered
// for the queue they arrived on.
package eventdispatcher

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/domain/events"
	"github.com/os2datascanner/engine/pkg/common/logger"
)

// Dispatcher ensures each queue has exactly one handler responsible for its
// deliveries.
//
// Typical usage:
//
//	dispatcher := eventdispatcher.New(tracer, log)
//
//	// Register handlers for the queues a runner reads
//	_ = dispatcher.RegisterHandler(ctx, messages.QueueConversions, r.handleWork)
//	_ = dispatcher.RegisterHandler(ctx, messages.BroadcastExchange, r.handleCommand)
//
//	// Dispatch deliveries
//	err := dispatcher.Dispatch(ctx, delivery)
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]events.HandlerFunc
	tracer   trace.Tracer
	logger   *logger.Logger
}

// New constructs a Dispatcher with an empty registry.
func New(tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]events.HandlerFunc),
		tracer:   tracer,
		logger:   logger.With("component", "event_dispatcher"),
	}
}

// HandlerAlreadyRegisteredError indicates a second handler for a queue.
type HandlerAlreadyRegisteredError struct{ Queue string }

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for queue: %s", e.Queue)
}

// RegisterHandler associates handler with queue. This method is safe to
// call concurrently.
func (d *Dispatcher) RegisterHandler(ctx context.Context, queue string, handler events.HandlerFunc) error {
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(attribute.String("queue", queue)),
	)
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[queue]; exists {
		err := &HandlerAlreadyRegisteredError{Queue: queue}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	d.handlers[queue] = handler
	d.logger.Debug(ctx, "handler registered", "queue", queue)
	span.SetStatus(codes.Ok, "handler registered")
	return nil
}

// Queues lists the queues with a registered handler, sorted.
func (d *Dispatcher) Queues() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for q := range d.handlers {
		out = append(out, q)
	}
	slices.Sort(out)
	return out
}

// HandlerNotFoundError indicates a delivery from a queue nobody handles.
type HandlerNotFoundError struct{ Queue string }

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for queue: %s", e.Queue)
}

// Dispatch hands d to the handler registered for its queue. The handler is
// responsible for settling the delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery events.Delivery) error {
	logger := logger.NewLoggerContext(d.logger.With("operation", "dispatch", "queue", delivery.Queue))
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.dispatch",
		trace.WithAttributes(
			attribute.String("queue", delivery.Queue),
			attribute.Int("priority", int(delivery.Priority)),
			attribute.Int("body_size", len(delivery.Body)),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[delivery.Queue]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{Queue: delivery.Queue}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := handler(ctx, delivery); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to dispatch delivery from queue %s: %w", delivery.Queue, err)
	}

	span.SetStatus(codes.Ok, "delivery dispatched")
	logger.Debug(ctx, "delivery dispatched")
	return nil
}
