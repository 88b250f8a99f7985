// Package events defines how pipeline components exchange messages with a
// broker, independently of the transport behind it.
package events

import (
	"context"
)

// Broker moves JSON messages between named queues and carries the broadcast
// channel every runner listens to. It abstracts messaging infrastructure
// details (like Kafka or RabbitMQ) so that stages see only queue names.
type Broker interface {
	// Publish sends body to the named queue.
	Publish(ctx context.Context, queue string, body []byte, opts ...PublishOption) error

	// Broadcast sends body to every runner subscribed to the broadcast
	// channel.
	Broadcast(ctx context.Context, body []byte, opts ...PublishOption) error

	// Consume delivers messages from queues to handler until ctx is done.
	// At most prefetch deliveries are left unsettled at any time.
	Consume(ctx context.Context, queues []string, prefetch int, handler HandlerFunc) error

	// SubscribeBroadcast delivers broadcast messages to handler until ctx is
	// done. Every subscriber receives every broadcast.
	SubscribeBroadcast(ctx context.Context, handler HandlerFunc) error

	// Close gracefully shuts down the broker and releases associated
	// resources.
	Close() error
}

// Metrics observes message traffic through a Broker.
type Metrics interface {
	IncMessagePublished(ctx context.Context, queue string)
	IncMessageConsumed(ctx context.Context, queue string)
	IncPublishError(ctx context.Context, queue string)
	IncConsumeError(ctx context.Context, queue string)
}
