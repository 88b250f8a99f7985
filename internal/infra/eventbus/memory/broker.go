// Package memory provides an in-memory implementation of events.Broker.
// It offers a lightweight, non-persistent message broker suitable for testing
// and single-process runs where durability is not required.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/os2datascanner/engine/internal/domain/events"
	"github.com/os2datascanner/engine/internal/domain/messages"
)

// ErrClosed is returned by operations on a closed Broker.
var ErrClosed = errors.New("memory broker closed")

type message struct {
	body   []byte
	params events.PublishParams
}

type handlerList []*events.HandlerFunc

var _ events.Broker = (*Broker)(nil)

// Broker keeps one FIFO per queue. Deliveries rejected with requeue go back
// to the front of their queue.
type Broker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[string][]message
	closed bool

	bmu         sync.RWMutex
	subscribers handlerList
}

// NewBroker creates and initializes a new in-memory message broker.
func NewBroker() *Broker {
	b := &Broker{queues: make(map[string][]message)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Broker) Publish(ctx context.Context, queue string, body []byte, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.queues[queue] = append(b.queues[queue], message{body: slices.Clone(body), params: events.Params(opts...)})
	b.cond.Broadcast()
	return nil
}

// Broadcast hands body to every current subscriber, stopping at the first
// error. The subscribers are copied before iteration so that handlers may
// subscribe or unsubscribe.
func (b *Broker) Broadcast(ctx context.Context, body []byte, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := events.Params(opts...)

	b.bmu.RLock()
	subscribers := slices.Clone(b.subscribers)
	b.bmu.RUnlock()

	for _, h := range subscribers {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := events.NewDelivery(messages.BroadcastExchange, slices.Clone(body), nil, nil)
		d.Priority, d.Headers = params.Priority, params.Headers
		if err := (*h)(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeBroadcast registers handler and blocks until ctx is done.
func (b *Broker) SubscribeBroadcast(ctx context.Context, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	h := &handler
	b.bmu.Lock()
	b.subscribers = append(b.subscribers, h)
	b.bmu.Unlock()

	<-ctx.Done()

	b.bmu.Lock()
	defer b.bmu.Unlock()
	b.subscribers = slices.DeleteFunc(b.subscribers, func(o *events.HandlerFunc) bool { return o == h })
	return nil
}

// Consume hands messages from queues to handler, oldest queue entry first
// in the order the queues are listed, until ctx is done.
func (b *Broker) Consume(ctx context.Context, queues []string, prefetch int, handler events.HandlerFunc) error {
	prefetch = max(prefetch, 1)
	inflight := 0

	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	for {
		b.mu.Lock()
		var (
			queue string
			msg   message
			found bool
		)
		for !found {
			if closed := b.closed; closed || ctx.Err() != nil {
				b.mu.Unlock()
				if closed {
					return ErrClosed
				}
				return nil
			}
			if inflight < prefetch {
				for _, q := range queues {
					if pending := b.queues[q]; len(pending) > 0 {
						queue, msg, found = q, pending[0], true
						b.queues[q] = pending[1:]
						break
					}
				}
			}
			if !found {
				b.cond.Wait()
			}
		}
		inflight++
		b.mu.Unlock()

		var once sync.Once
		settle := func(requeue bool) {
			once.Do(func() {
				b.mu.Lock()
				defer b.mu.Unlock()
				inflight--
				if requeue {
					b.queues[queue] = append([]message{msg}, b.queues[queue]...)
				}
				b.cond.Broadcast()
			})
		}
		d := events.NewDelivery(queue, msg.body,
			func() error { settle(false); return nil },
			func(requeue bool) error { settle(requeue); return nil },
		)
		d.Priority, d.Headers = msg.params.Priority, msg.params.Headers

		if err := handler(ctx, d); err != nil {
			return err
		}
	}
}

// Pending returns the bodies waiting on queue without consuming them.
func (b *Broker) Pending(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, 0, len(b.queues[queue]))
	for _, m := range b.queues[queue] {
		out = append(out, m.body)
	}
	return out
}

// Close wakes every consumer, which then returns ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}
