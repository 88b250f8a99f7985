package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/os2datascanner/engine/internal/domain/events"
)

func TestPublishAndConsumeInOrder(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, broker.Publish(ctx, "q", []byte(body)))
	}

	var got []string
	err := broker.Consume(ctx, []string{"q"}, 8, func(_ context.Context, d events.Delivery) error {
		got = append(got, string(d.Body))
		require.NoError(t, d.Ack())
		if len(got) == 3 {
			cancel()
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Empty(t, broker.Pending("q"))
}

func TestPrefetchLimitsUnsettledDeliveries(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for range 3 {
		require.NoError(t, broker.Publish(ctx, "q", []byte("x")))
	}

	deliveries := make(chan events.Delivery, 3)
	done := make(chan error, 1)
	go func() {
		done <- broker.Consume(ctx, []string{"q"}, 2, func(_ context.Context, d events.Delivery) error {
			deliveries <- d
			return nil
		})
	}()

	first, second := <-deliveries, <-deliveries
	select {
	case <-deliveries:
		t.Fatal("third delivery handed out before any was settled")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Ack())
	select {
	case third := <-deliveries:
		require.NoError(t, third.Ack())
	case <-time.After(time.Second):
		t.Fatal("settling a delivery did not release the next one")
	}
	require.NoError(t, second.Ack())

	cancel()
	assert.NoError(t, <-done)
}

func TestRejectRequeuesAtFront(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, broker.Publish(ctx, "q", []byte("first")))
	require.NoError(t, broker.Publish(ctx, "q", []byte("second")))

	var got []string
	err := broker.Consume(ctx, []string{"q"}, 1, func(_ context.Context, d events.Delivery) error {
		got = append(got, string(d.Body))
		if len(got) == 1 {
			return d.Reject(true)
		}
		if len(got) == 3 {
			cancel()
		}
		return d.Ack()
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"first", "first", "second"}, got)
}

func TestPublishOptionsReachDelivery(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	headers := map[string]any{"org": "Vejstrand"}
	require.NoError(t, broker.Publish(ctx, "q", []byte("x"), events.WithPriority(10), events.WithHeaders(headers)))

	err := broker.Consume(ctx, []string{"q"}, 1, func(_ context.Context, d events.Delivery) error {
		assert.Equal(t, uint8(10), d.Priority)
		assert.Equal(t, headers, d.Headers)
		assert.Equal(t, "q", d.Queue)
		cancel()
		return d.Ack()
	})
	assert.NoError(t, err)
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const subscribers = 3
	var (
		wg       sync.WaitGroup
		received sync.WaitGroup
	)
	received.Add(subscribers)
	for range subscribers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = broker.SubscribeBroadcast(ctx, func(_ context.Context, d events.Delivery) error {
				assert.Equal(t, "abort", string(d.Body))
				received.Done()
				return nil
			})
		}()
	}

	require.Eventually(t, func() bool {
		broker.bmu.RLock()
		defer broker.bmu.RUnlock()
		return len(broker.subscribers) == subscribers
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, broker.Broadcast(ctx, []byte("abort")))
	received.Wait()

	cancel()
	wg.Wait()
	assert.Empty(t, broker.subscribers)
}

func TestClosedBroker(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	require.NoError(t, broker.Close())

	ctx := context.Background()
	assert.ErrorIs(t, broker.Publish(ctx, "q", []byte("x")), ErrClosed)
	err := broker.Consume(ctx, []string{"q"}, 1, func(context.Context, events.Delivery) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, broker.Publish(ctx, "q", []byte("x")), context.Canceled)
	assert.ErrorIs(t, broker.SubscribeBroadcast(ctx, func(context.Context, events.Delivery) error { return nil }), context.Canceled)
}
