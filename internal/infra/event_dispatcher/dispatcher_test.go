package eventdispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/os2datascanner/engine/internal/domain/events"
	"github.com/os2datascanner/engine/pkg/common/logger"
)

// countingHandler records how often it ran and acks on success.
type countingHandler struct {
	mu        sync.Mutex
	callCount int
	err       error
}

func (h *countingHandler) handle(_ context.Context, d events.Delivery) error {
	h.mu.Lock()
	h.callCount++
	h.mu.Unlock()

	if h.err != nil {
		return h.err
	}
	return d.Ack()
}

func newTestDispatcher() *Dispatcher {
	return New(noop.NewTracerProvider().Tracer(""), logger.Noop())
}

// TestDeliveryRouting tests that deliveries are routed by queue.
func TestDeliveryRouting(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()

	conversions, broadcast := new(countingHandler), new(countingHandler)
	require.NoError(t, d.RegisterHandler(ctx, "os2ds_conversions", conversions.handle))
	require.NoError(t, d.RegisterHandler(ctx, "broadcast", broadcast.handle))

	acked := 0
	ack := func() error { acked++; return nil }
	require.NoError(t, d.Dispatch(ctx, events.NewDelivery("os2ds_conversions", nil, ack, nil)))
	require.NoError(t, d.Dispatch(ctx, events.NewDelivery("os2ds_conversions", nil, ack, nil)))
	require.NoError(t, d.Dispatch(ctx, events.NewDelivery("broadcast", nil, ack, nil)))

	assert.Equal(t, 2, conversions.callCount)
	assert.Equal(t, 1, broadcast.callCount)
	assert.Equal(t, 3, acked)
	assert.Equal(t, []string{"broadcast", "os2ds_conversions"}, d.Queues())
}

// TestHandlerErrors tests error handling behavior.
func TestHandlerErrors(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()

	expectedErr := errors.New("handler error")
	require.NoError(t, d.RegisterHandler(ctx, "q", (&countingHandler{err: expectedErr}).handle))

	err := d.Dispatch(ctx, events.NewDelivery("q", nil, nil, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, expectedErr)
}

// TestMissingHandler tests behavior when no handler exists.
func TestMissingHandler(t *testing.T) {
	d := newTestDispatcher()

	err := d.Dispatch(context.Background(), events.NewDelivery("unknown", nil, nil, nil))
	require.Error(t, err)
	var notFound *HandlerNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "unknown", notFound.Queue)
}

// TestHandlerRegistrationConflict tests behavior when registering duplicate handlers.
func TestHandlerRegistrationConflict(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()

	require.NoError(t, d.RegisterHandler(ctx, "q", new(countingHandler).handle))

	err := d.RegisterHandler(ctx, "q", new(countingHandler).handle)
	require.Error(t, err)
	assert.IsType(t, &HandlerAlreadyRegisteredError{}, err)
}

// TestConcurrentDispatch tests behavior with concurrent dispatches.
func TestConcurrentDispatch(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()

	h := new(countingHandler)
	require.NoError(t, d.RegisterHandler(ctx, "q", h.handle))

	var wg sync.WaitGroup
	numGoroutines := 10
	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Dispatch(ctx, events.NewDelivery("q", nil, nil, nil))
		}()
	}
	wg.Wait()

	assert.Equal(t, numGoroutines, h.callCount)
}
