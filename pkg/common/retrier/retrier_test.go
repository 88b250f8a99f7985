package retrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetrier(timeout time.Duration, tries int, opts ...Option) *TimeoutRetrier {
	opts = append([]Option{WithInterval(time.Millisecond, 5*time.Millisecond)}, opts...)
	return New(timeout, tries, opts...)
}

func TestRunSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retried []int
	r := fastRetrier(0, 5, WithOnRetry(func(_ error, attempt int) { retried = append(retried, attempt) }))

	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRunReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	r := fastRetrier(0, 3)

	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return errors.New("still broken")
	})

	require.Error(t, err)
	assert.Equal(t, "still broken", err.Error())
	assert.Equal(t, 3, calls)
}

func TestRunStopsOnNonRetryableError(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	r := fastRetrier(0, 5, WithRetryable(func(err error) bool { return !errors.Is(err, fatal) }))

	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRunTimesOutSlowAttempts(t *testing.T) {
	r := fastRetrier(20*time.Millisecond, 2)
	calls := 0

	err := r.Run(context.Background(), func(ctx context.Context) error {
		calls++
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 2, calls)
}

func TestRunHonoursParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastRetrier(time.Second, 5).Run(ctx, func(ctx context.Context) error {
		return errors.New("never succeeds")
	})
	assert.Error(t, err)
}

func TestDoReturnsValue(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastRetrier(time.Second, 3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("first")
		}
		return "handle", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "handle", v)
}
