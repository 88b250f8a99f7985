// Package retrier bounds blocking operations with a per-attempt wall-clock
// deadline and retries failed attempts with exponential backoff.
package retrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrTimeout is returned when an attempt exceeds its deadline.
var ErrTimeout = errors.New("operation timed out")

// TimeoutRetrier runs an operation up to MaxTries times, each attempt limited
// to Timeout. A zero Timeout disables the deadline.
type TimeoutRetrier struct {
	timeout  time.Duration
	maxTries int

	initialInterval time.Duration
	maxInterval     time.Duration
	retryable       func(error) bool
	onRetry         func(err error, attempt int)
}

// Option configures a TimeoutRetrier.
type Option func(*TimeoutRetrier)

// WithInterval overrides the initial and maximum backoff interval.
func WithInterval(initial, max time.Duration) Option {
	return func(r *TimeoutRetrier) {
		r.initialInterval = initial
		r.maxInterval = max
	}
}

// WithRetryable restricts retries to errors for which fn returns true.
func WithRetryable(fn func(error) bool) Option {
	return func(r *TimeoutRetrier) { r.retryable = fn }
}

// WithOnRetry registers a callback invoked before each retry.
func WithOnRetry(fn func(err error, attempt int)) Option {
	return func(r *TimeoutRetrier) { r.onRetry = fn }
}

// New creates a TimeoutRetrier. maxTries below one is treated as one.
func New(timeout time.Duration, maxTries int, opts ...Option) *TimeoutRetrier {
	if maxTries < 1 {
		maxTries = 1
	}
	r := &TimeoutRetrier{
		timeout:         timeout,
		maxTries:        maxTries,
		initialInterval: time.Second,
		maxInterval:     128 * time.Second,
		retryable:       func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes op until it succeeds, returns a non-retryable error, or the
// attempts are exhausted; the last error is returned.
func (r *TimeoutRetrier) Run(ctx context.Context, op func(ctx context.Context) error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.initialInterval
	expBackoff.MaxInterval = r.maxInterval
	expBackoff.Multiplier = 2
	expBackoff.RandomizationFactor = 0.2
	expBackoff.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(expBackoff, uint64(r.maxTries-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	var lastErr error
	operation := func() error {
		attempt++
		err := r.attempt(ctx, op)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !r.retryable(err) {
			return backoff.Permanent(err)
		}
		if r.onRetry != nil && attempt < r.maxTries {
			r.onRetry(err, attempt)
		}
		return err
	}

	if err := backoff.Retry(operation, b); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

// attempt runs op once under the per-attempt deadline. Operations that ignore
// their context are abandoned when the deadline passes; their goroutine
// finishes in the background.
func (r *TimeoutRetrier) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if r.timeout <= 0 {
		return op(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic in retried operation: %v", p)
			}
		}()
		done <- op(actx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %w", ErrTimeout, r.timeout, err)
		}
		return err
	case <-actx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
	}
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, r *TimeoutRetrier, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Run(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
