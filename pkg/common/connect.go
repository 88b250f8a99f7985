package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/os2datascanner/engine/pkg/common/logger"
)

// ConnectWithRetry attempts to establish a broker connection with exponential
// backoff. It will retry failed connection attempts for up to 5 minutes,
// starting with 5 second intervals, which covers brokers that are still
// starting up alongside the runner.
func ConnectWithRetry[T any](ctx context.Context, log *logger.Logger, name string, connect func() (T, error)) (T, error) {
	var conn T

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		var err error
		conn, err = connect()
		if err != nil {
			log.Warn(ctx, "Failed to connect to broker, will retry", "broker", name, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to connect to %s after retries: %w", name, err)
	}

	return conn, nil
}
