// Package collector holds the stages that keep the engine's bookkeeping up
// to date: the checkup collector maintains the scheduled checkups of each
// scanner and the status collector aggregates scan progress.
package collector

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/app/pipeline"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/scanstatus"
	"github.com/os2datascanner/engine/pkg/common/logger"
	"github.com/os2datascanner/engine/pkg/common/retrier"
	"github.com/os2datascanner/engine/pkg/metrics"
)

// Collectors drain their queues quickly, so they may hold many unsettled
// deliveries.
const collectorPrefetch = 512

// Stage descriptors of the collectors. They publish nothing except abort
// commands.
var (
	CheckupCollectorStage = pipeline.Stage{
		Name:          "checkup_collector",
		Reads:         []string{messages.QueueCheckups},
		PrefetchCount: collectorPrefetch,
		Description:   "Checkups collected",
	}
	StatusCollectorStage = pipeline.Stage{
		Name:          "status_collector",
		Reads:         []string{messages.QueueStatus},
		PrefetchCount: collectorPrefetch,
		Description:   "Status messages collected",
	}
)

// Deps are the collaborators shared by the collectors.
type Deps struct {
	Logger  *logger.Logger
	Tracer  trace.Tracer
	Metrics metrics.CollectorMetrics
	// Retrier wraps every store operation. Missing rows are never retried.
	Retrier *retrier.TimeoutRetrier
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d *Deps) defaults() {
	if d.Retrier == nil {
		d.Retrier = NewRetrier(30*time.Second, 3)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// NewRetrier returns a TimeoutRetrier for store operations.
func NewRetrier(timeout time.Duration, tries int, opts ...retrier.Option) *retrier.TimeoutRetrier {
	retryable := retrier.WithRetryable(func(err error) bool {
		return !errors.Is(err, scanstatus.ErrNotFound) && !errors.Is(err, context.Canceled)
	})
	return retrier.New(timeout, tries, append([]retrier.Option{retryable}, opts...)...)
}

// abort is the output that asks every runner to drop the messages of a scan.
func abort(tag messages.ScanTag) pipeline.Output {
	return pipeline.Output{
		Queue: messages.BroadcastExchange,
		Body:  messages.CommandMessage{Abort: &tag}.ToJSON(),
	}
}
