// Package runner connects a pipeline stage to a broker. One goroutine per
// subscription pushes deliveries onto a PriorityQueue; a single goroutine pops
// them, runs the stage, publishes its outputs and only then settles the
// delivery. Commands arriving on the broadcast channel share the queue and
// overtake ordinary work by priority; aborts also take effect on arrival,
// cancelling the delivery being handled if it belongs to the aborted scan.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/os2datascanner/engine/internal/app/pipeline"
	"github.com/os2datascanner/engine/internal/domain/events"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
	eventdispatcher "github.com/os2datascanner/engine/internal/infra/event_dispatcher"
	"github.com/os2datascanner/engine/pkg/common/logger"
	"github.com/os2datascanner/engine/pkg/common/retrier"
	"github.com/os2datascanner/engine/pkg/metrics"
)

// CommandPriority is the delivery priority of broadcast commands.
const CommandPriority = 10

var (
	errConsumerStopped = errors.New("broker subscription ended")
	errHandlerPanic    = errors.New("handler panicked")
)

// Profiler toggles the runtime profiling endpoints.
type Profiler interface {
	SetProfiling(enabled bool)
}

// Config holds the collaborators of a Runner. Prefetch, AbortRingSize,
// Profiler and PublishRetrier are optional.
type Config struct {
	Stage         pipeline.Stage
	Handler       pipeline.MessageHandler
	Broker        events.Broker
	SourceManager *model.SourceManager

	Logger       *logger.Logger
	Tracer       trace.Tracer
	Metrics      PipelineMetrics
	StageMetrics metrics.StageMetrics
	Profiler     Profiler

	// Prefetch overrides the stage's PrefetchCount when positive.
	Prefetch      int
	AbortRingSize int
	// PublishRetrier bounds each publish. It defaults to five tries of ten
	// seconds.
	PublishRetrier *retrier.TimeoutRetrier
}

// Runner drives one stage.
type Runner struct {
	stage    pipeline.Stage
	handler  pipeline.MessageHandler
	broker   events.Broker
	sources  *model.SourceManager
	prefetch int

	queue      *PriorityQueue
	aborted    *AbortRing
	dispatcher *eventdispatcher.Dispatcher
	publisher  *retrier.TimeoutRetrier

	log          *logger.Logger
	tracer       trace.Tracer
	metrics      PipelineMetrics
	stageMetrics metrics.StageMetrics
	profiler     Profiler

	// inflight is the delivery being handled, so that an abort can cancel it.
	inflightMu sync.Mutex
	inflight   *inflight
}

// inflight identifies the delivery being handled.
type inflight struct {
	tag    messages.ScanTag
	cancel context.CancelCauseFunc
}

// ErrScanAborted is the cause with which the handling of a delivery is
// cancelled when its scan is aborted.
var ErrScanAborted = errors.New("scan aborted")

// New builds a Runner and registers its handlers for the stage's queues
// and the broadcast channel.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	switch {
	case cfg.Handler == nil:
		return nil, errors.New("runner requires a handler")
	case cfg.Broker == nil:
		return nil, errors.New("runner requires a broker")
	case cfg.Metrics == nil || cfg.StageMetrics == nil:
		return nil, errors.New("runner requires metrics")
	case len(cfg.Stage.Reads) == 0:
		return nil, fmt.Errorf("stage %q reads no queues", cfg.Stage.Name)
	}

	r := &Runner{
		stage:        cfg.Stage,
		handler:      cfg.Handler,
		broker:       cfg.Broker,
		sources:      cfg.SourceManager,
		prefetch:     cfg.Stage.PrefetchCount,
		queue:        NewPriorityQueue(),
		aborted:      NewAbortRing(cfg.AbortRingSize),
		dispatcher:   eventdispatcher.New(cfg.Tracer, cfg.Logger),
		publisher:    cfg.PublishRetrier,
		log:          cfg.Logger.With("component", "runner", "stage", cfg.Stage.Name),
		tracer:       cfg.Tracer,
		metrics:      cfg.Metrics,
		stageMetrics: cfg.StageMetrics,
		profiler:     cfg.Profiler,
	}
	if cfg.Prefetch > 0 {
		r.prefetch = cfg.Prefetch
	}
	if r.publisher == nil {
		r.publisher = retrier.New(10*time.Second, 5)
	}

	for _, q := range cfg.Stage.Reads {
		if err := r.dispatcher.RegisterHandler(ctx, q, r.handleWork); err != nil {
			return nil, err
		}
	}
	if err := r.dispatcher.RegisterHandler(ctx, messages.BroadcastExchange, r.handleCommand); err != nil {
		return nil, err
	}
	return r, nil
}

// Aborted exposes the aborted scan tags.
func (r *Runner) Aborted() *AbortRing { return r.aborted }

// Run consumes until ctx is done or a subscription or publish fails. On
// return every delivery still waiting is requeued and the SourceManager is
// cleared.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info(ctx, "Starting runner", "reads", r.stage.Reads, "prefetch", r.prefetch)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return subscription(gctx, func(ctx context.Context) error {
			return r.broker.Consume(ctx, r.stage.Reads, r.prefetch, r.enqueue)
		})
	})
	g.Go(func() error {
		return subscription(gctx, func(ctx context.Context) error {
			return r.broker.SubscribeBroadcast(ctx, r.enqueue)
		})
	})
	g.Go(func() error { return r.loop(gctx) })

	err := g.Wait()
	r.queue.Close()
	requeued := r.drain()

	if r.sources != nil {
		if cerr := r.sources.Clear(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("clearing sources: %w", cerr))
		}
	}
	r.log.Info(context.Background(), "Runner stopped", "requeued", requeued, "error", err)
	return err
}

// subscription runs consume and treats an early clean return as a failure,
// since the runner cannot make progress without it.
func subscription(ctx context.Context, consume func(context.Context) error) error {
	err := consume(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = errConsumerStopped
	}
	return err
}

func (r *Runner) enqueue(_ context.Context, d events.Delivery) error {
	if err := r.queue.Push(d); err != nil {
		return d.Reject(true)
	}
	return nil
}

func (r *Runner) loop(ctx context.Context) error {
	for {
		d, err := r.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		if err := r.dispatcher.Dispatch(ctx, d); err != nil {
			var notFound *eventdispatcher.HandlerNotFoundError
			if errors.As(err, &notFound) {
				r.log.Warn(ctx, "rejecting delivery from unexpected queue", "queue", d.Queue)
				_ = d.Reject(false)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (r *Runner) drain() int {
	n := 0
	for {
		d, err := r.queue.Pop(context.Background())
		if err != nil {
			return n
		}
		_ = d.Reject(true)
		n++
	}
}

// handleWork runs the stage on one delivery. Deliveries that cannot be
// decoded or that belong to an aborted scan are acknowledged and dropped.
func (r *Runner) handleWork(ctx context.Context, d events.Delivery) error {
	r.stageMetrics.IncMessagesReceived(d.Queue)
	return r.metrics.TrackDelivery(ctx, d.Queue, func() error {
		return r.stageMetrics.TrackMessage(func() error { return r.work(ctx, d) })
	})
}

func (r *Runner) work(ctx context.Context, d events.Delivery) error {
	ctx, span := r.tracer.Start(ctx, "runner.handle", trace.WithAttributes(
		attribute.String("stage", r.stage.Name),
		attribute.String("queue", d.Queue),
	))
	defer span.End()

	body, err := messages.DecodeObject(d.Body)
	if err != nil {
		r.log.Warn(ctx, "dropping undecodable delivery", "queue", d.Queue, "error", err)
		r.stageMetrics.IncMessagesDropped("undecodable")
		return d.Ack()
	}
	tag, tagged := messages.ScanTagOf(body)
	if tagged && r.aborted.Contains(tag) {
		r.dropAborted(ctx, d.Queue)
		return d.Ack()
	}
	r.log.Debug(ctx, "handling delivery", "queue", d.Queue, "body", string(d.Body))

	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if tagged {
		r.track(tag, cancel)
		defer r.track(messages.ScanTag{}, nil)
	}

	// Outputs are published as the stage emits them. A failed publish ends
	// the handling and requeues the delivery; an abort ends it too.
	var pubErr error
	emit := func(o pipeline.Output) error {
		if hctx.Err() != nil {
			return context.Cause(hctx)
		}
		if err := r.publish(ctx, o); err != nil {
			pubErr = err
			return err
		}
		return nil
	}

	err = r.call(hctx, body, d.Queue, emit)
	switch {
	case pubErr != nil:
		span.RecordError(pubErr)
		span.SetStatus(codes.Error, "publish failed")
		_ = d.Reject(true)
		return pubErr
	case ctx.Err() != nil:
		// Shutting down: somebody else will handle it.
		return d.Reject(true)
	case tagged && r.aborted.Contains(tag):
		r.dropAborted(ctx, d.Queue)
		return d.Ack()
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
		r.log.Error(ctx, "stage failed", "queue", d.Queue, "error", err)
		for _, o := range r.failure(body, err) {
			if err := r.publish(ctx, o); err != nil {
				_ = d.Reject(true)
				return err
			}
		}
	}
	return d.Ack()
}

func (r *Runner) dropAborted(ctx context.Context, queue string) {
	r.log.Debug(ctx, "dropping delivery for aborted scan", "queue", queue)
	r.metrics.IncAborted(ctx, queue)
	r.stageMetrics.IncMessagesDropped("aborted")
}

// track records the scan of the delivery being handled; a nil cancel clears
// it.
func (r *Runner) track(tag messages.ScanTag, cancel context.CancelCauseFunc) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if cancel == nil {
		r.inflight = nil
		return
	}
	r.inflight = &inflight{tag: tag, cancel: cancel}
}

// abort records tag as aborted and cancels the delivery being handled if it
// belongs to that scan.
func (r *Runner) abort(ctx context.Context, tag messages.ScanTag) {
	if r.aborted.Add(tag) {
		r.log.Info(ctx, "Scan aborted", "scan_tag", tag.Key())
	}

	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if r.inflight != nil && r.inflight.tag.Equal(tag) {
		r.inflight.cancel(ErrScanAborted)
	}
}

// call runs the stage, turning a panic into an error.
func (r *Runner) call(ctx context.Context, body model.Object, queue string, emit pipeline.Emit) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.IncPanics(ctx)
			r.log.Error(ctx, "stage panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", errHandlerPanic, p)
		}
	}()
	return r.handler.HandleMessage(ctx, body, queue, emit)
}

// failure reports an unexpected stage failure to the scan's owner. Stages
// that publish nothing only log their failures.
func (r *Runner) failure(body model.Object, err error) []pipeline.Output {
	tag, ok := messages.ScanTagOf(body)
	if !ok || len(r.stage.Writes) == 0 {
		return nil
	}
	problem := messages.ProblemMessage{
		ScanTag: tag,
		Message: fmt.Sprintf("Exception during processing: %v", err),
	}.ToJSON()

	outputs := []pipeline.Output{{Queue: messages.QueueProblems, Body: problem}}
	if slices.Contains(r.stage.Writes, messages.QueueCheckups) {
		outputs = append(outputs, pipeline.Output{Queue: messages.QueueCheckups, Body: problem})
	}
	return outputs
}

// publish sends one output. Outputs of aborted scans are suppressed, and
// outputs addressed to the broadcast exchange go out as commands.
func (r *Runner) publish(ctx context.Context, o pipeline.Output) error {
	if tag, ok := messages.ScanTagOf(o.Body); ok && r.aborted.Contains(tag) {
		r.stageMetrics.IncMessagesDropped("aborted")
		return nil
	}
	body, err := json.Marshal(o.Body)
	if err != nil {
		return fmt.Errorf("encoding message for %s: %w", o.Queue, err)
	}
	err = r.publisher.Run(ctx, func(ctx context.Context) error {
		if o.Queue == messages.BroadcastExchange {
			return r.broker.Broadcast(ctx, body, events.WithPriority(CommandPriority))
		}
		return r.broker.Publish(ctx, o.Queue, body, events.WithHeaders(messages.Headers(o.Body)))
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", o.Queue, err)
	}
	r.stageMetrics.IncMessagesPublished(o.Queue)
	return nil
}
