package pipeline

import (
	"context"

	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
)

// Worker runs the processor, matcher and tagger in-process, so that a
// conversion is carried to a conclusion without intermediate queues. Derived
// sources found along the way are explored in-process as well.
type Worker struct {
	Deps
	explorer  *Explorer
	processor *Processor
	matcher   *Matcher
	tagger    *Tagger
}

var _ MessageHandler = (*Worker)(nil)

func NewWorker(deps Deps) *Worker {
	return &Worker{
		Deps:      deps,
		explorer:  NewExplorer(deps),
		processor: NewProcessor(deps),
		matcher:   NewMatcher(deps),
		tagger:    NewTagger(deps),
	}
}

// HandleMessage carries a ConversionMessage through the inner stages, depth
// first, emitting each final output as soon as it is produced. Matches and
// problems are also copied to the checkups queue, and one StatusMessage
// describing the converted object is always emitted last.
func (w *Worker) HandleMessage(ctx context.Context, body model.Object, routingKey string, emit Emit) error {
	ctx, span := w.Tracer.Start(ctx, "worker.handle")
	defer span.End()

	if err := w.dispatch(ctx, routingKey, body, false, emit); err != nil {
		recordError(span, err)
		return err
	}
	return emitAll(emit, w.status(ctx, body))
}

// dispatch hands body to the inner stage reading queue, or emits it if no
// inner stage does. fromExplorer marks scan specs emitted by exploration;
// they name independent sources, which the worker does not explore.
func (w *Worker) dispatch(ctx context.Context, queue string, body model.Object, fromExplorer bool, emit Emit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		stage MessageHandler
		keep  = func(o Output) bool { return o.Queue != messages.QueueCheckups }
	)
	switch queue {
	case messages.QueueConversions:
		stage = w.processor
	case messages.QueueRepresentations:
		stage = w.matcher
	case messages.QueueHandles:
		stage = w.tagger
	case messages.QueueScanSpecs:
		if fromExplorer {
			w.Logger.Warn(ctx, "independent source found by derived exploration is not scanned",
				"source", sourceType(body))
			return nil
		}
		stage = w.explorer
		// Exploration status belongs to the scan's top-level sources.
		keep = func(o Output) bool {
			return o.Queue != messages.QueueCheckups && o.Queue != messages.QueueStatus
		}
	default:
		return emitAll(emit, w.fanOut(queue, body))
	}

	return stage.HandleMessage(ctx, body, queue, func(o Output) error {
		if !keep(o) {
			return nil
		}
		b, err := normalise(o.Body)
		if err != nil {
			return err
		}
		return w.dispatch(ctx, o.Queue, b, stage == w.explorer, emit)
	})
}

// sourceType names the source of a ScanSpec for logging.
func sourceType(body model.Object) string {
	spec, err := messages.ScanSpecFromJSON(body)
	if err != nil {
		return "unknown"
	}
	return spec.Source.Type()
}

// fanOut maps an inner stage's final output onto the worker's queues.
func (w *Worker) fanOut(queue string, body model.Object) []Output {
	switch queue {
	case messages.QueueMatches, messages.QueueProblems:
		return []Output{out(queue, body), out(messages.QueueCheckups, body)}
	default:
		return []Output{out(queue, body)}
	}
}

// status describes the object a conversion was about. Size and type are
// best-effort and fall back to zero and application/octet-stream.
func (w *Worker) status(ctx context.Context, body model.Object) []Output {
	tag, ok := messages.ScanTagOf(body)
	if !ok {
		return nil
	}

	size, mime := int64(0), "application/octet-stream"

	if msg, err := messages.ConversionFromJSON(body); err == nil {
		if r, err := msg.Handle.Follow(w.SourceManager); err == nil {
			if n, err := r.Size(ctx); err == nil {
				size = n
			}
			if t, err := r.ComputeType(ctx); err == nil && t != "" {
				mime = t
			}
		}
	}

	return []Output{out(messages.QueueStatus, messages.StatusMessage{
		ScanTag:    tag,
		ObjectSize: &size,
		ObjectType: &mime,
	}.ToJSON())}
}
