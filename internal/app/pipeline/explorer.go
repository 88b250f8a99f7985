package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/internal/domain/rules"
	"github.com/os2datascanner/engine/pkg/common/retrier"
)

// Explorer enumerates the handles of a scan's source.
type Explorer struct{ Deps }

var _ MessageHandler = (*Explorer)(nil)

func NewExplorer(deps Deps) *Explorer { return &Explorer{Deps: deps} }

// HandleMessage explores the source of a ScanSpec. Each handle becomes a
// ConversionMessage, or a new ScanSpec when the source yields independent
// sources, and is emitted as soon as it is found. A StatusMessage with the
// totals is always emitted last, unless exploration was cancelled. Derived
// sources count themselves among its new sources.
func (e *Explorer) HandleMessage(ctx context.Context, body model.Object, _ string, emit Emit) error {
	spec, err := messages.ScanSpecFromJSON(body)
	if err != nil {
		return emitAll(emit, malformed(ctx, e.Logger, body, err))
	}

	ctx, span := e.startSpan(ctx, "explorer.explore", spec.ScanTag)
	defer span.End()

	// Specs carrying progress come from the processor reinterpreting an
	// object as a derived source.
	derived := spec.Progress != nil
	progress := rules.ProgressFragment{Rule: spec.Rule}
	if derived {
		progress = *spec.Progress
		spec = spec.WithProgress(nil)
	}
	e.configure(spec.Configuration)

	log := e.Logger.With("scanner_pk", spec.ScanTag.Scanner.PK, "source", spec.Source.Type())

	var (
		handleCount int
		sourceCount *int
		failure     string
	)
	problem := func(h model.Handle, text string) error {
		return emit(out(messages.QueueProblems, messages.ProblemMessage{
			ScanTag: spec.ScanTag, Source: spec.Source, Handle: h, Message: text,
		}.ToJSON()))
	}

	p := newPuller(spec.Source.Handles(ctx, e.SourceManager))
	defer p.close()

	for {
		if err := ctx.Err(); err != nil {
			log.Info(ctx, "exploration cancelled", "handle_count", handleCount)
			return err
		}

		h, herr, ok, err := p.pull(ctx, e.Retrier)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failure = fmt.Sprintf("Exploration error. %v", err)
			recordError(span, err)
			log.Warn(ctx, "finished unsuccessfully", "handle_count", handleCount, "error", err)
			if err := problem(nil, failure); err != nil {
				return err
			}
			break
		}
		if !ok {
			log.Info(ctx, "finished", "handle_count", handleCount, "source_count", sourceCount)
			break
		}

		if herr != nil {
			log.Info(ctx, "found problem", "handle", h.RelativePath(), "error", herr)
			if err := problem(h, fmt.Sprintf("Exploration error. %v", herr)); err != nil {
				return err
			}
			continue
		}

		if !spec.Source.YieldsIndependentSources() {
			if err := emit(out(messages.QueueConversions, messages.ConversionMessage{
				ScanSpec: spec, Handle: h, Progress: progress,
			}.ToJSON())); err != nil {
				return err
			}
			handleCount++
			continue
		}

		if !handleRelevant(ctx, h, spec.FilterRule) {
			log.Info(ctx, "handle excluded", "handle", h.RelativePath())
			continue
		}
		src, err := model.SourceFromHandle(ctx, h, nil)
		if err != nil || src == nil {
			if err := problem(h, fmt.Sprintf("Exploration error. no source for %s", model.String(h))); err != nil {
				return err
			}
			continue
		}
		if err := emit(out(messages.QueueScanSpecs, spec.WithSource(src).ToJSON())); err != nil {
			return err
		}
		sourceCount = ptr(deref(sourceCount) + 1)
	}

	// A derived source was never counted by the planner, so its own report
	// adds it to the total it is also explored against.
	if derived {
		sourceCount = ptr(deref(sourceCount) + 1)
	}

	return emit(out(messages.QueueStatus, messages.StatusMessage{
		ScanTag:       spec.ScanTag,
		TotalObjects:  &handleCount,
		NewSources:    sourceCount,
		Message:       failure,
		StatusIsError: failure != "",
	}.ToJSON()))
}

// handleRelevant applies a scan's filter rule to the relative path of a
// handle; handles the rule matches are excluded. Evaluation failures let the
// handle through.
func handleRelevant(ctx context.Context, h model.Handle, filter rules.Rule) bool {
	if filter == nil {
		return true
	}
	path := h.RelativePath()
	matched, _, err := rules.TryMatch(ctx, filter, func(conversions.OutputType) (any, bool) { return path, true }, 0)
	if err != nil {
		return true
	}
	return !matched
}

func ptr[T any](v T) *T { return &v }

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// errPullBusy is returned when an earlier, timed-out pull has not returned.
var errPullBusy = errors.New("previous handle request still running")

// puller draws handles from a lazy sequence one at a time so each draw can
// be bounded by a TimeoutRetrier.
type puller struct {
	mu   sync.Mutex
	next func() (model.Handle, error, bool)
	stop func()
}

func newPuller(seq iter.Seq2[model.Handle, error]) *puller {
	next, stop := iter.Pull2(seq)
	return &puller{next: next, stop: stop}
}

type pulled struct {
	handle model.Handle
	err    error
	ok     bool
}

// pull returns the next handle. A *model.HandleError yielded by the sequence
// comes back as herr with its handle; any other error ends exploration and
// is returned as err.
func (p *puller) pull(ctx context.Context, r *retrier.TimeoutRetrier) (h model.Handle, herr error, ok bool, err error) {
	res, err := retrier.Do(ctx, r, func(context.Context) (pulled, error) {
		if !p.mu.TryLock() {
			return pulled{}, errPullBusy
		}
		defer p.mu.Unlock()
		h, err, ok := p.next()
		return pulled{handle: h, err: err, ok: ok}, nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	if !res.ok {
		return nil, nil, false, nil
	}
	if res.err != nil {
		var he *model.HandleError
		if errors.As(res.err, &he) {
			return he.Handle, he.Err, true, nil
		}
		return nil, nil, false, res.err
	}
	return res.handle, nil, true, nil
}

// close stops the sequence unless a timed-out pull still holds it.
func (p *puller) close() {
	if p.mu.TryLock() {
		p.stop()
		p.mu.Unlock()
	}
}
