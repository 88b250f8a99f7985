package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/internal/domain/rules"
	"github.com/os2datascanner/engine/pkg/common/retrier"
)

// SkipMIMETypesKey is the scan configuration key listing content types that
// are never converted to text. A trailing "*" matches any suffix.
const SkipMIMETypesKey = "skip_mime_types"

// Processor computes the representation the next rule of a conversion needs.
type Processor struct{ Deps }

var _ MessageHandler = (*Processor)(nil)

func NewProcessor(deps Deps) *Processor { return &Processor{Deps: deps} }

// HandleMessage converts the handle of a ConversionMessage. Deleted objects
// and failures are reported on both the problems and checkups queues. When
// no converter exists, the handle is reinterpreted as a derived source and
// explored in turn; if that is impossible too, an empty representation is
// emitted so that evaluation can continue.
func (p *Processor) HandleMessage(ctx context.Context, body model.Object, _ string, emit Emit) error {
	outputs, err := p.process(ctx, body)
	if err != nil {
		return err
	}
	return emitAll(emit, outputs)
}

func (p *Processor) process(ctx context.Context, body model.Object) ([]Output, error) {
	msg, err := messages.ConversionFromJSON(body)
	if err != nil {
		return malformed(ctx, p.Logger, body, err), nil
	}

	ctx, span := p.startSpan(ctx, "processor.convert", msg.ScanSpec.ScanTag)
	defer span.End()

	log := p.Logger.With("scanner_pk", msg.ScanSpec.ScanTag.Scanner.PK, "handle", msg.Handle.RelativePath())
	p.configure(msg.ScanSpec.Configuration)

	problem := func(text string, missing bool) []Output {
		pm := messages.ProblemMessage{
			ScanTag: msg.ScanSpec.ScanTag,
			Handle:  msg.Handle,
			Message: text,
			Missing: missing,
		}.ToJSON()
		return []Output{out(messages.QueueProblems, pm), out(messages.QueueCheckups, pm)}
	}

	exists, err := p.check(ctx, model.BaseHandle(msg.Handle))
	switch {
	case err != nil:
		recordError(span, err)
		log.Warn(ctx, "resource check failed", "error", err)
		return problem(fmt.Sprintf("Resource check failed: %v", err), false), nil
	case !exists:
		log.Info(ctx, "resource is missing")
		return problem("Resource check failed: object does not exist", true), nil
	}

	if !withinSource(msg.Handle, msg.ScanSpec.Source) {
		log.Debug(ctx, "handle is not part of the scanned source, dropping")
		return nil, nil
	}

	required, concluded := requiredType(msg.Progress.Rule)
	if concluded {
		return p.representation(msg, rules.Representations{})
	}

	reps, err := p.convert(ctx, msg, required)
	switch {
	case errors.Is(err, conversions.ErrNoConverter):
		return p.reinterpret(ctx, msg, required)
	case err != nil:
		recordError(span, err)
		log.Warn(ctx, "conversion failed", "type", required, "error", err)
		return problem(fmt.Sprintf("Processing error. %v", err), false), nil
	}
	return p.representation(msg, reps)
}

func (p *Processor) check(ctx context.Context, h model.Handle) (bool, error) {
	return retrier.Do(ctx, p.Retrier, func(ctx context.Context) (bool, error) {
		r, err := h.Follow(p.SourceManager)
		if err != nil {
			return false, err
		}
		return r.Check(ctx)
	})
}

// convert computes the required representation and, for conversions that
// produce several at once, its siblings.
func (p *Processor) convert(ctx context.Context, msg messages.ConversionMessage, required conversions.OutputType) (rules.Representations, error) {
	return retrier.Do(ctx, p.Retrier, func(ctx context.Context) (rules.Representations, error) {
		r, err := msg.Handle.Follow(p.SourceManager)
		if err != nil {
			return nil, err
		}

		if required == conversions.Text {
			if patterns := model.StringsField(msg.ScanSpec.Configuration, SkipMIMETypesKey, nil); len(patterns) > 0 {
				mime, err := r.ComputeType(ctx)
				if err != nil {
					return nil, err
				}
				if skipMIME(mime, patterns) {
					return rules.Representations{required: nil}, nil
				}
			}
		}

		res, err := conversions.Convert(ctx, r, required, "")
		if err != nil {
			return nil, err
		}
		if len(res.Parent) > 0 {
			reps := make(rules.Representations, len(res.Parent)+1)
			for t, v := range res.Parent {
				reps[t] = v
			}
			if _, ok := reps[required]; !ok {
				reps[required] = res.Value
			}
			return reps, nil
		}
		return rules.Representations{required: res.Value}, nil
	})
}

// reinterpret handles an object that cannot be converted by exploring it as
// a derived source, carrying the evaluation progress along.
func (p *Processor) reinterpret(ctx context.Context, msg messages.ConversionMessage, required conversions.OutputType) ([]Output, error) {
	src, err := model.SourceFromHandle(ctx, msg.Handle, p.SourceManager)
	if err != nil {
		p.Logger.Warn(ctx, "no derived source", "handle", msg.Handle.RelativePath(), "error", err)
	}
	if err != nil || src == nil {
		return p.representation(msg, rules.Representations{required: nil})
	}
	progress := msg.Progress
	spec := msg.ScanSpec.WithSource(src).WithProgress(&progress)
	return []Output{out(messages.QueueScanSpecs, spec.ToJSON())}, nil
}

func (p *Processor) representation(msg messages.ConversionMessage, reps rules.Representations) ([]Output, error) {
	body, err := messages.RepresentationMessage{
		ScanSpec:        msg.ScanSpec,
		Handle:          msg.Handle,
		Progress:        msg.Progress,
		Representations: reps,
	}.ToJSON()
	if err != nil {
		return nil, err
	}
	return []Output{out(messages.QueueRepresentations, body)}, nil
}

// requiredType is the representation the next simple rule of r operates on.
// concluded is true when r has already been decided.
func requiredType(r rules.Rule) (t conversions.OutputType, concluded bool) {
	head, _, _ := r.Split()
	sr, ok := head.(rules.SimpleRule)
	if !ok {
		return "", true
	}
	return sr.OperatesOn(), false
}

func skipMIME(mime string, patterns []string) bool {
	for _, pat := range patterns {
		if prefix, ok := strings.CutSuffix(pat, "*"); ok {
			if strings.HasPrefix(mime, prefix) {
				return true
			}
		} else if mime == pat {
			return true
		}
	}
	return false
}

// withinSource reports whether h belongs to src or to a source derived from
// one of its handles.
func withinSource(h model.Handle, src model.Source) bool {
	for h != nil {
		if model.SourceEqual(h.Source(), src) {
			return true
		}
		h = h.Source().Handle()
	}
	return false
}
