// Package pipeline implements the scanning stages. Each stage turns one
// inbound message into zero or more outbound messages, handing each to the
// runner as soon as it exists.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/pkg/common/logger"
	"github.com/os2datascanner/engine/pkg/common/otel"
	"github.com/os2datascanner/engine/pkg/common/retrier"
)

// Output is one message to publish.
type Output struct {
	Queue string
	Body  model.Object
}

// Emit hands one output to whoever drives the handler. The runner publishes
// it before Emit returns; an error means it was not published and the
// handler must stop.
type Emit func(Output) error

// MessageHandler handles one decoded message read from routingKey, emitting
// its outputs as they are produced.
type MessageHandler interface {
	HandleMessage(ctx context.Context, body model.Object, routingKey string, emit Emit) error
}

// emitAll emits outputs in order, stopping at the first failure.
func emitAll(emit Emit, outputs []Output) error {
	for _, o := range outputs {
		if err := emit(o); err != nil {
			return err
		}
	}
	return nil
}

// Collect runs h on body and returns everything it emitted.
func Collect(ctx context.Context, h MessageHandler, body model.Object, routingKey string) ([]Output, error) {
	var outputs []Output
	err := h.HandleMessage(ctx, body, routingKey, func(o Output) error {
		outputs = append(outputs, o)
		return nil
	})
	return outputs, err
}

// Stage describes a pipeline stage: the queues it reads and writes and how
// many unacknowledged deliveries it may hold.
type Stage struct {
	Name          string
	Reads         []string
	Writes        []string
	PrefetchCount int
	Description   string
}

// Stage descriptors, by name.
var (
	ExplorerStage = Stage{
		Name:          "explorer",
		Reads:         []string{messages.QueueScanSpecs},
		Writes:        []string{messages.QueueConversions, messages.QueueProblems, messages.QueueStatus, messages.QueueScanSpecs},
		PrefetchCount: 1,
		Description:   "Sources explored",
	}
	ProcessorStage = Stage{
		Name:  "processor",
		Reads: []string{messages.QueueConversions},
		Writes: []string{
			messages.QueueScanSpecs, messages.QueueRepresentations,
			messages.QueueProblems, messages.QueueCheckups,
		},
		PrefetchCount: 8,
		Description:   "Representations generated",
	}
	MatcherStage = Stage{
		Name:  "matcher",
		Reads: []string{messages.QueueRepresentations},
		Writes: []string{
			messages.QueueHandles, messages.QueueMatches, messages.QueueCheckups,
			messages.QueueConversions, messages.QueueProblems,
		},
		PrefetchCount: 8,
		Description:   "Representations examined",
	}
	TaggerStage = Stage{
		Name:          "tagger",
		Reads:         []string{messages.QueueHandles},
		Writes:        []string{messages.QueueMetadata, messages.QueueProblems},
		PrefetchCount: 1,
		Description:   "Metadata extractions",
	}
	ExporterStage = Stage{
		Name:          "exporter",
		Reads:         []string{messages.QueueMatches, messages.QueueMetadata, messages.QueueProblems},
		Writes:        []string{messages.QueueResults},
		PrefetchCount: 8,
		Description:   "Messages exported",
	}
	WorkerStage = Stage{
		Name:  "worker",
		Reads: []string{messages.QueueConversions},
		Writes: []string{
			messages.QueueMatches, messages.QueueCheckups, messages.QueueProblems,
			messages.QueueMetadata, messages.QueueStatus,
		},
		PrefetchCount: 8,
		Description:   "Messages handled by worker",
	}
)

// Stages lists every pipeline stage.
var Stages = []Stage{ExplorerStage, ProcessorStage, MatcherStage, TaggerStage, ExporterStage, WorkerStage}

// LookupStage returns the descriptor of the named stage.
func LookupStage(name string) (Stage, bool) {
	for _, s := range Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Deps are the collaborators shared by every stage of one runner.
type Deps struct {
	SourceManager *model.SourceManager
	Retrier       *retrier.TimeoutRetrier
	Logger        *logger.Logger
	Tracer        trace.Tracer
	// Configuration is merged under every scan's own configuration before
	// its sources are opened.
	Configuration map[string]any
}

// configure installs the configuration of a scan on the SourceManager.
func (d Deps) configure(scanCfg map[string]any) {
	cfg := maps.Clone(d.Configuration)
	if cfg == nil {
		cfg = map[string]any{}
	}
	maps.Copy(cfg, scanCfg)
	d.SourceManager.SetConfiguration(cfg)
}

// Retryable reports whether a failed source operation may succeed when
// repeated.
func Retryable(err error) bool {
	var de *model.DeserialisationError
	switch {
	case errors.Is(err, conversions.ErrNoConverter),
		errors.Is(err, model.ErrNotSupported),
		errors.Is(err, model.ErrUnknownType),
		errors.Is(err, context.Canceled),
		errors.As(err, &de):
		return false
	}
	return true
}

// NewRetrier returns the TimeoutRetrier stages wrap their I/O in.
func NewRetrier(timeout time.Duration, tries int, opts ...retrier.Option) *retrier.TimeoutRetrier {
	return retrier.New(timeout, tries, append([]retrier.Option{retrier.WithRetryable(Retryable)}, opts...)...)
}

func (d Deps) startSpan(ctx context.Context, name string, tag messages.ScanTag) (context.Context, trace.Span) {
	return otel.AddSpan(ctx, d.Tracer, name,
		attribute.Int64("scanner_pk", tag.Scanner.PK),
		attribute.String("scan_time", tag.Time.Format(messages.TimeLayout)),
	)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// out builds an Output from a message's JSON form.
func out(queue string, body model.Object) Output { return Output{Queue: queue, Body: body} }

// normalise re-encodes an outbound body so that it has exactly the generic
// form a consumer would decode from the broker.
func normalise(body model.Object) (model.Object, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return messages.DecodeObject(b)
}

// malformed turns a decoding failure into the problem reported to the
// scan's owner. Messages without a scan tag are dropped, since there is no
// one to report to.
func malformed(ctx context.Context, log *logger.Logger, body model.Object, err error) []Output {
	tag, ok := messages.ScanTagOf(body)
	if !ok || errors.Is(err, messages.ErrMissingScanTag) {
		log.Warn(ctx, "dropping message without scan tag", "error", err)
		return nil
	}

	text := "Malformed input"
	var unknown *model.UnknownTypeError
	if errors.As(err, &unknown) {
		text = unknown.Error()
	}
	log.Warn(ctx, "malformed message", "error", err, "problem", text)
	return []Output{out(messages.QueueProblems, messages.ProblemMessage{ScanTag: tag, Message: text}.ToJSON())}
}
