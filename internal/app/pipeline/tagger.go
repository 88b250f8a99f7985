package pipeline

import (
	"context"
	"fmt"

	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
)

// Tagger extracts the metadata of matched handles.
type Tagger struct{ Deps }

var _ MessageHandler = (*Tagger)(nil)

func NewTagger(deps Deps) *Tagger { return &Tagger{Deps: deps} }

func (t *Tagger) HandleMessage(ctx context.Context, body model.Object, _ string, emit Emit) error {
	return emitAll(emit, t.tag(ctx, body))
}

func (t *Tagger) tag(ctx context.Context, body model.Object) []Output {
	msg, err := messages.HandleMessageFromJSON(body)
	if err != nil {
		return malformed(ctx, t.Logger, body, err)
	}

	ctx, span := t.startSpan(ctx, "tagger.metadata", msg.ScanTag)
	defer span.End()

	md, err := t.metadata(ctx, msg.Handle)
	if err != nil {
		recordError(span, err)
		t.Logger.Warn(ctx, "metadata extraction failed", "handle", msg.Handle.RelativePath(), "error", err)
		return []Output{out(messages.QueueProblems, messages.ProblemMessage{
			ScanTag: msg.ScanTag,
			Handle:  msg.Handle,
			Message: fmt.Sprintf("Metadata extraction error. %v", err),
		}.ToJSON())}
	}

	return []Output{out(messages.QueueMetadata, messages.MetadataMessage{
		ScanTag:  msg.ScanTag,
		Handle:   msg.Handle,
		Metadata: md,
	}.ToJSON())}
}

// metadata follows h and collects the metadata of it and of every object
// above it. Partial failures are logged; only a failure to reach h at all
// is an error.
func (t *Tagger) metadata(ctx context.Context, h model.Handle) (map[string]any, error) {
	r, err := h.Follow(t.SourceManager)
	if err != nil {
		return nil, err
	}
	md, err := model.GetMetadata(ctx, r, t.SourceManager)
	if err != nil {
		if len(md) == 0 {
			return nil, err
		}
		t.Logger.Debug(ctx, "partial metadata", "handle", h.RelativePath(), "error", err)
	}
	return md, nil
}
