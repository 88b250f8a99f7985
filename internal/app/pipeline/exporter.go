package pipeline

import (
	"context"

	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
)

// Exporter censors results and forwards them to the results queue for
// consumers outside the pipeline.
type Exporter struct{ Deps }

var _ MessageHandler = (*Exporter)(nil)

func NewExporter(deps Deps) *Exporter { return &Exporter{Deps: deps} }

// HandleMessage recognises metadata, matches and problem messages by their
// keys. Every source and handle in the message is censored, and the queue
// it was read from is recorded as its "origin". Other messages are ignored.
func (e *Exporter) HandleMessage(ctx context.Context, body model.Object, routingKey string, emit Emit) error {
	var (
		result model.Object
		err    error
	)
	switch {
	case has(body, "metadata"):
		var m messages.MetadataMessage
		if m, err = messages.MetadataFromJSON(body); err == nil {
			m.Handle = m.Handle.Censor()
			result = m.ToJSON()
		}
	case has(body, "matched"):
		var m messages.MatchesMessage
		if m, err = messages.MatchesFromJSON(body); err == nil {
			m.Handle = m.Handle.Censor()
			m.ScanSpec = m.ScanSpec.Censored()
			result = m.ToJSON()
		}
	case has(body, "message"):
		var m messages.ProblemMessage
		if m, err = messages.ProblemFromJSON(body); err == nil {
			if m.Handle != nil {
				m.Handle = m.Handle.Censor()
			}
			if m.Source != nil {
				m.Source = m.Source.Censor()
			}
			result = m.ToJSON()
		}
	default:
		e.Logger.Debug(ctx, "ignoring unrecognised message", "origin", routingKey)
		return nil
	}
	if err != nil {
		e.Logger.Warn(ctx, "dropping undecodable result", "origin", routingKey, "error", err)
		return nil
	}

	result["origin"] = routingKey
	return emit(out(messages.QueueResults, result))
}

func has(obj model.Object, key string) bool {
	_, ok := obj[key]
	return ok
}
