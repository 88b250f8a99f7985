package pipeline

import (
	"context"
	"fmt"

	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/internal/domain/rules"
)

// Matcher evaluates a scan's rule against the representations computed for a
// handle.
type Matcher struct {
	Deps
	// MatchLimit, when positive, caps the matches kept per fragment.
	MatchLimit int
}

var _ MessageHandler = (*Matcher)(nil)

func NewMatcher(deps Deps) *Matcher { return &Matcher{Deps: deps} }

// HandleMessage resumes evaluation with the representations of a
// RepresentationMessage. A conclusion is published to both the matches and
// checkups queues, and a positive one also asks for the handle's metadata.
// If another representation is needed, the handle goes back for conversion
// with the progress made so far.
func (m *Matcher) HandleMessage(ctx context.Context, body model.Object, _ string, emit Emit) error {
	return emitAll(emit, m.evaluate(ctx, body))
}

func (m *Matcher) evaluate(ctx context.Context, body model.Object) []Output {
	msg, err := messages.RepresentationFromJSON(body)
	if err != nil {
		return malformed(ctx, m.Logger, body, err)
	}

	ctx, span := m.startSpan(ctx, "matcher.evaluate", msg.ScanSpec.ScanTag)
	defer span.End()

	ev, err := rules.Evaluate(ctx, msg.Progress.Rule, msg.Representations, m.MatchLimit)
	if err != nil {
		recordError(span, err)
		m.Logger.Warn(ctx, "rule evaluation failed", "handle", msg.Handle.RelativePath(), "error", err)
		return []Output{out(messages.QueueProblems, messages.ProblemMessage{
			ScanTag: msg.ScanSpec.ScanTag,
			Handle:  msg.Handle,
			Message: fmt.Sprintf("Rule evaluation error. %v", err),
		}.ToJSON())}
	}

	fragments := append(append([]rules.MatchFragment(nil), msg.Progress.Matches...), ev.Fragments...)

	if ev.Conclusion == nil {
		return []Output{out(messages.QueueConversions, messages.ConversionMessage{
			ScanSpec: msg.ScanSpec,
			Handle:   msg.Handle,
			Progress: rules.ProgressFragment{Rule: ev.Remaining, Matches: fragments},
		}.ToJSON())}
	}

	matched := *ev.Conclusion
	mm := messages.MatchesMessage{
		ScanSpec: msg.ScanSpec,
		Handle:   msg.Handle,
		Matched:  matched,
		Matches:  fragments,
	}.ToJSON()
	outputs := []Output{out(messages.QueueMatches, mm), out(messages.QueueCheckups, mm)}
	if matched {
		outputs = append(outputs, out(messages.QueueHandles, messages.HandleMessage{
			ScanTag: msg.ScanSpec.ScanTag,
			Handle:  msg.Handle,
		}.ToJSON()))
	}
	m.Logger.Debug(ctx, "evaluation concluded", "handle", msg.Handle.RelativePath(), "matched", matched)
	return outputs
}
