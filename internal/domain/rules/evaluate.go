package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/model"
)

// MatchFragment is the outcome of evaluating one SimpleRule. Matches is nil
// when the rule did not match.
type MatchFragment struct {
	Rule    SimpleRule
	Matches []Match
}

func (f MatchFragment) MarshalJSON() ([]byte, error) {
	var matches any
	if len(f.Matches) > 0 {
		matches = f.Matches
	}
	return json.Marshal(map[string]any{
		"rule":    f.Rule.ToJSON(),
		"matches": matches,
	})
}

func (f *MatchFragment) UnmarshalJSON(b []byte) error {
	var raw struct {
		Rule    any     `json:"rule"`
		Matches []Match `json:"matches"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r, err := FromJSON(raw.Rule)
	if err != nil {
		return err
	}
	sr, ok := r.(SimpleRule)
	if !ok {
		return &model.DeserialisationError{
			Kind: "match fragment", Field: "rule", Err: fmt.Errorf("%T is not a simple rule", r),
		}
	}
	f.Rule = sr
	f.Matches = nil
	if len(raw.Matches) > 0 {
		f.Matches = raw.Matches
	}
	return nil
}

// ProgressFragment records a partially evaluated rule together with the
// fragments produced so far, so evaluation can resume elsewhere.
type ProgressFragment struct {
	Rule    Rule
	Matches []MatchFragment
}

func (p ProgressFragment) MarshalJSON() ([]byte, error) {
	matches := p.Matches
	if matches == nil {
		matches = []MatchFragment{}
	}
	return json.Marshal(map[string]any{
		"rule":    p.Rule.ToJSON(),
		"matches": matches,
	})
}

func (p *ProgressFragment) UnmarshalJSON(b []byte) error {
	var raw struct {
		Rule    any             `json:"rule"`
		Matches []MatchFragment `json:"matches"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r, err := FromJSON(raw.Rule)
	if err != nil {
		return err
	}
	p.Rule, p.Matches = r, raw.Matches
	return nil
}

// Representations maps output types to the values converted so far. A
// present key with a nil value means the object has no such representation.
type Representations map[conversions.OutputType]any

// Lookup adapts r to the lookup function accepted by TryMatch.
func (r Representations) Lookup(t conversions.OutputType) (any, bool) {
	v, ok := r[t]
	return v, ok
}

// NeedsRepresentationError stops evaluation when the next SimpleRule needs a
// representation that has not been computed yet. Remaining is the rule to
// resume with once it has.
type NeedsRepresentationError struct {
	Type      conversions.OutputType
	Remaining Rule
}

func (e *NeedsRepresentationError) Error() string {
	return fmt.Sprintf("representation %q required to continue evaluation", e.Type)
}

// TryMatch evaluates rule until it concludes. Each SimpleRule reached is
// given the representation returned by lookup and contributes one
// MatchFragment; objLimit, when positive, caps the matches kept per fragment.
//
// If lookup has nothing for a SimpleRule's type, TryMatch returns the
// fragments gathered so far with a *NeedsRepresentationError.
func TryMatch(
	ctx context.Context,
	rule Rule,
	lookup func(conversions.OutputType) (any, bool),
	objLimit int,
) (bool, []MatchFragment, error) {
	var fragments []MatchFragment
	for {
		if err := ctx.Err(); err != nil {
			return false, fragments, err
		}

		head, positive, negative := rule.Split()
		if v, ok := IsConstant(head); ok {
			return v, fragments, nil
		}
		sr, ok := head.(SimpleRule)
		if !ok {
			return false, fragments, fmt.Errorf("split of %s yielded non-simple head %T", rule.Presentation(), head)
		}

		rep, ok := lookup(sr.OperatesOn())
		if !ok {
			return false, fragments, &NeedsRepresentationError{Type: sr.OperatesOn(), Remaining: rule}
		}

		matches, err := sr.Match(ctx, rep)
		if err != nil {
			return false, fragments, fmt.Errorf("evaluating %s: %w", sr.Presentation(), err)
		}
		if objLimit > 0 && len(matches) > objLimit {
			matches = matches[:objLimit]
		}

		if len(matches) > 0 {
			fragments = append(fragments, MatchFragment{Rule: sr, Matches: matches})
			rule = positive
		} else {
			fragments = append(fragments, MatchFragment{Rule: sr})
			rule = negative
		}
	}
}

// Evaluation is the outcome of Evaluate. Conclusion is nil when evaluation
// stopped for a missing representation, in which case Needs names it and
// Remaining is the rule to resume with.
type Evaluation struct {
	Conclusion *bool
	Remaining  Rule
	Fragments  []MatchFragment
	Needs      conversions.OutputType
}

// Evaluate runs rule against the available representations.
func Evaluate(ctx context.Context, rule Rule, reps Representations, objLimit int) (Evaluation, error) {
	conclusion, fragments, err := TryMatch(ctx, rule, reps.Lookup, objLimit)
	if err != nil {
		var needs *NeedsRepresentationError
		if errors.As(err, &needs) {
			return Evaluation{Remaining: needs.Remaining, Fragments: fragments, Needs: needs.Type}, nil
		}
		return Evaluation{Fragments: fragments}, err
	}
	return Evaluation{Conclusion: &conclusion, Remaining: Constant(conclusion), Fragments: fragments}, nil
}
