package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/model"
)

// EmailHeaderRule applies a rule to the text of one email header.
type EmailHeaderRule struct {
	Properties
	property string
	rule     Rule
}

var _ SimpleRule = (*EmailHeaderRule)(nil)

// NewEmailHeaderRule matches when rule concludes true against the value of
// the named header. Header names are compared case-insensitively.
func NewEmailHeaderRule(property string, rule Rule, opts ...Option) *EmailHeaderRule {
	return &EmailHeaderRule{Properties: newProperties(opts), property: strings.ToLower(property), rule: rule}
}

func (r *EmailHeaderRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *EmailHeaderRule) OperatesOn() conversions.OutputType { return conversions.EmailHeaders }

func (r *EmailHeaderRule) Presentation() string {
	return r.presentation(fmt.Sprintf("email header value %q matches the rule %q", r.property, r.rule.Presentation()))
}

func (r *EmailHeaderRule) Match(ctx context.Context, rep any) ([]Match, error) {
	if rep == nil {
		return nil, nil
	}
	headers, ok := rep.(map[string]string)
	if !ok {
		return nil, fmt.Errorf("expected email headers, got %T", rep)
	}
	var value string
	var found bool
	for k, v := range headers {
		if strings.ToLower(k) == r.property {
			value, found = v, true
			break
		}
	}
	if !found {
		return nil, nil
	}

	lookup := func(t conversions.OutputType) (any, bool) {
		if t == conversions.Text {
			return value, true
		}
		return nil, true
	}
	concluded, fragments, err := TryMatch(ctx, r.rule, lookup, 0)
	if err != nil || !concluded {
		return nil, err
	}
	var out []Match
	for _, f := range fragments {
		out = append(out, f.Matches...)
	}
	return out, nil
}

func (r *EmailHeaderRule) ToJSON() any {
	obj := r.json("email-header")
	obj["property"] = r.property
	obj["rule"] = r.rule.ToJSON()
	return obj
}

func init() {
	RegisterRule("email-header", func(obj model.Object) (Rule, error) {
		property, err := model.StringField(obj, "email-header", "property")
		if err != nil {
			return nil, err
		}
		raw, ok := obj["rule"]
		if !ok {
			return nil, &model.DeserialisationError{Kind: "email-header", Field: "rule"}
		}
		inner, err := FromJSON(raw)
		if err != nil {
			return nil, err
		}
		return NewEmailHeaderRule(property, inner, propertiesFromJSON(obj).opts()...), nil
	})
}
