package rules

import (
	"context"
	"fmt"

	regexp "github.com/wasilibs/go-re2"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/model"
)

// RegexRule matches a regular expression against the text of an object.
type RegexRule struct {
	Properties
	expression string
	re         *regexp.Regexp
}

var _ SimpleRule = (*RegexRule)(nil)

// NewRegexRule compiles expression into a rule.
func NewRegexRule(expression string, opts ...Option) (*RegexRule, error) {
	re, err := regexp.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", expression, err)
	}
	return &RegexRule{Properties: newProperties(opts), expression: expression, re: re}, nil
}

// MustRegexRule is like NewRegexRule but panics on an invalid expression.
func MustRegexRule(expression string, opts ...Option) *RegexRule {
	r, err := NewRegexRule(expression, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *RegexRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *RegexRule) OperatesOn() conversions.OutputType { return conversions.Text }

func (r *RegexRule) Presentation() string {
	return r.presentation(fmt.Sprintf("regular expression matching %q", r.expression))
}

func (r *RegexRule) Match(_ context.Context, rep any) ([]Match, error) {
	content, ok, err := textOf(rep)
	if !ok || err != nil {
		return nil, err
	}

	runes := []rune(content)
	idx := newTextIndex(content)
	var out []Match
	for _, loc := range r.re.FindAllStringIndex(content, -1) {
		lo, hi := idx.runeOffset(loc[0]), idx.runeOffset(loc[1])
		ctx, start := window(runes, lo, hi)
		out = append(out, Match{
			"match":          content[loc[0]:loc[1]],
			"offset":         lo,
			"context":        ctx,
			"context_offset": lo - start,
			"sensitivity":    r.sensitivityValue(),
		})
	}
	return out, nil
}

func (r *RegexRule) ToJSON() any {
	obj := r.json("regex")
	obj["expression"] = r.expression
	return obj
}

// textOf unpacks a text representation. A nil representation reports false
// without an error.
func textOf(rep any) (string, bool, error) {
	switch v := rep.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	}
	return "", false, fmt.Errorf("expected a text representation, got %T", rep)
}

func init() {
	RegisterRule("regex", func(obj model.Object) (Rule, error) {
		expr, err := model.StringField(obj, "regex", "expression")
		if err != nil {
			return nil, err
		}
		r, err := NewRegexRule(expr, propertiesFromJSON(obj).opts()...)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
}
