package rules

import (
	"fmt"

	"github.com/os2datascanner/engine/internal/domain/model"
)

// compound is the shared state of the n-ary logical rules.
type compound struct {
	Properties
	components []Rule
}

func (c compound) Components() []Rule { return c.components }

func (c compound) presentationJoin(word string) string {
	parts := make([]string, len(c.components))
	for i, r := range c.components {
		parts[i] = r.Presentation()
	}
	return c.presentation("(" + oxfordComma(parts, word) + ")")
}

func (c compound) json(label string) model.Object {
	obj := c.Properties.json(label)
	parts := make([]any, len(c.components))
	for i, r := range c.components {
		parts[i] = r.ToJSON()
	}
	obj["components"] = parts
	return obj
}

// AndRule matches when every component matches. Evaluation stops at the
// first component that does not.
type AndRule struct{ compound }

// OrRule matches when any component matches. Evaluation stops at the first
// component that does.
type OrRule struct{ compound }

// AllRule evaluates every component and matches when any of them did.
type AllRule struct{ compound }

// NotRule inverts the conclusion of its component. The component's match
// fragments are still reported.
type NotRule struct {
	Properties
	rule Rule
}

// MakeAnd builds the conjunction of rules, simplifying constants away: a
// False component makes the result False, True components are dropped, no
// components at all yields True and a single component is returned as is.
func MakeAnd(rules []Rule, opts ...Option) Rule {
	var kept []Rule
	for _, r := range rules {
		if v, ok := IsConstant(r); ok {
			if !v {
				return False
			}
			continue
		}
		kept = append(kept, r)
	}
	switch len(kept) {
	case 0:
		return True
	case 1:
		return kept[0]
	}
	return &AndRule{compound{Properties: newProperties(opts), components: kept}}
}

// MakeOr builds the disjunction of rules; it is the dual of MakeAnd.
func MakeOr(rules []Rule, opts ...Option) Rule {
	var kept []Rule
	for _, r := range rules {
		if v, ok := IsConstant(r); ok {
			if v {
				return True
			}
			continue
		}
		kept = append(kept, r)
	}
	switch len(kept) {
	case 0:
		return False
	case 1:
		return kept[0]
	}
	return &OrRule{compound{Properties: newProperties(opts), components: kept}}
}

// MakeAll builds an AllRule. Concluded components are kept until every
// component has concluded, at which point the result is True if any of them
// matched.
func MakeAll(rules []Rule, opts ...Option) Rule {
	if len(rules) == 0 {
		return False
	}
	concluded := true
	for _, r := range rules {
		if _, ok := IsConstant(r); !ok {
			concluded = false
			break
		}
	}
	if concluded {
		for _, r := range rules {
			if v, _ := IsConstant(r); v {
				return True
			}
		}
		return False
	}
	return &AllRule{compound{Properties: newProperties(opts), components: rules}}
}

// MakeNot negates r. The negation of a Constant is computed immediately.
func MakeNot(r Rule, opts ...Option) Rule {
	if v, ok := IsConstant(r); ok {
		return Constant(!v)
	}
	return &NotRule{Properties: newProperties(opts), rule: r}
}

// And is a convenience wrapper around MakeAnd.
func And(rules ...Rule) Rule { return MakeAnd(rules) }

// Or is a convenience wrapper around MakeOr.
func Or(rules ...Rule) Rule { return MakeOr(rules) }

// All is a convenience wrapper around MakeAll.
func All(rules ...Rule) Rule { return MakeAll(rules) }

// Not is a convenience wrapper around MakeNot.
func Not(r Rule) Rule { return MakeNot(r) }

// opts reproduces the shared properties of a rule on its continuations.
func (p Properties) opts() []Option {
	var opts []Option
	if p.name != "" {
		opts = append(opts, WithName(p.name))
	}
	if p.sensitivity != nil {
		opts = append(opts, WithSensitivity(*p.sensitivity))
	}
	return opts
}

func replaceFirst(rules []Rule, r Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	out[0] = r
	return out
}

func (r *AndRule) Split() (Rule, Rule, Rule) {
	head, pos, neg := r.components[0].Split()
	opts := r.opts()
	return head,
		MakeAnd(replaceFirst(r.components, pos), opts...),
		MakeAnd(replaceFirst(r.components, neg), opts...)
}

func (r *OrRule) Split() (Rule, Rule, Rule) {
	head, pos, neg := r.components[0].Split()
	opts := r.opts()
	return head,
		MakeOr(replaceFirst(r.components, pos), opts...),
		MakeOr(replaceFirst(r.components, neg), opts...)
}

func (r *AllRule) Split() (Rule, Rule, Rule) {
	for i, c := range r.components {
		if _, ok := IsConstant(c); ok {
			continue
		}
		head, pos, neg := c.Split()
		withPos := append([]Rule(nil), r.components...)
		withNeg := append([]Rule(nil), r.components...)
		withPos[i], withNeg[i] = pos, neg
		opts := r.opts()
		return head, MakeAll(withPos, opts...), MakeAll(withNeg, opts...)
	}
	// Unreachable for rules built with MakeAll.
	v := MakeAll(r.components)
	return v, v, v
}

func (r *NotRule) Split() (Rule, Rule, Rule) {
	head, pos, neg := r.rule.Split()
	opts := r.opts()
	return head, MakeNot(pos, opts...), MakeNot(neg, opts...)
}

func (r *AndRule) Presentation() string { return r.presentationJoin("and") }
func (r *OrRule) Presentation() string  { return r.presentationJoin("or") }
func (r *AllRule) Presentation() string { return r.presentationJoin("and") }

func (r *NotRule) Presentation() string {
	return r.presentation(fmt.Sprintf("not %s", r.rule.Presentation()))
}

func (r *AndRule) ToJSON() any { return r.json("and") }
func (r *OrRule) ToJSON() any  { return r.json("or") }
func (r *AllRule) ToJSON() any { return r.json("all") }

func (r *NotRule) ToJSON() any {
	obj := r.Properties.json("not")
	obj["rule"] = r.rule.ToJSON()
	return obj
}

// Operand returns the negated rule.
func (r *NotRule) Operand() Rule { return r.rule }

func decodeCompound(obj model.Object, kind string) ([]Rule, error) {
	raw, ok := obj["components"].([]any)
	if !ok {
		return nil, &model.DeserialisationError{Kind: kind, Field: "components"}
	}
	out := make([]Rule, 0, len(raw))
	for _, c := range raw {
		r, err := FromJSON(c)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func init() {
	for label, mk := range map[string]func([]Rule, ...Option) Rule{
		"and": MakeAnd,
		"or":  MakeOr,
		"all": MakeAll,
	} {
		RegisterRule(label, func(obj model.Object) (Rule, error) {
			parts, err := decodeCompound(obj, label)
			if err != nil {
				return nil, err
			}
			return mk(parts, propertiesFromJSON(obj).opts()...), nil
		})
	}
	RegisterRule("not", func(obj model.Object) (Rule, error) {
		inner, ok := obj["rule"]
		if !ok {
			return nil, &model.DeserialisationError{Kind: "not", Field: "rule"}
		}
		r, err := FromJSON(inner)
		if err != nil {
			return nil, err
		}
		return MakeNot(r, propertiesFromJSON(obj).opts()...), nil
	})
}
