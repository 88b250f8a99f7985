// Package rules implements the boolean rule language evaluated against the
// representations of scanned objects.
//
// A Rule is a tree of logical operators whose leaves are SimpleRules. Every
// Rule can Split itself into the next SimpleRule to evaluate and the two
// continuations to follow depending on whether that SimpleRule matched, which
// lets evaluation stop whenever a representation is not yet available and
// resume later, possibly in another process.
package rules

import (
	"context"
	"strings"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/model"
)

// Rule is a node of a rule tree.
type Rule interface {
	// Split returns the next SimpleRule to evaluate together with the rules
	// to continue with after a match and after a miss. A concluded rule
	// returns a Constant as its head.
	Split() (head, positive, negative Rule)
	Name() string
	Sensitivity() *Sensitivity
	// Presentation is a human-readable description of the rule.
	Presentation() string
	// ToJSON returns the wire form: an object for every rule except
	// Constant, which is a bare bool.
	ToJSON() any
}

// SimpleRule is a leaf of a rule tree that inspects a single representation.
type SimpleRule interface {
	Rule
	OperatesOn() conversions.OutputType
	// Match inspects a representation. A nil representation means the
	// object has none of this type and produces no matches.
	Match(ctx context.Context, rep any) ([]Match, error)
}

// Match describes one hit of a SimpleRule. The "match" key is always set;
// "offset", "context", "context_offset", "probability" and "sensitivity"
// are optional.
type Match map[string]any

// Properties holds the attributes shared by all rules.
type Properties struct {
	name        string
	sensitivity *Sensitivity
}

// Option configures the shared properties of a rule.
type Option func(*Properties)

// WithName sets the display name of a rule.
func WithName(name string) Option { return func(p *Properties) { p.name = name } }

// WithSensitivity sets the sensitivity of a rule.
func WithSensitivity(s Sensitivity) Option {
	return func(p *Properties) { p.sensitivity = s.Ptr() }
}

func newProperties(opts []Option) Properties {
	var p Properties
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func propertiesFromJSON(obj model.Object) Properties {
	return Properties{
		name:        model.OptStringField(obj, "name"),
		sensitivity: sensitivityFromJSON(obj),
	}
}

func (p Properties) Name() string              { return p.name }
func (p Properties) Sensitivity() *Sensitivity { return p.sensitivity }

// presentation prefers the rule's name over its generated description.
func (p Properties) presentation(raw string) string {
	if p.name != "" {
		return p.name
	}
	return raw
}

// json is the common part of every rule's wire form.
func (p Properties) json(label string) model.Object {
	obj := model.Object{"type": label}
	if p.name != "" {
		obj["name"] = p.name
	}
	if p.sensitivity != nil {
		obj["sensitivity"] = int(*p.sensitivity)
	}
	return obj
}

// sensitivityOr returns the rule's sensitivity, or def when it has none.
func (p Properties) sensitivityOr(def Sensitivity) Sensitivity {
	if p.sensitivity != nil {
		return *p.sensitivity
	}
	return def
}

// sensitivityValue is the optional sensitivity as it appears in a Match.
func (p Properties) sensitivityValue() any {
	if p.sensitivity == nil {
		return nil
	}
	return int(*p.sensitivity)
}

// splitSimple is the Split of every SimpleRule.
func splitSimple(r SimpleRule) (Rule, Rule, Rule) { return r, True, False }

// Constant is a concluded rule.
type Constant bool

const (
	True  Constant = true
	False Constant = false
)

func (c Constant) Split() (Rule, Rule, Rule) { return c, c, c }
func (Constant) Name() string                { return "" }
func (Constant) Sensitivity() *Sensitivity   { return nil }
func (c Constant) ToJSON() any               { return bool(c) }

func (c Constant) Presentation() string {
	if c {
		return "true"
	}
	return "false"
}

// IsConstant reports whether r has concluded, and how.
func IsConstant(r Rule) (value, ok bool) {
	c, ok := r.(Constant)
	return bool(c), ok
}

// oxfordComma joins items into an English list using word before the last
// item.
func oxfordComma(items []string, word string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " " + word + " " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + ", " + word + " " + items[len(items)-1]
}
