package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/model"
)

// Range is the half-open interval [Start, Stop).
type Range struct{ Start, Stop int }

func (r Range) Contains(v int) bool { return v >= r.Start && v < r.Stop }

// DimensionsRule matches images whose size lies within the given ranges and
// whose larger side is at least Minimum pixels.
type DimensionsRule struct {
	Properties
	width, height Range
	minimum       int
}

var _ SimpleRule = (*DimensionsRule)(nil)

func NewDimensionsRule(width, height Range, minimum int, opts ...Option) *DimensionsRule {
	return &DimensionsRule{Properties: newProperties(opts), width: width, height: height, minimum: minimum}
}

func (r *DimensionsRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *DimensionsRule) OperatesOn() conversions.OutputType { return conversions.ImageDimensions }

func (r *DimensionsRule) Presentation() string {
	return r.presentation(fmt.Sprintf("image dimensions (width %d-%d, height %d-%d, minimum %d)",
		r.width.Start, r.width.Stop, r.height.Start, r.height.Stop, r.minimum))
}

func (r *DimensionsRule) Match(_ context.Context, rep any) ([]Match, error) {
	if rep == nil {
		return nil, nil
	}
	d, ok := rep.(conversions.Dimensions)
	if !ok {
		return nil, fmt.Errorf("expected image dimensions, got %T", rep)
	}
	if !r.width.Contains(d.Width) || !r.height.Contains(d.Height) || max(d.Width, d.Height) < r.minimum {
		return nil, nil
	}
	return []Match{{"match": []int{d.Width, d.Height}, "sensitivity": r.sensitivityValue()}}, nil
}

func (r *DimensionsRule) ToJSON() any {
	obj := r.json("dimensions")
	obj["width"] = []any{r.width.Start, r.width.Stop}
	obj["height"] = []any{r.height.Start, r.height.Stop}
	obj["minimum"] = r.minimum
	return obj
}

func rangeField(obj model.Object, field string) (Range, error) {
	raw, ok := obj[field].([]any)
	if !ok || len(raw) != 2 {
		return Range{}, &model.DeserialisationError{Kind: "dimensions", Field: field}
	}
	pair := model.Object{"start": raw[0], "stop": raw[1]}
	return Range{Start: model.IntField(pair, "start", 0), Stop: model.IntField(pair, "stop", 0)}, nil
}

// LastModifiedRule matches objects modified after a cutoff.
type LastModifiedRule struct {
	Properties
	after time.Time
}

var _ SimpleRule = (*LastModifiedRule)(nil)

func NewLastModifiedRule(after time.Time, opts ...Option) *LastModifiedRule {
	return &LastModifiedRule{Properties: newProperties(opts), after: after}
}

// After is the cutoff.
func (r *LastModifiedRule) After() time.Time { return r.after }

func (r *LastModifiedRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *LastModifiedRule) OperatesOn() conversions.OutputType { return conversions.LastModified }

func (r *LastModifiedRule) Presentation() string {
	return r.presentation("last modified after " + r.after.Format(model.LastModifiedLayout))
}

func (r *LastModifiedRule) Match(_ context.Context, rep any) ([]Match, error) {
	if rep == nil {
		return nil, nil
	}
	ts, ok := rep.(time.Time)
	if !ok {
		return nil, fmt.Errorf("expected a timestamp, got %T", rep)
	}
	if !ts.After(r.after) {
		return nil, nil
	}
	return []Match{{"match": ts.Format(model.LastModifiedLayout), "sensitivity": r.sensitivityValue()}}, nil
}

func (r *LastModifiedRule) ToJSON() any {
	obj := r.json("last-modified")
	obj["after"] = r.after.Format(model.LastModifiedLayout)
	return obj
}

// HasConversionRule matches objects that have a representation of the given
// type.
type HasConversionRule struct {
	Properties
	target conversions.OutputType
}

var _ SimpleRule = (*HasConversionRule)(nil)

func NewHasConversionRule(target conversions.OutputType, opts ...Option) *HasConversionRule {
	return &HasConversionRule{Properties: newProperties(opts), target: target}
}

func (r *HasConversionRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *HasConversionRule) OperatesOn() conversions.OutputType { return r.target }

func (r *HasConversionRule) Presentation() string {
	return r.presentation(fmt.Sprintf("conversion to %s is possible", r.target))
}

func (r *HasConversionRule) Match(_ context.Context, rep any) ([]Match, error) {
	if rep == nil {
		return nil, nil
	}
	return []Match{{"match": true}}, nil
}

func (r *HasConversionRule) ToJSON() any {
	obj := r.json("conversion")
	obj["target"] = string(r.target)
	return obj
}

// AlwaysMatchesRule matches every object. It is evaluated without reading
// the object's content.
type AlwaysMatchesRule struct{ Properties }

// NeverMatchesRule matches no object.
type NeverMatchesRule struct{ Properties }

var (
	_ SimpleRule = (*AlwaysMatchesRule)(nil)
	_ SimpleRule = (*NeverMatchesRule)(nil)
)

func NewAlwaysMatchesRule(opts ...Option) *AlwaysMatchesRule {
	return &AlwaysMatchesRule{newProperties(opts)}
}

func NewNeverMatchesRule(opts ...Option) *NeverMatchesRule {
	return &NeverMatchesRule{newProperties(opts)}
}

func (r *AlwaysMatchesRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *AlwaysMatchesRule) OperatesOn() conversions.OutputType { return conversions.AlwaysTrue }
func (r *AlwaysMatchesRule) Presentation() string               { return r.presentation("always matches") }
func (r *AlwaysMatchesRule) ToJSON() any                        { return r.json("fallback") }

func (r *AlwaysMatchesRule) Match(context.Context, any) ([]Match, error) {
	return []Match{{"match": true, "sensitivity": r.sensitivityValue()}}, nil
}

func (r *NeverMatchesRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *NeverMatchesRule) OperatesOn() conversions.OutputType { return conversions.NoConversions }
func (r *NeverMatchesRule) Presentation() string               { return r.presentation("never matches") }
func (r *NeverMatchesRule) ToJSON() any                        { return r.json("dummy") }

func (r *NeverMatchesRule) Match(context.Context, any) ([]Match, error) { return nil, nil }

func init() {
	RegisterRule("dimensions", func(obj model.Object) (Rule, error) {
		width, err := rangeField(obj, "width")
		if err != nil {
			return nil, err
		}
		height, err := rangeField(obj, "height")
		if err != nil {
			return nil, err
		}
		return NewDimensionsRule(width, height, model.IntField(obj, "minimum", 0),
			propertiesFromJSON(obj).opts()...), nil
	})
	RegisterRule("last-modified", func(obj model.Object) (Rule, error) {
		raw, err := model.StringField(obj, "last-modified", "after")
		if err != nil {
			return nil, err
		}
		after, err := conversions.ParseLastModified(raw)
		if err != nil {
			return nil, &model.DeserialisationError{Kind: "last-modified", Field: "after", Err: err}
		}
		return NewLastModifiedRule(after, propertiesFromJSON(obj).opts()...), nil
	})
	RegisterRule("conversion", func(obj model.Object) (Rule, error) {
		raw, err := model.StringField(obj, "conversion", "target")
		if err != nil {
			return nil, err
		}
		target, err := conversions.ParseOutputType(raw)
		if err != nil {
			return nil, &model.DeserialisationError{Kind: "conversion", Field: "target", Err: err}
		}
		return NewHasConversionRule(target, propertiesFromJSON(obj).opts()...), nil
	})
	RegisterRule("fallback", func(obj model.Object) (Rule, error) {
		return NewAlwaysMatchesRule(propertiesFromJSON(obj).opts()...), nil
	})
	RegisterRule("dummy", func(obj model.Object) (Rule, error) {
		return NewNeverMatchesRule(propertiesFromJSON(obj).opts()...), nil
	})
}
