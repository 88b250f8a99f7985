// Package conversions turns the content of a Resource into the typed
// representations that rules operate on.
package conversions

import (
	"fmt"
	"strings"
	"time"

	"github.com/os2datascanner/engine/internal/domain/model"
)

// OutputType identifies a kind of representation. Its value is the label
// used on the wire.
type OutputType string

const (
	Text            OutputType = "text"             // string
	LastModified    OutputType = "last-modified"    // time.Time
	ImageDimensions OutputType = "image-dimensions" // Dimensions
	Links           OutputType = "links"            // []Link
	EmailHeaders    OutputType = "email-headers"    // map[string]string
	MRZ             OutputType = "mrz"              // string

	AlwaysTrue    OutputType = "fallback" // true
	NoConversions OutputType = "dummy"
)

var knownTypes = map[OutputType]struct{}{
	Text: {}, LastModified: {}, ImageDimensions: {}, Links: {},
	EmailHeaders: {}, MRZ: {}, AlwaysTrue: {}, NoConversions: {},
}

func (t OutputType) String() string { return string(t) }

// ParseOutputType validates a wire label.
func ParseOutputType(s string) (OutputType, error) {
	t := OutputType(s)
	if _, ok := knownTypes[t]; !ok {
		return "", fmt.Errorf("unknown output type %q", s)
	}
	return t, nil
}

// Link is a hyperlink found in a document.
type Link struct {
	URL      string
	LinkText string
}

// NewLink builds a Link whose text has its whitespace collapsed.
func NewLink(url, text string) Link {
	return Link{URL: url, LinkText: strings.Join(strings.Fields(text), " ")}
}

func (l Link) encode() []any {
	var text any
	if l.LinkText != "" {
		text = l.LinkText
	}
	return []any{l.URL, text}
}

// Dimensions is the size of an image in pixels.
type Dimensions struct {
	Width  int
	Height int
}

// Encode converts a value of this type to its JSON-friendly form.
func (t OutputType) Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Text, MRZ:
		s, ok := v.(string)
		if !ok {
			return nil, typeError(t, v)
		}
		return s, nil
	case LastModified:
		ts, ok := v.(time.Time)
		if !ok {
			return nil, typeError(t, v)
		}
		return ts.Format(model.LastModifiedLayout), nil
	case ImageDimensions:
		d, ok := v.(Dimensions)
		if !ok {
			return nil, typeError(t, v)
		}
		return []any{d.Width, d.Height}, nil
	case Links:
		switch l := v.(type) {
		case []Link:
			out := make([]any, len(l))
			for i, link := range l {
				out[i] = link.encode()
			}
			return out, nil
		case Link:
			return l.encode(), nil
		}
		return nil, typeError(t, v)
	case EmailHeaders:
		h, ok := v.(map[string]string)
		if !ok {
			return nil, typeError(t, v)
		}
		out := make(map[string]any, len(h))
		for k, val := range h {
			out[k] = val
		}
		return out, nil
	case AlwaysTrue:
		return true, nil
	case NoConversions:
		return nil, nil
	}
	return nil, fmt.Errorf("output type %q has no JSON form", t)
}

// Decode reconstructs a value of this type from its JSON-friendly form.
func (t OutputType) Decode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Text, MRZ:
		s, ok := v.(string)
		if !ok {
			return nil, typeError(t, v)
		}
		return s, nil
	case LastModified:
		s, ok := v.(string)
		if !ok {
			return nil, typeError(t, v)
		}
		return ParseLastModified(s)
	case ImageDimensions:
		pair, ok := v.([]any)
		if !ok || len(pair) != 2 {
			return nil, typeError(t, v)
		}
		w, wok := number(pair[0])
		h, hok := number(pair[1])
		if !wok || !hok {
			return nil, typeError(t, v)
		}
		return Dimensions{Width: w, Height: h}, nil
	case Links:
		raw, ok := v.([]any)
		if !ok {
			return nil, typeError(t, v)
		}
		out := make([]Link, 0, len(raw))
		for _, item := range raw {
			pair, ok := item.([]any)
			if !ok || len(pair) != 2 {
				return nil, typeError(t, item)
			}
			url, _ := pair[0].(string)
			text, _ := pair[1].(string)
			out = append(out, NewLink(url, text))
		}
		return out, nil
	case EmailHeaders:
		raw, ok := v.(map[string]any)
		if !ok {
			return nil, typeError(t, v)
		}
		out := make(map[string]string, len(raw))
		for k, val := range raw {
			out[k] = fmt.Sprint(val)
		}
		return out, nil
	case AlwaysTrue:
		return true, nil
	case NoConversions:
		return nil, nil
	}
	return nil, fmt.Errorf("output type %q has no JSON form", t)
}

// ParseLastModified accepts the wire format and RFC 3339.
func ParseLastModified(s string) (time.Time, error) {
	if ts, err := time.Parse(model.LastModifiedLayout, s); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, s)
}

// EncodeDict encodes a representation map for the wire.
func EncodeDict(d map[OutputType]any) (map[string]any, error) {
	out := make(map[string]any, len(d))
	for t, v := range d {
		ev, err := t.Encode(v)
		if err != nil {
			return nil, err
		}
		out[string(t)] = ev
	}
	return out, nil
}

// DecodeDict decodes a representation map received from the wire.
func DecodeDict(d map[string]any) (map[OutputType]any, error) {
	out := make(map[OutputType]any, len(d))
	for k, v := range d {
		t, err := ParseOutputType(k)
		if err != nil {
			return nil, err
		}
		dv, err := t.Decode(v)
		if err != nil {
			return nil, err
		}
		out[t] = dv
	}
	return out, nil
}

func number(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

func typeError(t OutputType, v any) error {
	return fmt.Errorf("value of type %T is not a valid %s representation", v, t)
}
