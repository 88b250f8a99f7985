package model

import (
	"fmt"
	"maps"
	"mime"
	"path"
	"strings"
)

// Handle is a serialisable reference to one scannable object within a
// Source. Handles are immutable; WithHints returns a modified copy.
type Handle interface {
	Type() string
	Source() Source
	RelativePath() string
	// Name is the final path component, or "file" if that would be empty.
	Name() string
	Follow(sm *SourceManager) (Resource, error)
	// GuessType guesses the MIME type of the target from its name alone.
	GuessType() string
	Censor() Handle
	PresentationName() string
	PresentationPlace() string
	PresentationURL() string
	SortKey() string
	Referrer() Handle
	// Hints holds cheap metadata gathered during exploration.
	Hints() map[string]any
	// WithHints returns a copy of the Handle carrying hints; nil clears them.
	WithHints(hints map[string]any) Handle
	ToJSON() Object
}

// HandleDecoder reconstructs a Handle from its JSON form.
type HandleDecoder func(obj Object) (Handle, error)

// RegisterHandle associates a Handle type label with a decoder.
func RegisterHandle(label string, dec HandleDecoder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := handleDecoders[label]; ok {
		panic(fmt.Sprintf("model: handle type %q registered twice", label))
	}
	handleDecoders[label] = dec
}

// StockHandleDecoder builds a decoder for Handles made from a Source and a
// path alone.
func StockHandleDecoder(kind string, ctor func(src Source, path string) Handle) HandleDecoder {
	return func(obj Object) (Handle, error) {
		so, err := ObjectField(obj, kind, "source")
		if err != nil {
			return nil, err
		}
		src, err := SourceFromJSON(so)
		if err != nil {
			return nil, err
		}
		p, err := StringField(obj, kind, "path")
		if err != nil {
			return nil, err
		}
		h := ctor(src, p)
		if h == nil {
			return nil, &DeserialisationError{Kind: kind, Field: "source", Err: fmt.Errorf("unexpected source type %q", src.Type())}
		}
		return h, nil
	}
}

// TypedHandleDecoder is StockHandleDecoder for Handles that only live under
// Sources of type S.
func TypedHandleDecoder[S Source](kind string, ctor func(src S, path string) Handle) HandleDecoder {
	return StockHandleDecoder(kind, func(src Source, p string) Handle {
		if s, ok := src.(S); ok {
			return ctor(s, p)
		}
		return nil
	})
}

// HandleFromJSON reconstructs a Handle, including any hints, from its JSON
// form.
func HandleFromJSON(obj Object) (Handle, error) {
	if obj == nil {
		return nil, &DeserialisationError{Kind: "Handle", Field: "type"}
	}
	label, err := StringField(obj, "Handle", "type")
	if err != nil {
		return nil, err
	}
	registryMu.RLock()
	dec, ok := handleDecoders[label]
	registryMu.RUnlock()
	if !ok {
		return nil, &UnknownTypeError{Label: label}
	}
	h, err := dec(obj)
	if err != nil {
		return nil, err
	}
	if hints, ok := obj["hints"].(map[string]any); ok && len(hints) > 0 {
		h = h.WithHints(hints)
	}
	return h, nil
}

// HandleKey returns the identity of h. Hints and referrers do not take part.
func HandleKey(h Handle) string {
	if h == nil {
		return "null"
	}
	return CanonicalJSON([]any{h.Type(), h.Source().ToJSON(), h.RelativePath()})
}

// HandleEqual reports whether a and b denote the same object.
func HandleEqual(a, b Handle) bool { return HandleKey(a) == HandleKey(b) }

// BaseHandle walks up the derived-source chain of h and returns the top-most
// Handle whose Source does not yield independent sources.
func BaseHandle(h Handle) Handle {
	for h != nil {
		parent := h.Source().Handle()
		if parent == nil || parent.Source().YieldsIndependentSources() {
			break
		}
		h = parent
	}
	return h
}

// BaseReferrer follows the referrer chain of h to its origin.
func BaseReferrer(h Handle) Handle {
	for h != nil && h.Referrer() != nil {
		h = h.Referrer()
	}
	return h
}

// StripHints returns a copy of a Handle's JSON form with the hints of every
// Handle in it removed, including those of parent and referrer Handles.
func StripHints(obj Object) Object {
	out := make(Object, len(obj))
	for k, v := range obj {
		if k == "hints" {
			continue
		}
		if o, ok := v.(map[string]any); ok {
			v = StripHints(o)
		}
		out[k] = v
	}
	return out
}

// String renders h the way user interfaces present it.
func String(h Handle) string {
	return fmt.Sprintf("%s (in %s)", h.PresentationName(), h.PresentationPlace())
}

// DefaultSortKey is the sort key used by Handles that do not define one.
func DefaultSortKey(h Handle) string {
	return strings.TrimSuffix(strings.TrimSuffix(String(h), h.Name()), "/")
}

// HandleCore carries the fields shared by every Handle implementation and
// is meant to be embedded.
type HandleCore struct {
	src      Source
	relpath  string
	referrer Handle
	hints    map[string]any
}

// NewHandleCore returns the embeddable core of a Handle.
func NewHandleCore(src Source, relpath string) HandleCore {
	return HandleCore{src: src, relpath: relpath}
}

func (c HandleCore) Source() Source        { return c.src }
func (c HandleCore) RelativePath() string  { return c.relpath }
func (c HandleCore) Referrer() Handle      { return c.referrer }
func (c HandleCore) Hints() map[string]any { return c.hints }
func (c HandleCore) PresentationURL() string {
	return ""
}

func (c HandleCore) Name() string {
	if n := path.Base(c.relpath); n != "." && n != "/" && n != "" {
		return n
	}
	return "file"
}

func (c HandleCore) GuessType() string { return GuessType(c.Name()) }

// WithReferrer returns a copy of the core pointing at referrer.
func (c HandleCore) WithReferrer(referrer Handle) HandleCore {
	c.referrer = referrer
	return c
}

// WithHintsCore returns a copy of the core carrying a private copy of hints.
func (c HandleCore) WithHintsCore(hints map[string]any) HandleCore {
	if len(hints) == 0 {
		c.hints = nil
	} else {
		c.hints = maps.Clone(hints)
	}
	return c
}

// CensorCore returns a copy of the core whose Source and referrer are
// censored. Hints are dropped.
func (c HandleCore) CensorCore() HandleCore {
	c.src = c.src.Censor()
	if c.referrer != nil {
		c.referrer = c.referrer.Censor()
	}
	c.hints = nil
	return c
}

// CoreJSON is the JSON form of a Handle of type label.
func (c HandleCore) CoreJSON(label string) Object {
	obj := Object{
		"type":   label,
		"source": c.src.ToJSON(),
		"path":   c.relpath,
	}
	if c.referrer != nil {
		obj["referrer"] = c.referrer.ToJSON()
	}
	if len(c.hints) > 0 {
		obj["hints"] = maps.Clone(c.hints)
	}
	return obj
}

var encodingTypes = map[string]string{
	".gz":   "application/gzip",
	".tgz":  "application/gzip",
	".svgz": "application/gzip",
	".bz2":  "application/x-bzip2",
	".tbz2": "application/x-bzip2",
	".xz":   "application/xz",
	".txz":  "application/xz",
}

var extensionTypes = map[string]string{
	".txt":  "text/plain",
	".csv":  "text/csv",
	".html": "text/html",
	".htm":  "text/html",
	".xml":  "application/xml",
	".json": "application/json",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".eml":  "message/rfc822",
	".warc": "application/warc",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".doc":  "application/msword",
	".xls":  "application/vnd.ms-excel",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".odt":  "application/vnd.oasis.opendocument.text",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
}

// GuessType guesses a MIME type from a file name. Compressed names map to
// the type of the compressed form rather than of its content.
func GuessType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	if t, ok := encodingTypes[ext]; ok {
		return t
	}
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}
