// Package model defines the source, handle and resource abstractions the
// pipeline traverses, together with the registries that map their JSON type
// labels back to concrete implementations.
package model

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
)

// Source is a serialisable reference to a data origin that produces Handles.
// Sources are value objects: two Sources with equal JSON forms are equal.
type Source interface {
	// Type returns the label identifying JSON forms of this Source.
	Type() string
	// Handles lazily enumerates the objects below this Source. A yielded
	// *HandleError reports a per-object failure and exploration continues;
	// any other error ends the sequence.
	Handles(ctx context.Context, sm *SourceManager) iter.Seq2[Handle, error]
	// Censor returns a copy of this Source without credentials.
	Censor() Source
	// YieldsIndependentSources reports whether the children of this Source
	// are not meaningfully co-located (one mailbox per user, for example).
	YieldsIndependentSources() bool
	// Handle returns the parent Handle of a derived Source, nil otherwise.
	Handle() Handle
	// OpenState produces the connection state cached by a SourceManager.
	OpenState(ctx context.Context, sm *SourceManager) (State, error)
	ToJSON() Object
}

// State is the opaque value produced by opening a Source.
type State interface {
	Close() error
}

type nopState struct{}

func (nopState) Close() error { return nil }

// NopState is a State holding nothing.
var NopState State = nopState{}

// StateFunc adapts a close function to State.
type StateFunc func() error

func (f StateFunc) Close() error { return f() }

// SourceDecoder reconstructs a Source from its JSON form.
type SourceDecoder func(obj Object) (Source, error)

// MIMEHandler builds a derived Source from a Handle whose content has a given
// MIME type.
type MIMEHandler func(h Handle) Source

var (
	registryMu     sync.RWMutex
	sourceDecoders = map[string]SourceDecoder{}
	handleDecoders = map[string]HandleDecoder{}
	mimeHandlers   = map[string]MIMEHandler{}
)

// RegisterSource associates a type label with a decoder. It panics on a
// duplicate label, so registration belongs in package init functions.
func RegisterSource(label string, dec SourceDecoder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := sourceDecoders[label]; ok {
		panic(fmt.Sprintf("model: source type %q registered twice", label))
	}
	sourceDecoders[label] = dec
}

// RegisterMIMEHandler makes Handles whose content has the given MIME type
// reinterpretable as derived Sources.
func RegisterMIMEHandler(mime string, h MIMEHandler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := mimeHandlers[mime]; ok {
		panic(fmt.Sprintf("model: MIME handler for %q registered twice", mime))
	}
	mimeHandlers[mime] = h
}

// SourceTypes lists the registered Source type labels.
func SourceTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(sourceDecoders))
	for k := range sourceDecoders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SourceFromJSON reconstructs a Source from its JSON form.
func SourceFromJSON(obj Object) (Source, error) {
	if obj == nil {
		return nil, &DeserialisationError{Kind: "Source", Field: "type"}
	}
	label, err := StringField(obj, "Source", "type")
	if err != nil {
		return nil, err
	}
	registryMu.RLock()
	dec, ok := sourceDecoders[label]
	registryMu.RUnlock()
	if !ok {
		return nil, &UnknownTypeError{Label: label}
	}
	return dec(obj)
}

// SourceKey returns the identity of s: its canonical JSON form.
func SourceKey(s Source) string {
	if s == nil {
		return "null"
	}
	return CanonicalJSON(s.ToJSON())
}

// SourceEqual reports whether a and b denote the same Source.
func SourceEqual(a, b Source) bool { return SourceKey(a) == SourceKey(b) }

// SourceFromHandle reinterprets the object behind h as a derived Source. The
// content type is computed through sm when one is given and guessed from the
// name otherwise. It returns nil, nil when no derived Source applies.
func SourceFromHandle(ctx context.Context, h Handle, sm *SourceManager) (Source, error) {
	mime := h.GuessType()
	if sm != nil {
		r, err := h.Follow(sm)
		if err != nil {
			return nil, err
		}
		if mime, err = r.ComputeType(ctx); err != nil {
			return nil, err
		}
	}

	registryMu.RLock()
	ctor, ok := mimeHandlers[mime]
	registryMu.RUnlock()
	if !ok {
		return nil, nil
	}
	return ctor(h), nil
}

// DerivedSource is embedded by Sources built from the content of a Handle.
type DerivedSource struct {
	handle Handle
}

// NewDerivedSource returns the embeddable core of a derived Source.
func NewDerivedSource(h Handle) DerivedSource { return DerivedSource{handle: h} }

func (d DerivedSource) Handle() Handle { return d.handle }

func (d DerivedSource) YieldsIndependentSources() bool { return false }

// DerivedJSON is the JSON form shared by derived Sources.
func (d DerivedSource) DerivedJSON(label string) Object {
	return Object{"type": label, "handle": d.handle.ToJSON()}
}

// DecodeDerived extracts the parent Handle of a derived Source's JSON form.
func DecodeDerived(obj Object, kind string) (Handle, error) {
	ho, err := ObjectField(obj, kind, "handle")
	if err != nil {
		return nil, err
	}
	return HandleFromJSON(ho)
}

// SliceHandles adapts a fixed list of Handles to a handle sequence.
func SliceHandles(hs ...Handle) iter.Seq2[Handle, error] {
	return func(yield func(Handle, error) bool) {
		for _, h := range hs {
			if !yield(h, nil) {
				return
			}
		}
	}
}

// ErrHandles is a handle sequence yielding only err.
func ErrHandles(err error) iter.Seq2[Handle, error] {
	return func(yield func(Handle, error) bool) { yield(nil, err) }
}
