package conversions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/os2datascanner/engine/internal/domain/model"
)

// ErrNoConverter is returned by Convert when nothing can produce the
// requested representation for a content type.
var ErrNoConverter = errors.New("no converter registered")

// Result is the output of a converter. Converters that compute several
// representations at once report the siblings in Parent.
type Result struct {
	Value  any
	Parent map[OutputType]any
}

// Converter produces one representation of a Resource. A nil Value means the
// content has no such representation.
type Converter func(ctx context.Context, r model.Resource) (Result, error)

type converterKey struct {
	t    OutputType
	mime string
}

var (
	mu         sync.RWMutex
	converters = map[converterKey]Converter{}
)

// Register makes c the converter of each of the given MIME types to t. With
// no MIME types c becomes the fallback for t. Registering a pair twice
// panics.
func Register(t OutputType, c Converter, mimes ...string) {
	mu.Lock()
	defer mu.Unlock()
	if len(mimes) == 0 {
		mimes = []string{""}
	}
	for _, m := range mimes {
		k := converterKey{t: t, mime: m}
		if _, ok := converters[k]; ok {
			panic(fmt.Sprintf("conversions: two converters registered for (%s, %q)", t, m))
		}
		converters[k] = c
	}
}

// Lookup returns the converter for (t, mime), falling back to the converter
// registered for t alone.
func Lookup(t OutputType, mime string) (Converter, bool) {
	mu.RLock()
	defer mu.RUnlock()
	if c, ok := converters[converterKey{t: t, mime: mime}]; ok {
		return c, true
	}
	c, ok := converters[converterKey{t: t}]
	return c, ok
}

// Convert produces the representation t of r. The content type is computed
// unless mimeOverride is set. A missing converter yields an error wrapping
// ErrNoConverter.
func Convert(ctx context.Context, r model.Resource, t OutputType, mimeOverride string) (Result, error) {
	mime := mimeOverride
	if mime == "" {
		var err error
		if mime, err = r.ComputeType(ctx); err != nil {
			return Result{}, fmt.Errorf("computing content type: %w", err)
		}
	}

	c, ok := Lookup(t, mime)
	if !ok {
		return Result{}, fmt.Errorf("%w for (%s, %s)", ErrNoConverter, t, mime)
	}
	return c(ctx, r)
}
