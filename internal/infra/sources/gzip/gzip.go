// Package gzip implements the derived "gzip" source: the single file
// compressed inside a gzip stream.
package gzip

import (
	"compress/gzip"
	"context"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/os2datascanner/engine/internal/domain/model"
)

const label = "gzip"

func init() {
	model.RegisterSource(label, func(obj model.Object) (model.Source, error) {
		h, err := model.DecodeDerived(obj, "GzipSource")
		if err != nil {
			return nil, err
		}
		return New(h), nil
	})
	model.RegisterHandle(label, model.TypedHandleDecoder("GzipHandle", func(src *Source, p string) model.Handle {
		return NewHandle(src, p)
	}))
	model.RegisterMIMEHandler("application/gzip", func(h model.Handle) model.Source { return New(h) })
	model.RegisterMIMEHandler("application/x-gzip", func(h model.Handle) model.Source { return New(h) })
}

// Source is the decompressed content of a gzip file.
type Source struct {
	model.DerivedSource
}

var _ model.Source = (*Source)(nil)

func New(h model.Handle) *Source { return &Source{DerivedSource: model.NewDerivedSource(h)} }

func (s *Source) Type() string         { return label }
func (s *Source) Censor() model.Source { return New(s.Handle().Censor()) }
func (s *Source) ToJSON() model.Object { return s.DerivedJSON(label) }

func (s *Source) OpenState(context.Context, *model.SourceManager) (model.State, error) {
	return model.NopState, nil
}

// innerName strips the compression suffix from the parent's name.
func (s *Source) innerName() string {
	name := s.Handle().Name()
	switch {
	case strings.HasSuffix(name, ".tgz"):
		return strings.TrimSuffix(name, ".tgz") + ".tar"
	case strings.HasSuffix(name, ".svgz"):
		return strings.TrimSuffix(name, ".svgz") + ".svg"
	case strings.HasSuffix(name, ".gz"):
		return strings.TrimSuffix(name, ".gz")
	}
	return name
}

func (s *Source) Handles(context.Context, *model.SourceManager) iter.Seq2[model.Handle, error] {
	return model.SliceHandles(NewHandle(s, s.innerName()))
}

// Handle is the single file in a gzip stream.
type Handle struct {
	model.HandleCore
}

var _ model.Handle = (*Handle)(nil)

func NewHandle(src *Source, name string) *Handle {
	return &Handle{HandleCore: model.NewHandleCore(src, name)}
}

func (h *Handle) Type() string              { return label }
func (h *Handle) PresentationName() string  { return h.Source().Handle().PresentationName() }
func (h *Handle) PresentationPlace() string { return h.Source().Handle().PresentationPlace() }
func (h *Handle) SortKey() string           { return h.Source().Handle().SortKey() }
func (h *Handle) ToJSON() model.Object      { return h.CoreJSON(label) }

func (h *Handle) Censor() model.Handle {
	c := *h
	c.HandleCore = h.CensorCore()
	return &c
}

func (h *Handle) WithHints(hints map[string]any) model.Handle {
	c := *h
	c.HandleCore = h.WithHintsCore(hints)
	return &c
}

func (h *Handle) Follow(sm *model.SourceManager) (model.Resource, error) {
	parent, err := h.Source().Handle().Follow(sm)
	if err != nil {
		return nil, err
	}
	return &resource{h: h, parent: parent}, nil
}

type resource struct {
	h      *Handle
	parent model.Resource
	size   int64
}

type stream struct {
	*gzip.Reader
	under io.Closer
}

func (s stream) Close() error {
	s.Reader.Close()
	return s.under.Close()
}

func (r *resource) Handle() model.Handle                            { return r.h }
func (r *resource) Check(ctx context.Context) (bool, error)         { return r.parent.Check(ctx) }
func (r *resource) ComputeType(ctx context.Context) (string, error) { return model.ComputeType(ctx, r) }

func (r *resource) open(ctx context.Context) (stream, error) {
	rc, err := r.parent.Open(ctx)
	if err != nil {
		return stream{}, err
	}
	zr, err := gzip.NewReader(rc)
	if err != nil {
		rc.Close()
		return stream{}, err
	}
	// Only the first member is part of this file.
	zr.Multistream(false)
	return stream{Reader: zr, under: rc}, nil
}

func (r *resource) Open(ctx context.Context) (io.ReadCloser, error) { return r.open(ctx) }

// Size decompresses the stream once to count its length.
func (r *resource) Size(ctx context.Context) (int64, error) {
	if r.size > 0 {
		return r.size, nil
	}
	s, err := r.open(ctx)
	if err != nil {
		return 0, err
	}
	defer s.Close()
	n, err := io.Copy(io.Discard, s)
	if err != nil {
		return 0, err
	}
	r.size = n
	return n, nil
}

func (r *resource) LastModified(ctx context.Context) (time.Time, error) {
	s, err := r.open(ctx)
	if err == nil {
		defer s.Close()
		if !s.Header.ModTime.IsZero() {
			return s.Header.ModTime, nil
		}
	}
	return r.parent.LastModified(ctx)
}

func (r *resource) Path(ctx context.Context) (string, func(), error) {
	return model.PathFromStream(ctx, r)
}

func (r *resource) Metadata(ctx context.Context) (map[string]any, error) {
	return model.FileMetadata(ctx, r)
}
