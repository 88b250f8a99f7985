// Package zip implements the derived "zip" source over ZIP archives.
package zip

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/os2datascanner/engine/internal/domain/model"
)

const label = "zip"

func init() {
	model.RegisterSource(label, func(obj model.Object) (model.Source, error) {
		h, err := model.DecodeDerived(obj, "ZipSource")
		if err != nil {
			return nil, err
		}
		return New(h), nil
	})
	model.RegisterHandle(label, model.TypedHandleDecoder("ZipHandle", func(src *Source, p string) model.Handle {
		return NewHandle(src, p)
	}))
	model.RegisterMIMEHandler("application/zip", func(h model.Handle) model.Source { return New(h) })
}

// Source is the content of a ZIP archive.
type Source struct {
	model.DerivedSource
}

var _ model.Source = (*Source)(nil)

func New(h model.Handle) *Source { return &Source{DerivedSource: model.NewDerivedSource(h)} }

func (s *Source) Type() string         { return label }
func (s *Source) Censor() model.Source { return New(s.Handle().Censor()) }
func (s *Source) ToJSON() model.Object { return s.DerivedJSON(label) }

type state struct {
	zr      *zip.ReadCloser
	release func()
}

func (st *state) Close() error {
	defer st.release()
	return st.zr.Close()
}

func (s *Source) OpenState(ctx context.Context, sm *model.SourceManager) (model.State, error) {
	r, err := s.Handle().Follow(sm)
	if err != nil {
		return nil, err
	}
	p, release, err := r.Path(ctx)
	if err != nil {
		return nil, err
	}
	zr, err := zip.OpenReader(p)
	if err != nil {
		release()
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	return &state{zr: zr, release: release}, nil
}

func (s *Source) open(ctx context.Context, sm *model.SourceManager) (*zip.Reader, error) {
	st, err := sm.Open(ctx, s)
	if err != nil {
		return nil, err
	}
	return &st.(*state).zr.Reader, nil
}

// Handles lists the archive's files. Encrypted members are skipped since
// nothing can be read from them.
func (s *Source) Handles(ctx context.Context, sm *model.SourceManager) iter.Seq2[model.Handle, error] {
	return func(yield func(model.Handle, error) bool) {
		zr, err := s.open(ctx, sm)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, f := range zr.File {
			if f.Flags&0x1 != 0 || f.FileInfo().IsDir() {
				continue
			}
			if !yield(NewHandle(s, f.Name), nil) {
				return
			}
		}
	}
}

// Handle is a member of an archive.
type Handle struct {
	model.HandleCore
}

var _ model.Handle = (*Handle)(nil)

func NewHandle(src *Source, name string) *Handle {
	return &Handle{HandleCore: model.NewHandleCore(src, name)}
}

func (h *Handle) Type() string              { return label }
func (h *Handle) PresentationName() string  { return h.RelativePath() }
func (h *Handle) PresentationPlace() string { return model.String(h.Source().Handle()) }
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
	return &resource{h: h, sm: sm}, nil
}

var errNoMember = errors.New("no such archive member")

type resource struct {
	h  *Handle
	sm *model.SourceManager
	f  *zip.File
}

func (r *resource) member(ctx context.Context) (*zip.File, error) {
	if r.f != nil {
		return r.f, nil
	}
	zr, err := r.h.Source().(*Source).open(ctx, r.sm)
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		if f.Name == r.h.RelativePath() {
			r.f = f
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errNoMember, r.h.RelativePath())
}

func (r *resource) Handle() model.Handle { return r.h }

func (r *resource) Check(ctx context.Context) (bool, error) {
	_, err := r.member(ctx)
	if errors.Is(err, errNoMember) {
		return false, nil
	}
	return err == nil, err
}

func (r *resource) ComputeType(ctx context.Context) (string, error) { return model.ComputeType(ctx, r) }

func (r *resource) Size(ctx context.Context) (int64, error) {
	f, err := r.member(ctx)
	if err != nil {
		return 0, err
	}
	return int64(f.UncompressedSize64), nil
}

func (r *resource) LastModified(ctx context.Context) (time.Time, error) {
	f, err := r.member(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return f.Modified, nil
}

func (r *resource) Open(ctx context.Context) (io.ReadCloser, error) {
	f, err := r.member(ctx)
	if err != nil {
		return nil, err
	}
	return f.Open()
}

func (r *resource) Path(ctx context.Context) (string, func(), error) {
	return model.PathFromStream(ctx, r)
}

func (r *resource) Metadata(ctx context.Context) (map[string]any, error) {
	return model.FileMetadata(ctx, r)
}
