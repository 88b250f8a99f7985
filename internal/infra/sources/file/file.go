// Package file implements the "file" source over a local directory tree.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/os2datascanner/engine/internal/domain/model"
)

const label = "file"

func init() {
	model.RegisterSource(label, func(obj model.Object) (model.Source, error) {
		p, err := model.StringField(obj, "FilesystemSource", "path")
		if err != nil {
			return nil, err
		}
		return New(p)
	})
	model.RegisterHandle(label, model.TypedHandleDecoder("FilesystemHandle", func(src *Source, p string) model.Handle {
		return NewHandle(src, p)
	}))
}

// Source is a directory tree rooted at an absolute path.
type Source struct {
	path string
}

var _ model.Source = (*Source)(nil)

// New returns a Source rooted at path, which must be absolute.
func New(path string) (*Source, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("path %s is not absolute", path)
	}
	return &Source{path: path}, nil
}

// HandleFor returns a Handle pointing at the file at path.
func HandleFor(path string) (*Handle, error) {
	dir, name := filepath.Split(path)
	if name == "" {
		return nil, errors.New("filesystem handles must have a non-empty path")
	}
	src, err := New(filepath.Clean(dir))
	if err != nil {
		return nil, err
	}
	return NewHandle(src, name), nil
}

func (s *Source) Type() string                   { return label }
func (s *Source) Path() string                   { return s.path }
func (s *Source) Censor() model.Source           { return s }
func (s *Source) Handle() model.Handle           { return nil }
func (s *Source) YieldsIndependentSources() bool { return false }
func (s *Source) ToJSON() model.Object           { return model.Object{"type": label, "path": s.path} }

// OpenState has nothing to hold: relative paths resolve against the root.
func (s *Source) OpenState(context.Context, *model.SourceManager) (model.State, error) {
	return model.NopState, nil
}

// Handles walks the tree lazily. Directories that cannot be read are
// skipped.
func (s *Source) Handles(ctx context.Context, _ *model.SourceManager) iter.Seq2[model.Handle, error] {
	return func(yield func(model.Handle, error) bool) {
		stop := errors.New("stop")
		err := filepath.WalkDir(s.path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrPermission) && p != s.path {
					return fs.SkipDir
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(s.path, p)
			if err != nil {
				return err
			}
			if !yield(NewHandle(s, filepath.ToSlash(rel)), nil) {
				return stop
			}
			return nil
		})
		if err != nil && !errors.Is(err, stop) {
			yield(nil, err)
		}
	}
}

// Handle is a file below a Source's root.
type Handle struct {
	model.HandleCore
}

var _ model.Handle = (*Handle)(nil)

func NewHandle(src *Source, relpath string) *Handle {
	return &Handle{HandleCore: model.NewHandleCore(src, relpath)}
}

func (h *Handle) fullPath() string {
	return filepath.Join(h.Source().(*Source).path, filepath.FromSlash(h.RelativePath()))
}

func (h *Handle) Type() string              { return label }
func (h *Handle) PresentationName() string  { return filepath.Base(h.fullPath()) }
func (h *Handle) PresentationPlace() string { return filepath.Dir(h.fullPath()) }
func (h *Handle) SortKey() string           { return h.fullPath() }
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

func (h *Handle) Follow(*model.SourceManager) (model.Resource, error) {
	return &Resource{h: h, path: h.fullPath()}, nil
}

// Resource is an open view of a local file. It is also used by derived
// sources that unpack their content to disk.
type Resource struct {
	h    model.Handle
	path string
	info os.FileInfo
}

var _ model.Resource = (*Resource)(nil)

// NewResource returns a Resource for h backed by the file at path.
func NewResource(h model.Handle, path string) *Resource {
	return &Resource{h: h, path: path}
}

func (r *Resource) stat() (os.FileInfo, error) {
	if r.info == nil {
		info, err := os.Stat(r.path)
		if err != nil {
			return nil, err
		}
		r.info = info
	}
	return r.info, nil
}

func (r *Resource) Handle() model.Handle { return r.h }

func (r *Resource) Check(context.Context) (bool, error) {
	_, err := os.Stat(r.path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (r *Resource) ComputeType(ctx context.Context) (string, error) { return model.ComputeType(ctx, r) }

func (r *Resource) Size(context.Context) (int64, error) {
	info, err := r.stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (r *Resource) LastModified(context.Context) (time.Time, error) {
	info, err := r.stat()
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (r *Resource) Open(context.Context) (io.ReadCloser, error) { return os.Open(r.path) }

func (r *Resource) Path(context.Context) (string, func(), error) {
	return r.path, func() {}, nil
}

func (r *Resource) Metadata(ctx context.Context) (map[string]any, error) {
	md, err := model.FileMetadata(ctx, r)
	if err != nil {
		return md, err
	}
	info, err := r.stat()
	if err != nil {
		return md, err
	}
	if uid, ok := ownerUID(info); ok {
		md["filesystem-owner-uid"] = uid
	}
	return md, nil
}
