// Package data implements the "data" source: a single object whose content
// travels inline in the source's JSON form.
package data

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strings"
	"time"

	"github.com/os2datascanner/engine/internal/domain/model"
)

const label = "data"

func init() {
	model.RegisterSource(label, decodeSource)
	model.RegisterHandle(label, model.TypedHandleDecoder("DataHandle", func(src *Source, p string) model.Handle {
		return NewHandle(src, p)
	}))
}

// ErrNoContent is returned when exploring a censored data source.
var ErrNoContent = errors.New("can't explore a data source with no content")

// Source holds its content in memory.
type Source struct {
	content []byte
	mime    string
	name    string
}

var _ model.Source = (*Source)(nil)

// New returns a data Source. An empty mime defaults to
// application/octet-stream.
func New(content []byte, mime, name string) *Source {
	if mime == "" {
		mime = "application/octet-stream"
	}
	return &Source{content: content, mime: mime, name: name}
}

// FromURL builds a Source from a data: URL.
func FromURL(raw string) (*Source, error) {
	mime, content, err := UnpackURL(raw)
	if err != nil {
		return nil, err
	}
	return New(content, mime, ""), nil
}

func (s *Source) Type() string                   { return label }
func (s *Source) MIME() string                   { return s.mime }
func (s *Source) Name() string                   { return s.name }
func (s *Source) Content() []byte                { return s.content }
func (s *Source) Handle() model.Handle           { return nil }
func (s *Source) YieldsIndependentSources() bool { return false }

func (s *Source) Handles(context.Context, *model.SourceManager) iter.Seq2[model.Handle, error] {
	if len(s.content) == 0 {
		return model.ErrHandles(ErrNoContent)
	}
	n := s.name
	if n == "" {
		n = "file"
	}
	return model.SliceHandles(NewHandle(s, n))
}

func (s *Source) OpenState(context.Context, *model.SourceManager) (model.State, error) {
	return model.NopState, nil
}

// Censor drops the content.
func (s *Source) Censor() model.Source { return &Source{mime: s.mime, name: s.name} }

func (s *Source) ToJSON() model.Object {
	obj := model.Object{"type": label, "mime": s.mime, "content": nil, "name": nil}
	if len(s.content) > 0 {
		obj["content"] = base64.StdEncoding.EncodeToString(s.content)
	}
	if s.name != "" {
		obj["name"] = s.name
	}
	return obj
}

func decodeSource(obj model.Object) (model.Source, error) {
	mime, err := model.StringField(obj, "DataSource", "mime")
	if err != nil {
		return nil, err
	}
	var content []byte
	if enc := model.OptStringField(obj, "content"); enc != "" {
		if content, err = base64.StdEncoding.DecodeString(enc); err != nil {
			return nil, &model.DeserialisationError{Kind: "DataSource", Field: "content", Err: err}
		}
	}
	return New(content, mime, model.OptStringField(obj, "name")), nil
}

// Handle points at the content of a data Source.
type Handle struct {
	model.HandleCore
}

var _ model.Handle = (*Handle)(nil)

func NewHandle(src *Source, p string) *Handle {
	return &Handle{HandleCore: model.NewHandleCore(src, p)}
}

func (h *Handle) source() *Source { return h.Source().(*Source) }

func (h *Handle) Type() string { return label }

func (h *Handle) Name() string {
	if n := h.source().name; n != "" {
		return n
	}
	return h.HandleCore.Name()
}

func (h *Handle) GuessType() string         { return h.source().mime }
func (h *Handle) SortKey() string           { return h.Name() }
func (h *Handle) PresentationPlace() string { return "(embedded)" }

func (h *Handle) PresentationName() string {
	if n := h.source().name; n != "" {
		return n
	}
	return fmt.Sprintf("(anonymous file of type %s)", h.GuessType())
}

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

func (h *Handle) ToJSON() model.Object { return h.CoreJSON(label) }

func (h *Handle) Follow(*model.SourceManager) (model.Resource, error) {
	return &resource{h: h, modified: time.Now()}, nil
}

type resource struct {
	h        *Handle
	modified time.Time
}

func (r *resource) Handle() model.Handle                        { return r.h }
func (r *resource) Check(context.Context) (bool, error)         { return true, nil }
func (r *resource) ComputeType(context.Context) (string, error) { return r.h.source().mime, nil }

func (r *resource) Size(context.Context) (int64, error) {
	return int64(len(r.h.source().content)), nil
}

func (r *resource) LastModified(context.Context) (time.Time, error) { return r.modified, nil }

func (r *resource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(r.h.source().content)), nil
}

func (r *resource) Path(ctx context.Context) (string, func(), error) {
	return model.PathFromStream(ctx, r)
}

func (r *resource) Metadata(ctx context.Context) (map[string]any, error) {
	return model.FileMetadata(ctx, r)
}

// UnpackURL decodes a URL of the form data:[mimetype][;base64],content. The
// MIME type defaults to text/plain.
func UnpackURL(raw string) (string, []byte, error) {
	_, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL: %q", raw)
	}
	lead, content, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data URL has no content separator")
	}

	mime, isBase64 := "text/plain", false
	if strings.HasSuffix(lead, ";base64") {
		isBase64 = true
		lead = strings.TrimSuffix(lead, ";base64")
	}
	if lead != "" {
		mime = lead
	}

	content, err := url.PathUnescape(content)
	if err != nil {
		return "", nil, fmt.Errorf("unescaping data URL: %w", err)
	}
	if !isBase64 {
		return mime, []byte(content), nil
	}
	b, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", nil, fmt.Errorf("decoding data URL: %w", err)
	}
	return mime, b, nil
}
