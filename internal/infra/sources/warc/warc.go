// Package warc implements the derived "warc" source, which exposes the HTTP
// responses archived in a WARC file as separate objects.
package warc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/nlnwa/gowarc/v2"

	"github.com/os2datascanner/engine/internal/domain/model"
)

const label = "warc"

func init() {
	model.RegisterSource(label, func(obj model.Object) (model.Source, error) {
		h, err := model.DecodeDerived(obj, "WarcSource")
		if err != nil {
			return nil, err
		}
		return New(h), nil
	})
	model.RegisterHandle(label, model.TypedHandleDecoder("WarcHandle", func(src *Source, p string) model.Handle {
		return NewHandle(src, p)
	}))
	model.RegisterMIMEHandler("application/warc", func(h model.Handle) model.Source { return New(h) })
}

// Source is the set of response records in a WARC file.
type Source struct {
	model.DerivedSource
}

var _ model.Source = (*Source)(nil)

func New(h model.Handle) *Source { return &Source{DerivedSource: model.NewDerivedSource(h)} }

func (s *Source) Type() string         { return label }
func (s *Source) Censor() model.Source { return New(s.Handle().Censor()) }
func (s *Source) ToJSON() model.Object { return s.DerivedJSON(label) }

// record is the decoded payload of one archived response.
type record struct {
	uri         string
	contentType string
	date        time.Time
	payload     []byte
}

type archive struct {
	records []*record
	byURI   map[string]*record
}

func (*archive) Close() error { return nil }

func (s *Source) OpenState(ctx context.Context, sm *model.SourceManager) (model.State, error) {
	r, err := s.Handle().Follow(sm)
	if err != nil {
		return nil, err
	}
	rc, err := r.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readArchive(ctx, rc)
}

func readArchive(ctx context.Context, input io.Reader) (*archive, error) {
	wr, err := gowarc.NewWarcFileReaderFromStream(input, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create WARC reader: %w", err)
	}
	defer wr.Close()

	a := &archive{byURI: map[string]*record{}}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, _, _, err := wr.Next()
		if errors.Is(err, io.EOF) {
			return a, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read WARC record: %w", err)
		}
		if rec.Type() != gowarc.Response {
			rec.Close()
			continue
		}

		entry, err := decodeResponse(rec)
		rec.Close()
		if err != nil {
			return nil, err
		}
		if _, dup := a.byURI[entry.uri]; dup {
			continue
		}
		a.records = append(a.records, entry)
		a.byURI[entry.uri] = entry
	}
}

func decodeResponse(rec gowarc.WarcRecord) (*record, error) {
	raw, err := rec.Block().RawBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to get record body: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(raw), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse archived response: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archived response: %w", err)
	}

	entry := &record{
		uri:         rec.WarcHeader().Get(gowarc.WarcTargetURI),
		contentType: model.BareMIME(resp.Header.Get("Content-Type")),
		payload:     payload,
	}
	if d, err := time.Parse(time.RFC3339, rec.WarcHeader().Get(gowarc.WarcDate)); err == nil {
		entry.date = d
	}
	return entry, nil
}

func (s *Source) open(ctx context.Context, sm *model.SourceManager) (*archive, error) {
	st, err := sm.Open(ctx, s)
	if err != nil {
		return nil, err
	}
	return st.(*archive), nil
}

func (s *Source) Handles(ctx context.Context, sm *model.SourceManager) iter.Seq2[model.Handle, error] {
	return func(yield func(model.Handle, error) bool) {
		a, err := s.open(ctx, sm)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, rec := range a.records {
			h := NewHandle(s, rec.uri)
			if rec.contentType != "" {
				h = h.WithHints(map[string]any{"content_type": rec.contentType}).(*Handle)
			}
			if !yield(h, nil) {
				return
			}
		}
	}
}

// Handle is one archived response, identified by its target URI.
type Handle struct {
	model.HandleCore
}

var _ model.Handle = (*Handle)(nil)

func NewHandle(src *Source, uri string) *Handle {
	return &Handle{HandleCore: model.NewHandleCore(src, uri)}
}

func (h *Handle) Type() string              { return label }
func (h *Handle) PresentationName() string  { return h.RelativePath() }
func (h *Handle) PresentationPlace() string { return model.String(h.Source().Handle()) }
func (h *Handle) PresentationURL() string   { return h.RelativePath() }
func (h *Handle) SortKey() string           { return h.Source().Handle().SortKey() + "/" + h.RelativePath() }
func (h *Handle) ToJSON() model.Object      { return h.CoreJSON(label) }

func (h *Handle) GuessType() string {
	if ct, ok := h.Hints()["content_type"].(string); ok && ct != "" {
		return ct
	}
	return h.HandleCore.GuessType()
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

func (h *Handle) Follow(sm *model.SourceManager) (model.Resource, error) {
	return &resource{h: h, sm: sm}, nil
}

type resource struct {
	h   *Handle
	sm  *model.SourceManager
	rec *record
}

func (r *resource) lookup(ctx context.Context) (*record, bool, error) {
	if r.rec != nil {
		return r.rec, true, nil
	}
	a, err := r.h.Source().(*Source).open(ctx, r.sm)
	if err != nil {
		return nil, false, err
	}
	rec, ok := a.byURI[r.h.RelativePath()]
	r.rec = rec
	return rec, ok, nil
}

func (r *resource) get(ctx context.Context) (*record, error) {
	rec, ok, err := r.lookup(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no archived response for %s", r.h.RelativePath())
	}
	return rec, nil
}

func (r *resource) Handle() model.Handle { return r.h }

func (r *resource) Check(ctx context.Context) (bool, error) {
	_, ok, err := r.lookup(ctx)
	return ok, err
}

func (r *resource) ComputeType(ctx context.Context) (string, error) {
	rec, err := r.get(ctx)
	if err != nil {
		return "", err
	}
	if rec.contentType != "" {
		return rec.contentType, nil
	}
	return model.ComputeType(ctx, r)
}

func (r *resource) Size(ctx context.Context) (int64, error) {
	rec, err := r.get(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(rec.payload)), nil
}

func (r *resource) LastModified(ctx context.Context) (time.Time, error) {
	rec, err := r.get(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return rec.date, nil
}

func (r *resource) Open(ctx context.Context) (io.ReadCloser, error) {
	rec, err := r.get(ctx)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(rec.payload)), nil
}

func (r *resource) Path(ctx context.Context) (string, func(), error) {
	return model.PathFromStream(ctx, r)
}

func (r *resource) Metadata(ctx context.Context) (map[string]any, error) {
	return model.FileMetadata(ctx, r)
}
