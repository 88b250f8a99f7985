// Package web implements the "web" source, which crawls the pages of a site
// below a base URL.
package web

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/pkg/common"
)

const label = "web"

// Configuration keys read from the SourceManager.
const (
	ConfigTimeout = "http_timeout"
	ConfigRPS     = "http_rps"
)

const (
	defaultTimeout = 30 * time.Second
	defaultRPS     = 10
)

func init() {
	model.RegisterSource(label, func(obj model.Object) (model.Source, error) {
		u, err := model.StringField(obj, "WebSource", "url")
		if err != nil {
			return nil, err
		}
		return New(u, model.OptStringField(obj, "sitemap"))
	})
	model.RegisterHandle(label, decodeHandle)
}

// Source is a web site below a base URL, optionally seeded from a sitemap.
type Source struct {
	url     string
	sitemap string
}

var _ model.Source = (*Source)(nil)

// New returns a web Source. The base URL must use http or https.
func New(base, sitemap string) (*Source, error) {
	if !strings.HasPrefix(base, "http:") && !strings.HasPrefix(base, "https:") {
		return nil, fmt.Errorf("%q is not an HTTP URL", base)
	}
	return &Source{url: base, sitemap: sitemap}, nil
}

func (s *Source) Type() string                   { return label }
func (s *Source) URL() string                    { return s.url }
func (s *Source) Censor() model.Source           { return s }
func (s *Source) Handle() model.Handle           { return nil }
func (s *Source) YieldsIndependentSources() bool { return false }

func (s *Source) ToJSON() model.Object {
	obj := model.Object{"type": label, "url": s.url, "sitemap": nil}
	if s.sitemap != "" {
		obj["sitemap"] = s.sitemap
	}
	return obj
}

// session is the open state of a web Source.
type session struct {
	client  *resty.Client
	limiter *common.RateLimiter
}

func (*session) Close() error { return nil }

func (s *Source) OpenState(_ context.Context, sm *model.SourceManager) (model.State, error) {
	timeout, rps := defaultTimeout, float64(defaultRPS)
	cfg := sm.Configuration()
	if v, ok := cfg[ConfigTimeout].(time.Duration); ok && v > 0 {
		timeout = v
	}
	if v, ok := cfg[ConfigRPS].(float64); ok {
		rps = v
	}
	return &session{
		client:  common.NewHTTPClient(timeout, false),
		limiter: common.NewRateLimiter(rps, 1),
	}, nil
}

func (s *Source) session(ctx context.Context, sm *model.SourceManager) (*session, error) {
	st, err := sm.Open(ctx, s)
	if err != nil {
		return nil, err
	}
	return st.(*session), nil
}

// request performs one paced request.
func (ss *session) request(ctx context.Context, method, u string) (*resty.Response, error) {
	if err := ss.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return ss.client.R().SetContext(ctx).Execute(method, u)
}

// Handles crawls the site breadth-first. Only pages below the base URL are
// followed; each Handle remembers the page that first linked to it.
func (s *Source) Handles(ctx context.Context, sm *model.SourceManager) iter.Seq2[model.Handle, error] {
	return func(yield func(model.Handle, error) bool) {
		ss, err := s.session(ctx, sm)
		if err != nil {
			yield(nil, err)
			return
		}

		root := NewHandle(s, "")
		queue := []*Handle{root}
		known := map[string]struct{}{root.url(): {}}

		enqueue := func(referrer *Handle, here, link string, hints map[string]any) {
			next, ok := s.resolve(here, link)
			if !ok {
				return
			}
			if _, seen := known[next]; seen {
				return
			}
			known[next] = struct{}{}
			h := NewHandle(s, strings.TrimPrefix(next, s.url))
			if referrer != nil {
				// Keep one level of referrer so Handles stay small.
				ref := *referrer
				ref.HandleCore = ref.WithReferrer(nil).WithHintsCore(nil)
				h.HandleCore = h.WithReferrer(&ref)
			}
			if len(hints) > 0 {
				h.HandleCore = h.WithHintsCore(hints)
			}
			queue = append(queue, h)
		}

		if s.sitemap != "" {
			entries, err := readSitemap(ctx, ss, s.sitemap)
			if err != nil {
				if !yield(nil, &model.HandleError{Handle: root, Err: err}) {
					return
				}
			}
			for _, e := range entries {
				var hints map[string]any
				if !e.lastModified.IsZero() {
					hints = map[string]any{"last_modified": e.lastModified.Format(model.LastModifiedLayout)}
				}
				enqueue(nil, s.url, e.loc, hints)
			}
		}

		for len(queue) > 0 {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			here := queue[0]
			queue = queue[1:]

			resp, err := ss.request(ctx, http.MethodHead, here.url())
			if err != nil {
				if !yield(nil, &model.HandleError{Handle: here, Err: err}) {
					return
				}
				continue
			}
			switch code := resp.StatusCode(); {
			case code == http.StatusOK:
				ct := model.BareMIME(resp.Header().Get("Content-Type"))
				if ct == "text/html" {
					page, err := ss.request(ctx, http.MethodGet, here.url())
					if err == nil && page.StatusCode() == http.StatusOK {
						for _, link := range outlinks(page.Body(), here.url()) {
							enqueue(here, here.url(), link, nil)
						}
					}
				}
				if ct != "" {
					hints := map[string]any{"content_type": ct}
					for k, v := range here.Hints() {
						hints[k] = v
					}
					here.HandleCore = here.WithHintsCore(hints)
				}
			case code >= 300 && code < 400:
				if loc := resp.Header().Get("Location"); loc != "" {
					enqueue(here.referrer(), here.url(), loc, here.Hints())
				}
				continue
			}

			if !yield(here, nil) {
				return
			}
		}
	}
}

// resolve makes link absolute against here and reports whether it lies below
// the Source's base URL. Fragments are dropped.
func (s *Source) resolve(here, link string) (string, bool) {
	base, err := url.Parse(here)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	abs.Fragment = ""
	next := abs.String()
	return next, strings.HasPrefix(next, s.url)
}

// Handle is one page or file of a site, relative to the base URL.
type Handle struct {
	model.HandleCore
}

var _ model.Handle = (*Handle)(nil)

func NewHandle(src *Source, relpath string) *Handle {
	return &Handle{HandleCore: model.NewHandleCore(src, relpath)}
}

func decodeHandle(obj model.Object) (model.Handle, error) {
	so, err := model.ObjectField(obj, "WebHandle", "source")
	if err != nil {
		return nil, err
	}
	src, err := model.SourceFromJSON(so)
	if err != nil {
		return nil, err
	}
	ws, ok := src.(*Source)
	if !ok {
		return nil, &model.DeserialisationError{Kind: "WebHandle", Field: "source"}
	}
	p, err := model.StringField(obj, "WebHandle", "path")
	if err != nil {
		return nil, err
	}
	h := NewHandle(ws, p)
	if ro, ok := obj["referrer"].(map[string]any); ok {
		ref, err := model.HandleFromJSON(ro)
		if err != nil {
			return nil, err
		}
		h.HandleCore = h.WithReferrer(ref)
	}
	return h, nil
}

func (h *Handle) url() string { return h.Source().(*Source).url + h.RelativePath() }

func (h *Handle) referrer() *Handle {
	r, _ := h.Referrer().(*Handle)
	return r
}

func (h *Handle) Type() string             { return label }
func (h *Handle) PresentationName() string { return h.url() }
func (h *Handle) PresentationURL() string  { return h.url() }
func (h *Handle) SortKey() string          { return h.url() }
func (h *Handle) ToJSON() model.Object     { return h.CoreJSON(label) }

func (h *Handle) PresentationPlace() string {
	if u, err := url.Parse(h.url()); err == nil {
		return u.Host
	}
	return h.Source().(*Source).url
}

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
	h    *Handle
	sm   *model.SourceManager
	head *resty.Response
}

func (r *resource) session(ctx context.Context) (*session, error) {
	return r.h.Source().(*Source).session(ctx, r.sm)
}

func (r *resource) fetchHead(ctx context.Context) (*resty.Response, error) {
	if r.head != nil {
		return r.head, nil
	}
	ss, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := ss.request(ctx, http.MethodHead, r.h.url())
	if err != nil {
		return nil, err
	}
	r.head = resp
	return resp, nil
}

// header returns the HEAD response, failing on error statuses.
func (r *resource) header(ctx context.Context) (http.Header, error) {
	resp, err := r.fetchHead(ctx)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("HEAD %s: %s", r.h.url(), resp.Status())
	}
	return resp.Header(), nil
}

func (r *resource) Handle() model.Handle { return r.h }

func (r *resource) Check(ctx context.Context) (bool, error) {
	resp, err := r.fetchHead(ctx)
	if err != nil {
		return false, err
	}
	code := resp.StatusCode()
	return code != http.StatusNotFound && code != http.StatusGone, nil
}

func (r *resource) ComputeType(ctx context.Context) (string, error) {
	if ct, ok := r.h.Hints()["content_type"].(string); ok && ct != "" {
		return ct, nil
	}
	hdr, err := r.header(ctx)
	if err != nil {
		return "", err
	}
	if ct := model.BareMIME(hdr.Get("Content-Type")); ct != "" {
		return ct, nil
	}
	return "application/octet-stream", nil
}

func (r *resource) Size(ctx context.Context) (int64, error) {
	hdr, err := r.header(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	if cl := hdr.Get("Content-Length"); cl != "" {
		fmt.Sscan(cl, &n)
	}
	return n, nil
}

func (r *resource) LastModified(ctx context.Context) (time.Time, error) {
	if lm, ok := r.h.Hints()["last_modified"].(string); ok {
		if ts, err := time.Parse(model.LastModifiedLayout, lm); err == nil {
			return ts, nil
		}
	}
	hdr, err := r.header(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if lm := hdr.Get("Last-Modified"); lm != "" {
		if ts, err := http.ParseTime(lm); err == nil {
			return ts, nil
		}
	}
	return time.Now(), nil
}

func (r *resource) Open(ctx context.Context) (io.ReadCloser, error) {
	ss, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := ss.request(ctx, http.MethodGet, r.h.url())
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("GET %s: %s", r.h.url(), resp.Status())
	}
	return io.NopCloser(bytes.NewReader(resp.Body())), nil
}

func (r *resource) Path(ctx context.Context) (string, func(), error) {
	return model.PathFromStream(ctx, r)
}

func (r *resource) Metadata(ctx context.Context) (map[string]any, error) {
	md, err := model.FileMetadata(ctx, r)
	if u, perr := url.Parse(r.h.Source().(*Source).url); perr == nil {
		md["web-domain"] = u.Host
	}
	return md, err
}
