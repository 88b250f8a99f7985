// Package mail implements the derived "mail" source, which exposes the body
// and attachments of an RFC 822 message as separate objects.
package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/os2datascanner/engine/internal/domain/model"
)

const (
	label     = "mail"
	partLabel = "mail-part"
)

func init() {
	model.RegisterSource(label, func(obj model.Object) (model.Source, error) {
		h, err := model.DecodeDerived(obj, "MailSource")
		if err != nil {
			return nil, err
		}
		return New(h), nil
	})
	model.RegisterHandle(partLabel, decodeHandle)
	model.RegisterMIMEHandler("message/rfc822", func(h model.Handle) model.Source { return New(h) })
}

// Source is the MIME structure of a mail message.
type Source struct {
	model.DerivedSource
}

var _ model.Source = (*Source)(nil)

func New(h model.Handle) *Source { return &Source{DerivedSource: model.NewDerivedSource(h)} }

func (s *Source) Type() string         { return label }
func (s *Source) Censor() model.Source { return New(s.Handle().Censor()) }
func (s *Source) ToJSON() model.Object { return s.DerivedJSON(label) }

// part is one node of a parsed message.
type part struct {
	mediaType string
	filename  string
	body      []byte
	children  []*part
}

type state struct{ root *part }

func (state) Close() error { return nil }

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

	msg, err := mail.ReadMessage(rc)
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	root, err := parsePart(textproto.MIMEHeader(msg.Header), msg.Body)
	if err != nil {
		return nil, err
	}
	return state{root: root}, nil
}

var wordDecoder = new(mime.WordDecoder)

func parsePart(h textproto.MIMEHeader, body io.Reader) (*part, error) {
	mt, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		mt, params = "text/plain", map[string]string{}
	}
	p := &part{mediaType: mt}

	if strings.HasPrefix(mt, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			child, err := mr.NextRawPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("reading message part: %w", err)
			}
			cp, err := parsePart(child.Header, child)
			if err != nil {
				return nil, err
			}
			p.children = append(p.children, cp)
		}
		return p, nil
	}

	if _, dp, err := mime.ParseMediaType(h.Get("Content-Disposition")); err == nil && dp["filename"] != "" {
		p.filename = dp["filename"]
	} else {
		p.filename = params["name"]
	}
	if dec, err := wordDecoder.DecodeHeader(p.filename); err == nil {
		p.filename = dec
	}

	switch strings.ToLower(h.Get("Content-Transfer-Encoding")) {
	case "base64":
		body = base64.NewDecoder(base64.StdEncoding, body)
	case "quoted-printable":
		body = quotedprintable.NewReader(body)
	}
	if p.body, err = io.ReadAll(body); err != nil {
		return nil, fmt.Errorf("decoding message part: %w", err)
	}
	return p, nil
}

func isTextBody(parts []*part) bool {
	return len(parts) == 2 && parts[0].mediaType == "text/plain" && parts[1].mediaType == "text/html"
}

// Handles yields one Handle per leaf part. Of a multipart/alternative text
// body only the HTML rendition is scanned.
func (s *Source) Handles(ctx context.Context, sm *model.SourceManager) iter.Seq2[model.Handle, error] {
	return func(yield func(model.Handle, error) bool) {
		st, err := sm.Open(ctx, s)
		if err != nil {
			yield(nil, err)
			return
		}

		var walk func(prefix []string, p *part) bool
		walk = func(prefix []string, p *part) bool {
			if strings.HasPrefix(p.mediaType, "multipart/") {
				if p.mediaType == "multipart/alternative" && isTextBody(p.children) {
					return walk(append(prefix, "1"), p.children[1])
				}
				for i, c := range p.children {
					if !walk(append(prefix[:len(prefix):len(prefix)], strconv.Itoa(i)), c) {
						return false
					}
				}
				return true
			}
			full := strings.Join(append(prefix[:len(prefix):len(prefix)], p.filename), "/")
			return yield(NewHandle(s, full, p.mediaType), nil)
		}
		walk(nil, st.(state).root)
	}
}

// Handle is a body or attachment of a message.
type Handle struct {
	model.HandleCore
	mime string
}

var _ model.Handle = (*Handle)(nil)

func NewHandle(src *Source, relpath, mime string) *Handle {
	return &Handle{HandleCore: model.NewHandleCore(src, relpath), mime: mime}
}

func decodeHandle(obj model.Object) (model.Handle, error) {
	so, err := model.ObjectField(obj, "MailPartHandle", "source")
	if err != nil {
		return nil, err
	}
	src, err := model.SourceFromJSON(so)
	if err != nil {
		return nil, err
	}
	ms, ok := src.(*Source)
	if !ok {
		return nil, &model.DeserialisationError{Kind: "MailPartHandle", Field: "source"}
	}
	p, err := model.StringField(obj, "MailPartHandle", "path")
	if err != nil {
		return nil, err
	}
	mt, err := model.StringField(obj, "MailPartHandle", "mime")
	if err != nil {
		return nil, err
	}
	return NewHandle(ms, p, mt), nil
}

func (h *Handle) Type() string { return partLabel }

func (h *Handle) attachmentName() string { return path.Base(h.RelativePath()) }

func (h *Handle) PresentationName() string {
	container := h.Source().Handle().PresentationName()
	if n := h.attachmentName(); n != "" && n != "." && !strings.HasSuffix(h.RelativePath(), "/") {
		return fmt.Sprintf("attachment %q in %s", n, container)
	}
	return container
}

func (h *Handle) PresentationPlace() string { return h.Source().Handle().PresentationPlace() }
func (h *Handle) SortKey() string           { return h.Source().Handle().SortKey() }

func (h *Handle) GuessType() string {
	if h.mime != "application/octet-stream" {
		return h.mime
	}
	return h.HandleCore.GuessType()
}

func (h *Handle) ToJSON() model.Object {
	obj := h.CoreJSON(partLabel)
	obj["mime"] = h.mime
	return obj
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

var errNoPart = errors.New("no such message part")

type resource struct {
	h  *Handle
	sm *model.SourceManager
	p  *part
}

func (r *resource) fragment(ctx context.Context) (*part, error) {
	if r.p != nil {
		return r.p, nil
	}
	st, err := r.sm.Open(ctx, r.h.Source())
	if err != nil {
		return nil, err
	}
	where := st.(state).root
	segs := strings.Split(r.h.RelativePath(), "/")
	for _, seg := range segs[:len(segs)-1] {
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(where.children) {
			return nil, fmt.Errorf("%w: %s", errNoPart, r.h.RelativePath())
		}
		where = where.children[idx]
	}
	r.p = where
	return where, nil
}

func (r *resource) Handle() model.Handle { return r.h }

func (r *resource) Check(ctx context.Context) (bool, error) {
	_, err := r.fragment(ctx)
	if errors.Is(err, errNoPart) {
		return false, nil
	}
	return err == nil, err
}

func (r *resource) ComputeType(ctx context.Context) (string, error) { return model.ComputeType(ctx, r) }

func (r *resource) Size(ctx context.Context) (int64, error) {
	p, err := r.fragment(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(p.body)), nil
}

func (r *resource) LastModified(ctx context.Context) (time.Time, error) {
	parent, err := r.h.Source().Handle().Follow(r.sm)
	if err != nil {
		return time.Time{}, err
	}
	return parent.LastModified(ctx)
}

func (r *resource) Open(ctx context.Context) (io.ReadCloser, error) {
	p, err := r.fragment(ctx)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(p.body)), nil
}

func (r *resource) Path(ctx context.Context) (string, func(), error) {
	return model.PathFromStream(ctx, r)
}

func (r *resource) Metadata(ctx context.Context) (map[string]any, error) {
	return model.FileMetadata(ctx, r)
}
