// Package s3 implements the "s3" source over the objects of an S3 bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/os2datascanner/engine/internal/domain/model"
)

const label = "s3"

func init() {
	model.RegisterSource(label, decodeSource)
	model.RegisterHandle(label, model.TypedHandleDecoder("S3Handle", func(src *Source, p string) model.Handle {
		return NewHandle(src, p)
	}))
}

// API is the subset of the S3 client used by this package.
type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Source is the set of objects in a bucket whose keys start with a prefix.
type Source struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string

	// newAPI overrides client construction in tests.
	newAPI func(ctx context.Context) (API, error)
}

var _ model.Source = (*Source)(nil)

func decodeSource(obj model.Object) (model.Source, error) {
	bucket, err := model.StringField(obj, "S3Source", "bucket")
	if err != nil {
		return nil, err
	}
	return &Source{
		Bucket:    bucket,
		Prefix:    model.OptStringField(obj, "prefix"),
		Region:    model.OptStringField(obj, "region"),
		Endpoint:  model.OptStringField(obj, "endpoint"),
		AccessKey: model.OptStringField(obj, "access_key"),
		SecretKey: model.OptStringField(obj, "secret_key"),
	}, nil
}

// WithAPI returns a copy of s that talks to api instead of AWS.
func (s *Source) WithAPI(api API) *Source {
	c := *s
	c.newAPI = func(context.Context) (API, error) { return api, nil }
	return &c
}

func (s *Source) Type() string                   { return label }
func (s *Source) Handle() model.Handle           { return nil }
func (s *Source) YieldsIndependentSources() bool { return false }

// Censor drops the credentials.
func (s *Source) Censor() model.Source {
	c := *s
	c.AccessKey, c.SecretKey = "", ""
	return &c
}

func (s *Source) ToJSON() model.Object {
	obj := model.Object{"type": label, "bucket": s.Bucket, "prefix": s.Prefix}
	for k, v := range map[string]string{
		"region": s.Region, "endpoint": s.Endpoint,
		"access_key": s.AccessKey, "secret_key": s.SecretKey,
	} {
		if v != "" {
			obj[k] = v
		}
	}
	return obj
}

type state struct{ api API }

func (state) Close() error { return nil }

func (s *Source) OpenState(ctx context.Context, _ *model.SourceManager) (model.State, error) {
	if s.newAPI != nil {
		api, err := s.newAPI(ctx)
		if err != nil {
			return nil, err
		}
		return state{api: api}, nil
	}

	var opts []func(*config.LoadOptions) error
	if s.Region != "" {
		opts = append(opts, config.WithRegion(s.Region))
	}
	if s.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var s3Opts []func(*s3.Options)
	if s.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s.Endpoint)
			o.UsePathStyle = true
		})
	}
	return state{api: s3.NewFromConfig(cfg, s3Opts...)}, nil
}

func (s *Source) api(ctx context.Context, sm *model.SourceManager) (API, error) {
	st, err := sm.Open(ctx, s)
	if err != nil {
		return nil, err
	}
	return st.(state).api, nil
}

// Handles pages through the bucket listing. Keys ending in a slash are
// folder markers and are skipped.
func (s *Source) Handles(ctx context.Context, sm *model.SourceManager) iter.Seq2[model.Handle, error] {
	return func(yield func(model.Handle, error) bool) {
		api, err := s.api(ctx, sm)
		if err != nil {
			yield(nil, err)
			return
		}
		in := &s3.ListObjectsV2Input{Bucket: aws.String(s.Bucket)}
		if s.Prefix != "" {
			in.Prefix = aws.String(s.Prefix)
		}
		pages := s3.NewListObjectsV2Paginator(api, in)
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				yield(nil, fmt.Errorf("listing bucket %s: %w", s.Bucket, err))
				return
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if key == "" || strings.HasSuffix(key, "/") {
					continue
				}
				var h model.Handle = NewHandle(s, key)
				if obj.LastModified != nil {
					h = h.WithHints(map[string]any{
						"last_modified": obj.LastModified.Format(model.LastModifiedLayout),
					})
				}
				if !yield(h, nil) {
					return
				}
			}
		}
	}
}

// Handle is one object of a bucket, identified by its key.
type Handle struct {
	model.HandleCore
}

var _ model.Handle = (*Handle)(nil)

func NewHandle(src *Source, key string) *Handle {
	return &Handle{HandleCore: model.NewHandleCore(src, key)}
}

func (h *Handle) source() *Source { return h.Source().(*Source) }

func (h *Handle) Type() string              { return label }
func (h *Handle) PresentationName() string  { return h.Name() }
func (h *Handle) PresentationPlace() string { return "s3://" + h.source().Bucket }
func (h *Handle) SortKey() string           { return h.PresentationPlace() + "/" + h.RelativePath() }
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

type resource struct {
	h    *Handle
	sm   *model.SourceManager
	head *s3.HeadObjectOutput
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func (r *resource) stat(ctx context.Context) (*s3.HeadObjectOutput, error) {
	if r.head != nil {
		return r.head, nil
	}
	api, err := r.h.source().api(ctx, r.sm)
	if err != nil {
		return nil, err
	}
	out, err := api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.h.source().Bucket),
		Key:    aws.String(r.h.RelativePath()),
	})
	if err != nil {
		return nil, err
	}
	r.head = out
	return out, nil
}

func (r *resource) Handle() model.Handle { return r.h }

func (r *resource) Check(ctx context.Context) (bool, error) {
	_, err := r.stat(ctx)
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

func (r *resource) ComputeType(ctx context.Context) (string, error) { return model.ComputeType(ctx, r) }

func (r *resource) Size(ctx context.Context) (int64, error) {
	out, err := r.stat(ctx)
	if err != nil {
		return 0, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (r *resource) LastModified(ctx context.Context) (time.Time, error) {
	if lm, ok := r.h.Hints()["last_modified"].(string); ok {
		if ts, err := time.Parse(model.LastModifiedLayout, lm); err == nil {
			return ts, nil
		}
	}
	out, err := r.stat(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return aws.ToTime(out.LastModified), nil
}

func (r *resource) Open(ctx context.Context) (io.ReadCloser, error) {
	api, err := r.h.source().api(ctx, r.sm)
	if err != nil {
		return nil, err
	}
	out, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.h.source().Bucket),
		Key:    aws.String(r.h.RelativePath()),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (r *resource) Path(ctx context.Context) (string, func(), error) {
	return model.PathFromStream(ctx, r)
}

func (r *resource) Metadata(ctx context.Context) (map[string]any, error) {
	return model.FileMetadata(ctx, r)
}
