package sources_test

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/internal/infra/sources/data"
	"github.com/os2datascanner/engine/internal/infra/sources/file"
	gzipsrc "github.com/os2datascanner/engine/internal/infra/sources/gzip"
	mailsrc "github.com/os2datascanner/engine/internal/infra/sources/mail"
	s3src "github.com/os2datascanner/engine/internal/infra/sources/s3"
	"github.com/os2datascanner/engine/internal/infra/sources/web"
	zipsrc "github.com/os2datascanner/engine/internal/infra/sources/zip"
)

func collect(t *testing.T, src model.Source, sm *model.SourceManager) []model.Handle {
	t.Helper()
	var out []model.Handle
	for h, err := range src.Handles(context.Background(), sm) {
		require.NoError(t, err)
		out = append(out, h)
	}
	return out
}

func mustFile(t *testing.T, dir string) *file.Source {
	t.Helper()
	src, err := file.New(dir)
	require.NoError(t, err)
	return src
}

func TestSourcesRoundTripAndCensor(t *testing.T) {
	dir := t.TempDir()
	fs := mustFile(t, dir)
	ws, err := web.New("https://example.com/", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		src    model.Source
		secret string
	}{
		{name: "file", src: fs},
		{name: "data", src: data.New([]byte("hello"), "text/plain", "hello.txt"), secret: "content"},
		{name: "web", src: ws},
		{name: "s3", src: &s3src.Source{Bucket: "b", Prefix: "p/", AccessKey: "AK", SecretKey: "SK"}, secret: "secret_key"},
		{name: "zip", src: zipsrc.New(file.NewHandle(fs, "a.zip"))},
		{name: "gzip", src: gzipsrc.New(file.NewHandle(fs, "a.txt.gz"))},
		{name: "mail", src: mailsrc.New(file.NewHandle(fs, "m.eml"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := model.SourceFromJSON(tt.src.ToJSON())
			require.NoError(t, err)
			assert.True(t, model.SourceEqual(tt.src, got))

			if tt.secret != "" {
				censored := tt.src.Censor().ToJSON()
				assert.Nil(t, censored[tt.secret])
			}
		})
	}
}

func TestFileSourceWalksTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("bb"), 0o644))

	sm := model.NewSourceManager(3)
	defer sm.Clear()

	hs := collect(t, mustFile(t, dir), sm)
	var paths []string
	for _, h := range hs {
		paths = append(paths, h.RelativePath())
	}
	assert.ElementsMatch(t, []string{"a.txt", "sub/b.txt"}, paths)

	r, err := hs[0].Follow(sm)
	require.NoError(t, err)
	ok, err := r.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	md, err := r.Metadata(context.Background())
	require.NoError(t, err)
	assert.Contains(t, md, "last-modified")
}

func TestFileCheckReportsMissing(t *testing.T) {
	h, err := file.HandleFor(filepath.Join(t.TempDir(), "gone.txt"))
	require.NoError(t, err)

	r, err := h.Follow(model.NewSourceManager(3))
	require.NoError(t, err)
	ok, err := r.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDataSourceRequiresContent(t *testing.T) {
	src := data.New(nil, "text/plain", "")
	for _, err := range src.Handles(context.Background(), model.NewSourceManager(1)) {
		assert.ErrorIs(t, err, data.ErrNoContent)
	}
}

func TestUnpackDataURL(t *testing.T) {
	tests := []struct {
		url     string
		mime    string
		content string
	}{
		{"data:,Hello%2C%20World", "text/plain", "Hello, World"},
		{"data:text/html;base64,PGI+aGk8L2I+", "text/html", "<b>hi</b>"},
		{"data:;base64,VGVzdGluZwo=", "text/plain", "Testing\n"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			mime, content, err := data.UnpackURL(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.mime, mime)
			assert.Equal(t, tt.content, string(content))
		})
	}
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	_, err := zw.Create("empty-dir/")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestZipSourceFromHandle(t *testing.T) {
	dir := t.TempDir()
	writeZip(t, filepath.Join(dir, "bundle.zip"), map[string]string{
		"one.txt":     "first",
		"nested/2.md": "second",
	})

	sm := model.NewSourceManager(3)
	defer sm.Clear()
	ctx := context.Background()

	derived, err := model.SourceFromHandle(ctx, file.NewHandle(mustFile(t, dir), "bundle.zip"), sm)
	require.NoError(t, err)
	require.IsType(t, &zipsrc.Source{}, derived)

	hs := collect(t, derived, sm)
	require.Len(t, hs, 2)

	for _, h := range hs {
		r, err := h.Follow(sm)
		require.NoError(t, err)
		body, err := model.ReadAll(ctx, r)
		require.NoError(t, err)
		assert.NotEmpty(t, body)
	}

	missing := zipsrc.NewHandle(derived.(*zipsrc.Source), "nope.txt")
	r, err := missing.Follow(sm)
	require.NoError(t, err)
	ok, err := r.Check(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, sm.Clear())
	opens, closes := sm.Stats()
	assert.Equal(t, opens, closes)
}

func TestGzipSourceDecompresses(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("compressed words"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt.gz"), buf.Bytes(), 0o644))

	sm := model.NewSourceManager(3)
	src := gzipsrc.New(file.NewHandle(mustFile(t, dir), "notes.txt.gz"))
	hs := collect(t, src, sm)
	require.Len(t, hs, 1)
	assert.Equal(t, "notes.txt", hs[0].Name())
	assert.Equal(t, "text/plain", hs[0].GuessType())

	r, err := hs[0].Follow(sm)
	require.NoError(t, err)
	body, err := model.ReadAll(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "compressed words", string(body))

	size, err := r.Size(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, len("compressed words"), size)
}

const multipartMail = "From: a@example.com\r\n" +
	"To: b@example.com\r\n" +
	"Subject: =?utf-8?q?M=C3=B8de?=\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=OUTER\r\n" +
	"\r\n" +
	"--OUTER\r\n" +
	"Content-Type: multipart/alternative; boundary=INNER\r\n" +
	"\r\n" +
	"--INNER\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"plain body\r\n" +
	"--INNER\r\n" +
	"Content-Type: text/html\r\n" +
	"\r\n" +
	"<p>html body</p>\r\n" +
	"--INNER--\r\n" +
	"--OUTER\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Disposition: attachment; filename=\"notes.txt\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"c2VjcmV0IG5vdGVz\r\n" +
	"--OUTER--\r\n"

func TestMailSourceYieldsBodyAndAttachments(t *testing.T) {
	src := data.New([]byte(multipartMail), "message/rfc822", "m.eml")
	parent := collect(t, src, model.NewSourceManager(3))[0]

	sm := model.NewSourceManager(3)
	derived, err := model.SourceFromHandle(context.Background(), parent, sm)
	require.NoError(t, err)
	require.IsType(t, &mailsrc.Source{}, derived)

	hs := collect(t, derived, sm)
	require.Len(t, hs, 2)

	byPath := map[string]model.Handle{}
	for _, h := range hs {
		byPath[h.RelativePath()] = h
	}
	require.Contains(t, byPath, "0/1/")
	require.Contains(t, byPath, "1/notes.txt")
	assert.Equal(t, "text/html", byPath["0/1/"].GuessType())
	assert.Equal(t, `attachment "notes.txt" in m.eml`, byPath["1/notes.txt"].PresentationName())

	r, err := byPath["1/notes.txt"].Follow(sm)
	require.NoError(t, err)
	body, err := model.ReadAll(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "secret notes", string(body))

	got, err := model.HandleFromJSON(byPath["1/notes.txt"].ToJSON())
	require.NoError(t, err)
	assert.True(t, model.HandleEqual(byPath["1/notes.txt"], got))
}

func TestWebSourceCrawlsSameSite(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<a href="/page">page</a><a href="https://elsewhere.example/">x</a>`))
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="/">home</a><img src="/logo.png">`))
	})
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src, err := web.New(srv.URL+"/", "")
	require.NoError(t, err)
	sm := model.NewSourceManager(3, model.WithConfiguration(map[string]any{web.ConfigRPS: float64(0)}))

	hs := collect(t, src, sm)
	var urls []string
	for _, h := range hs {
		urls = append(urls, h.PresentationURL())
	}
	assert.ElementsMatch(t, []string{srv.URL + "/", srv.URL + "/page", srv.URL + "/logo.png"}, urls)

	for _, h := range hs {
		if h.RelativePath() == "logo.png" {
			assert.Equal(t, "image/png", h.GuessType())
			require.NotNil(t, h.Referrer())
			assert.Equal(t, srv.URL+"/page", h.Referrer().PresentationURL())
		}
	}
}

type fakeBucket map[string]string

func (b fakeBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for k := range b {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{
				Key:          aws.String(k),
				LastModified: aws.Time(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
			})
		}
	}
	return out, nil
}

func (b fakeBucket) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	v, ok := b[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(v)))}, nil
}

func (b fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	v, ok := b[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(v))}, nil
}

func TestS3SourceListsAndReadsObjects(t *testing.T) {
	bucket := fakeBucket{
		"docs/":         "",
		"docs/a.txt":    "alpha",
		"docs/sub/b.md": "beta",
		"other/c.txt":   "gamma",
	}
	src := (&s3src.Source{Bucket: "files", Prefix: "docs/"}).WithAPI(bucket)
	sm := model.NewSourceManager(3)
	ctx := context.Background()

	hs := collect(t, src, sm)
	var keys []string
	for _, h := range hs {
		keys = append(keys, h.RelativePath())
		assert.Equal(t, "s3://files", h.PresentationPlace())
	}
	assert.ElementsMatch(t, []string{"docs/a.txt", "docs/sub/b.md"}, keys)

	r, err := s3src.NewHandle(src, "docs/a.txt").Follow(sm)
	require.NoError(t, err)
	size, err := r.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
	body, err := model.ReadAll(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(body))

	gone, err := s3src.NewHandle(src, "docs/missing.txt").Follow(sm)
	require.NoError(t, err)
	ok, err := gone.Check(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
