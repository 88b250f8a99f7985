package model

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource records opens and closes into a shared journal.
type fakeSource struct {
	Name     string
	Parent   Handle
	FailOpen bool
	journal  *[]string
	indep    bool
}

func (s *fakeSource) Type() string { return "fake" }
func (s *fakeSource) Handles(context.Context, *SourceManager) iter.Seq2[Handle, error] {
	return SliceHandles(newFakeHandle(s, "a.txt"), newFakeHandle(s, "b.txt"))
}
func (s *fakeSource) Censor() Source                 { c := *s; return &c }
func (s *fakeSource) YieldsIndependentSources() bool { return s.indep }
func (s *fakeSource) Handle() Handle                 { return s.Parent }
func (s *fakeSource) OpenState(ctx context.Context, sm *SourceManager) (State, error) {
	if s.Parent != nil {
		if _, err := sm.Open(ctx, s.Parent.Source()); err != nil {
			return nil, err
		}
	}
	if s.FailOpen {
		return nil, errors.New("cannot open " + s.Name)
	}
	if s.journal != nil {
		*s.journal = append(*s.journal, "open "+s.Name)
	}
	return StateFunc(func() error {
		if s.journal != nil {
			*s.journal = append(*s.journal, "close "+s.Name)
		}
		return nil
	}), nil
}
func (s *fakeSource) ToJSON() Object {
	obj := Object{"type": "fake", "name": s.Name}
	if s.Parent != nil {
		obj["handle"] = s.Parent.ToJSON()
	}
	return obj
}

type fakeHandle struct{ HandleCore }

func newFakeHandle(src Source, p string) *fakeHandle {
	return &fakeHandle{HandleCore: NewHandleCore(src, p)}
}

func (h *fakeHandle) Type() string                            { return "fake" }
func (h *fakeHandle) Follow(*SourceManager) (Resource, error) { return nil, ErrNotSupported }
func (h *fakeHandle) Censor() Handle                          { c := *h; c.HandleCore = c.CensorCore(); return &c }
func (h *fakeHandle) PresentationName() string                { return h.Name() }
func (h *fakeHandle) PresentationPlace() string               { return "fake" }
func (h *fakeHandle) SortKey() string                         { return DefaultSortKey(h) }
func (h *fakeHandle) ToJSON() Object                          { return h.CoreJSON("fake") }
func (h *fakeHandle) WithHints(m map[string]any) Handle {
	c := *h
	c.HandleCore = c.WithHintsCore(m)
	return &c
}

func init() {
	RegisterSource("fake", func(obj Object) (Source, error) {
		name, err := StringField(obj, "FakeSource", "name")
		if err != nil {
			return nil, err
		}
		s := &fakeSource{Name: name}
		if ho, ok := obj["handle"].(map[string]any); ok {
			if s.Parent, err = HandleFromJSON(ho); err != nil {
				return nil, err
			}
		}
		return s, nil
	})
	RegisterHandle("fake", StockHandleDecoder("FakeHandle", func(src Source, p string) Handle {
		return newFakeHandle(src, p)
	}))
}

func TestSourceManagerOpenIsCached(t *testing.T) {
	var journal []string
	sm := NewSourceManager(3)
	src := &fakeSource{Name: "root", journal: &journal}

	st1, err := sm.Open(context.Background(), src)
	require.NoError(t, err)
	st2, err := sm.Open(context.Background(), &fakeSource{Name: "root"})
	require.NoError(t, err)

	assert.NotNil(t, st1)
	assert.NotNil(t, st2)
	assert.Equal(t, []string{"open root"}, journal)
	assert.True(t, sm.Contains(src))

	require.NoError(t, sm.Close(src))
	require.NoError(t, sm.Close(src), "closing twice is a no-op")
	assert.Equal(t, []string{"open root", "close root"}, journal)
}

func TestSourceManagerClosesDescendantsFirst(t *testing.T) {
	var journal []string
	root := &fakeSource{Name: "root", journal: &journal}
	child := &fakeSource{Name: "child", Parent: newFakeHandle(root, "x.zip"), journal: &journal}
	grandchild := &fakeSource{Name: "grandchild", Parent: newFakeHandle(child, "y.zip"), journal: &journal}

	sm := NewSourceManager(3)
	_, err := sm.Open(context.Background(), grandchild)
	require.NoError(t, err)
	assert.Equal(t, []string{"open root", "open child", "open grandchild"}, journal)

	require.NoError(t, sm.Close(root))
	assert.Equal(t, []string{
		"open root", "open child", "open grandchild",
		"close grandchild", "close child", "close root",
	}, journal)

	opens, closes := sm.Stats()
	assert.Equal(t, opens, closes)
}

func TestSourceManagerEvictsLeastRecentlyUsedSibling(t *testing.T) {
	var journal []string
	root := &fakeSource{Name: "root", journal: &journal}
	sm := NewSourceManager(2)
	ctx := context.Background()

	child := func(n string) *fakeSource {
		return &fakeSource{Name: n, Parent: newFakeHandle(root, n), journal: &journal}
	}

	_, err := sm.Open(ctx, child("a"))
	require.NoError(t, err)
	_, err = sm.Open(ctx, child("b"))
	require.NoError(t, err)
	// Touch a so that b becomes the least recently used.
	_, err = sm.Open(ctx, child("a"))
	require.NoError(t, err)
	_, err = sm.Open(ctx, child("c"))
	require.NoError(t, err)

	assert.True(t, sm.Contains(child("a")))
	assert.False(t, sm.Contains(child("b")))
	assert.True(t, sm.Contains(child("c")))
	assert.Contains(t, journal, "close b")
}

func TestSourceManagerFailedOpenReleasesDescriptor(t *testing.T) {
	sm := NewSourceManager(3)
	bad := &fakeSource{Name: "bad", FailOpen: true}

	_, err := sm.Open(context.Background(), bad)
	require.Error(t, err)
	assert.False(t, sm.Contains(bad))
}

func TestSourceManagerClearBalancesOpensAndCloses(t *testing.T) {
	var journal []string
	sm := NewSourceManager(4)
	ctx := context.Background()
	for _, n := range []string{"one", "two", "three"} {
		root := &fakeSource{Name: n, journal: &journal}
		_, err := sm.Open(ctx, &fakeSource{Name: n + "-child", Parent: newFakeHandle(root, "f"), journal: &journal})
		require.NoError(t, err)
	}

	require.NoError(t, sm.ClearDependents())
	assert.True(t, sm.Contains(&fakeSource{Name: "one"}))
	assert.False(t, sm.Contains(&fakeSource{Name: "one-child", Parent: newFakeHandle(&fakeSource{Name: "one"}, "f")}))

	require.NoError(t, sm.Clear())
	opens, closes := sm.Stats()
	assert.Equal(t, 6, opens)
	assert.Equal(t, opens, closes)
}

func TestSourceRoundTripAndEquality(t *testing.T) {
	root := &fakeSource{Name: "root"}
	derived := &fakeSource{Name: "inner", Parent: newFakeHandle(root, "dir/a.zip")}

	got, err := SourceFromJSON(derived.ToJSON())
	require.NoError(t, err)
	assert.True(t, SourceEqual(derived, got))
	assert.False(t, SourceEqual(root, got))
}

func TestSourceFromJSONUnknownType(t *testing.T) {
	_, err := SourceFromJSON(Object{"type": "gopher"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.Equal(t, "Unknown scheme 'gopher'", err.Error())

	_, err = SourceFromJSON(Object{"name": "x"})
	var de *DeserialisationError
	assert.ErrorAs(t, err, &de)
}

func TestHandleHintsRoundTripButNotIdentity(t *testing.T) {
	h := newFakeHandle(&fakeSource{Name: "root"}, "docs/report.txt").
		WithHints(map[string]any{"fresh": true})

	got, err := HandleFromJSON(h.ToJSON())
	require.NoError(t, err)
	assert.Equal(t, true, got.Hints()["fresh"])
	assert.True(t, HandleEqual(h, got.WithHints(nil)))
	assert.Equal(t, "report.txt", got.Name())

	stripped := StripHints(h.ToJSON())
	assert.NotContains(t, stripped, "hints")
}

func TestBaseHandleStopsBelowIndependentSources(t *testing.T) {
	account := &fakeSource{Name: "account", indep: true}
	mailbox := &fakeSource{Name: "mailbox", Parent: newFakeHandle(account, "user1")}
	mail := newFakeHandle(mailbox, "inbox/1")

	assert.Equal(t, HandleKey(mail), HandleKey(BaseHandle(mail)))

	file := &fakeSource{Name: "files"}
	archive := &fakeSource{Name: "zip", Parent: newFakeHandle(file, "a.zip")}
	entry := newFakeHandle(archive, "inner.txt")
	assert.Equal(t, "a.zip", BaseHandle(entry).RelativePath())
}

func TestGuessType(t *testing.T) {
	tests := map[string]string{
		"report.txt":  "text/plain",
		"doc.pdf.gz":  "application/gzip",
		"archive.zip": "application/zip",
		"letter.docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"README":      "application/octet-stream",
		"data.tbz2":   "application/x-bzip2",
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want, GuessType(name))
		})
	}
}

type memResource struct {
	h    Handle
	data string
	md   map[string]any
}

func (r *memResource) Handle() Handle                                  { return r.h }
func (r *memResource) Check(context.Context) (bool, error)             { return true, nil }
func (r *memResource) ComputeType(ctx context.Context) (string, error) { return ComputeType(ctx, r) }
func (r *memResource) Size(context.Context) (int64, error)             { return int64(len(r.data)), nil }
func (r *memResource) LastModified(context.Context) (time.Time, error) {
	return time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC), nil
}
func (r *memResource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(r.data)), nil
}
func (r *memResource) Path(ctx context.Context) (string, func(), error) {
	return PathFromStream(ctx, r)
}
func (r *memResource) Metadata(context.Context) (map[string]any, error) { return r.md, nil }

func TestComputeTypePrefersSpecificGuess(t *testing.T) {
	ctx := context.Background()
	r := &memResource{h: newFakeHandle(&fakeSource{Name: "r"}, "page.csv"), data: "a,b\n1,2\n"}
	got, err := r.ComputeType(ctx)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", got)

	r = &memResource{h: newFakeHandle(&fakeSource{Name: "r"}, "blob"), data: "plain words"}
	got, err = r.ComputeType(ctx)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", got)
}

func TestFileMetadataAndPathFromStream(t *testing.T) {
	ctx := context.Background()
	r := &memResource{h: newFakeHandle(&fakeSource{Name: "r"}, "x.txt"), data: "content"}

	md, err := FileMetadata(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "2020-01-02T03:04:05+0000", md["last-modified"])

	p, release, err := r.Path(ctx)
	require.NoError(t, err)
	defer release()
	assert.NotEmpty(t, p)
}
