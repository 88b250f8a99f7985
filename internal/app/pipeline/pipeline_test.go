package pipeline_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/os2datascanner/engine/internal/app/pipeline"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/internal/domain/rules"
	"github.com/os2datascanner/engine/internal/domain/scanstatus"
	_ "github.com/os2datascanner/engine/internal/infra/sources/all"
	"github.com/os2datascanner/engine/internal/infra/sources/data"
	"github.com/os2datascanner/engine/internal/infra/sources/file"
	"github.com/os2datascanner/engine/pkg/common/logger"
	"github.com/os2datascanner/engine/pkg/common/otel"
)

func newDeps() pipeline.Deps {
	return pipeline.Deps{
		SourceManager: model.NewSourceManager(3),
		Retrier:       pipeline.NewRetrier(5*time.Second, 1),
		Logger:        logger.Noop(),
		Tracer:        otel.NoopTracer(),
	}
}

func scanTag() messages.ScanTag {
	return messages.NewScanTag(
		time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC),
		messages.Scanner{PK: 3, Name: "Test scanner"},
		messages.Organisation{Name: "Vejstrand Kommune"},
	)
}

func specFor(src model.Source, rule rules.Rule) messages.ScanSpec {
	return messages.ScanSpec{ScanTag: scanTag(), Source: src, Rule: rule, Configuration: map[string]any{}}
}

// wire re-encodes a body the way the broker would deliver it.
func wire(t *testing.T, body model.Object) model.Object {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	obj, err := messages.DecodeObject(b)
	require.NoError(t, err)
	return obj
}

// bus routes messages between the separate stages until only messages for
// queues no stage reads from remain. It returns those by queue, along with
// every message published on the way.
type bus struct {
	stages    map[string]pipeline.MessageHandler
	final     map[string][]model.Object
	published map[string][]model.Object
}

func newBus(deps pipeline.Deps) *bus {
	return &bus{
		stages: map[string]pipeline.MessageHandler{
			messages.QueueScanSpecs:       pipeline.NewExplorer(deps),
			messages.QueueConversions:     pipeline.NewProcessor(deps),
			messages.QueueRepresentations: pipeline.NewMatcher(deps),
			messages.QueueHandles:         pipeline.NewTagger(deps),
		},
		final:     map[string][]model.Object{},
		published: map[string][]model.Object{},
	}
}

func (b *bus) run(t *testing.T, queue string, body model.Object) {
	t.Helper()
	pending := []pipeline.Output{{Queue: queue, Body: body}}
	for steps := 0; len(pending) > 0; steps++ {
		require.Less(t, steps, 1000, "message loop did not settle")
		next := pending[0]
		pending = pending[1:]

		msg := wire(t, next.Body)
		b.published[next.Queue] = append(b.published[next.Queue], msg)
		stage, ok := b.stages[next.Queue]
		if !ok {
			b.final[next.Queue] = append(b.final[next.Queue], msg)
			continue
		}
		outs, err := pipeline.Collect(context.Background(), stage, msg, next.Queue)
		require.NoError(t, err)
		pending = append(pending, outs...)
	}
}

func onlyMatches(t *testing.T, objs []model.Object) messages.MatchesMessage {
	t.Helper()
	require.Len(t, objs, 1)
	mm, err := messages.MatchesFromJSON(objs[0])
	require.NoError(t, err)
	return mm
}

func matchTexts(mm messages.MatchesMessage) []string {
	var out []string
	for _, f := range mm.Matches {
		for _, m := range f.Matches {
			if s, ok := m["match"].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func zipOf(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func docx(t *testing.T, text string) []byte {
	t.Helper()
	return zipOf(t, map[string][]byte{
		"[Content_Types].xml": []byte(`<?xml version="1.0"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"></Types>`),
		"word/document.xml": []byte(`<?xml version="1.0"?>` +
			`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">` +
			`<w:body><w:p><w:r><w:t>` + text + `</w:t></w:r></w:p></w:body></w:document>`),
	})
}

func TestBareCPRMatch(t *testing.T) {
	t.Parallel()

	src := data.New([]byte("Vejstrand Kommune. CPR 2205995008 forbryder"), "text/plain", "note.txt")
	spec := specFor(src, rules.NewCPRRule(rules.WithModulus11(true), rules.WithIgnoreIrrelevant(true)))

	b := newBus(newDeps())
	b.run(t, messages.QueueScanSpecs, spec.ToJSON())

	mm := onlyMatches(t, b.final[messages.QueueMatches])
	assert.True(t, mm.Matched)
	require.Len(t, mm.Matches, 1)
	require.Len(t, mm.Matches[0].Matches, 1)

	match := mm.Matches[0].Matches[0]
	assert.Equal(t, "2205XXXXXX", match["match"])
	assert.EqualValues(t, 1.0, match["probability"])
	assert.EqualValues(t, rules.Critical, match["sensitivity"])

	assert.Len(t, b.final[messages.QueueCheckups], 1, "conclusions are also sent for checkup bookkeeping")
	assert.Len(t, b.final[messages.QueueMetadata], 1, "a positive conclusion asks for metadata")
	assert.Empty(t, b.final[messages.QueueProblems])
}

func TestBlacklistSuppressesCPR(t *testing.T) {
	t.Parallel()

	src := data.New([]byte("P-nr. 2205995008 Vejstrand Kommune. CPR 2205995008 forbryder"), "text/plain", "note.txt")
	spec := specFor(src, rules.NewCPRRule(rules.WithModulus11(true), rules.WithIgnoreIrrelevant(true)))

	b := newBus(newDeps())
	b.run(t, messages.QueueScanSpecs, spec.ToJSON())

	mm := onlyMatches(t, b.final[messages.QueueMatches])
	assert.False(t, mm.Matched)
	assert.Empty(t, matchTexts(mm))
	assert.Empty(t, b.final[messages.QueueMetadata])
}

func TestDerivedSourceRecursion(t *testing.T) {
	t.Parallel()

	archive := zipOf(t, map[string][]byte{"letter.docx": docx(t, "Kristjan Evil, David Jensen")})
	src := data.New(archive, "application/zip", "letters.zip")
	spec := specFor(src, rules.NewNameRule(nil, nil))

	b := newBus(newDeps())
	b.run(t, messages.QueueScanSpecs, spec.ToJSON())

	assert.Len(t, b.published[messages.QueueScanSpecs], 2, "the archive is explored as a derived source")
	assert.Len(t, b.published[messages.QueueConversions], 2)
	assert.Empty(t, b.final[messages.QueueProblems])

	mm := onlyMatches(t, b.final[messages.QueueMatches])
	assert.True(t, mm.Matched)
	assert.Contains(t, matchTexts(mm), "David Jensen")
	assert.Equal(t, "letter.docx", mm.Handle.RelativePath())

	require.Len(t, b.final[messages.QueueStatus], 2)
	status := scanstatus.New(spec.ScanTag, 1, spec.ScanTag.Time)
	for _, obj := range b.final[messages.QueueStatus] {
		msg, err := messages.StatusFromJSON(obj)
		require.NoError(t, err)
		status.Apply(msg, spec.ScanTag.Time)
	}
	assert.Equal(t, 2, status.TotalSources, "the derived source is added to the total")
	assert.Equal(t, 2, status.ExploredSources)
	explored, ok := status.FractionExplored()
	require.True(t, ok)
	assert.Equal(t, 1.0, explored)
}

func TestMissingResource(t *testing.T) {
	t.Parallel()

	src, err := file.New(t.TempDir())
	require.NoError(t, err)
	spec := specFor(src, rules.MustRegexRule("secret"))
	conv := messages.ConversionMessage{
		ScanSpec: spec,
		Handle:   file.NewHandle(src, "gone.txt"),
		Progress: rules.ProgressFragment{Rule: spec.Rule},
	}

	outs, err := pipeline.Collect(context.Background(), pipeline.NewProcessor(newDeps()), wire(t, conv.ToJSON()), messages.QueueConversions)
	require.NoError(t, err)

	require.Len(t, outs, 2)
	queues := []string{outs[0].Queue, outs[1].Queue}
	assert.ElementsMatch(t, []string{messages.QueueProblems, messages.QueueCheckups}, queues)
	for _, o := range outs {
		pm, err := messages.ProblemFromJSON(wire(t, o.Body))
		require.NoError(t, err)
		assert.True(t, pm.Missing)
		assert.Equal(t, "gone.txt", pm.Handle.RelativePath())
	}
}

func TestExplorerStatusTotals(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600))
	}
	src, err := file.New(dir)
	require.NoError(t, err)

	outs, err := pipeline.Collect(context.Background(), pipeline.NewExplorer(newDeps()),
		wire(t, specFor(src, rules.MustRegexRule("x")).ToJSON()), messages.QueueScanSpecs)
	require.NoError(t, err)

	var conversions int
	for _, o := range outs[:len(outs)-1] {
		assert.Equal(t, messages.QueueConversions, o.Queue)
		conversions++
	}
	assert.Equal(t, 3, conversions)

	last := outs[len(outs)-1]
	require.Equal(t, messages.QueueStatus, last.Queue)
	st, err := messages.StatusFromJSON(wire(t, last.Body))
	require.NoError(t, err)
	require.NotNil(t, st.TotalObjects)
	assert.Equal(t, 3, *st.TotalObjects)
	assert.False(t, st.StatusIsError)
	assert.Empty(t, st.Message)
}

func TestExplorerStopsWhenEmitFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600))
	}
	src, err := file.New(dir)
	require.NoError(t, err)
	body := wire(t, specFor(src, rules.MustRegexRule("x")).ToJSON())

	t.Run("publish failure", func(t *testing.T) {
		t.Parallel()
		brokerDown := errors.New("broker down")
		var emitted []pipeline.Output
		err := pipeline.NewExplorer(newDeps()).HandleMessage(context.Background(), body, messages.QueueScanSpecs,
			func(o pipeline.Output) error {
				emitted = append(emitted, o)
				if len(emitted) == 1 {
					return brokerDown
				}
				return nil
			})
		require.ErrorIs(t, err, brokerDown)
		require.Len(t, emitted, 1)
		assert.Equal(t, messages.QueueConversions, emitted[0].Queue)
	})

	t.Run("cancelled mid-exploration", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var emitted []pipeline.Output
		err := pipeline.NewExplorer(newDeps()).HandleMessage(ctx, body, messages.QueueScanSpecs,
			func(o pipeline.Output) error {
				emitted = append(emitted, o)
				cancel()
				return nil
			})
		require.ErrorIs(t, err, context.Canceled)
		require.Len(t, emitted, 1)
		for _, o := range emitted {
			assert.NotEqual(t, messages.QueueStatus, o.Queue)
		}
	})
}

func TestExplorerMalformedInput(t *testing.T) {
	t.Parallel()

	spec := specFor(data.New([]byte("x"), "text/plain", "x.txt"), rules.MustRegexRule("x")).ToJSON()
	explorer := pipeline.NewExplorer(newDeps())

	tests := []struct {
		name    string
		mutate  func(obj model.Object)
		problem string
	}{
		{
			name:    "unknown source type",
			mutate:  func(obj model.Object) { obj["source"] = map[string]any{"type": "gopher"} },
			problem: "Unknown scheme 'gopher'",
		},
		{
			name:    "rule missing",
			mutate:  func(obj model.Object) { delete(obj, "rule") },
			problem: "Malformed input",
		},
		{
			name:   "scan tag missing",
			mutate: func(obj model.Object) { delete(obj, "scan_tag") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body := wire(t, spec)
			tt.mutate(body)

			outs, err := pipeline.Collect(context.Background(), explorer, body, messages.QueueScanSpecs)
			require.NoError(t, err)
			if tt.problem == "" {
				assert.Empty(t, outs)
				return
			}
			require.Len(t, outs, 1)
			assert.Equal(t, messages.QueueProblems, outs[0].Queue)
			assert.Equal(t, tt.problem, outs[0].Body["message"])
		})
	}
}

func TestWorkerCarriesConversionToConclusion(t *testing.T) {
	t.Parallel()

	content := []byte("Vejstrand Kommune. CPR 2205995008 forbryder")
	src := data.New(content, "text/plain", "note.txt")
	spec := specFor(src, rules.NewCPRRule())
	conv := messages.ConversionMessage{
		ScanSpec: spec,
		Handle:   data.NewHandle(src, "note.txt"),
		Progress: rules.ProgressFragment{Rule: spec.Rule},
	}

	outs, err := pipeline.Collect(context.Background(), pipeline.NewWorker(newDeps()), wire(t, conv.ToJSON()), messages.QueueConversions)
	require.NoError(t, err)

	count := map[string]int{}
	for _, o := range outs {
		count[o.Queue]++
	}
	assert.Equal(t, map[string]int{
		messages.QueueMatches:  1,
		messages.QueueCheckups: 1,
		messages.QueueMetadata: 1,
		messages.QueueStatus:   1,
	}, count)

	last := outs[len(outs)-1]
	require.Equal(t, messages.QueueStatus, last.Queue)
	st, err := messages.StatusFromJSON(wire(t, last.Body))
	require.NoError(t, err)
	require.NotNil(t, st.ObjectSize)
	require.NotNil(t, st.ObjectType)
	assert.Equal(t, int64(len(content)), *st.ObjectSize)
	assert.Equal(t, "text/plain", *st.ObjectType)
	assert.Nil(t, st.TotalObjects)
}

func TestWorkerExploresDerivedSources(t *testing.T) {
	t.Parallel()

	archive := zipOf(t, map[string][]byte{"inner.txt": []byte("token ABC-123")})
	src := data.New(archive, "application/zip", "bundle.zip")
	spec := specFor(src, rules.MustRegexRule(`[A-Z]{3}-\d{3}`))
	conv := messages.ConversionMessage{
		ScanSpec: spec,
		Handle:   data.NewHandle(src, "bundle.zip"),
		Progress: rules.ProgressFragment{Rule: spec.Rule},
	}

	outs, err := pipeline.Collect(context.Background(), pipeline.NewWorker(newDeps()), wire(t, conv.ToJSON()), messages.QueueConversions)
	require.NoError(t, err)

	var matches []model.Object
	for _, o := range outs {
		assert.NotEqual(t, messages.QueueScanSpecs, o.Queue)
		if o.Queue == messages.QueueMatches {
			matches = append(matches, wire(t, o.Body))
		}
	}
	mm := onlyMatches(t, matches)
	assert.True(t, mm.Matched)
	assert.Equal(t, []string{"ABC-123"}, matchTexts(mm))
	assert.Equal(t, "inner.txt", mm.Handle.RelativePath())
}

func TestMatcherNeedsAnotherRepresentation(t *testing.T) {
	t.Parallel()

	src := data.New([]byte("plain"), "text/plain", "a.txt")
	rule := rules.And(rules.MustRegexRule("plain"), rules.NewLastModifiedRule(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)))
	spec := specFor(src, rule)

	b := newBus(newDeps())
	b.run(t, messages.QueueScanSpecs, spec.ToJSON())

	assert.Len(t, b.published[messages.QueueRepresentations], 2, "one representation per simple rule")
	assert.Len(t, b.published[messages.QueueConversions], 2)
	mm := onlyMatches(t, b.final[messages.QueueMatches])
	assert.True(t, mm.Matched)
	assert.Len(t, mm.Matches, 2)
}

func TestExporterCensorsAndRecordsOrigin(t *testing.T) {
	t.Parallel()

	src := data.New([]byte("secret content"), "text/plain", "a.txt")
	h := data.NewHandle(src, "a.txt")
	exporter := pipeline.NewExporter(newDeps())

	tests := []struct {
		name   string
		queue  string
		body   model.Object
		export bool
	}{
		{
			name:  "problem",
			queue: messages.QueueProblems,
			body: messages.ProblemMessage{
				ScanTag: scanTag(), Source: src, Handle: h, Message: "boom",
			}.ToJSON(),
			export: true,
		},
		{
			name:  "metadata",
			queue: messages.QueueMetadata,
			body: messages.MetadataMessage{
				ScanTag: scanTag(), Handle: h, Metadata: map[string]any{"last-modified": "2024-01-01"},
			}.ToJSON(),
			export: true,
		},
		{
			name:  "matches",
			queue: messages.QueueMatches,
			body: messages.MatchesMessage{
				ScanSpec: specFor(src, rules.MustRegexRule("secret")), Handle: h, Matched: false,
			}.ToJSON(),
			export: true,
		},
		{
			name:  "unrecognised",
			queue: messages.QueueMatches,
			body:  model.Object{"scan_tag": scanTag().ToJSON()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			outs, err := pipeline.Collect(context.Background(), exporter, wire(t, tt.body), tt.queue)
			require.NoError(t, err)
			if !tt.export {
				assert.Empty(t, outs)
				return
			}
			require.Len(t, outs, 1)
			assert.Equal(t, messages.QueueResults, outs[0].Queue)
			assert.Equal(t, tt.queue, outs[0].Body["origin"])

			encoded, err := json.Marshal(outs[0].Body)
			require.NoError(t, err)
			assert.NotContains(t, string(encoded), "c2VjcmV0IGNvbnRlbnQ=", "source content must be censored")
		})
	}
}

func TestProcessorReinterpretsUnconvertibleObjects(t *testing.T) {
	t.Parallel()

	archive := zipOf(t, map[string][]byte{"x.txt": []byte("x")})
	src := data.New(archive, "application/zip", "x.zip")
	spec := specFor(src, rules.MustRegexRule("x"))
	conv := messages.ConversionMessage{
		ScanSpec: spec,
		Handle:   data.NewHandle(src, "x.zip"),
		Progress: rules.ProgressFragment{Rule: spec.Rule},
	}

	outs, err := pipeline.Collect(context.Background(), pipeline.NewProcessor(newDeps()), wire(t, conv.ToJSON()), messages.QueueConversions)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, messages.QueueScanSpecs, outs[0].Queue)

	derived, err := messages.ScanSpecFromJSON(wire(t, outs[0].Body))
	require.NoError(t, err)
	assert.Equal(t, "zip", derived.Source.Type())
	require.NotNil(t, derived.Progress)
	assert.True(t, rules.Equal(spec.Rule, derived.Progress.Rule))
}

func TestProcessorSkipsMIMETypes(t *testing.T) {
	t.Parallel()

	src := data.New([]byte("ABC"), "text/plain", "a.txt")
	spec := specFor(src, rules.MustRegexRule("ABC"))
	spec.Configuration = map[string]any{pipeline.SkipMIMETypesKey: []any{"text/*"}}

	b := newBus(newDeps())
	b.run(t, messages.QueueScanSpecs, spec.ToJSON())

	mm := onlyMatches(t, b.final[messages.QueueMatches])
	assert.False(t, mm.Matched)
}

func TestLookupStage(t *testing.T) {
	t.Parallel()

	s, ok := pipeline.LookupStage("explorer")
	require.True(t, ok)
	assert.Equal(t, 1, s.PrefetchCount)
	assert.Equal(t, []string{messages.QueueScanSpecs}, s.Reads)

	_, ok = pipeline.LookupStage("nonsense")
	assert.False(t, ok)
}
