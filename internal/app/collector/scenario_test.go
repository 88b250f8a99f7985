package collector

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/os2datascanner/engine/internal/app/pipeline"
	"github.com/os2datascanner/engine/internal/domain/checkup"
	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/internal/domain/rules"
	"github.com/os2datascanner/engine/internal/infra/sources/file"
	"github.com/os2datascanner/engine/pkg/common/logger"
	"github.com/os2datascanner/engine/pkg/common/otel"
	"github.com/os2datascanner/engine/pkg/common/retrier"
)

// memoryCheckups is a checkup.Repository over a map, deciding with the same
// policy as the database store.
type memoryCheckups struct {
	mu   sync.Mutex
	rows map[string]checkup.ScheduledCheckup
}

func newMemoryCheckups() *memoryCheckups {
	return &memoryCheckups{rows: map[string]checkup.ScheduledCheckup{}}
}

func (m *memoryCheckups) Apply(_ context.Context, scannerPK int64, handleJSON []byte, obs checkup.Observation, scanTime time.Time) (checkup.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(handleJSON)
	row, exists := m.rows[key]
	if exists && row.ScannerPK != scannerPK {
		exists = false
	}

	action := checkup.Decide(exists, obs)
	switch action {
	case checkup.ActionTouch, checkup.ActionCreate:
		ts := scanTime
		m.rows[key] = checkup.ScheduledCheckup{ScannerPK: scannerPK, HandleJSON: handleJSON, InterestedBefore: &ts}
	case checkup.ActionDelete:
		delete(m.rows, key)
	}
	return action, nil
}

func (m *memoryCheckups) ListForScanner(_ context.Context, scannerPK int64) ([]checkup.ScheduledCheckup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []checkup.ScheduledCheckup
	for _, row := range m.rows {
		if row.ScannerPK == scannerPK {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memoryCheckups) DeleteForScanner(_ context.Context, scannerPK int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, row := range m.rows {
		if row.ScannerPK == scannerPK {
			delete(m.rows, k)
		}
	}
	return nil
}

func queuesOf(outputs []pipeline.Output) []string {
	qs := make([]string, 0, len(outputs))
	for _, o := range outputs {
		qs = append(qs, o.Queue)
	}
	return qs
}

func outputFor(t *testing.T, outputs []pipeline.Output, queue string) model.Object {
	t.Helper()
	for _, o := range outputs {
		if o.Queue == queue {
			return o.Body
		}
	}
	require.Failf(t, "no output", "nothing was emitted to %s", queue)
	return nil
}

// An object that fails transiently is remembered, and the next scan that
// only looks at changed objects refreshes the record without evaluating the
// content rule.
func TestTransientFailureSchedulesCheckupThatLaterScansRefresh(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	// Reading a directory fails with EISDIR, which is retried and then
	// reported as a processing error.
	require.NoError(t, os.Mkdir(path, 0o755))

	stageDeps := pipeline.Deps{
		SourceManager: model.NewSourceManager(3),
		Retrier:       pipeline.NewRetrier(time.Second, 2, retrier.WithInterval(time.Millisecond, time.Millisecond)),
		Logger:        logger.Noop(),
		Tracer:        otel.NoopTracer(),
	}
	processor := pipeline.NewProcessor(stageDeps)
	matcher := pipeline.NewMatcher(stageDeps)

	deps, m := testDeps(t)
	repo := newMemoryCheckups()
	collector := NewCheckupCollector(deps, repo, nil)

	src, err := file.New(dir)
	require.NoError(t, err)
	handle := file.NewHandle(src, "note.txt")

	firstRule := rules.NewCPRRule()
	first := messages.ScanSpec{ScanTag: testTag(), Source: src, Rule: firstRule, Configuration: map[string]any{}}
	outputs, err := pipeline.Collect(ctx, processor, wire(t, messages.ConversionMessage{
		ScanSpec: first,
		Handle:   handle,
		Progress: rules.ProgressFragment{Rule: firstRule},
	}.ToJSON()), messages.QueueConversions)
	require.NoError(t, err)
	assert.Equal(t, []string{messages.QueueProblems, messages.QueueCheckups}, queuesOf(outputs))

	problem, err := messages.ProblemFromJSON(wire(t, outputFor(t, outputs, messages.QueueProblems)))
	require.NoError(t, err)
	assert.False(t, problem.Missing)
	assert.Contains(t, problem.Message, "Processing error")

	_, err = pipeline.Collect(ctx, collector, wire(t, outputFor(t, outputs, messages.QueueCheckups)), messages.QueueCheckups)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckupUpdates.WithLabelValues("create")))

	scheduled, err := repo.ListForScanner(ctx, testTag().Scanner.PK)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	require.NotNil(t, scheduled[0].InterestedBefore)
	assert.True(t, scheduled[0].InterestedBefore.Equal(scanTime))

	// The object is repaired but has not changed since the first scan.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.WriteFile(path, []byte("CPR: 111111-1118"), 0o600))
	old := scanTime.Add(-30 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	secondTime := scanTime.Add(24 * time.Hour)
	secondTag := messages.NewScanTag(secondTime, testTag().Scanner, testTag().Organisation)
	secondRule := rules.And(rules.NewLastModifiedRule(scanTime), rules.NewCPRRule())
	second := messages.ScanSpec{ScanTag: secondTag, Source: src, Rule: secondRule, Configuration: map[string]any{}}

	stored, err := scheduled[0].Handle()
	require.NoError(t, err)
	outputs, err = pipeline.Collect(ctx, processor, wire(t, messages.ConversionMessage{
		ScanSpec: second,
		Handle:   stored,
		Progress: rules.ProgressFragment{Rule: secondRule},
	}.ToJSON()), messages.QueueConversions)
	require.NoError(t, err)
	require.Equal(t, []string{messages.QueueRepresentations}, queuesOf(outputs))

	rep, err := messages.RepresentationFromJSON(wire(t, outputs[0].Body))
	require.NoError(t, err)
	assert.Len(t, rep.Representations, 1)
	assert.Contains(t, rep.Representations, conversions.LastModified)

	outputs, err = pipeline.Collect(ctx, matcher, wire(t, outputs[0].Body), messages.QueueRepresentations)
	require.NoError(t, err)
	assert.Equal(t, []string{messages.QueueMatches, messages.QueueCheckups}, queuesOf(outputs))

	matches, err := messages.MatchesFromJSON(wire(t, outputFor(t, outputs, messages.QueueMatches)))
	require.NoError(t, err)
	assert.False(t, matches.Matched)
	assert.True(t, matches.OnlyLastModified())

	_, err = pipeline.Collect(ctx, collector, wire(t, outputFor(t, outputs, messages.QueueCheckups)), messages.QueueCheckups)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckupUpdates.WithLabelValues("touch")))

	scheduled, err = repo.ListForScanner(ctx, testTag().Scanner.PK)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.True(t, scheduled[0].InterestedBefore.Equal(secondTime))
}
