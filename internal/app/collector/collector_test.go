package collector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/os2datascanner/engine/internal/app/pipeline"
	"github.com/os2datascanner/engine/internal/domain/checkup"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/internal/domain/rules"
	"github.com/os2datascanner/engine/internal/domain/scanstatus"
	"github.com/os2datascanner/engine/internal/infra/sources/data"
	"github.com/os2datascanner/engine/pkg/common/logger"
	"github.com/os2datascanner/engine/pkg/common/retrier"
	"github.com/os2datascanner/engine/pkg/metrics"
)

type mockCheckupRepository struct{ mock.Mock }

func (m *mockCheckupRepository) Apply(ctx context.Context, scannerPK int64, handleJSON []byte, obs checkup.Observation, scanTime time.Time) (checkup.Action, error) {
	args := m.Called(ctx, scannerPK, handleJSON, obs, scanTime)
	return args.Get(0).(checkup.Action), args.Error(1)
}

func (m *mockCheckupRepository) ListForScanner(ctx context.Context, scannerPK int64) ([]checkup.ScheduledCheckup, error) {
	args := m.Called(ctx, scannerPK)
	return args.Get(0).([]checkup.ScheduledCheckup), args.Error(1)
}

func (m *mockCheckupRepository) DeleteForScanner(ctx context.Context, scannerPK int64) error {
	return m.Called(ctx, scannerPK).Error(0)
}

type mockScannerRepository struct{ mock.Mock }

func (m *mockScannerRepository) EnsureScanner(ctx context.Context, pk int64, name string) error {
	return m.Called(ctx, pk, name).Error(0)
}

func (m *mockScannerRepository) MarkRun(ctx context.Context, pk int64, t time.Time) error {
	return m.Called(ctx, pk, t).Error(0)
}

func (m *mockScannerRepository) LastRun(ctx context.Context, pk int64) (*time.Time, error) {
	args := m.Called(ctx, pk)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*time.Time), args.Error(1)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) ScanCompleted(ctx context.Context, s *scanstatus.ScanStatus) { m.Called(ctx, s) }

// memoryStatuses is a scanstatus.Repository over a map.
type memoryStatuses struct {
	mu        sync.Mutex
	statuses  map[string]*scanstatus.ScanStatus
	snapshots map[string][]scanstatus.Snapshot
	failNext  error
}

func newMemoryStatuses() *memoryStatuses {
	return &memoryStatuses{
		statuses:  map[string]*scanstatus.ScanStatus{},
		snapshots: map[string][]scanstatus.Snapshot{},
	}
}

func (m *memoryStatuses) Create(_ context.Context, s *scanstatus.ScanStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = int64(len(m.statuses) + 1)
	cp := *s
	m.statuses[s.ScanTag.Key()] = &cp
	return nil
}

func (m *memoryStatuses) Get(_ context.Context, tag messages.ScanTag) (*scanstatus.ScanStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[tag.Key()]
	if !ok {
		return nil, scanstatus.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memoryStatuses) Update(_ context.Context, tag messages.ScanTag, fn func(*scanstatus.ScanStatus) (bool, error)) (*scanstatus.ScanStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return nil, err
	}
	s, ok := m.statuses[tag.Key()]
	if !ok {
		return nil, scanstatus.ErrNotFound
	}
	cp := *s
	snapshot, err := fn(&cp)
	if err != nil {
		return nil, err
	}
	m.statuses[tag.Key()] = &cp
	if snapshot {
		m.snapshots[tag.Key()] = append(m.snapshots[tag.Key()], cp.Snapshot(cp.LastModified))
	}
	out := cp
	return &out, nil
}

func (m *memoryStatuses) Delete(_ context.Context, tag messages.ScanTag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, tag.Key())
	delete(m.snapshots, tag.Key())
	return nil
}

func (m *memoryStatuses) ListSnapshots(_ context.Context, tag messages.ScanTag) ([]scanstatus.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[tag.Key()], nil
}

func (m *memoryStatuses) ListStale(_ context.Context, before time.Time) ([]*scanstatus.ScanStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*scanstatus.ScanStatus
	for _, s := range m.statuses {
		if !s.Resolved && s.LastModified.Before(before) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

var scanTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func testTag() messages.ScanTag {
	return messages.NewScanTag(scanTime, messages.Scanner{PK: 5, Name: "Fileshare"}, messages.Organisation{Name: "Vejstrand"})
}

func testDeps(t *testing.T) (Deps, *metrics.Metrics) {
	t.Helper()
	m := metrics.New("test", prometheus.NewRegistry())
	return Deps{
		Logger:  logger.Noop(),
		Tracer:  noop.NewTracerProvider().Tracer("test"),
		Metrics: m,
		Retrier: NewRetrier(time.Second, 2, retrier.WithInterval(time.Millisecond, time.Millisecond)),
		Now:     func() time.Time { return scanTime.Add(time.Minute) },
	}, m
}

// wire sends obj through JSON, as the broker would.
func wire(t *testing.T, obj model.Object) model.Object {
	t.Helper()
	b, err := json.Marshal(obj)
	require.NoError(t, err)
	out, err := messages.DecodeObject(b)
	require.NoError(t, err)
	return out
}

func TestCheckupCollectorAppliesPolicy(t *testing.T) {
	t.Parallel()

	deps, m := testDeps(t)
	repo := new(mockCheckupRepository)
	statuses := newMemoryStatuses()
	require.NoError(t, statuses.Create(context.Background(), scanstatus.New(testTag(), 1, scanTime)))
	c := NewCheckupCollector(deps, repo, statuses)

	h := data.NewHandle(data.New([]byte("1111111118"), "text/plain", "a.txt"), "a.txt").
		WithHints(map[string]any{"size": 10})
	msg := messages.MatchesMessage{
		ScanSpec: messages.ScanSpec{ScanTag: testTag(), Source: h.Source(), Rule: rules.NewCPRRule()},
		Handle:   h,
		Matched:  true,
	}

	repo.On("Apply", mock.Anything, int64(5), checkup.PersistedForm(h),
		mock.MatchedBy(func(obs checkup.Observation) bool { return obs.Matches != nil && obs.Matches.Matched }),
		mock.MatchedBy(func(ts time.Time) bool { return ts.Equal(scanTime) }),
	).Return(checkup.ActionCreate, nil).Once()

	outputs, err := pipeline.Collect(context.Background(), c, wire(t, msg.ToJSON()), messages.QueueCheckups)
	require.NoError(t, err)
	assert.Empty(t, outputs)
	repo.AssertExpectations(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckupUpdates.WithLabelValues("create")))
}

func TestCheckupCollectorAbortsUnknownScans(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	repo := new(mockCheckupRepository)
	c := NewCheckupCollector(deps, repo, newMemoryStatuses())

	h := data.NewHandle(data.New([]byte("x"), "text/plain", "a.txt"), "a.txt")
	problem := messages.ProblemMessage{ScanTag: testTag(), Handle: h, Message: "timeout"}

	outputs, err := pipeline.Collect(context.Background(), c, wire(t, problem.ToJSON()), messages.QueueCheckups)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, messages.BroadcastExchange, outputs[0].Queue)

	cmd, err := messages.CommandFromJSON(wire(t, outputs[0].Body))
	require.NoError(t, err)
	require.NotNil(t, cmd.Abort)
	assert.True(t, testTag().Equal(*cmd.Abort))
	repo.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckupCollectorIgnoresMessagesWithoutHandle(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	repo := new(mockCheckupRepository)
	c := NewCheckupCollector(deps, repo, nil)

	problem := messages.ProblemMessage{ScanTag: testTag(), Message: "source unreachable"}
	outputs, err := pipeline.Collect(context.Background(), c, wire(t, problem.ToJSON()), messages.QueueCheckups)
	require.NoError(t, err)
	assert.Empty(t, outputs)
	repo.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckupCollectorReturnsStoreErrors(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	repo := new(mockCheckupRepository)
	c := NewCheckupCollector(deps, repo, nil)

	repo.On("Apply", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(checkup.ActionNone, errors.New("connection reset"))

	h := data.NewHandle(data.New([]byte("x"), "text/plain", "a.txt"), "a.txt")
	problem := messages.ProblemMessage{ScanTag: testTag(), Handle: h, Message: "timeout"}
	_, err := pipeline.Collect(context.Background(), c, wire(t, problem.ToJSON()), messages.QueueCheckups)
	require.Error(t, err)
	repo.AssertNumberOfCalls(t, "Apply", 2)
}

func intp(n int) *int { return &n }

func TestStatusCollectorFinishesScan(t *testing.T) {
	t.Parallel()

	deps, m := testDeps(t)
	statuses := newMemoryStatuses()
	scanners := new(mockScannerRepository)
	notifier := new(mockNotifier)
	ctx := context.Background()

	tag := testTag()
	require.NoError(t, statuses.Create(ctx, scanstatus.New(tag, 1, scanTime)))
	c := NewStatusCollector(deps, statuses, scanners, notifier, 2)

	scanners.On("MarkRun", mock.Anything, int64(5), scanTime.Add(time.Minute)).Return(nil).Once()
	notifier.On("ScanCompleted", mock.Anything, mock.MatchedBy(func(s *scanstatus.ScanStatus) bool {
		return s.ScannedObjects == 2 && s.MatchesFound == 1
	})).Once()

	size, mime := int64(100), "text/plain"
	msgs := []messages.StatusMessage{
		{ScanTag: tag, TotalObjects: intp(2), NewSources: intp(0)},
		{ScanTag: tag, ObjectSize: &size, ObjectType: &mime, MatchesFound: intp(1)},
		{ScanTag: tag, ObjectSize: &size, ObjectType: &mime},
	}
	for _, msg := range msgs {
		_, err := pipeline.Collect(ctx, c, wire(t, msg.ToJSON()), messages.QueueStatus)
		require.NoError(t, err)
	}

	s, err := statuses.Get(ctx, tag)
	require.NoError(t, err)
	assert.True(t, s.Finished())
	assert.Equal(t, int64(200), s.ScannedSize)

	scanners.AssertExpectations(t)
	notifier.AssertExpectations(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatusUpdates.WithLabelValues("explorer")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StatusUpdates.WithLabelValues("worker")))

	snapshots, err := statuses.ListSnapshots(ctx, tag)
	require.NoError(t, err)
	assert.Equal(t, float64(len(snapshots)), testutil.ToFloat64(m.Snapshots))
	assert.NotEmpty(t, snapshots)
}

func TestStatusCollectorDropsUnknownScans(t *testing.T) {
	t.Parallel()

	deps, m := testDeps(t)
	c := NewStatusCollector(deps, newMemoryStatuses(), new(mockScannerRepository), new(mockNotifier), 0)

	msg := messages.StatusMessage{ScanTag: testTag(), TotalObjects: intp(4)}
	outputs, err := pipeline.Collect(context.Background(), c, wire(t, msg.ToJSON()), messages.QueueStatus)
	require.NoError(t, err)
	assert.Empty(t, outputs)
	assert.Zero(t, testutil.ToFloat64(m.StatusUpdates.WithLabelValues("explorer")))
}

func TestStatusCollectorRetriesStoreErrors(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	statuses := newMemoryStatuses()
	ctx := context.Background()
	require.NoError(t, statuses.Create(ctx, scanstatus.New(testTag(), 2, scanTime)))
	statuses.failNext = errors.New("serialization failure")

	c := NewStatusCollector(deps, statuses, new(mockScannerRepository), new(mockNotifier), 0)
	msg := messages.StatusMessage{ScanTag: testTag(), TotalObjects: intp(4), NewSources: intp(1)}
	_, err := pipeline.Collect(ctx, c, wire(t, msg.ToJSON()), messages.QueueStatus)
	require.NoError(t, err)

	s, err := statuses.Get(ctx, testTag())
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalSources)
	assert.Equal(t, 4, s.TotalObjects)
}

func TestStatusCollectorSweepFindsDefunctScans(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	deps.Now = func() time.Time { return scanTime.Add(3 * time.Hour) }
	statuses := newMemoryStatuses()
	ctx := context.Background()

	stuck := scanstatus.New(testTag(), 1, scanTime)
	stuck.ExploredSources, stuck.TotalObjects, stuck.ScannedObjects = 1, 1000, 999
	require.NoError(t, statuses.Create(ctx, stuck))

	slow := scanstatus.New(testTag().WithUser("ann"), 1, scanTime)
	slow.ExploredSources, slow.TotalObjects, slow.ScannedObjects = 1, 1000, 10
	require.NoError(t, statuses.Create(ctx, slow))

	c := NewStatusCollector(deps, statuses, new(mockScannerRepository), new(mockNotifier), 0)
	defunct, err := c.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, defunct, 1)
	assert.Equal(t, 999, defunct[0].ScannedObjects)
}
