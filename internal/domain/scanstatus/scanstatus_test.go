package scanstatus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/os2datascanner/engine/internal/domain/messages"
)

func explorerStatus(total int, newSources *int) messages.StatusMessage {
	return messages.StatusMessage{TotalObjects: &total, NewSources: newSources}
}

func workerStatus(size int64) messages.StatusMessage {
	mime := "text/plain"
	return messages.StatusMessage{ObjectSize: &size, ObjectType: &mime}
}

func TestStageProgression(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	s := New(messages.ScanTag{}, 2, now)
	assert.Equal(t, StageIndexing, s.Stage())

	s.Apply(explorerStatus(2, nil), now)
	assert.Equal(t, StageIndexing, s.Stage())

	s.Apply(workerStatus(100), now)
	assert.Equal(t, StageIndexingScanning, s.Stage())

	s.Apply(explorerStatus(1, nil), now)
	assert.Equal(t, StageScanning, s.Stage())
	assert.False(t, s.Finished())

	s.Apply(workerStatus(50), now)
	s.Apply(workerStatus(25), now)
	assert.True(t, s.Finished())
	assert.Equal(t, StageFinished, s.Stage())
	assert.Equal(t, s.TotalSources, s.ExploredSources)
	assert.Equal(t, s.TotalObjects, s.ScannedObjects)
	assert.Equal(t, int64(175), s.ScannedSize)
}

func TestEmptyScan(t *testing.T) {
	now := time.Now()
	s := New(messages.ScanTag{}, 1, now)
	s.Apply(explorerStatus(0, nil), now)
	assert.Equal(t, StageEmpty, s.Stage())
	assert.False(t, s.Finished())
}

func TestNewSourcesExtendTheScan(t *testing.T) {
	now := time.Now()
	s := New(messages.ScanTag{}, 1, now)
	three := 3
	s.Apply(explorerStatus(0, &three), now)
	assert.Equal(t, 4, s.TotalSources)
	assert.Equal(t, 1, s.ExploredSources)

	explored, ok := s.FractionExplored()
	assert.True(t, ok)
	assert.InDelta(t, 0.25, explored, 1e-9)
}

func TestCheckupOnlyScanCountsAsExplored(t *testing.T) {
	s := &ScanStatus{Counters: Counters{TotalObjects: 4}}
	explored, ok := s.FractionExplored()
	assert.True(t, ok)
	assert.Equal(t, 1.0, explored)
	assert.Equal(t, StageScanning, s.Stage())
}

func TestApplyMatchesFound(t *testing.T) {
	s := New(messages.ScanTag{}, 1, time.Now())
	n := 3
	s.Apply(messages.StatusMessage{MatchesFound: &n}, time.Now())
	s.Apply(messages.StatusMessage{MatchesFound: &n}, time.Now())
	assert.Equal(t, 6, s.MatchesFound)
	assert.Zero(t, s.ExploredSources)
	assert.Zero(t, s.ScannedObjects)
}

func TestSnapshotDue(t *testing.T) {
	tests := []struct {
		name    string
		total   int
		scanned int
		want    bool
	}{
		{"nothing explored", 0, 0, false},
		// 1000·log_1000(30) ≈ 492.4
		{"first interval", 1000, 492, true},
		{"between intervals", 1000, 500, false},
		{"second interval", 1000, 984, true},
		// 1·log_2(30) ≈ 4.9
		{"tiny scan", 1, 4, true},
		{"tiny scan off interval", 1, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &ScanStatus{Counters: Counters{TotalObjects: tt.total, ScannedObjects: tt.scanned}}
			assert.Equal(t, tt.want, s.SnapshotDue(30))
		})
	}
}

func TestDefunct(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &ScanStatus{
		Counters:     Counters{TotalSources: 1, ExploredSources: 1, TotalObjects: 1000, ScannedObjects: 996},
		LastModified: now.Add(-2 * time.Hour),
	}
	assert.True(t, s.Defunct(now))

	s.LastModified = now.Add(-10 * time.Minute)
	assert.False(t, s.Defunct(now))

	s.LastModified = now.Add(-2 * time.Hour)
	s.ScannedObjects = 900
	assert.False(t, s.Defunct(now))

	s.ScannedObjects = 1000
	assert.False(t, s.Defunct(now), "completed scans are not defunct")
}

func TestSnapshotCopiesCounters(t *testing.T) {
	now := time.Now()
	s := &ScanStatus{ID: 9, Counters: Counters{TotalSources: 2, ScannedSize: 10}}
	snap := s.Snapshot(now)
	assert.Equal(t, int64(9), snap.ScanStatusID)
	assert.Equal(t, s.Counters, snap.Counters)
	assert.Equal(t, now, snap.TimeStamp)
}
