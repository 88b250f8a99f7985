// Package scanstatus tracks the progress of scans from the status messages
// the pipeline reports.
package scanstatus

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/os2datascanner/engine/internal/domain/messages"
)

// ErrNotFound is returned when no ScanStatus exists for a scan tag.
var ErrNotFound = errors.New("scan status not found")

// Stage describes how far a scan has progressed.
type Stage int

const (
	// StageIndexing means the explorers are running and nothing has been
	// scanned yet.
	StageIndexing Stage = iota
	// StageIndexingScanning means exploration and scanning run in parallel.
	StageIndexingScanning
	// StageScanning means exploration is complete and objects are being
	// scanned.
	StageScanning
	// StageEmpty means exploration is complete and found nothing.
	StageEmpty
	// StageFinished means every explored object has been scanned.
	StageFinished
)

func (s Stage) String() string {
	switch s {
	case StageIndexing:
		return "INDEXING"
	case StageIndexingScanning:
		return "INDEXING_SCANNING"
	case StageScanning:
		return "SCANNING"
	case StageEmpty:
		return "EMPTY"
	case StageFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Counters are the progress counters shared by a ScanStatus and its
// snapshots.
type Counters struct {
	TotalSources    int
	ExploredSources int
	TotalObjects    int
	ScannedObjects  int
	ScannedSize     int64
}

// ScanStatus aggregates the status messages of one scan.
type ScanStatus struct {
	ID        int64
	ScanTag   messages.ScanTag
	ScannerPK int64
	Counters

	MatchesFound  int
	Message       string
	StatusIsError bool
	LastModified  time.Time
	Resolved      bool
}

// New returns the status of a scan that is about to start exploring
// totalSources sources.
func New(tag messages.ScanTag, totalSources int, now time.Time) *ScanStatus {
	return &ScanStatus{
		ScanTag:      tag,
		ScannerPK:    tag.Scanner.PK,
		Counters:     Counters{TotalSources: totalSources},
		LastModified: now,
	}
}

// FractionExplored is the share of sources explored, clamped to 1. It is
// not computable (ok is false) before any source is known, except for scans
// made up only of checkups, which count as fully explored once they have
// objects.
func (s *ScanStatus) FractionExplored() (float64, bool) {
	switch {
	case s.TotalSources > 0:
		return min(float64(s.ExploredSources)/float64(s.TotalSources), 1), true
	case s.ExploredSources == 0 && s.TotalObjects != 0:
		return 1, true
	}
	return 0, false
}

// FractionScanned is the share of objects scanned, clamped to 1. It is only
// computable once exploration is complete and found something.
func (s *ScanStatus) FractionScanned() (float64, bool) {
	if explored, ok := s.FractionExplored(); !ok || explored < 1 || s.TotalObjects <= 0 {
		return 0, false
	}
	return min(float64(s.ScannedObjects)/float64(s.TotalObjects), 1), true
}

// Finished reports whether every source has been explored and every object
// scanned.
func (s *ScanStatus) Finished() bool {
	explored, eok := s.FractionExplored()
	scanned, sok := s.FractionScanned()
	return eok && sok && explored == 1 && scanned == 1
}

func (s *ScanStatus) Stage() Stage {
	if s.Finished() {
		return StageFinished
	}
	if _, ok := s.FractionScanned(); ok {
		return StageScanning
	}
	explored, ok := s.FractionExplored()
	switch {
	case ok && explored == 1:
		return StageEmpty
	case s.ScannedObjects == 0:
		return StageIndexing
	default:
		return StageIndexingScanning
	}
}

// Apply folds a status message into the counters. Explorer reports add to
// the totals and count one explored source; worker reports add one scanned
// object. Other messages only update the match count.
func (s *ScanStatus) Apply(msg messages.StatusMessage, now time.Time) {
	switch {
	case msg.TotalObjects != nil:
		s.Message, s.StatusIsError, s.LastModified = msg.Message, msg.StatusIsError, now
		s.TotalObjects += *msg.TotalObjects
		if msg.NewSources != nil {
			s.TotalSources += *msg.NewSources
		}
		s.ExploredSources++
	case msg.ObjectSize != nil && msg.ObjectType != nil:
		s.Message, s.StatusIsError, s.LastModified = msg.Message, msg.StatusIsError, now
		s.ScannedSize += *msg.ObjectSize
		s.ScannedObjects++
	}
	if msg.MatchesFound != nil {
		s.MatchesFound += *msg.MatchesFound
	}
}

// SnapshotDue reports whether the current counters should be recorded,
// given the snapshot parameter p. Snapshots are taken every
// ⌊total·log_total(p)⌋ scanned objects, so roughly the same number is taken
// for every scan regardless of its size.
func (s *ScanStatus) SnapshotDue(p int) bool {
	if s.TotalObjects <= 0 {
		return false
	}
	total := float64(s.TotalObjects)
	frequency := total * math.Log(float64(p)) / math.Log(max(total, 2))
	return s.ScannedObjects%max(1, int(math.Floor(frequency))) == 0
}

// Defunct reports whether s is all but complete yet has not heard from the
// pipeline for an hour, which means some status messages went missing.
func (s *ScanStatus) Defunct(now time.Time) bool {
	if s.TotalObjects > 0 && s.ExploredSources == s.TotalSources && s.ScannedObjects >= s.TotalObjects {
		return false
	}
	if s.LastModified.After(now.Add(-time.Hour)) {
		return false
	}
	scanned, ok := s.FractionScanned()
	return ok && scanned >= 0.995
}

// Snapshot is an immutable copy of a ScanStatus's counters.
type Snapshot struct {
	ScanStatusID int64
	TimeStamp    time.Time
	Counters
}

func (s *ScanStatus) Snapshot(now time.Time) Snapshot {
	return Snapshot{ScanStatusID: s.ID, TimeStamp: now, Counters: s.Counters}
}

// Repository persists scan statuses. Implementations lock the row for the
// duration of Update.
type Repository interface {
	// Create stores a new status. Scan tags are unique.
	Create(ctx context.Context, s *ScanStatus) error

	// Get returns the status of a scan, or ErrNotFound.
	Get(ctx context.Context, tag messages.ScanTag) (*ScanStatus, error)

	// Update locks the status of a scan and passes it to fn. If fn succeeds
	// its changes are stored, together with a snapshot of the result when
	// fn asks for one. Returns ErrNotFound for unknown scans.
	Update(ctx context.Context, tag messages.ScanTag, fn func(*ScanStatus) (snapshot bool, err error)) (*ScanStatus, error)

	// Delete removes the status of a scan and its snapshots.
	Delete(ctx context.Context, tag messages.ScanTag) error

	// ListSnapshots returns the snapshots of a scan, oldest first.
	ListSnapshots(ctx context.Context, tag messages.ScanTag) ([]Snapshot, error)

	// ListStale returns unresolved statuses not modified since before.
	ListStale(ctx context.Context, before time.Time) ([]*ScanStatus, error)
}

// ScannerRepository records scanner-level bookkeeping.
type ScannerRepository interface {
	// EnsureScanner creates the scanner row if it does not exist.
	EnsureScanner(ctx context.Context, pk int64, name string) error

	// MarkRun records that the scanner last completed a scan at t.
	MarkRun(ctx context.Context, pk int64, t time.Time) error

	// LastRun returns when the scanner last completed a scan, if ever.
	LastRun(ctx context.Context, pk int64) (*time.Time, error)
}

// CompletionNotifier is told about every scan that finishes.
type CompletionNotifier interface {
	ScanCompleted(ctx context.Context, s *ScanStatus)
}
