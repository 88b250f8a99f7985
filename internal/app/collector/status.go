package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/app/pipeline"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/internal/domain/scanstatus"
	"github.com/os2datascanner/engine/pkg/common/logger"
	"github.com/os2datascanner/engine/pkg/common/retrier"
)

// DefaultSnapshotParameter yields roughly thirty snapshots per scan.
const DefaultSnapshotParameter = 30

var _ pipeline.MessageHandler = (*StatusCollector)(nil)

// StatusCollector folds status messages into the ScanStatus of their scan.
// Messages for scans without a status are dropped.
type StatusCollector struct {
	Deps
	statuses scanstatus.Repository
	scanners scanstatus.ScannerRepository
	notifier scanstatus.CompletionNotifier

	snapshotParameter int
}

// NewStatusCollector creates a StatusCollector. A snapshotParameter below 2
// selects DefaultSnapshotParameter.
func NewStatusCollector(
	deps Deps,
	statuses scanstatus.Repository,
	scanners scanstatus.ScannerRepository,
	notifier scanstatus.CompletionNotifier,
	snapshotParameter int,
) *StatusCollector {
	deps.defaults()
	deps.Logger = deps.Logger.With("component", "status_collector")
	if snapshotParameter < 2 {
		snapshotParameter = DefaultSnapshotParameter
	}
	return &StatusCollector{
		Deps:              deps,
		statuses:          statuses,
		scanners:          scanners,
		notifier:          notifier,
		snapshotParameter: snapshotParameter,
	}
}

// kind names the producer of a status message.
func kind(msg messages.StatusMessage) string {
	switch {
	case msg.TotalObjects != nil:
		return "explorer"
	case msg.ObjectSize != nil && msg.ObjectType != nil:
		return "worker"
	default:
		return "other"
	}
}

func (c *StatusCollector) HandleMessage(ctx context.Context, body model.Object, _ string, emit pipeline.Emit) error {
	msg, err := messages.StatusFromJSON(body)
	if err != nil {
		c.Logger.Warn(ctx, "dropping malformed status message", "error", err)
		return nil
	}

	k := kind(msg)
	ctx, span := c.Tracer.Start(ctx, "status_collector.handle", trace.WithAttributes(
		attribute.Int64("scanner_pk", msg.ScanTag.Scanner.PK),
		attribute.String("kind", k),
	))
	defer span.End()

	now := c.Now()
	var finished, snapshot bool
	status, err := retrier.Do(ctx, c.Retrier, func(ctx context.Context) (*scanstatus.ScanStatus, error) {
		return c.statuses.Update(ctx, msg.ScanTag, func(s *scanstatus.ScanStatus) (bool, error) {
			wasFinished := s.Finished()
			s.Apply(msg, now)
			finished = !wasFinished && s.Finished()
			snapshot = k == "worker" && s.SnapshotDue(c.snapshotParameter)
			return snapshot, nil
		})
	})
	switch {
	case errors.Is(err, scanstatus.ErrNotFound):
		c.Logger.Debug(ctx, "dropping status for unknown scan", "scanner_pk", msg.ScanTag.Scanner.PK)
		return nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update scan status")
		return fmt.Errorf("updating scan status: %w", err)
	}

	c.Metrics.IncStatusUpdates(k)
	if snapshot {
		c.Metrics.IncSnapshots()
	}
	span.SetAttributes(attribute.String("stage", status.Stage().String()))

	if finished {
		if err := c.finish(ctx, status, now); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

func (c *StatusCollector) finish(ctx context.Context, s *scanstatus.ScanStatus, now time.Time) error {
	err := c.Retrier.Run(ctx, func(ctx context.Context) error {
		return c.scanners.MarkRun(ctx, s.ScannerPK, now)
	})
	if err != nil {
		return fmt.Errorf("recording scanner run: %w", err)
	}
	c.notifier.ScanCompleted(ctx, s)
	return nil
}

// Sweep reports scans that are all but complete yet have stopped receiving
// status messages, and returns them.
func (c *StatusCollector) Sweep(ctx context.Context) ([]*scanstatus.ScanStatus, error) {
	now := c.Now()
	stale, err := retrier.Do(ctx, c.Retrier, func(ctx context.Context) ([]*scanstatus.ScanStatus, error) {
		return c.statuses.ListStale(ctx, now.Add(-time.Hour))
	})
	if err != nil {
		return nil, fmt.Errorf("listing stale scans: %w", err)
	}

	var defunct []*scanstatus.ScanStatus
	for _, s := range stale {
		if !s.Defunct(now) {
			continue
		}
		defunct = append(defunct, s)
		c.Logger.Warn(ctx, "scan appears defunct",
			"scanner_pk", s.ScannerPK,
			"scanned_objects", s.ScannedObjects,
			"total_objects", s.TotalObjects,
			"last_modified", s.LastModified,
		)
	}
	return defunct, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *StatusCollector) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.Logger.Error(ctx, "sweep failed", "error", err)
			}
		}
	}
}

// LogNotifier reports finished scans in the log.
type LogNotifier struct{ log *logger.Logger }

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("component", "completion_notifier")}
}

func (n *LogNotifier) ScanCompleted(ctx context.Context, s *scanstatus.ScanStatus) {
	n.log.Info(ctx, "Scan completed",
		"scanner_pk", s.ScannerPK,
		"scanner", s.ScanTag.Scanner.Name,
		"organisation", s.ScanTag.Organisation.Name,
		"scanned_objects", s.ScannedObjects,
		"scanned_size", s.ScannedSize,
		"matches_found", s.MatchesFound,
	)
}
