package collector

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/app/pipeline"
	"github.com/os2datascanner/engine/internal/domain/checkup"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/internal/domain/scanstatus"
	"github.com/os2datascanner/engine/pkg/common/retrier"
)

var _ pipeline.MessageHandler = (*CheckupCollector)(nil)

// CheckupCollector applies matches and problems read from the checkup queue
// to the scheduled checkups of their scanner.
type CheckupCollector struct {
	Deps
	checkups checkup.Repository
	// statuses is optional. When set, messages of scans that no longer have
	// a status are dropped and the scan is aborted.
	statuses scanstatus.Repository
}

// NewCheckupCollector creates a CheckupCollector. statuses may be nil.
func NewCheckupCollector(deps Deps, checkups checkup.Repository, statuses scanstatus.Repository) *CheckupCollector {
	deps.defaults()
	deps.Logger = deps.Logger.With("component", "checkup_collector")
	return &CheckupCollector{Deps: deps, checkups: checkups, statuses: statuses}
}

func (c *CheckupCollector) HandleMessage(ctx context.Context, body model.Object, _ string, emit pipeline.Emit) error {
	obs, tag, handle, ok, err := checkup.ObservationOf(body)
	if err != nil {
		c.Logger.Warn(ctx, "dropping malformed checkup message", "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	ctx, span := c.Tracer.Start(ctx, "checkup_collector.handle", trace.WithAttributes(
		attribute.Int64("scanner_pk", tag.Scanner.PK),
	))
	defer span.End()

	if c.statuses != nil {
		_, err := retrier.Do(ctx, c.Retrier, func(ctx context.Context) (*scanstatus.ScanStatus, error) {
			return c.statuses.Get(ctx, tag)
		})
		switch {
		case errors.Is(err, scanstatus.ErrNotFound):
			c.Logger.Info(ctx, "scan no longer exists, aborting it", "scanner_pk", tag.Scanner.PK)
			return emit(abort(tag))
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to look up scan status")
			return fmt.Errorf("looking up scan status: %w", err)
		}
	}

	handleJSON := checkup.PersistedForm(handle)
	action, err := retrier.Do(ctx, c.Retrier, func(ctx context.Context) (checkup.Action, error) {
		return c.checkups.Apply(ctx, tag.Scanner.PK, handleJSON, obs, tag.Time)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to apply checkup")
		return fmt.Errorf("applying checkup: %w", err)
	}

	span.SetAttributes(attribute.String("action", action.String()))
	c.Metrics.IncCheckupUpdates(action.String())
	c.Logger.Debug(ctx, "checkup applied", "action", action.String(), "handle", model.String(handle))
	return nil
}
