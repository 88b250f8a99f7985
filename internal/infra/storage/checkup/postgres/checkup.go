package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/domain/checkup"
	"github.com/os2datascanner/engine/internal/infra/storage"
)

// checkupStore implements checkup.Repository on PostgreSQL. The row for an
// object is locked with SELECT ... FOR UPDATE while the checkup policy is
// applied, so concurrent collectors see each other's decisions.
var _ checkup.Repository = (*checkupStore)(nil)

type checkupStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewCheckupStore creates a PostgreSQL-backed checkup repository.
func NewCheckupStore(pool *pgxpool.Pool, tracer trace.Tracer) *checkupStore {
	return &checkupStore{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const (
	lockCheckup = `
		SELECT id FROM scheduled_checkups
		WHERE scanner_pk = $1 AND handle_representation = $2
		FOR UPDATE`
	touchCheckup  = `UPDATE scheduled_checkups SET interested_before = $2 WHERE id = $1`
	deleteCheckup = `DELETE FROM scheduled_checkups WHERE id = $1`
	// Two collectors may race to create the same row; the loser refreshes it.
	createCheckup = `
		INSERT INTO scheduled_checkups (scanner_pk, handle_representation, interested_before)
		VALUES ($1, $2, $3)
		ON CONFLICT (scanner_pk, handle_representation)
		DO UPDATE SET interested_before = EXCLUDED.interested_before`
	listCheckups = `
		SELECT scanner_pk, handle_representation, interested_before
		FROM scheduled_checkups
		WHERE scanner_pk = $1
		ORDER BY id`
	deleteScannerCheckups = `DELETE FROM scheduled_checkups WHERE scanner_pk = $1`
)

// Apply decides and performs the change for one observation in a single
// transaction.
func (s *checkupStore) Apply(
	ctx context.Context,
	scannerPK int64,
	handleJSON []byte,
	obs checkup.Observation,
	scanTime time.Time,
) (checkup.Action, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("scanner_pk", scannerPK),
		attribute.Int("handle_length", len(handleJSON)),
	)

	var action checkup.Action
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.apply_checkup", dbAttrs, func(ctx context.Context) error {
		span := trace.SpanFromContext(ctx)

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		var id int64
		exists := true
		if err := tx.QueryRow(ctx, lockCheckup, scannerPK, string(handleJSON)).Scan(&id); err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("lock checkup error: %w", err)
			}
			exists = false
		}

		action = checkup.Decide(exists, obs)
		span.SetAttributes(
			attribute.Bool("exists", exists),
			attribute.String("action", action.String()),
		)

		before := pgtype.Timestamptz{Time: scanTime, Valid: !scanTime.IsZero()}
		switch action {
		case checkup.ActionNone:
			return nil
		case checkup.ActionTouch:
			_, err = tx.Exec(ctx, touchCheckup, id, before)
		case checkup.ActionDelete:
			_, err = tx.Exec(ctx, deleteCheckup, id)
		case checkup.ActionCreate:
			_, err = tx.Exec(ctx, createCheckup, scannerPK, string(handleJSON), before)
		}
		if err != nil {
			return fmt.Errorf("%s checkup error: %w", action, err)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return checkup.ActionNone, err
	}
	return action, nil
}

func (s *checkupStore) ListForScanner(ctx context.Context, scannerPK int64) ([]checkup.ScheduledCheckup, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("scanner_pk", scannerPK))

	var checkups []checkup.ScheduledCheckup
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_checkups", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, listCheckups, scannerPK)
		if err != nil {
			return fmt.Errorf("list checkups query error: %w", err)
		}
		checkups, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (checkup.ScheduledCheckup, error) {
			var (
				c      checkup.ScheduledCheckup
				handle string
				before pgtype.Timestamptz
			)
			if err := row.Scan(&c.ScannerPK, &handle, &before); err != nil {
				return c, err
			}
			c.HandleJSON = []byte(handle)
			if before.Valid {
				t := before.Time
				c.InterestedBefore = &t
			}
			return c, nil
		})
		if err != nil {
			return fmt.Errorf("list checkups scan error: %w", err)
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("checkup_count", len(checkups)))
		return nil
	})
	return checkups, err
}

func (s *checkupStore) DeleteForScanner(ctx context.Context, scannerPK int64) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("scanner_pk", scannerPK))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_checkups", dbAttrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, deleteScannerCheckups, scannerPK)
		if err != nil {
			return fmt.Errorf("delete checkups error: %w", err)
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("rows_affected", tag.RowsAffected()))
		return nil
	})
}
