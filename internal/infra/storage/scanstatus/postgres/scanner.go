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

	"github.com/os2datascanner/engine/internal/domain/scanstatus"
	"github.com/os2datascanner/engine/internal/infra/storage"
)

var _ scanstatus.ScannerRepository = (*scannerStore)(nil)

type scannerStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewScannerStore creates a PostgreSQL-backed scanner repository.
func NewScannerStore(pool *pgxpool.Pool, tracer trace.Tracer) *scannerStore {
	return &scannerStore{db: pool, tracer: tracer}
}

func (r *scannerStore) EnsureScanner(ctx context.Context, pk int64, name string) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("scanner_pk", pk))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.ensure_scanner", dbAttrs, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			INSERT INTO scanners (pk, name) VALUES ($1, $2)
			ON CONFLICT (pk) DO UPDATE SET name = EXCLUDED.name
			WHERE EXCLUDED.name <> ''`, pk, name)
		if err != nil {
			return fmt.Errorf("ensure scanner error: %w", err)
		}
		return nil
	})
}

func (r *scannerStore) MarkRun(ctx context.Context, pk int64, t time.Time) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("scanner_pk", pk))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.mark_scanner_run", dbAttrs, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			INSERT INTO scanners (pk, e2_last_run_at) VALUES ($1, $2)
			ON CONFLICT (pk) DO UPDATE SET e2_last_run_at = EXCLUDED.e2_last_run_at`,
			pk, pgtype.Timestamptz{Time: t, Valid: true})
		if err != nil {
			return fmt.Errorf("mark scanner run error: %w", err)
		}
		return nil
	})
}

func (r *scannerStore) LastRun(ctx context.Context, pk int64) (*time.Time, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("scanner_pk", pk))

	var last *time.Time
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_scanner_last_run", dbAttrs, func(ctx context.Context) error {
		var ts pgtype.Timestamptz
		err := r.db.QueryRow(ctx, `SELECT e2_last_run_at FROM scanners WHERE pk = $1`, pk).Scan(&ts)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("get scanner last run error: %w", err)
		}
		if ts.Valid {
			t := ts.Time
			last = &t
		}
		return nil
	})
	return last, err
}
