package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/scanstatus"
	"github.com/os2datascanner/engine/internal/infra/storage"
)

// statusStore implements scanstatus.Repository using PostgreSQL. Scans are
// keyed by the canonical JSON encoding of their scan tag.
var _ scanstatus.Repository = (*statusStore)(nil)

type statusStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewStatusStore creates a PostgreSQL-backed scan status repository.
func NewStatusStore(pool *pgxpool.Pool, tracer trace.Tracer) *statusStore {
	return &statusStore{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const statusColumns = `
	id, scan_tag, scanner_pk, total_sources, explored_sources, total_objects,
	scanned_objects, scanned_size, matches_found, message, status_is_error,
	last_modified, resolved`

func scanStatus(row pgx.Row) (*scanstatus.ScanStatus, error) {
	var (
		s   scanstatus.ScanStatus
		tag string
	)
	err := row.Scan(
		&s.ID, &tag, &s.ScannerPK, &s.TotalSources, &s.ExploredSources, &s.TotalObjects,
		&s.ScannedObjects, &s.ScannedSize, &s.MatchesFound, &s.Message, &s.StatusIsError,
		&s.LastModified, &s.Resolved,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tag), &s.ScanTag); err != nil {
		return nil, fmt.Errorf("decoding stored scan tag: %w", err)
	}
	return &s, nil
}

func tagAttributes(tag messages.ScanTag) []attribute.KeyValue {
	return append(
		defaultDBAttributes,
		attribute.Int64("scanner_pk", tag.Scanner.PK),
		attribute.String("scan_time", tag.Time.Format(time.RFC3339)),
	)
}

func (r *statusStore) Create(ctx context.Context, s *scanstatus.ScanStatus) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_scan_status", tagAttributes(s.ScanTag), func(ctx context.Context) error {
		err := r.db.QueryRow(ctx, `
			INSERT INTO scan_statuses (
				scan_tag, scanner_pk, total_sources, explored_sources, total_objects,
				scanned_objects, scanned_size, matches_found, message, status_is_error,
				last_modified, resolved
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id`,
			s.ScanTag.Key(), s.ScannerPK, s.TotalSources, s.ExploredSources, s.TotalObjects,
			s.ScannedObjects, s.ScannedSize, s.MatchesFound, s.Message, s.StatusIsError,
			s.LastModified, s.Resolved,
		).Scan(&s.ID)
		if err != nil {
			return fmt.Errorf("create scan status error: %w", err)
		}
		return nil
	})
}

func (r *statusStore) Get(ctx context.Context, tag messages.ScanTag) (*scanstatus.ScanStatus, error) {
	var status *scanstatus.ScanStatus
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_scan_status", tagAttributes(tag), func(ctx context.Context) error {
		var err error
		status, err = scanStatus(r.db.QueryRow(ctx,
			`SELECT `+statusColumns+` FROM scan_statuses WHERE scan_tag = $1`, tag.Key()))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanstatus.ErrNotFound
			}
			return fmt.Errorf("get scan status error: %w", err)
		}
		return nil
	})
	return status, err
}

// Update holds the row lock from the read until the commit, so status
// messages for one scan are applied one at a time.
func (r *statusStore) Update(
	ctx context.Context,
	tag messages.ScanTag,
	fn func(*scanstatus.ScanStatus) (bool, error),
) (*scanstatus.ScanStatus, error) {
	var status *scanstatus.ScanStatus
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_scan_status", tagAttributes(tag), func(ctx context.Context) error {
		tx, err := r.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		status, err = scanStatus(tx.QueryRow(ctx,
			`SELECT `+statusColumns+` FROM scan_statuses WHERE scan_tag = $1 FOR UPDATE`, tag.Key()))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanstatus.ErrNotFound
			}
			return fmt.Errorf("lock scan status error: %w", err)
		}

		snapshot, err := fn(status)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE scan_statuses SET
				total_sources = $2, explored_sources = $3, total_objects = $4,
				scanned_objects = $5, scanned_size = $6, matches_found = $7,
				message = $8, status_is_error = $9, last_modified = $10, resolved = $11
			WHERE id = $1`,
			status.ID, status.TotalSources, status.ExploredSources, status.TotalObjects,
			status.ScannedObjects, status.ScannedSize, status.MatchesFound,
			status.Message, status.StatusIsError, status.LastModified, status.Resolved,
		)
		if err != nil {
			return fmt.Errorf("update scan status error: %w", err)
		}

		if snapshot {
			snap := status.Snapshot(time.Now())
			_, err = tx.Exec(ctx, `
				INSERT INTO scan_status_snapshots (
					scan_status_id, time_stamp, total_sources, explored_sources,
					total_objects, scanned_objects, scanned_size
				) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				snap.ScanStatusID, snap.TimeStamp, snap.TotalSources, snap.ExploredSources,
				snap.TotalObjects, snap.ScannedObjects, snap.ScannedSize,
			)
			if err != nil {
				return fmt.Errorf("create snapshot error: %w", err)
			}
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("snapshot", snapshot))

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (r *statusStore) Delete(ctx context.Context, tag messages.ScanTag) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_scan_status", tagAttributes(tag), func(ctx context.Context) error {
		res, err := r.db.Exec(ctx, `DELETE FROM scan_statuses WHERE scan_tag = $1`, tag.Key())
		if err != nil {
			return fmt.Errorf("delete scan status error: %w", err)
		}
		if res.RowsAffected() == 0 {
			return scanstatus.ErrNotFound
		}
		return nil
	})
}

func (r *statusStore) ListSnapshots(ctx context.Context, tag messages.ScanTag) ([]scanstatus.Snapshot, error) {
	var snapshots []scanstatus.Snapshot
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_snapshots", tagAttributes(tag), func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT sn.scan_status_id, sn.time_stamp, sn.total_sources, sn.explored_sources,
				sn.total_objects, sn.scanned_objects, sn.scanned_size
			FROM scan_status_snapshots sn
			JOIN scan_statuses st ON st.id = sn.scan_status_id
			WHERE st.scan_tag = $1
			ORDER BY sn.time_stamp, sn.id`, tag.Key())
		if err != nil {
			return fmt.Errorf("list snapshots query error: %w", err)
		}
		snapshots, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (scanstatus.Snapshot, error) {
			var sn scanstatus.Snapshot
			err := row.Scan(&sn.ScanStatusID, &sn.TimeStamp, &sn.TotalSources, &sn.ExploredSources,
				&sn.TotalObjects, &sn.ScannedObjects, &sn.ScannedSize)
			return sn, err
		})
		if err != nil {
			return fmt.Errorf("list snapshots scan error: %w", err)
		}
		return nil
	})
	return snapshots, err
}

func (r *statusStore) ListStale(ctx context.Context, before time.Time) ([]*scanstatus.ScanStatus, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("before", before.Format(time.RFC3339)))

	var statuses []*scanstatus.ScanStatus
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_stale_scan_statuses", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx,
			`SELECT `+statusColumns+` FROM scan_statuses
			 WHERE NOT resolved AND last_modified < $1
			 ORDER BY last_modified`, before)
		if err != nil {
			return fmt.Errorf("list stale query error: %w", err)
		}
		statuses, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*scanstatus.ScanStatus, error) {
			return scanStatus(row)
		})
		if err != nil {
			return fmt.Errorf("list stale scan error: %w", err)
		}
		return nil
	})
	return statuses, err
}
