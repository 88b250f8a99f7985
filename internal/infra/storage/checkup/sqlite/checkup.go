// Package sqlite stores scheduled checkups in a local SQLite file, for
// single-node deployments that run the collectors without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/domain/checkup"
	"github.com/os2datascanner/engine/internal/infra/storage"
)

var _ checkup.Repository = (*CheckupStore)(nil)

// CheckupStore implements checkup.Repository on SQLite. The database allows
// a single connection, so transactions never interleave.
type CheckupStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "sqlite"),
}

// Open opens (creating if needed) the database at path and migrates it.
// ":memory:" gives a private in-memory database.
func Open(path string, tracer trace.Tracer) (*CheckupStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// The migrate driver closes db when closed, so it is left open.
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create sqlite driver: %w", err)
	}
	if err := storage.Migrate(driver, "sqlite3", "migrations/sqlite"); err != nil {
		db.Close()
		return nil, err
	}
	return &CheckupStore{db: db, tracer: tracer}, nil
}

func (s *CheckupStore) Close() error { return s.db.Close() }

func (s *CheckupStore) Apply(
	ctx context.Context,
	scannerPK int64,
	handleJSON []byte,
	obs checkup.Observation,
	scanTime time.Time,
) (checkup.Action, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("scanner_pk", scannerPK))

	var action checkup.Action
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.apply_checkup", dbAttrs, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback()

		var id int64
		exists := true
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM scheduled_checkups WHERE scanner_pk = ? AND handle_representation = ?`,
			scannerPK, string(handleJSON),
		).Scan(&id)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("select checkup error: %w", err)
			}
			exists = false
		}

		action = checkup.Decide(exists, obs)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("action", action.String()))

		before := sql.NullTime{Time: scanTime.UTC(), Valid: !scanTime.IsZero()}
		switch action {
		case checkup.ActionNone:
			return nil
		case checkup.ActionTouch:
			_, err = tx.ExecContext(ctx, `UPDATE scheduled_checkups SET interested_before = ? WHERE id = ?`, before, id)
		case checkup.ActionDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM scheduled_checkups WHERE id = ?`, id)
		case checkup.ActionCreate:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO scheduled_checkups (scanner_pk, handle_representation, interested_before) VALUES (?, ?, ?)`,
				scannerPK, string(handleJSON), before)
		}
		if err != nil {
			return fmt.Errorf("%s checkup error: %w", action, err)
		}
		return tx.Commit()
	})
	if err != nil {
		return checkup.ActionNone, err
	}
	return action, nil
}

func (s *CheckupStore) ListForScanner(ctx context.Context, scannerPK int64) ([]checkup.ScheduledCheckup, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("scanner_pk", scannerPK))

	var checkups []checkup.ScheduledCheckup
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.list_checkups", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT scanner_pk, handle_representation, interested_before
			 FROM scheduled_checkups WHERE scanner_pk = ? ORDER BY id`, scannerPK)
		if err != nil {
			return fmt.Errorf("list checkups query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				c      checkup.ScheduledCheckup
				handle string
				before sql.NullTime
			)
			if err := rows.Scan(&c.ScannerPK, &handle, &before); err != nil {
				return fmt.Errorf("list checkups scan error: %w", err)
			}
			c.HandleJSON = []byte(handle)
			if before.Valid {
				t := before.Time
				c.InterestedBefore = &t
			}
			checkups = append(checkups, c)
		}
		return rows.Err()
	})
	return checkups, err
}

func (s *CheckupStore) DeleteForScanner(ctx context.Context, scannerPK int64) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("scanner_pk", scannerPK))

	return storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.delete_checkups", dbAttrs, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_checkups WHERE scanner_pk = ?`, scannerPK); err != nil {
			return fmt.Errorf("delete checkups error: %w", err)
		}
		return nil
	})
}
