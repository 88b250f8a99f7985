package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/domain/checkup"
	"github.com/os2datascanner/engine/internal/domain/events"
	"github.com/os2datascanner/engine/internal/domain/scanstatus"
	"github.com/os2datascanner/engine/internal/infra/eventbus/amqp"
	"github.com/os2datascanner/engine/internal/infra/eventbus/kafka"
	"github.com/os2datascanner/engine/internal/infra/eventbus/memory"
	"github.com/os2datascanner/engine/internal/infra/storage"
	checkupStore "github.com/os2datascanner/engine/internal/infra/storage/checkup/postgres"
	checkupLite "github.com/os2datascanner/engine/internal/infra/storage/checkup/sqlite"
	statusStore "github.com/os2datascanner/engine/internal/infra/storage/scanstatus/postgres"
	"github.com/os2datascanner/engine/pkg/common/logger"
	"github.com/os2datascanner/engine/pkg/config"
)

var errNoDatabase = errors.New("database.url is not configured")

// connectBroker dials the configured broker. role names the consumer group
// and client of this process.
func (a *app) connectBroker(ctx context.Context, role string, log *logger.Logger, m events.Metrics, tracer trace.Tracer) (events.Broker, error) {
	switch a.cfg.Broker.Driver {
	case config.BrokerAMQP:
		b, err := amqp.ConnectWithRetry(ctx, &amqp.Config{
			URL:       a.cfg.AMQP.DSN(),
			Heartbeat: a.cfg.AMQP.Heartbeat,
		}, log, m, tracer)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BrokerKafka:
		b, err := kafka.ConnectWithRetry(ctx, &kafka.Config{
			Brokers:  a.cfg.Kafka.Brokers,
			GroupID:  fmt.Sprintf("%s-%s", a.cfg.Kafka.GroupID, role),
			ClientID: fmt.Sprintf("%s-%s", role, a.hostname),
			Hostname: a.hostname,
		}, log, m, tracer)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BrokerMemory:
		log.Warn(ctx, "using the in-process broker: messages never leave this process")
		return memory.NewBroker(), nil
	}
	return nil, fmt.Errorf("unknown broker driver %q", a.cfg.Broker.Driver)
}

// stores are the repositories of one process. Any of them may be nil when
// the configuration does not provide a database for it.
type stores struct {
	checkups checkup.Repository
	statuses scanstatus.Repository
	scanners scanstatus.ScannerRepository

	closers []func() error
}

func (s *stores) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// openStores opens the Postgres stores when database.url is set and, with
// the sqlite driver, the SQLite checkup store. Missing databases leave the
// corresponding repositories nil.
func (a *app) openStores(ctx context.Context, log *logger.Logger, tracer trace.Tracer) (*stores, error) {
	s := &stores{}

	var pool *pgxpool.Pool
	if a.cfg.Database.URL != "" {
		var err error
		pool, err = storage.NewPool(ctx, storage.PoolConfig{
			DSN:      a.cfg.Database.URL,
			MinConns: a.cfg.Database.MinConns,
			MaxConns: a.cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { pool.Close(); return nil })

		if err := storage.RunMigrations(pool); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info(ctx, "Migrations applied successfully")

		s.statuses = statusStore.NewStatusStore(pool, tracer)
		s.scanners = statusStore.NewScannerStore(pool, tracer)
	}

	switch a.cfg.Database.Driver {
	case config.DatabaseSQLite:
		lite, err := checkupLite.Open(a.cfg.Database.Path, tracer)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.closers = append(s.closers, lite.Close)
		s.checkups = lite
	case config.DatabasePostgres:
		if pool != nil {
			s.checkups = checkupStore.NewCheckupStore(pool, tracer)
		}
	}
	return s, nil
}
