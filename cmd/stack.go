package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/config"
	"github.com/nextlevelbuilder/inboundq/internal/coordinator"
	"github.com/nextlevelbuilder/inboundq/internal/dispatch"
	"github.com/nextlevelbuilder/inboundq/internal/store"
	"github.com/nextlevelbuilder/inboundq/internal/store/dynamo"
	"github.com/nextlevelbuilder/inboundq/internal/store/memory"
	"github.com/nextlevelbuilder/inboundq/internal/store/pg"
	"github.com/nextlevelbuilder/inboundq/internal/store/rabbitmq"
	"github.com/nextlevelbuilder/inboundq/internal/store/sqlite"
)

// queueConfig maps the config file section onto the backend-neutral tuning.
func queueConfig(cfg *config.Config) store.QueueConfig {
	prefetch := cfg.Queue.AMQP.Prefetch
	if prefetch <= 0 {
		prefetch = cfg.Worker.Concurrency
	}
	return store.QueueConfig{
		Name:         cfg.Queue.Name,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  cfg.Queue.BackoffBaseDuration(),
		BackoffMax:   cfg.Queue.BackoffMaxDuration(),
		Lease:        cfg.Queue.LeaseDuration(),
		PollInterval: cfg.Queue.PollDuration(),
		Prefetch:     prefetch,
	}.WithDefaults()
}

// openStores builds the buffer store and job queue for the configured
// backends. A backend used by both sides (sqlite, postgres) shares one handle.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, error) {
	s := &store.Stores{}
	qcfg := queueConfig(cfg)

	var (
		sqliteDB *sqlx.DB
		pgDB     *sql.DB
	)
	sqliteHandle := func() (*sqlx.DB, error) {
		if sqliteDB != nil {
			return sqliteDB, nil
		}
		path := config.ExpandHome(cfg.Buffer.SQLitePath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		db, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		s.OnClose(db.Close)
		sqliteDB = db
		return db, nil
	}
	pgHandle := func() (*sql.DB, error) {
		if pgDB != nil {
			return pgDB, nil
		}
		db, err := pg.OpenDB(cfg.Database.PostgresDSN, cfg.Database.MaxOpenConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s.OnClose(db.Close)
		pgDB = db
		return db, nil
	}
	fail := func(err error) (*store.Stores, error) {
		s.Close()
		return nil, err
	}

	switch cfg.Buffer.Backend {
	case config.BackendMemory:
		s.Buffers = memory.NewBufferStore()
	case config.BackendSQLite:
		db, err := sqliteHandle()
		if err != nil {
			return fail(err)
		}
		s.Buffers = sqlite.NewBufferStore(db)
	case config.BackendPostgres:
		db, err := pgHandle()
		if err != nil {
			return fail(err)
		}
		s.Buffers = pg.NewPGBufferStore(db)
	case config.BackendDynamoDB:
		b, err := dynamo.NewFromConfig(ctx, cfg.Buffer.DynamoRegion, cfg.Buffer.DynamoEndpoint, cfg.Buffer.DynamoTable)
		if err != nil {
			return fail(err)
		}
		s.Buffers = b
	default:
		return fail(fmt.Errorf("unknown buffer backend %q", cfg.Buffer.Backend))
	}

	switch cfg.Queue.Backend {
	case config.BackendMemory:
		q := memory.NewJobQueue(qcfg)
		s.Jobs, s.Admin = q, q
	case config.BackendSQLite:
		db, err := sqliteHandle()
		if err != nil {
			return fail(err)
		}
		q := sqlite.NewJobQueue(db, qcfg)
		s.Jobs, s.Admin = q, q
	case config.BackendPostgres:
		db, err := pgHandle()
		if err != nil {
			return fail(err)
		}
		q := pg.NewPGJobQueue(db, qcfg)
		s.Jobs, s.Admin = q, q
	case config.BackendAMQP:
		q, err := rabbitmq.New(ctx, rabbitmq.Config{
			URL:      cfg.Queue.AMQP.URL,
			Exchange: cfg.Queue.AMQP.Exchange,
			Queue:    qcfg,
		})
		if err != nil {
			return fail(err)
		}
		s.Jobs = q
	default:
		return fail(fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend))
	}

	slog.Info("stores ready", "buffer", cfg.Buffer.Backend, "queue", cfg.Queue.Backend, "queue_name", qcfg.Name)
	return s, nil
}

// stack is everything a process needs to accept and dispatch messages.
type stack struct {
	cfg    *config.Config
	stores *store.Stores
	hub    *bus.Hub
	coord  *coordinator.Coordinator
}

func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	stores, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pipeline, err := dispatch.New(dispatch.Options{
		Mode:  cfg.Dispatch.Mode,
		URL:   cfg.Dispatch.URL,
		Token: cfg.Dispatch.Token,
	})
	if err != nil {
		stores.Close()
		return nil, err
	}

	hub := bus.NewHub()
	coord := coordinator.New(coordinator.Config{
		Delay:           cfg.Debounce.Delay(),
		DispatchTimeout: cfg.DispatchTimeout(),
		ResidualPolicy:  cfg.Debounce.ResidualPolicy,
	}, stores.Buffers, stores.Jobs, pipeline, coordinator.WithEvents(hub))

	return &stack{cfg: cfg, stores: stores, hub: hub, coord: coord}, nil
}
