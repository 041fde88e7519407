package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/inboundq/internal/config"
	"github.com/nextlevelbuilder/inboundq/migrations"
)

var (
	migrationsDir   string
	migrateDatabase string
)

// migrateDialect picks the database the migrate commands act on: the flag
// if set, else postgres when any backend uses it, else sqlite.
func migrateDialect(cfg *config.Config) (string, error) {
	switch migrateDatabase {
	case migrations.Postgres, migrations.SQLite:
		return migrateDatabase, nil
	case "":
	default:
		return "", fmt.Errorf("unknown --database %q (want postgres or sqlite)", migrateDatabase)
	}
	if cfg.Buffer.Backend == config.BackendPostgres || cfg.Queue.Backend == config.BackendPostgres {
		return migrations.Postgres, nil
	}
	if cfg.Buffer.Backend == config.BackendSQLite || cfg.Queue.Backend == config.BackendSQLite {
		return migrations.SQLite, nil
	}
	return "", errors.New("no SQL backend configured (set --database)")
}

// databaseURL returns the golang-migrate URL for dialect. The Postgres DSN
// comes from the environment only, never the config file.
func databaseURL(cfg *config.Config, dialect string) (string, error) {
	if dialect == migrations.SQLite {
		return "sqlite://" + config.ExpandHome(cfg.Buffer.SQLitePath), nil
	}
	if cfg.Database.PostgresDSN == "" {
		return "", errors.New("INBOUNDQ_POSTGRES_DSN environment variable is not set")
	}
	return cfg.Database.PostgresDSN, nil
}

// migrationSource reads the migrations compiled into the binary, or the
// directory given by --migrations-dir.
func migrationSource(dialect string) (source.Driver, error) {
	if migrationsDir == "" {
		return migrations.Source(dialect)
	}
	return iofs.New(os.DirFS(migrationsDir), ".")
}

func newMigrator() (*migrate.Migrate, string, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	dialect, err := migrateDialect(cfg)
	if err != nil {
		return nil, "", err
	}
	url, err := databaseURL(cfg, dialect)
	if err != nil {
		return nil, "", err
	}
	src, err := migrationSource(dialect)
	if err != nil {
		return nil, "", fmt.Errorf("read migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return nil, "", fmt.Errorf("create migrator: %w", err)
	}
	return m, dialect, nil
}

// withMigrator opens a migrator for the duration of run.
func withMigrator(run func(m *migrate.Migrate, dialect string, args []string) error) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, args []string) error {
		m, dialect, err := newMigrator()
		if err != nil {
			return err
		}
		defer m.Close()
		return run(m, dialect, args)
	}
}

// ignoreNoChange treats an already-current schema as success.
func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
		Long:  "Apply the schema shipped in the binary. The sqlite backend also migrates itself on open.",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "read migrations from this directory instead of the embedded set")
	cmd.PersistentFlags().StringVar(&migrateDatabase, "database", "", "postgres or sqlite (default: from the configured backends)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withMigrator(func(m *migrate.Migrate, dialect string, _ []string) error {
			if err := ignoreNoChange(m.Up()); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			v, dirty, _ := m.Version()
			slog.Info("migration complete", "database", dialect, "version", v, "dirty", dirty)
			return nil
		}),
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: withMigrator(func(m *migrate.Migrate, dialect string, _ []string) error {
			if err := ignoreNoChange(m.Steps(-max(steps, 1))); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			v, dirty, _ := m.Version()
			slog.Info("rollback complete", "database", dialect, "version", v, "dirty", dirty)
			return nil
		}),
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the applied and shipped migration versions",
		RunE: withMigrator(func(m *migrate.Migrate, dialect string, _ []string) error {
			latest, err := migrations.Latest(dialect)
			if err != nil {
				return err
			}
			v, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Printf("%s: not migrated, latest: %d\n", dialect, latest)
				return nil
			}
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			fmt.Printf("%s: version: %d, latest: %d, dirty: %v\n", dialect, v, latest, dirty)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Force set migration version (no migration applied)",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(m *migrate.Migrate, dialect string, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			if err := m.Force(version); err != nil {
				return fmt.Errorf("force version: %w", err)
			}
			slog.Info("forced version", "database", dialect, "version", version)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "goto <version>",
		Short: "Migrate to a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(m *migrate.Migrate, dialect string, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			if err := ignoreNoChange(m.Migrate(uint(version))); err != nil {
				return fmt.Errorf("migrate goto: %w", err)
			}
			slog.Info("migrated to version", "database", dialect, "version", version)
			return nil
		}),
	})

	return cmd
}
