// Package migrations embeds the schema for the SQL backends. Each dialect has
// its own numbered golang-migrate files; both define the same tables.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Source returns the embedded migrations for dialect.
func Source(dialect string) (source.Driver, error) {
	if dialect != Postgres && dialect != SQLite {
		return nil, fmt.Errorf("migrations: unknown dialect %q", dialect)
	}
	return iofs.New(files, dialect)
}

// Latest returns the highest migration version shipped for dialect.
func Latest(dialect string) (uint, error) {
	src, err := Source(dialect)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("migrations: %s: %w", dialect, err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("migrations: %s: %w", dialect, err)
		}
		v = next
	}
}
