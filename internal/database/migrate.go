// Package database opens the run history stores and applies their schema.
package database

import (
	"embed"
	"errors"
	"fmt"
	"path"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// newSource returns the embedded migrations of one SQL dialect.
func newSource(dialect string) (source.Driver, error) {
	src, err := iofs.New(migrationsFS, path.Join("migrations", dialect))
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations source: %w", err)
	}
	return src, nil
}

// apply runs all pending migrations when steps is zero, otherwise moves
// steps migrations up (positive) or down (negative). m is closed.
func apply(m *migrate.Migrate, steps int) error {
	defer m.Close()

	var err error
	if steps == 0 {
		err = m.Up()
	} else {
		err = m.Steps(steps)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
