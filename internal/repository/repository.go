package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/crownsmarket/deployer/internal/config"
	"github.com/crownsmarket/deployer/internal/database"
	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the run history operations.
type Repository interface {
	CreateRun(ctx context.Context, r *Run) error
	FinishRun(ctx context.Context, runID string, u RunUpdate) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	// ListRuns returns the most recent runs first. An empty network lists
	// every network; limit <= 0 means no limit.
	ListRuns(ctx context.Context, network string, limit int) ([]*Run, error)

	AddStep(ctx context.Context, s *Step) error
	ListSteps(ctx context.Context, runID string) ([]Step, error)

	Close() error
}

// Open connects the store selected by cfg and applies its migrations. It
// returns a nil Repository when no store is configured.
func Open(ctx context.Context, cfg config.StoreConfig) (Repository, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil

	case "sqlite":
		db, err := database.NewSQLite(cfg.Path)
		if err != nil {
			return nil, deperrors.WrapConfiguration("open history store", err)
		}
		if err := db.RunMigrations(); err != nil {
			db.Close()
			return nil, deperrors.WrapConfiguration("migrate history store", err)
		}
		return NewSQLiteRepository(db), nil

	case "postgres":
		db, err := database.NewPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, deperrors.WrapConfiguration("open history store", err)
		}
		if err := db.RunMigrations(); err != nil {
			db.Close()
			return nil, deperrors.WrapConfiguration("migrate history store", err)
		}
		return NewPostgresRepository(db), nil

	default:
		return nil, deperrors.NewConfigurationError("unknown store driver %q", cfg.Driver)
	}
}

func notFound(op, runID string) error {
	return fmt.Errorf("%s %s: %w", op, runID, ErrNotFound)
}
