package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crownsmarket/deployer/internal/database"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool  *pgxpool.Pool
	close func()
}

// NewPostgresRepository creates a repository over an open, migrated database.
func NewPostgresRepository(db *database.Postgres) *PostgresRepository {
	return &PostgresRepository{pool: db.Pool(), close: db.Close}
}

// CreateRun inserts a new run record.
func (r *PostgresRepository) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	query := `
		INSERT INTO runs (id, run_id, network, network_id, from_address, status, error_message, error_kind, addresses, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.pool.Exec(ctx, query,
		run.ID, run.RunID, run.Network, run.NetworkID, run.From, run.Status,
		run.ErrorMessage, run.ErrorKind, addressesOrEmpty(run.Addresses), run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("CreateRun: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (r *PostgresRepository) FinishRun(ctx context.Context, runID string, u RunUpdate) error {
	query := `
		UPDATE runs
		SET status = $2, error_message = $3, error_kind = $4, addresses = $5, finished_at = $6
		WHERE run_id = $1`

	result, err := r.pool.Exec(ctx, query, runID, u.Status, u.ErrorMessage, u.ErrorKind, addressesOrEmpty(u.Addresses), u.FinishedAt)
	if err != nil {
		return fmt.Errorf("FinishRun: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notFound("FinishRun", runID)
	}
	return nil
}

func scanPostgresRun(row pgx.Row) (*Run, error) {
	var (
		run   Run
		addrs string
	)
	if err := row.Scan(&run.ID, &run.RunID, &run.Network, &run.NetworkID, &run.From, &run.Status,
		&run.ErrorMessage, &run.ErrorKind, &addrs, &run.StartedAt, &run.FinishedAt); err != nil {
		return nil, err
	}
	run.Addresses = []byte(addrs)
	return &run, nil
}

const selectPostgresRuns = `
	SELECT id, run_id, network, network_id, from_address, status, error_message, error_kind, addresses::text, started_at, finished_at
	FROM runs`

// GetRun retrieves a run by its run id.
func (r *PostgresRepository) GetRun(ctx context.Context, runID string) (*Run, error) {
	run, err := scanPostgresRun(r.pool.QueryRow(ctx, selectPostgresRuns+` WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("GetRun", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("GetRun: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, most recent first.
func (r *PostgresRepository) ListRuns(ctx context.Context, network string, limit int) ([]*Run, error) {
	query := selectPostgresRuns + ` WHERE ($1 = '' OR network = $1) ORDER BY started_at DESC, run_id DESC`
	args := []any{network}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListRuns: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanPostgresRun(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRuns scan: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AddStep records an executed step.
func (r *PostgresRepository) AddStep(ctx context.Context, s *Step) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	query := `
		INSERT INTO run_steps (id, run_id, position, kind, step, address, tx_hash, gas_used, block_number, duration_ms, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`

	err := r.pool.QueryRow(ctx, query,
		s.ID, s.RunID, s.Position, s.Kind, s.Step, s.Address, s.TxHash,
		int64(s.GasUsed), int64(s.BlockNumber), s.Duration.Milliseconds(), s.ErrorMessage,
	).Scan(&s.CreatedAt)
	if err != nil {
		return fmt.Errorf("AddStep: %w", err)
	}
	return nil
}

// ListSteps retrieves the steps of a run in plan order.
func (r *PostgresRepository) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	query := `
		SELECT id, run_id, position, kind, step, address, tx_hash, gas_used, block_number, duration_ms, error_message, created_at
		FROM run_steps
		WHERE run_id = $1
		ORDER BY position`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("ListSteps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			s              Step
			gas, block, ms int64
		)
		if err := rows.Scan(&s.ID, &s.RunID, &s.Position, &s.Kind, &s.Step, &s.Address, &s.TxHash,
			&gas, &block, &ms, &s.ErrorMessage, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListSteps scan: %w", err)
		}
		s.GasUsed = uint64(gas)
		s.BlockNumber = uint64(block)
		s.Duration = time.Duration(ms) * time.Millisecond
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// Close closes the connection pool.
func (r *PostgresRepository) Close() error {
	r.close()
	return nil
}
