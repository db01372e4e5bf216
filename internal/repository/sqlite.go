package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crownsmarket/deployer/internal/database"
)

// SQLiteRepository implements Repository on a local SQLite file.
type SQLiteRepository struct {
	db    *sql.DB
	close func() error
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *database.SQLite) *SQLiteRepository {
	return &SQLiteRepository{db: db.DB(), close: db.Close}
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func addressesOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// CreateRun inserts a new run record.
func (r *SQLiteRepository) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	query := `
		INSERT INTO runs (id, run_id, network, network_id, from_address, status, error_message, error_kind, addresses, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		run.ID.String(), run.RunID, run.Network, run.NetworkID, run.From, string(run.Status),
		nullString(run.ErrorMessage), nullString(run.ErrorKind), addressesOrEmpty(run.Addresses),
		formatTime(run.StartedAt), nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("CreateRun: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (r *SQLiteRepository) FinishRun(ctx context.Context, runID string, u RunUpdate) error {
	query := `
		UPDATE runs
		SET status = ?, error_message = ?, error_kind = ?, addresses = ?, finished_at = ?
		WHERE run_id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(u.Status), nullString(u.ErrorMessage), nullString(u.ErrorKind),
		addressesOrEmpty(u.Addresses), formatTime(u.FinishedAt), runID,
	)
	if err != nil {
		return fmt.Errorf("FinishRun: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("FinishRun: %w", err)
	}
	if n == 0 {
		return notFound("FinishRun", runID)
	}
	return nil
}

const selectRuns = `
	SELECT id, run_id, network, network_id, from_address, status, error_message, error_kind, addresses, started_at, finished_at
	FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*Run, error) {
	var (
		run               Run
		id, status, addrs string
		started           string
		errMsg, errKind   sql.NullString
		finished          sql.NullString
	)
	if err := row.Scan(&id, &run.RunID, &run.Network, &run.NetworkID, &run.From, &status,
		&errMsg, &errKind, &addrs, &started, &finished); err != nil {
		return nil, err
	}

	var err error
	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		run.FinishedAt = &t
	}
	run.Status = Status(status)
	run.ErrorMessage = stringPtr(errMsg)
	run.ErrorKind = stringPtr(errKind)
	run.Addresses = json.RawMessage(addrs)
	return &run, nil
}

// GetRun retrieves a run by its run id.
func (r *SQLiteRepository) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, selectRuns+` WHERE run_id = ?`, runID)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("GetRun", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("GetRun: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, most recent first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, network string, limit int) ([]*Run, error) {
	query := selectRuns + ` WHERE (? = '' OR network = ?) ORDER BY started_at DESC, run_id DESC`
	args := []any{network, network}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListRuns: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRuns scan: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AddStep records an executed step.
func (r *SQLiteRepository) AddStep(ctx context.Context, s *Step) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO run_steps (id, run_id, position, kind, step, address, tx_hash, gas_used, block_number, duration_ms, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		s.ID.String(), s.RunID, s.Position, s.Kind, s.Step, s.Address, s.TxHash,
		int64(s.GasUsed), int64(s.BlockNumber), s.Duration.Milliseconds(),
		nullString(s.ErrorMessage), formatTime(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("AddStep: %w", err)
	}
	return nil
}

// ListSteps retrieves the steps of a run in plan order.
func (r *SQLiteRepository) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	query := `
		SELECT id, run_id, position, kind, step, address, tx_hash, gas_used, block_number, duration_ms, error_message, created_at
		FROM run_steps
		WHERE run_id = ?
		ORDER BY position`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("ListSteps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			s              Step
			id, created    string
			gas, block, ms int64
			errMsg         sql.NullString
		)
		if err := rows.Scan(&id, &s.RunID, &s.Position, &s.Kind, &s.Step, &s.Address, &s.TxHash,
			&gas, &block, &ms, &errMsg, &created); err != nil {
			return nil, fmt.Errorf("ListSteps scan: %w", err)
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("ListSteps parse id: %w", err)
		}
		if s.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("ListSteps parse created_at: %w", err)
		}
		s.GasUsed = uint64(gas)
		s.BlockNumber = uint64(block)
		s.Duration = time.Duration(ms) * time.Millisecond
		s.ErrorMessage = stringPtr(errMsg)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.close()
}
