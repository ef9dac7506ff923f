package db

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"stackup/internal/errors"
)

// RunRepository handles database operations for run history
type RunRepository struct {
	db *DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create records a run and its per-service results atomically
func (r *RunRepository) Create(ctx context.Context, run *Run) error {
	return r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO runs (id, set_name, backend, outcome, exit_code, target, report, started_at, finished_at)
			VALUES (:id, :set_name, :backend, :outcome, :exit_code, :target, :report, :started_at, :finished_at)`
		if _, err := tx.NamedExecContext(ctx, query, run); err != nil {
			return errors.DatabaseQueryError("insert run", err)
		}

		for i := range run.Results {
			result := run.Results[i]
			result.RunID = run.ID
			query := `
				INSERT INTO service_results (run_id, position, service_id, state, reason, code, installed, started_at, finished_at)
				VALUES (:run_id, :position, :service_id, :state, :reason, :code, :installed, :started_at, :finished_at)`
			if _, err := tx.NamedExecContext(ctx, query, &result); err != nil {
				return errors.DatabaseQueryError("insert service result", err)
			}
		}
		return nil
	})
}

// List returns one page of runs without their service results
func (r *RunRepository) List(ctx context.Context, opts PaginationOptions) (*PaginatedResponse[Run], error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.ValidationFailed("pagination", "", err.Error())
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM runs`); err != nil {
		return nil, errors.DatabaseQueryError("count runs", err)
	}

	query := `
		SELECT id, set_name, backend, outcome, exit_code, target, report, started_at, finished_at
		FROM runs ` + opts.BuildOrderClause() + " " + opts.BuildLimitClause()

	var runs []Run
	if err := r.db.SelectContext(ctx, &runs, query); err != nil {
		return nil, errors.DatabaseQueryError("list runs", err)
	}
	return NewPaginatedResponse(runs, opts, total), nil
}

// Get returns a run with its service results in plan order
func (r *RunRepository) Get(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := r.db.GetContext(ctx, &run, `
		SELECT id, set_name, backend, outcome, exit_code, target, report, started_at, finished_at
		FROM runs
		WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("run", id)
		}
		return nil, errors.DatabaseQueryError("get run", err)
	}

	err = r.db.SelectContext(ctx, &run.Results, `
		SELECT run_id, position, service_id, state, reason, code, installed, started_at, finished_at
		FROM service_results
		WHERE run_id = ?
		ORDER BY position ASC`, id)
	if err != nil {
		return nil, errors.DatabaseQueryError("get service results", err)
	}
	return &run, nil
}

// Latest returns the most recent run, or a NOT_FOUND error when there is none
func (r *RunRepository) Latest(ctx context.Context) (*Run, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `SELECT id FROM runs ORDER BY started_at DESC LIMIT 1`)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("run", "latest")
		}
		return nil, errors.DatabaseQueryError("latest run", err)
	}
	return r.Get(ctx, id)
}
