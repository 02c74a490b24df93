package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/persistence/sqlite"
)

// ErrRunNotFound is returned when a run id has no history row
var ErrRunNotFound = errors.New("run not found")

// RunRepository implements port.RunRepository
type RunRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *sqlite.DB, logger *zap.Logger) *RunRepository {
	return &RunRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a run. A run resumed from a checkpoint keeps its id, so an
// existing row is reset to RUNNING instead.
func (r *RunRepository) Create(ctx context.Context, run *entity.RunRecord) error {
	query := `
		INSERT INTO runs (id, file, order_number, status, retry_count, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			order_number = CASE WHEN excluded.order_number = '' THEN runs.order_number ELSE excluded.order_number END,
			error = '',
			finished_at = NULL
	`
	_, err := r.db.Executor(ctx).ExecContext(ctx, query,
		run.ID,
		run.File,
		run.OrderNumber,
		run.Status,
		run.RetryCount,
		run.StartedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create run", zap.String("run_id", run.ID), zap.Error(err))
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Finish records the terminal status of a run
func (r *RunRepository) Finish(ctx context.Context, id, status, errMsg string, finishedAt time.Time, durationSec float64, retryCount, uploaded int) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, finished_at = ?, duration_sec = ?, retry_count = ?, uploaded = ?
		WHERE id = ?
	`
	result, err := r.db.Executor(ctx).ExecContext(ctx, query,
		status, errMsg, finishedAt, durationSec, retryCount, uploaded, id)
	if err != nil {
		r.logger.Error("Failed to finish run", zap.String("run_id", id), zap.Error(err))
		return fmt.Errorf("failed to finish run: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

const runColumns = `id, file, order_number, status, retry_count, error, started_at, finished_at, duration_sec, uploaded`

// GetByID returns one run
func (r *RunRepository) GetByID(ctx context.Context, id string) (*entity.RunRecord, error) {
	row := r.db.Executor(ctx).QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRecent returns the latest runs, newest first
func (r *RunRepository) ListRecent(ctx context.Context, limit int) ([]*entity.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Executor(ctx).QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		r.logger.Error("Failed to list runs", zap.Error(err))
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*entity.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*entity.RunRecord, error) {
	var run entity.RunRecord
	var finished sql.NullTime
	err := s.Scan(
		&run.ID,
		&run.File,
		&run.OrderNumber,
		&run.Status,
		&run.RetryCount,
		&run.Error,
		&run.StartedAt,
		&finished,
		&run.DurationSec,
		&run.Uploaded,
	)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

var _ port.RunRepository = (*RunRepository)(nil)
