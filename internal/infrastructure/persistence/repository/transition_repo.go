package repository

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/persistence/sqlite"
)

// TransitionRepository implements port.TransitionRepository
type TransitionRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
}

// NewTransitionRepository creates a new transition repository
func NewTransitionRepository(db *sqlite.DB, logger *zap.Logger) *TransitionRepository {
	return &TransitionRepository{
		db:     db,
		logger: logger,
	}
}

// Create appends one transition to the audit trail
func (r *TransitionRepository) Create(ctx context.Context, rec *entity.TransitionRecord) error {
	query := `
		INSERT INTO transitions (run_id, file, from_state, to_state, trigger_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Executor(ctx).ExecContext(ctx, query,
		rec.RunID,
		rec.File,
		rec.FromState,
		rec.ToState,
		rec.Trigger,
		rec.Timestamp,
	)
	if err != nil {
		r.logger.Error("Failed to record transition", zap.String("run_id", rec.RunID), zap.Error(err))
		return fmt.Errorf("failed to create transition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListByRun returns the transitions of a run in order
func (r *TransitionRepository) ListByRun(ctx context.Context, runID string) ([]*entity.TransitionRecord, error) {
	query := `
		SELECT id, run_id, file, from_state, to_state, trigger_name, created_at
		FROM transitions
		WHERE run_id = ?
		ORDER BY id ASC
	`
	rows, err := r.db.Executor(ctx).QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var records []*entity.TransitionRecord
	for rows.Next() {
		var rec entity.TransitionRecord
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.File, &rec.FromState, &rec.ToState, &rec.Trigger, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

var _ port.TransitionRepository = (*TransitionRepository)(nil)
