package port

import (
	"context"
	"time"

	"github.com/garyjia/erp-autoentry/internal/domain/entity"
)

// RunRepository defines persistence operations for run history
type RunRepository interface {
	Create(ctx context.Context, run *entity.RunRecord) error
	Finish(ctx context.Context, id, status, errMsg string, finishedAt time.Time, durationSec float64, retryCount, uploaded int) error
	GetByID(ctx context.Context, id string) (*entity.RunRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*entity.RunRecord, error)
}

// TransitionRepository defines persistence operations for the transition audit trail
type TransitionRepository interface {
	Create(ctx context.Context, rec *entity.TransitionRecord) error
	ListByRun(ctx context.Context, runID string) ([]*entity.TransitionRecord, error)
}

// TransactionManager defines transaction boundary operations
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
