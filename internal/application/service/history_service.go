package service

import (
	"context"
	"fmt"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
	"github.com/garyjia/erp-autoentry/internal/domain/event"
)

// HistoryService records runs and their transitions and serves them back
type HistoryService interface {
	// HandleEvent is a dispatcher handler persisting run events
	HandleEvent(ctx context.Context, evt *event.Event) error
	ListRecent(ctx context.Context, limit int) ([]*entity.RunRecord, error)
	GetRun(ctx context.Context, id string) (*entity.RunRecord, []*entity.TransitionRecord, error)
}

type historyServiceImpl struct {
	runRepo        port.RunRepository
	transitionRepo port.TransitionRepository
	txManager      port.TransactionManager
	logger         Logger
}

// NewHistoryService creates a new HistoryService
func NewHistoryService(
	runRepo port.RunRepository,
	transitionRepo port.TransitionRepository,
	txManager port.TransactionManager,
	logger Logger,
) HistoryService {
	return &historyServiceImpl{
		runRepo:        runRepo,
		transitionRepo: transitionRepo,
		txManager:      txManager,
		logger:         logger,
	}
}

func (s *historyServiceImpl) HandleEvent(ctx context.Context, evt *event.Event) error {
	if evt.RunID == "" {
		return nil
	}

	switch {
	case evt.Type == event.TypeRunStarted:
		run := RunRecordFromEvent(evt)
		if err := s.runRepo.Create(ctx, run); err != nil {
			s.logger.Error("Failed to record run start", "error", err, "run_id", evt.RunID)
			return fmt.Errorf("create run: %w", err)
		}
		s.logger.Info("Run recorded", "run_id", evt.RunID, "file", evt.File)

	case evt.Type == event.TypeStateChanged:
		rec := &entity.TransitionRecord{
			RunID:     evt.RunID,
			File:      evt.File,
			FromState: evt.GetPayloadString(event.KeyFromState),
			ToState:   evt.GetPayloadString(event.KeyToState),
			Trigger:   evt.GetPayloadString(event.KeyTrigger),
			Timestamp: evt.Timestamp,
		}
		if err := s.transitionRepo.Create(ctx, rec); err != nil {
			s.logger.Error("Failed to record transition", "error", err, "run_id", evt.RunID, "to_state", rec.ToState)
			return fmt.Errorf("create transition: %w", err)
		}

	case evt.Type.IsTerminal():
		run := RunRecordFromEvent(evt)
		err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			return s.runRepo.Finish(txCtx, run.ID, run.Status, run.Error, *run.FinishedAt, run.DurationSec, run.RetryCount, run.Uploaded)
		})
		if err != nil {
			s.logger.Error("Failed to record run end", "error", err, "run_id", evt.RunID, "status", run.Status)
			return fmt.Errorf("finish run: %w", err)
		}
		s.logger.Info("Run finished", "run_id", evt.RunID, "status", run.Status, "duration_sec", run.DurationSec)
	}
	return nil
}

func (s *historyServiceImpl) ListRecent(ctx context.Context, limit int) ([]*entity.RunRecord, error) {
	runs, err := s.runRepo.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *historyServiceImpl) GetRun(ctx context.Context, id string) (*entity.RunRecord, []*entity.TransitionRecord, error) {
	run, err := s.runRepo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get run: %w", err)
	}
	transitions, err := s.transitionRepo.ListByRun(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("list transitions: %w", err)
	}
	return run, transitions, nil
}
