package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
	"github.com/garyjia/erp-autoentry/internal/domain/event"
)

// OutcomeService reports finished runs: every run goes to the report,
// runs given up after exhausting retries raise an alert
type OutcomeService interface {
	HandleEvent(ctx context.Context, evt *event.Event) error
}

type outcomeServiceImpl struct {
	reporter port.RunReporter
	notifier port.AlertNotifier
	logger   Logger
}

// NewOutcomeService creates a new OutcomeService. Either collaborator may be nil.
func NewOutcomeService(reporter port.RunReporter, notifier port.AlertNotifier, logger Logger) OutcomeService {
	return &outcomeServiceImpl{
		reporter: reporter,
		notifier: notifier,
		logger:   logger,
	}
}

func (s *outcomeServiceImpl) HandleEvent(ctx context.Context, evt *event.Event) error {
	if !evt.Type.IsTerminal() || evt.RunID == "" {
		return nil
	}

	run := RunRecordFromEvent(evt)
	var errs []error

	if s.reporter != nil {
		if err := s.reporter.Append(ctx, run, StagesFromEvent(evt)); err != nil {
			s.logger.Error("Failed to append run to report", "error", err, "run_id", run.ID)
			errs = append(errs, fmt.Errorf("append report: %w", err))
		}
	}

	if s.notifier != nil && run.Status == entity.RunStatusFailed {
		if err := s.notifier.NotifyFailure(ctx, run); err != nil {
			s.logger.Error("Failed to send failure alert", "error", err, "run_id", run.ID)
			errs = append(errs, fmt.Errorf("notify failure: %w", err))
		} else {
			s.logger.Info("Failure alert sent", "run_id", run.ID, "file", run.File)
		}
	}

	return errors.Join(errs...)
}
