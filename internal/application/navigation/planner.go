// Package navigation moves the controlled application between screen states
// by executing routes from a static adjacency table.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/screen"
)

// Config holds planner settings
type Config struct {
	// AttemptInterval is the pause between navigation attempts
	AttemptInterval time.Duration
	// StepRetryInterval is the pause between retries of a single step
	StepRetryInterval time.Duration
	// FinalVerifyAttempts bounds the authoritative check after a route
	FinalVerifyAttempts int
}

// DefaultConfig returns default planner configuration
func DefaultConfig() Config {
	return Config{
		AttemptInterval:     2 * time.Second,
		StepRetryInterval:   time.Second,
		FinalVerifyAttempts: 2,
	}
}

// Planner navigates to a target screen state
type Planner struct {
	detector port.ScreenDetector
	executor StepExecutor
	routes   *RouteTable
	cfg      Config
	logger   *zap.Logger

	observer func(target screen.State, ok bool, attempts int)
}

// PlannerOption configures the planner
type PlannerOption func(*Planner)

// WithResultObserver registers a function called after every navigation
func WithResultObserver(fn func(target screen.State, ok bool, attempts int)) PlannerOption {
	return func(p *Planner) {
		p.observer = fn
	}
}

// NewPlanner creates a new navigation planner
func NewPlanner(detector port.ScreenDetector, executor StepExecutor, routes *RouteTable, cfg Config, logger *zap.Logger, opts ...PlannerOption) *Planner {
	if routes == nil {
		routes = DefaultRouteTable()
	}
	if cfg.FinalVerifyAttempts < 1 {
		cfg.FinalVerifyAttempts = 1
	}
	p := &Planner{
		detector: detector,
		executor: executor,
		routes:   routes,
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Baseline returns the state navigation falls back to from an unknown screen
func (p *Planner) Baseline() screen.State {
	return p.routes.Baseline
}

// NavigateToTargetState tries up to maxAttempts times to reach the target.
// It returns true without acting when the target is already on screen.
func (p *Planner) NavigateToTargetState(ctx context.Context, target screen.State, maxAttempts int) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	op := func() error {
		attempts++
		return p.attempt(ctx, target)
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("Navigation attempt failed",
			zap.String("target", target.String()),
			zap.Int("attempt", attempts),
			zap.Duration("next_in", wait),
			zap.Error(err))
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.AttemptInterval), uint64(maxAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(op, b, notify)

	ok := err == nil
	if ok {
		p.logger.Info("Navigation reached target",
			zap.String("target", target.String()),
			zap.Int("attempts", attempts))
	} else {
		p.logger.Error("Navigation exhausted",
			zap.String("target", target.String()),
			zap.Int("attempts", attempts),
			zap.Error(err))
	}
	if p.observer != nil {
		p.observer(target, ok, attempts)
	}
	return ok
}

func (p *Planner) attempt(ctx context.Context, target screen.State) error {
	current := p.detector.DetectCurrentScreen(ctx, false).State
	if current == target {
		return nil
	}

	if current == screen.StateError {
		// Keep a capture of the failing screen for diagnosis
		r := p.detector.DetectCurrentScreen(ctx, true)
		p.logger.Warn("Detection error during navigation",
			zap.String("target", target.String()),
			zap.Any("details", r.Details),
			zap.String("screenshot", r.ScreenshotPath))
		current = r.State
		if current == target {
			return nil
		}
	}

	if current.IsSentinel() {
		if err := p.recoverToBaseline(ctx); err != nil {
			return fmt.Errorf("recover from %s: %w", current, err)
		}
		current = p.routes.Baseline
		if current == target {
			return nil
		}
	}

	steps, found := p.routes.Route(current, target)
	if !found {
		return fmt.Errorf("no route from %s to %s", current, target)
	}

	for _, step := range steps {
		if err := p.runStep(ctx, step); err != nil {
			return err
		}
	}

	if !p.detector.VerifyScreenState(ctx, target, p.cfg.FinalVerifyAttempts) {
		return fmt.Errorf("route %s->%s finished but target not verified", current, target)
	}
	return nil
}

// recoverToBaseline executes the recovery steps towards the baseline
func (p *Planner) recoverToBaseline(ctx context.Context) error {
	for _, step := range p.routes.Recovery {
		if err := p.runStep(ctx, step); err != nil {
			return err
		}
	}
	if !p.detector.VerifyScreenState(ctx, p.routes.Baseline, 1) {
		return fmt.Errorf("baseline %s not reached", p.routes.Baseline)
	}
	return nil
}

// runStep performs a step and verifies its expected state, retrying up to step.Retries times
func (p *Planner) runStep(ctx context.Context, step screen.NavigationStep) error {
	op := func() error {
		if err := p.executor.Execute(ctx, step); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !p.detector.VerifyScreenState(ctx, step.Expected, 1) {
			return fmt.Errorf("%s: expected state not reached", step)
		}
		return nil
	}

	retries := step.Retries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.StepRetryInterval), uint64(retries)),
		ctx,
	)
	return backoff.Retry(op, b)
}
