package navigation

import (
	"context"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/screen"
)

// StepExecutor performs the UI action of one navigation step
type StepExecutor interface {
	Execute(ctx context.Context, step screen.NavigationStep) error
}

// Locator finds a named template on screen
type Locator interface {
	Locate(ctx context.Context, name string) (image.Point, float64, error)
}

// ActionExecutor executes steps with an input driver and a template locator.
// Every action is followed by the step timeout so the UI can settle.
type ActionExecutor struct {
	driver  port.InputDriver
	locator Locator
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewActionExecutor creates a new step executor
func NewActionExecutor(driver port.InputDriver, locator Locator, logger *zap.Logger) *ActionExecutor {
	return &ActionExecutor{
		driver:  driver,
		locator: locator,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Execute performs the step action and waits for the step timeout
func (e *ActionExecutor) Execute(ctx context.Context, step screen.NavigationStep) error {
	e.logger.Debug("Executing navigation step", zap.String("step", step.String()))

	var err error
	switch step.Action {
	case screen.ActionOpenApplication:
		err = e.atTemplate(ctx, step.Target, e.driver.DoubleClick)
	case screen.ActionClickTemplate:
		err = e.atTemplate(ctx, step.Target, e.driver.Click)
	case screen.ActionHotkey:
		err = e.driver.Hotkey(ctx, step.Target)
	case screen.ActionPressKey:
		err = e.driver.PressKey(ctx, step.Target)
	case screen.ActionWait:
	default:
		err = fmt.Errorf("unknown step action %q", step.Action)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}

	return e.sleep(ctx, step.Timeout)
}

func (e *ActionExecutor) atTemplate(ctx context.Context, name string, act func(context.Context, image.Point) error) error {
	pt, score, err := e.locator.Locate(ctx, name)
	if err != nil {
		return err
	}
	e.logger.Debug("Template located",
		zap.String("template", name),
		zap.Int("x", pt.X),
		zap.Int("y", pt.Y),
		zap.Float64("score", score))
	return act(ctx, pt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
