package process

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/domain/workflow"
)

// ErrStopped is returned when Run exits because Stop was called
var ErrStopped = errors.New("runner stopped")

// ErrStalled is returned when the current state produced no event
var ErrStalled = errors.New("process stalled")

// Runner drives a machine until the current file completes or is given up
type Runner struct {
	machine *Machine
	logger  *zap.Logger
	stop    atomic.Bool
}

// NewRunner creates a new driving loop
func NewRunner(machine *Machine, logger *zap.Logger) *Runner {
	return &Runner{machine: machine, logger: logger}
}

// Stop asks Run to return before its next step
func (r *Runner) Stop() {
	r.stop.Store(true)
}

// Stopped reports whether Stop was called since the last Reset
func (r *Runner) Stopped() bool {
	return r.stop.Load()
}

// Reset clears a pending stop request. Run never clears it itself, so a
// stop that lands before Run starts still ends that run.
func (r *Runner) Reset() {
	r.stop.Store(false)
}

// Run executes the current state and fires its trigger until the machine is
// COMPLETED or back in IDLE. ERROR is resolved with HandleError.
func (r *Runner) Run(ctx context.Context) (workflow.State, error) {
	for {
		state := r.machine.State()

		if r.stop.Load() {
			r.logger.Info("Runner stopped", zap.String("state", state.String()))
			return state, ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		switch state {
		case workflow.StateCompleted, workflow.StateIdle:
			return state, nil
		case workflow.StateError:
			r.machine.HandleError(ctx, "")
			continue
		}

		trigger, ok := r.machine.ExecuteCurrentState(ctx)
		if r.stop.Load() {
			// The interrupted stage is redone on resume
			r.logger.Info("Runner stopped", zap.String("state", state.String()))
			return state, ErrStopped
		}
		if !ok {
			return state, fmt.Errorf("%w in %s", ErrStalled, state)
		}
		if !r.machine.TriggerEvent(ctx, trigger) {
			return state, fmt.Errorf("%w: %s from %s", workflow.ErrInvalidTransition, trigger, state)
		}
	}
}
