package workflow

import "context"

// StateMachine tracks the current process state and validates transitions
// against a fixed table. It holds no process data of its own.
type StateMachine interface {
	// State returns the current state
	State() State

	// CanFire returns true if the trigger is permitted in the current state
	CanFire(trigger Trigger) bool

	// Fire attempts to execute the trigger, transitioning to the new state if allowed
	Fire(ctx context.Context, trigger Trigger) error

	// Target returns the state a trigger would lead to from the current state,
	// ignoring guards
	Target(trigger Trigger) (State, bool)

	// PermittedTriggers returns all triggers that can be fired in the current state
	PermittedTriggers() []Trigger

	// Restore moves the machine to a previously reached state without firing
	// a trigger. Used when resuming from a checkpoint.
	Restore(state State) error
}
