package screen

import (
	"fmt"
	"time"
)

// Action identifies a primitive UI move
type Action string

const (
	// ActionOpenApplication locates a launcher template and double-clicks it
	ActionOpenApplication Action = "open_application"
	// ActionClickTemplate locates a template and clicks its centre
	ActionClickTemplate Action = "click_template"
	// ActionHotkey presses a key combination such as "ctrl+shift+o"
	ActionHotkey Action = "hotkey"
	// ActionPressKey presses a single key such as "Escape"
	ActionPressKey Action = "press_key"
	// ActionWait waits for the step timeout to let the UI load
	ActionWait Action = "wait"
)

// NavigationStep is one primitive move in a route. Treat it as immutable.
type NavigationStep struct {
	Action   Action        `yaml:"action"`
	Target   string        `yaml:"target"`
	Expected State         `yaml:"expected"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
}

// Validate checks that the step can be executed
func (s NavigationStep) Validate() error {
	switch s.Action {
	case ActionOpenApplication, ActionClickTemplate, ActionHotkey, ActionPressKey:
		if s.Target == "" {
			return fmt.Errorf("step %s: target is required", s.Action)
		}
	case ActionWait:
	default:
		return fmt.Errorf("unknown step action %q", s.Action)
	}
	if s.Expected == "" || s.Expected.IsSentinel() {
		return fmt.Errorf("step %s %s: expected state must be a screen state, got %q", s.Action, s.Target, s.Expected)
	}
	if s.Retries < 0 {
		return fmt.Errorf("step %s %s: retries must not be negative", s.Action, s.Target)
	}
	return nil
}

// String renders the step for logs
func (s NavigationStep) String() string {
	return fmt.Sprintf("%s(%s)->%s", s.Action, s.Target, s.Expected)
}
