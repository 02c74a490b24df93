package entity

import "time"

// Run status values recorded in run history
const (
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
	RunStatusAbandoned = "ABANDONED"
)

// RunRecord is the history row for one file's processing run
type RunRecord struct {
	ID          string     `json:"id"`
	File        string     `json:"file"`
	OrderNumber string     `json:"order_number,omitempty"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationSec float64    `json:"duration_sec"`
	Uploaded    int        `json:"uploaded"`
}

// TransitionRecord is the audit trail of one state transition
type TransitionRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	File      string    `json:"file"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Trigger   string    `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`
}
