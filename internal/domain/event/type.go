package event

// Type identifies the type of domain event
type Type string

const (
	TypeRunStarted   Type = "run.started"
	TypeStateChanged Type = "run.state_changed"
	TypeRunCompleted Type = "run.completed"
	TypeRunFailed    Type = "run.failed"
	TypeRunAbandoned Type = "run.abandoned"
)

// Payload keys used by the process machine
const (
	KeyFromState  = "from_state"
	KeyToState    = "to_state"
	KeyTrigger    = "trigger"
	KeyRetryCount = "retry_count"
	KeyError      = "error"
	KeyReason     = "reason"
	KeyDuration   = "duration_sec"
	KeyUploaded   = "uploaded"
	KeyOrder      = "order_number"
	KeyStages     = "stages"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeRunStarted,
		TypeStateChanged,
		TypeRunCompleted,
		TypeRunFailed,
		TypeRunAbandoned:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the event closes a run
func (t Type) IsTerminal() bool {
	return t == TypeRunCompleted || t == TypeRunFailed || t == TypeRunAbandoned
}
