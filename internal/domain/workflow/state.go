package workflow

// State represents a stage of the order auto-entry process
type State string

const (
	StateIdle                    State = "IDLE"
	StateConnectingRemoteDesktop State = "CONNECTING_REMOTE_DESKTOP"
	StateOpeningApp              State = "OPENING_APP"
	StateNavigatingToForm        State = "NAVIGATING_TO_FORM"
	StateLoadingIDField          State = "LOADING_ID_FIELD"
	StateLoadingOrderField       State = "LOADING_ORDER_FIELD"
	StateLoadingDateField        State = "LOADING_DATE_FIELD"
	StateLoadingLineItems        State = "LOADING_LINE_ITEMS"
	StateTakingScreenshot        State = "TAKING_SCREENSHOT"
	StateArchivingInput          State = "ARCHIVING_INPUT"
	StatePositioningPointer      State = "POSITIONING_POINTER"
	StateUploadingArtifacts      State = "UPLOADING_ARTIFACTS"
	StateCompleted               State = "COMPLETED"
	StateError                   State = "ERROR"
	StateRetrying                State = "RETRYING"
)

// WorkingStates lists the pipeline stages in happy-path order.
// Each of them has exactly one success and one failure trigger.
var WorkingStates = []State{
	StateConnectingRemoteDesktop,
	StateOpeningApp,
	StateNavigatingToForm,
	StateLoadingIDField,
	StateLoadingOrderField,
	StateLoadingDateField,
	StateLoadingLineItems,
	StateTakingScreenshot,
	StateArchivingInput,
	StatePositioningPointer,
	StateUploadingArtifacts,
}

// AllStates lists every state of the process machine
var AllStates = append([]State{StateIdle}, append(append([]State{}, WorkingStates...),
	StateCompleted, StateError, StateRetrying)...)

var validStates = func() map[State]bool {
	m := make(map[State]bool, len(AllStates))
	for _, s := range AllStates {
		m[s] = true
	}
	return m
}()

var workingStates = func() map[State]bool {
	m := make(map[State]bool, len(WorkingStates))
	for _, s := range WorkingStates {
		m[s] = true
	}
	return m
}()

// IsWorking returns true for pipeline stages that perform side effects
func (s State) IsWorking() bool {
	return workingStates[s]
}

// IsTerminal returns true for states that wait for external input
// (new work, or a retry/reset decision) instead of driving themselves
func (s State) IsTerminal() bool {
	return s == StateIdle || s == StateCompleted
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a valid process state
func (s State) IsValid() bool {
	return validStates[s]
}
