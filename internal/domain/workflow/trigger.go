package workflow

// Trigger represents an event that can cause a state transition
type Trigger string

const (
	TriggerStart  Trigger = "START"
	TriggerReset  Trigger = "RESET"
	TriggerRetry  Trigger = "RETRY"
	TriggerGiveUp Trigger = "GIVE_UP"

	TriggerConnected        Trigger = "CONNECTED"
	TriggerConnectionFailed Trigger = "CONNECTION_FAILED"

	TriggerAppOpened     Trigger = "APP_OPENED"
	TriggerAppOpenFailed Trigger = "APP_OPEN_FAILED"

	TriggerFormReached      Trigger = "FORM_REACHED"
	TriggerNavigationFailed Trigger = "NAVIGATION_FAILED"

	TriggerIDLoaded     Trigger = "ID_LOADED"
	TriggerIDLoadFailed Trigger = "ID_LOAD_FAILED"

	TriggerOrderLoaded     Trigger = "ORDER_LOADED"
	TriggerOrderLoadFailed Trigger = "ORDER_LOAD_FAILED"

	TriggerDateLoaded     Trigger = "DATE_LOADED"
	TriggerDateLoadFailed Trigger = "DATE_LOAD_FAILED"

	TriggerItemsLoaded     Trigger = "ITEMS_LOADED"
	TriggerItemsLoadFailed Trigger = "ITEMS_LOAD_FAILED"

	TriggerScreenshotTaken  Trigger = "SCREENSHOT_TAKEN"
	TriggerScreenshotFailed Trigger = "SCREENSHOT_FAILED"

	TriggerInputArchived Trigger = "INPUT_ARCHIVED"
	TriggerArchiveFailed Trigger = "ARCHIVE_FAILED"

	TriggerPointerPositioned Trigger = "POINTER_POSITIONED"
	TriggerPositioningFailed Trigger = "POSITIONING_FAILED"

	TriggerArtifactsUploaded Trigger = "ARTIFACTS_UPLOADED"
	TriggerUploadFailed      Trigger = "UPLOAD_FAILED"
)

// AllTriggers lists every trigger the process machine knows
var AllTriggers = []Trigger{
	TriggerStart, TriggerReset, TriggerRetry, TriggerGiveUp,
	TriggerConnected, TriggerConnectionFailed,
	TriggerAppOpened, TriggerAppOpenFailed,
	TriggerFormReached, TriggerNavigationFailed,
	TriggerIDLoaded, TriggerIDLoadFailed,
	TriggerOrderLoaded, TriggerOrderLoadFailed,
	TriggerDateLoaded, TriggerDateLoadFailed,
	TriggerItemsLoaded, TriggerItemsLoadFailed,
	TriggerScreenshotTaken, TriggerScreenshotFailed,
	TriggerInputArchived, TriggerArchiveFailed,
	TriggerPointerPositioned, TriggerPositioningFailed,
	TriggerArtifactsUploaded, TriggerUploadFailed,
}

var successTriggers = map[State]Trigger{
	StateConnectingRemoteDesktop: TriggerConnected,
	StateOpeningApp:              TriggerAppOpened,
	StateNavigatingToForm:        TriggerFormReached,
	StateLoadingIDField:          TriggerIDLoaded,
	StateLoadingOrderField:       TriggerOrderLoaded,
	StateLoadingDateField:        TriggerDateLoaded,
	StateLoadingLineItems:        TriggerItemsLoaded,
	StateTakingScreenshot:        TriggerScreenshotTaken,
	StateArchivingInput:          TriggerInputArchived,
	StatePositioningPointer:      TriggerPointerPositioned,
	StateUploadingArtifacts:      TriggerArtifactsUploaded,
	StateRetrying:                TriggerStart,
}

var failureTriggers = map[State]Trigger{
	StateConnectingRemoteDesktop: TriggerConnectionFailed,
	StateOpeningApp:              TriggerAppOpenFailed,
	StateNavigatingToForm:        TriggerNavigationFailed,
	StateLoadingIDField:          TriggerIDLoadFailed,
	StateLoadingOrderField:       TriggerOrderLoadFailed,
	StateLoadingDateField:        TriggerDateLoadFailed,
	StateLoadingLineItems:        TriggerItemsLoadFailed,
	StateTakingScreenshot:        TriggerScreenshotFailed,
	StateArchivingInput:          TriggerArchiveFailed,
	StatePositioningPointer:      TriggerPositioningFailed,
	StateUploadingArtifacts:      TriggerUploadFailed,
}

// SuccessTrigger returns the event a state emits when its handler succeeds
func SuccessTrigger(s State) (Trigger, bool) {
	t, ok := successTriggers[s]
	return t, ok
}

// FailureTrigger returns the event a state emits when its handler fails
func FailureTrigger(s State) (Trigger, bool) {
	t, ok := failureTriggers[s]
	return t, ok
}

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}
