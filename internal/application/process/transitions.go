package process

import (
	"github.com/garyjia/erp-autoentry/internal/domain/workflow"
)

// BuildProcessStateMachine creates the state machine for one input file.
// canRetry guards ERROR -> RETRYING.
func BuildProcessStateMachine(initialState workflow.State, canRetry workflow.GuardFunc) workflow.StateMachine {
	builder := workflow.NewBuilder()

	// IDLE state transitions
	builder.Configure(workflow.StateIdle).
		Permit(workflow.TriggerStart, workflow.StateConnectingRemoteDesktop)

	// CONNECTING_REMOTE_DESKTOP state transitions
	builder.Configure(workflow.StateConnectingRemoteDesktop).
		Permit(workflow.TriggerConnected, workflow.StateOpeningApp).
		Permit(workflow.TriggerConnectionFailed, workflow.StateError)

	// OPENING_APP state transitions
	builder.Configure(workflow.StateOpeningApp).
		Permit(workflow.TriggerAppOpened, workflow.StateNavigatingToForm).
		Permit(workflow.TriggerAppOpenFailed, workflow.StateError)

	// NAVIGATING_TO_FORM state transitions
	builder.Configure(workflow.StateNavigatingToForm).
		Permit(workflow.TriggerFormReached, workflow.StateLoadingIDField).
		Permit(workflow.TriggerNavigationFailed, workflow.StateError)

	// LOADING_ID_FIELD state transitions
	builder.Configure(workflow.StateLoadingIDField).
		Permit(workflow.TriggerIDLoaded, workflow.StateLoadingOrderField).
		Permit(workflow.TriggerIDLoadFailed, workflow.StateError)

	// LOADING_ORDER_FIELD state transitions
	builder.Configure(workflow.StateLoadingOrderField).
		Permit(workflow.TriggerOrderLoaded, workflow.StateLoadingDateField).
		Permit(workflow.TriggerOrderLoadFailed, workflow.StateError)

	// LOADING_DATE_FIELD state transitions
	builder.Configure(workflow.StateLoadingDateField).
		Permit(workflow.TriggerDateLoaded, workflow.StateLoadingLineItems).
		Permit(workflow.TriggerDateLoadFailed, workflow.StateError)

	// LOADING_LINE_ITEMS state transitions
	builder.Configure(workflow.StateLoadingLineItems).
		Permit(workflow.TriggerItemsLoaded, workflow.StateTakingScreenshot).
		Permit(workflow.TriggerItemsLoadFailed, workflow.StateError)

	// TAKING_SCREENSHOT state transitions
	builder.Configure(workflow.StateTakingScreenshot).
		Permit(workflow.TriggerScreenshotTaken, workflow.StateArchivingInput).
		Permit(workflow.TriggerScreenshotFailed, workflow.StateError)

	// ARCHIVING_INPUT state transitions
	builder.Configure(workflow.StateArchivingInput).
		Permit(workflow.TriggerInputArchived, workflow.StatePositioningPointer).
		Permit(workflow.TriggerArchiveFailed, workflow.StateError)

	// POSITIONING_POINTER state transitions
	builder.Configure(workflow.StatePositioningPointer).
		Permit(workflow.TriggerPointerPositioned, workflow.StateUploadingArtifacts).
		Permit(workflow.TriggerPositioningFailed, workflow.StateError)

	// UPLOADING_ARTIFACTS state transitions
	builder.Configure(workflow.StateUploadingArtifacts).
		Permit(workflow.TriggerArtifactsUploaded, workflow.StateCompleted).
		Permit(workflow.TriggerUploadFailed, workflow.StateError)

	// ERROR state transitions
	builder.Configure(workflow.StateError).
		PermitIf(workflow.TriggerRetry, workflow.StateRetrying, canRetry).
		Permit(workflow.TriggerGiveUp, workflow.StateIdle)

	// RETRYING state transitions
	builder.Configure(workflow.StateRetrying).
		Permit(workflow.TriggerStart, workflow.StateConnectingRemoteDesktop)

	// COMPLETED state transitions
	builder.Configure(workflow.StateCompleted).
		Permit(workflow.TriggerStart, workflow.StateConnectingRemoteDesktop).
		Permit(workflow.TriggerReset, workflow.StateIdle)

	return builder.Build(initialState)
}
