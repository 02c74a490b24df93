package entity

import "fmt"

// Reason is a typed failure code carried by handler outcomes
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonConnectFailed       Reason = "connect_failed"
	ReasonDetectionUnknown    Reason = "detection_unknown"
	ReasonDetectionError      Reason = "detection_error"
	ReasonAppNotFound         Reason = "app_not_found"
	ReasonNavigationExhausted Reason = "navigation_exhausted"
	ReasonMissingField        Reason = "missing_field"
	ReasonInvalidDate         Reason = "invalid_date"
	ReasonInputFailed         Reason = "input_failed"
	ReasonArtifactMissing     Reason = "artifact_missing"
	ReasonArchiveFailed       Reason = "archive_failed"
	ReasonUploadFailed        Reason = "upload_failed"
	ReasonHandlerMissing      Reason = "handler_missing"
	ReasonHandlerPanic        Reason = "handler_panic"
	ReasonRetriesExhausted    Reason = "retries_exhausted"
)

// OutcomeKind tags a handler outcome
type OutcomeKind int

const (
	// OutcomeNone means the state waits for external input
	OutcomeNone OutcomeKind = iota
	// OutcomeSucceeded advances to the next stage
	OutcomeSucceeded
	// OutcomeFailed routes to ERROR
	OutcomeFailed
)

// Outcome is the typed result of a state handler
type Outcome struct {
	Kind    OutcomeKind
	Reason  Reason
	Message string
}

// Succeeded builds a success outcome
func Succeeded(message string) Outcome {
	return Outcome{Kind: OutcomeSucceeded, Message: message}
}

// Failed builds a failure outcome with a reason code
func Failed(reason Reason, format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// NoEvent builds an outcome for states that wait for external input
func NoEvent() Outcome {
	return Outcome{Kind: OutcomeNone}
}

// IsSuccess reports whether the outcome advances the pipeline
func (o Outcome) IsSuccess() bool {
	return o.Kind == OutcomeSucceeded
}

// IsFailure reports whether the outcome routes to ERROR
func (o Outcome) IsFailure() bool {
	return o.Kind == OutcomeFailed
}
