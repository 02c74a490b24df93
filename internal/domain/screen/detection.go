package screen

import "time"

// Detail keys carried in DetectionResult.Details
const (
	DetailBestCandidate = "best_candidate"
	DetailBestScore     = "best_score"
	DetailThreshold     = "threshold"
	DetailError         = "error"
)

// DetectionResult is the outcome of one screen detection. Treat it as immutable.
type DetectionResult struct {
	State          State
	Confidence     float64
	Scores         map[State]float64
	Details        map[string]any
	ScreenshotPath string
	DetectedAt     time.Time
}

// NewDetectionResult builds a result, copying the score and detail maps
func NewDetectionResult(state State, confidence float64, scores map[State]float64, details map[string]any, screenshotPath string, at time.Time) DetectionResult {
	scoresCopy := make(map[State]float64, len(scores))
	for k, v := range scores {
		scoresCopy[k] = v
	}
	detailsCopy := make(map[string]any, len(details))
	for k, v := range details {
		detailsCopy[k] = v
	}
	return DetectionResult{
		State:          state,
		Confidence:     confidence,
		Scores:         scoresCopy,
		Details:        detailsCopy,
		ScreenshotPath: screenshotPath,
		DetectedAt:     at,
	}
}

// ErrorResult builds the "error" sentinel result for a failed capture or match
func ErrorResult(err error, at time.Time) DetectionResult {
	details := map[string]any{}
	if err != nil {
		details[DetailError] = err.Error()
	}
	return NewDetectionResult(StateError, 0, nil, details, "", at)
}

// Is reports whether the detection landed on the given state
func (r DetectionResult) Is(state State) bool {
	return r.State == state
}

// Score returns the raw score of a candidate state, if it was scored
func (r DetectionResult) Score(state State) (float64, bool) {
	v, ok := r.Scores[state]
	return v, ok
}
