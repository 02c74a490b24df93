package entity

import (
	"github.com/garyjia/erp-autoentry/internal/domain/workflow"
)

// ProcessingStats accumulates elapsed seconds per pipeline stage.
// Values only ever grow during a run; a nil field means the stage was not traversed.
type ProcessingStats struct {
	Connect    *float64 `json:"connecting_remote_desktop,omitempty"`
	OpenApp    *float64 `json:"opening_app,omitempty"`
	Navigate   *float64 `json:"navigating_to_form,omitempty"`
	LoadID     *float64 `json:"loading_id_field,omitempty"`
	LoadOrder  *float64 `json:"loading_order_field,omitempty"`
	LoadDate   *float64 `json:"loading_date_field,omitempty"`
	LoadItems  *float64 `json:"loading_line_items,omitempty"`
	Screenshot *float64 `json:"taking_screenshot,omitempty"`
	Archive    *float64 `json:"archiving_input,omitempty"`
	Position   *float64 `json:"positioning_pointer,omitempty"`
	Upload     *float64 `json:"uploading_artifacts,omitempty"`
	Total      *float64 `json:"total,omitempty"`

	// Extra carries diagnostic timings that have no named field
	Extra map[string]float64 `json:"extra,omitempty"`
}

func (s *ProcessingStats) field(state workflow.State) **float64 {
	switch state {
	case workflow.StateConnectingRemoteDesktop:
		return &s.Connect
	case workflow.StateOpeningApp:
		return &s.OpenApp
	case workflow.StateNavigatingToForm:
		return &s.Navigate
	case workflow.StateLoadingIDField:
		return &s.LoadID
	case workflow.StateLoadingOrderField:
		return &s.LoadOrder
	case workflow.StateLoadingDateField:
		return &s.LoadDate
	case workflow.StateLoadingLineItems:
		return &s.LoadItems
	case workflow.StateTakingScreenshot:
		return &s.Screenshot
	case workflow.StateArchivingInput:
		return &s.Archive
	case workflow.StatePositioningPointer:
		return &s.Position
	case workflow.StateUploadingArtifacts:
		return &s.Upload
	}
	return nil
}

// AddStage adds elapsed seconds to a working stage. Other states go to Extra.
func (s *ProcessingStats) AddStage(state workflow.State, seconds float64) {
	if f := s.field(state); f != nil {
		if *f == nil {
			v := 0.0
			*f = &v
		}
		**f += seconds
		return
	}
	s.AddExtra(string(state), seconds)
}

// AddExtra adds elapsed seconds under a free-form diagnostic key
func (s *ProcessingStats) AddExtra(key string, seconds float64) {
	if s.Extra == nil {
		s.Extra = make(map[string]float64)
	}
	s.Extra[key] += seconds
}

// Stage returns the accumulated seconds for a stage
func (s *ProcessingStats) Stage(state workflow.State) (float64, bool) {
	f := s.field(state)
	if f == nil || *f == nil {
		return 0, false
	}
	return **f, true
}

// SetTotal records the whole-run duration
func (s *ProcessingStats) SetTotal(seconds float64) {
	s.Total = &seconds
}

// Stages returns the recorded stage timings keyed by state name
func (s *ProcessingStats) Stages() map[string]float64 {
	out := make(map[string]float64)
	for _, st := range workflow.WorkingStates {
		if v, ok := s.Stage(st); ok {
			out[st.String()] = v
		}
	}
	return out
}

// Clone returns a deep copy
func (s ProcessingStats) Clone() ProcessingStats {
	out := ProcessingStats{}
	for _, st := range workflow.WorkingStates {
		if v, ok := s.Stage(st); ok {
			out.AddStage(st, v)
		}
	}
	if s.Total != nil {
		out.SetTotal(*s.Total)
	}
	for k, v := range s.Extra {
		out.AddExtra(k, v)
	}
	return out
}
