package service

import (
	"time"

	"github.com/garyjia/erp-autoentry/internal/domain/entity"
	"github.com/garyjia/erp-autoentry/internal/domain/event"
)

// RunStatusFor maps a terminal event type to the run status recorded in history
func RunStatusFor(t event.Type) string {
	switch t {
	case event.TypeRunCompleted:
		return entity.RunStatusCompleted
	case event.TypeRunFailed:
		return entity.RunStatusFailed
	case event.TypeRunAbandoned:
		return entity.RunStatusAbandoned
	default:
		return entity.RunStatusRunning
	}
}

// RunRecordFromEvent builds the history row described by a run event.
// StartedAt is derived from the duration for terminal events.
func RunRecordFromEvent(evt *event.Event) *entity.RunRecord {
	run := &entity.RunRecord{
		ID:          evt.RunID,
		File:        evt.File,
		OrderNumber: evt.GetPayloadString(event.KeyOrder),
		Status:      RunStatusFor(evt.Type),
		RetryCount:  int(evt.GetPayloadInt(event.KeyRetryCount)),
		Error:       evt.GetPayloadString(event.KeyError),
		StartedAt:   evt.Timestamp,
	}

	if evt.Type.IsTerminal() {
		finished := evt.Timestamp
		run.FinishedAt = &finished
		run.DurationSec = evt.GetPayloadFloat(event.KeyDuration)
		run.Uploaded = int(evt.GetPayloadInt(event.KeyUploaded))
		run.StartedAt = finished.Add(-time.Duration(run.DurationSec * float64(time.Second)))
	}
	return run
}

// StagesFromEvent returns the per-stage timings carried by a terminal event
func StagesFromEvent(evt *event.Event) map[string]float64 {
	stages, _ := evt.Payload[event.KeyStages].(map[string]float64)
	return stages
}
