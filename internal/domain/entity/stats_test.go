package entity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/erp-autoentry/internal/domain/workflow"
)

func TestProcessingStats_AddStageIsAdditive(t *testing.T) {
	var s ProcessingStats
	s.AddStage(workflow.StateOpeningApp, 1.5)
	s.AddStage(workflow.StateOpeningApp, 2.0)
	s.AddStage(workflow.StateLoadingIDField, 0)

	v, ok := s.Stage(workflow.StateOpeningApp)
	require.True(t, ok)
	assert.InDelta(t, 3.5, v, 1e-9)

	// a zero-length stage is still recorded as traversed
	_, ok = s.Stage(workflow.StateLoadingIDField)
	assert.True(t, ok)
	assert.Len(t, s.Stages(), 2)
}

func TestProcessingStats_NonWorkingStatesGoToExtra(t *testing.T) {
	var s ProcessingStats
	s.AddStage(workflow.StateRetrying, 0.25)

	assert.Empty(t, s.Stages())
	assert.InDelta(t, 0.25, s.Extra["RETRYING"], 1e-9)
}

func TestProcessingStats_CloneIsDeep(t *testing.T) {
	var s ProcessingStats
	s.AddStage(workflow.StateUploadingArtifacts, 1)
	s.AddExtra("detect", 0.1)

	c := s.Clone()
	s.AddStage(workflow.StateUploadingArtifacts, 1)
	s.AddExtra("detect", 1)

	v, _ := c.Stage(workflow.StateUploadingArtifacts)
	assert.InDelta(t, 1.0, v, 1e-9)
	assert.InDelta(t, 0.1, c.Extra["detect"], 1e-9)
}

func TestCheckpoint_JSONAndApply(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	pctx := NewProcessingContext("run-1", "OC-1", "/in/OC-1.json", nil, 3, now)
	pctx.RetryCount = 2
	pctx.LastSuccessfulState = workflow.StateLoadingOrderField
	pctx.Stats.AddStage(workflow.StateLoadingOrderField, 4.2)

	cp := NewCheckpoint(pctx, workflow.StateLoadingDateField, now)
	data, err := json.Marshal(cp)
	require.NoError(t, err)

	var decoded Checkpoint
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored := NewProcessingContext("", "", "", nil, 3, time.Time{})
	decoded.ApplyTo(restored)

	assert.Equal(t, "run-1", restored.RunID)
	assert.Equal(t, 2, restored.RetryCount)
	assert.Equal(t, workflow.StateLoadingOrderField, restored.LastSuccessfulState)
	assert.Equal(t, pctx.Stats.Stages(), restored.Stats.Stages())
	assert.True(t, now.Equal(restored.StartTime))
	assert.Equal(t, workflow.StateLoadingDateField, decoded.State)

	assert.False(t, decoded.IsStale(now.Add(59*time.Minute), CheckpointMaxAge))
	assert.True(t, decoded.IsStale(now.Add(61*time.Minute), CheckpointMaxAge))
}
