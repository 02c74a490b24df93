package entity

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/garyjia/erp-autoentry/internal/domain/workflow"
)

// CheckpointMaxAge is how long a checkpoint stays eligible for resume
const CheckpointMaxAge = time.Hour

// ErrCheckpointNotFound is returned when a file has no checkpoint
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// BaseName strips directory and extension from an input file name.
// Checkpoints and artifacts are keyed by it.
func BaseName(file string) string {
	name := filepath.Base(file)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Checkpoint is the on-disk snapshot of an in-flight ProcessingContext
type Checkpoint struct {
	File                string          `json:"file"`
	InputPath           string          `json:"input_path,omitempty"`
	RunID               string          `json:"run_id,omitempty"`
	State               workflow.State  `json:"state"`
	RetryCount          int             `json:"retry_count"`
	MaxRetries          int             `json:"max_retries"`
	Error               string          `json:"error,omitempty"`
	LastSuccessfulState workflow.State  `json:"last_successful_state,omitempty"`
	Stats               ProcessingStats `json:"stats"`
	StartTime           time.Time       `json:"start_time"`
	ScreenshotPath      string          `json:"screenshot_path,omitempty"`
	ArchivedPath        string          `json:"archived_path,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
}

// NewCheckpoint snapshots a context in the given state
func NewCheckpoint(pctx *ProcessingContext, state workflow.State, now time.Time) *Checkpoint {
	return &Checkpoint{
		File:                pctx.CurrentFile,
		InputPath:           pctx.InputPath,
		RunID:               pctx.RunID,
		State:               state,
		RetryCount:          pctx.RetryCount,
		MaxRetries:          pctx.MaxRetries,
		Error:               pctx.ErrorMessage,
		LastSuccessfulState: pctx.LastSuccessfulState,
		Stats:               pctx.Stats.Clone(),
		StartTime:           pctx.StartTime,
		ScreenshotPath:      pctx.ScreenshotPath,
		ArchivedPath:        pctx.ArchivedPath,
		Timestamp:           now,
	}
}

// IsStale reports whether the checkpoint is older than maxAge at now
func (c *Checkpoint) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(c.Timestamp) > maxAge
}

// ApplyTo restores the snapshot into a context
func (c *Checkpoint) ApplyTo(pctx *ProcessingContext) {
	if c.RunID != "" {
		pctx.RunID = c.RunID
	}
	pctx.CurrentFile = c.File
	if c.InputPath != "" {
		pctx.InputPath = c.InputPath
	}
	pctx.RetryCount = c.RetryCount
	if c.MaxRetries > 0 {
		pctx.MaxRetries = c.MaxRetries
	}
	pctx.ErrorMessage = c.Error
	pctx.LastSuccessfulState = c.LastSuccessfulState
	pctx.Stats = c.Stats.Clone()
	if !c.StartTime.IsZero() {
		pctx.StartTime = c.StartTime
	}
	pctx.ScreenshotPath = c.ScreenshotPath
	pctx.ArchivedPath = c.ArchivedPath
}
