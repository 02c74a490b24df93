package entity

import (
	"time"

	"github.com/garyjia/erp-autoentry/internal/domain/workflow"
)

// UploadResult is what the cloud uploader reports for one artifact
type UploadResult struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Link    string `json:"link,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProcessingContext is the mutable state of one file's run. It is owned by a
// single process machine and mutated only by the machine and its handlers.
type ProcessingContext struct {
	RunID       string
	CurrentFile string
	InputPath   string
	CurrentData *PurchaseOrder

	RetryCount int
	MaxRetries int

	ErrorMessage string
	LastReason   Reason

	StartTime           time.Time
	LastSuccessfulState workflow.State
	Stats               ProcessingStats
	CheckpointFile      string

	SelectedDeliveryDate time.Time
	ScreenshotPath       string
	ArchivedPath         string
	Uploads              []UploadResult
}

// NewProcessingContext creates a fresh context for a file entering processing
func NewProcessingContext(runID, file, inputPath string, data *PurchaseOrder, maxRetries int, now time.Time) *ProcessingContext {
	return &ProcessingContext{
		RunID:       runID,
		CurrentFile: file,
		InputPath:   inputPath,
		CurrentData: data,
		MaxRetries:  maxRetries,
		StartTime:   now,
	}
}

// BaseName is the artifact and checkpoint key of the current file
func (c *ProcessingContext) BaseName() string {
	return BaseName(c.CurrentFile)
}

// LastCompletedState is the most recent state the machine fully exited
func (c *ProcessingContext) LastCompletedState() workflow.State {
	return c.LastSuccessfulState
}

// RecordFailure stores the failure description of the last outcome
func (c *ProcessingContext) RecordFailure(reason Reason, message string) {
	c.LastReason = reason
	c.ErrorMessage = message
}

// ClearError resets the failure description
func (c *ProcessingContext) ClearError() {
	c.LastReason = ReasonNone
	c.ErrorMessage = ""
}

// CanRetry reports whether the retry budget allows another attempt
func (c *ProcessingContext) CanRetry() bool {
	return c.RetryCount < c.MaxRetries
}

// SuccessfulUploads counts artifacts the uploader accepted
func (c *ProcessingContext) SuccessfulUploads() int {
	n := 0
	for _, u := range c.Uploads {
		if u.Success {
			n++
		}
	}
	return n
}
