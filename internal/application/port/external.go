package port

import (
	"context"

	"github.com/garyjia/erp-autoentry/internal/domain/entity"
)

// CloudUploader uploads one artifact. The returned result reports the
// outcome; err is set only for failures the caller may want to log.
type CloudUploader interface {
	Upload(ctx context.Context, path, name string) (entity.UploadResult, error)
}

// DocumentValidator checks that a document artifact is well-formed before upload
type DocumentValidator interface {
	Validate(ctx context.Context, path string) error
}

// AlertNotifier reports runs that were abandoned after exhausting retries
type AlertNotifier interface {
	NotifyFailure(ctx context.Context, run *entity.RunRecord) error
}

// RunReporter appends finished runs to a human-readable report
type RunReporter interface {
	Append(ctx context.Context, run *entity.RunRecord, stages map[string]float64) error
}
