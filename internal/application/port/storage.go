package port

import (
	"context"

	"github.com/garyjia/erp-autoentry/internal/domain/entity"
)

// FileStorage defines file storage operations relative to a base directory
type FileStorage interface {
	Save(ctx context.Context, path string, content []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) bool
	Delete(ctx context.Context, path string) error
	GetFullPath(relativePath string) string
}

// CheckpointStore persists one checkpoint per input file
type CheckpointStore interface {
	// Save writes the checkpoint and returns the path it was written to
	Save(ctx context.Context, cp *entity.Checkpoint) (string, error)
	// Load returns the checkpoint of a file, or an error wrapping
	// entity.ErrCheckpointNotFound when there is none
	Load(ctx context.Context, file string) (*entity.Checkpoint, error)
	Delete(ctx context.Context, file string) error
	Path(file string) string
}

// InputArchiver moves processed input records out of the inbox
type InputArchiver interface {
	// Archive moves the record and returns its new path
	Archive(ctx context.Context, inputPath string) (string, error)
}

// ArtifactLocator finds output artifacts across candidate directories
type ArtifactLocator interface {
	// Find returns the first existing file among names, searching the
	// candidate directories in order
	Find(ctx context.Context, names ...string) (string, bool)
}
