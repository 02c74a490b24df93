package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/domain/entity"
)

// ErrCheckpointNotFound is returned by Load when a file has no checkpoint
var ErrCheckpointNotFound = entity.ErrCheckpointNotFound

const checkpointSuffix = ".checkpoint.json"

// CheckpointStore keeps one JSON checkpoint per input file at
// <dir>/<base>.checkpoint.json
type CheckpointStore struct {
	dir    string
	logger *zap.Logger
}

// NewCheckpointStore creates a checkpoint store, creating dir if needed
func NewCheckpointStore(dir string, logger *zap.Logger) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &CheckpointStore{dir: dir, logger: logger}, nil
}

// Path returns the checkpoint path of a file. Any directory and extension
// on file are ignored.
func (s *CheckpointStore) Path(file string) string {
	return filepath.Join(s.dir, entity.BaseName(file)+checkpointSuffix)
}

// Save writes the checkpoint atomically and returns its path
func (s *CheckpointStore) Save(ctx context.Context, cp *entity.Checkpoint) (string, error) {
	if cp == nil || cp.File == "" {
		return "", errors.New("checkpoint has no file")
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	path := s.Path(cp.File)
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}

	s.logger.Debug("Checkpoint saved",
		zap.String("file", cp.File),
		zap.String("state", cp.State.String()),
		zap.String("path", path))
	return path, nil
}

// Load reads the checkpoint of a file
func (s *CheckpointStore) Load(ctx context.Context, file string) (*entity.Checkpoint, error) {
	path := s.Path(file)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, file)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp entity.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	if !cp.State.IsValid() {
		return nil, fmt.Errorf("checkpoint %s has invalid state %q", path, cp.State)
	}
	return &cp, nil
}

// Delete removes the checkpoint of a file. A missing checkpoint is not an error.
func (s *CheckpointStore) Delete(ctx context.Context, file string) error {
	if err := os.Remove(s.Path(file)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// List returns the base names of every stored checkpoint
func (s *CheckpointStore) List(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+checkpointSuffix))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), checkpointSuffix))
	}
	return names, nil
}
