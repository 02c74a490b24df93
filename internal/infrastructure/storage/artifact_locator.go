package storage

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ArtifactLocator searches an ordered list of candidate directories for output
// artifacts. The directories are hints: an artifact may have been exported to
// any of them.
type ArtifactLocator struct {
	dirs   []string
	logger *zap.Logger
}

// NewArtifactLocator creates a locator over dirs, searched in order
func NewArtifactLocator(dirs []string, logger *zap.Logger) *ArtifactLocator {
	return &ArtifactLocator{dirs: append([]string(nil), dirs...), logger: logger}
}

// Find returns the first non-empty regular file among names. Directories are
// searched in order and each directory is checked for every name before moving on.
func (l *ArtifactLocator) Find(ctx context.Context, names ...string) (string, bool) {
	for _, dir := range l.dirs {
		for _, name := range names {
			path := filepath.Join(dir, name)
			info, err := os.Stat(path)
			if err != nil || info.IsDir() || info.Size() == 0 {
				continue
			}
			return path, true
		}
	}
	l.logger.Debug("Artifact not found", zap.Strings("names", names), zap.Strings("dirs", l.dirs))
	return "", false
}
