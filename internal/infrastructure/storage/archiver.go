package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// DirArchiver moves input records into a destination directory. The inbox
// worker uses one for processed records and one for records given up on.
type DirArchiver struct {
	dir    string
	logger *zap.Logger
}

// NewDirArchiver creates an archiver targeting dir
func NewDirArchiver(dir string, logger *zap.Logger) *DirArchiver {
	return &DirArchiver{dir: dir, logger: logger}
}

// Dir returns the destination directory
func (a *DirArchiver) Dir() string {
	return a.dir
}

// Archive moves inputPath into the destination directory and returns the new
// path. When the source is gone but the destination exists the record was
// already archived and the destination is returned.
func (a *DirArchiver) Archive(ctx context.Context, inputPath string) (string, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive dir: %w", err)
	}
	dst := filepath.Join(a.dir, filepath.Base(inputPath))

	if _, err := os.Stat(inputPath); errors.Is(err, os.ErrNotExist) {
		if _, err := os.Stat(dst); err == nil {
			return dst, nil
		}
		return "", fmt.Errorf("input %s not found", inputPath)
	}

	if err := os.Rename(inputPath, dst); err != nil {
		// rename fails across filesystems
		if err := copyFile(inputPath, dst); err != nil {
			return "", err
		}
		if err := os.Remove(inputPath); err != nil {
			return "", fmt.Errorf("failed to remove %s after copy: %w", inputPath, err)
		}
	}

	a.logger.Info("Input archived", zap.String("from", inputPath), zap.String("to", dst))
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
