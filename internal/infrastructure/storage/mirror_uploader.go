package storage

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/domain/entity"
)

// MirrorUploader copies artifacts into a local (often network-mounted) share
type MirrorUploader struct {
	storage *LocalFileStorage
	logger  *zap.Logger
}

// NewMirrorUploader creates an uploader writing into dir
func NewMirrorUploader(dir string, logger *zap.Logger) *MirrorUploader {
	return &MirrorUploader{storage: NewLocalFileStorage(dir, logger), logger: logger}
}

// Upload copies path to <dir>/<name>
func (u *MirrorUploader) Upload(ctx context.Context, path, name string) (entity.UploadResult, error) {
	result := entity.UploadResult{Path: path, Name: name}

	content, err := os.ReadFile(path)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("read artifact: %w", err)
	}
	if err := u.storage.Save(ctx, name, content); err != nil {
		result.Error = err.Error()
		return result, err
	}

	result.Success = true
	result.ID = name
	result.Link = "file://" + u.storage.GetFullPath(name)
	return result, nil
}
