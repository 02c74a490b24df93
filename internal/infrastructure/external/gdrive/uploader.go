// Package gdrive uploads run artifacts into a Google Drive folder.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
)

// Config holds Drive settings
type Config struct {
	FolderID        string
	CredentialsFile string
	Attempts        int
	RetryInterval   time.Duration
}

// CreateFunc creates a file with the given metadata and content
type CreateFunc func(ctx context.Context, meta *drive.File, media io.Reader) (*drive.File, error)

// Uploader implements port.CloudUploader for Google Drive
type Uploader struct {
	cfg    Config
	create CreateFunc
	logger *zap.Logger
}

// NewUploader creates a Drive service from the service-account credentials
func NewUploader(ctx context.Context, cfg Config, logger *zap.Logger) (*Uploader, error) {
	if cfg.FolderID == "" {
		return nil, errors.New("drive folder is not configured")
	}
	opts := []option.ClientOption{option.WithScopes(drive.DriveFileScope)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	return NewUploaderWithCreate(cfg, func(ctx context.Context, meta *drive.File, media io.Reader) (*drive.File, error) {
		return srv.Files.Create(meta).
			Media(media).
			Fields("id", "webViewLink").
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	}, logger), nil
}

// NewUploaderWithCreate creates an uploader over an arbitrary create call
func NewUploaderWithCreate(cfg Config, create CreateFunc, logger *zap.Logger) *Uploader {
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	return &Uploader{cfg: cfg, create: create, logger: logger}
}

// Upload creates name inside the configured folder with the content of path
func (u *Uploader) Upload(ctx context.Context, path, name string) (entity.UploadResult, error) {
	result := entity.UploadResult{Path: path, Name: name}

	var created *drive.File
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(u.cfg.RetryInterval), uint64(u.cfg.Attempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		f, err := os.Open(path)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to open artifact: %w", err))
		}
		defer f.Close()

		created, err = u.create(ctx, &drive.File{Name: name, Parents: []string{u.cfg.FolderID}}, f)
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != 429 {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		u.logger.Warn("Drive upload failed, retrying", zap.String("name", name), zap.Error(err))
	})
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("drive upload %s: %w", name, err)
	}

	result.Success = true
	result.ID = created.Id
	result.Link = created.WebViewLink
	u.logger.Info("Uploaded to Drive", zap.String("name", name), zap.String("file_id", created.Id))
	return result, nil
}

var _ port.CloudUploader = (*Uploader)(nil)
