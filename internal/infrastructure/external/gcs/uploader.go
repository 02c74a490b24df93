// Package gcs uploads run artifacts to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
)

// Config holds bucket settings
type Config struct {
	Bucket string
	// Prefix is prepended to object names, e.g. "erp-autoentry/"
	Prefix          string
	CredentialsFile string
	Attempts        int
	RetryInterval   time.Duration
}

// WriterFactory opens a writer for one object
type WriterFactory func(ctx context.Context, object, contentType string) io.WriteCloser

// Uploader implements port.CloudUploader for GCS
type Uploader struct {
	cfg       Config
	newWriter WriterFactory
	client    *storage.Client
	logger    *zap.Logger
}

// NewUploader connects to GCS
func NewUploader(ctx context.Context, cfg Config, logger *zap.Logger) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is not configured")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	bucket := client.Bucket(cfg.Bucket)
	u := NewUploaderWithWriter(cfg, func(ctx context.Context, object, contentType string) io.WriteCloser {
		w := bucket.Object(object).NewWriter(ctx)
		w.ContentType = contentType
		return w
	}, logger)
	u.client = client
	return u, nil
}

// NewUploaderWithWriter creates an uploader over an arbitrary object writer
func NewUploaderWithWriter(cfg Config, newWriter WriterFactory, logger *zap.Logger) *Uploader {
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	return &Uploader{cfg: cfg, newWriter: newWriter, logger: logger}
}

// Close releases the storage client
func (u *Uploader) Close() error {
	if u.client == nil {
		return nil
	}
	return u.client.Close()
}

// Upload copies the file at path to <prefix><name>. Transient failures are
// retried; 4xx responses other than 429 are not.
func (u *Uploader) Upload(ctx context.Context, filePath, name string) (entity.UploadResult, error) {
	object := path.Join(u.cfg.Prefix, name)
	result := entity.UploadResult{Path: filePath, Name: name}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(u.cfg.RetryInterval), uint64(u.cfg.Attempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		err := u.write(ctx, filePath, object, contentType)
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != 429 {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		u.logger.Warn("GCS upload failed, retrying", zap.String("object", object), zap.Error(err))
	})
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("gcs upload %s: %w", object, err)
	}

	result.Success = true
	result.ID = object
	result.Link = fmt.Sprintf("gs://%s/%s", u.cfg.Bucket, object)
	u.logger.Info("Uploaded to GCS", zap.String("object", object), zap.String("bucket", u.cfg.Bucket))
	return result, nil
}

func (u *Uploader) write(ctx context.Context, filePath, object, contentType string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to open artifact: %w", err))
	}
	defer f.Close()

	w := u.newWriter(ctx, object, contentType)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize object: %w", err)
	}
	return nil
}

var _ port.CloudUploader = (*Uploader)(nil)
