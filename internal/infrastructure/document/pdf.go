// Package document checks output documents before they leave the machine.
package document

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/port"
)

// ErrEmptyDocument is returned for a PDF without pages
var ErrEmptyDocument = errors.New("document has no pages")

// PDFValidator rejects truncated or corrupt PDFs exported by the ERP
type PDFValidator struct {
	strict bool
	logger *zap.Logger
}

// NewPDFValidator creates a validator. Relaxed mode tolerates the minor
// format deviations common in ERP print drivers.
func NewPDFValidator(strict bool, logger *zap.Logger) *PDFValidator {
	return &PDFValidator{strict: strict, logger: logger}
}

func (v *PDFValidator) configuration() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if v.strict {
		cfg.ValidationMode = model.ValidationStrict
	}
	return cfg
}

// Validate parses the file and checks that it has at least one page
func (v *PDFValidator) Validate(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat document: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s: %w", path, ErrEmptyDocument)
	}

	if err := api.ValidateFile(path, v.configuration()); err != nil {
		return fmt.Errorf("invalid pdf %s: %w", path, err)
	}

	pages, err := api.PageCountFile(path)
	if err != nil {
		return fmt.Errorf("count pages of %s: %w", path, err)
	}
	if pages == 0 {
		return fmt.Errorf("%s: %w", path, ErrEmptyDocument)
	}

	v.logger.Debug("Document validated", zap.String("path", path), zap.Int("pages", pages))
	return nil
}

var _ port.DocumentValidator = (*PDFValidator)(nil)
