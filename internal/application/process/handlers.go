package process

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
	"github.com/garyjia/erp-autoentry/internal/domain/screen"
	"github.com/garyjia/erp-autoentry/internal/domain/workflow"
)

// HandlerDeps holds the collaborators state handlers use
type HandlerDeps struct {
	Connector port.RemoteConnector
	Detector  port.ScreenDetector
	Navigator port.Navigator
	Form      *FormDriver
	Archiver  port.InputArchiver
	Artifacts port.ArtifactLocator
	Uploaders []port.CloudUploader
	// Validator checks documents before upload; optional
	Validator port.DocumentValidator
}

// HandlerConfig holds handler settings
type HandlerConfig struct {
	// LauncherTemplate is the locator template of the ERP desktop icon
	LauncherTemplate   string
	AppVerifyAttempts  int
	NavigationAttempts int
}

// DefaultHandlerConfig returns default handler configuration
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		LauncherTemplate:   "sap_launcher",
		AppVerifyAttempts:  5,
		NavigationAttempts: 3,
	}
}

// Handlers implements the work of every working state
type Handlers struct {
	deps   HandlerDeps
	cfg    HandlerConfig
	logger *zap.Logger
}

// NewHandlers creates the state handlers
func NewHandlers(deps HandlerDeps, cfg HandlerConfig, logger *zap.Logger) *Handlers {
	return &Handlers{deps: deps, cfg: cfg, logger: logger}
}

// Map returns the handler table keyed by state
func (h *Handlers) Map() map[workflow.State]Handler {
	return map[workflow.State]Handler{
		workflow.StateConnectingRemoteDesktop: h.Connect,
		workflow.StateOpeningApp:              h.OpenApp,
		workflow.StateNavigatingToForm:        h.NavigateToForm,
		workflow.StateLoadingIDField:          h.LoadID,
		workflow.StateLoadingOrderField:       h.LoadOrder,
		workflow.StateLoadingDateField:        h.LoadDate,
		workflow.StateLoadingLineItems:        h.LoadItems,
		workflow.StateTakingScreenshot:        h.VerifyScreenshot,
		workflow.StateArchivingInput:          h.Archive,
		workflow.StatePositioningPointer:      h.PositionPointer,
		workflow.StateUploadingArtifacts:      h.Upload,
		workflow.StateRetrying:                h.Retrying,
	}
}

// Connect opens the remote desktop session
func (h *Handlers) Connect(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
	if err := h.deps.Connector.Connect(ctx); err != nil {
		return entity.Failed(entity.ReasonConnectFailed, "remote desktop connection failed: %v", err)
	}
	return entity.Succeeded("remote desktop connected")
}

// OpenApp launches the ERP unless it is already on screen
func (h *Handlers) OpenApp(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
	r := h.deps.Detector.DetectCurrentScreen(ctx, false)
	if r.Is(screen.StateSAPDesktop) || r.Is(screen.StateSalesOrderForm) {
		return entity.Succeeded("ERP already open")
	}

	pt, score, err := h.deps.Detector.Locate(ctx, h.cfg.LauncherTemplate)
	if err != nil {
		return entity.Failed(entity.ReasonAppNotFound, "ERP launcher not found: %v", err)
	}
	h.logger.Info("Launching ERP",
		zap.String("file", pctx.CurrentFile),
		zap.Int("x", pt.X),
		zap.Int("y", pt.Y),
		zap.Float64("score", score))

	if err := h.deps.Form.Input().DoubleClick(ctx, pt); err != nil {
		return entity.Failed(entity.ReasonInputFailed, "launch ERP: %v", err)
	}

	if !h.deps.Detector.VerifyScreenState(ctx, screen.StateSAPDesktop, h.cfg.AppVerifyAttempts) {
		last := h.deps.Detector.DetectCurrentScreen(ctx, true)
		if last.Is(screen.StateError) {
			return entity.Failed(entity.ReasonDetectionError, "ERP desktop not verified: %v", last.Details[screen.DetailError])
		}
		return entity.Failed(entity.ReasonDetectionUnknown, "ERP desktop not verified, screen is %s", last.State)
	}
	return entity.Succeeded("ERP opened")
}

// NavigateToForm brings the sales order form on screen
func (h *Handlers) NavigateToForm(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
	if h.deps.Detector.DetectCurrentScreen(ctx, false).Is(screen.StateSalesOrderForm) {
		return entity.Succeeded("form already open")
	}
	if !h.deps.Navigator.NavigateToTargetState(ctx, screen.StateSalesOrderForm, h.cfg.NavigationAttempts) {
		return entity.Failed(entity.ReasonNavigationExhausted, "sales order form not reached after %d attempts", h.cfg.NavigationAttempts)
	}
	return entity.Succeeded("form reached")
}

func missingField(err error) entity.Outcome {
	var mf *entity.MissingFieldError
	if errors.As(err, &mf) {
		return entity.Failed(entity.ReasonMissingField, "%s", mf.Error())
	}
	return entity.Failed(entity.ReasonMissingField, "%v", err)
}

// LoadID types the buyer identifier
func (h *Handlers) LoadID(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
	nit, err := pctx.CurrentData.RequireBuyerNIT()
	if err != nil {
		return missingField(err)
	}
	if err := h.deps.Form.EnterBuyer(ctx, nit); err != nil {
		return entity.Failed(entity.ReasonInputFailed, "enter buyer: %v", err)
	}
	return entity.Succeeded("buyer entered")
}

// LoadOrder types the purchase-order number
func (h *Handlers) LoadOrder(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
	number, err := pctx.CurrentData.RequireOrderNumber()
	if err != nil {
		return missingField(err)
	}
	if err := h.deps.Form.EnterOrderNumber(ctx, number); err != nil {
		return entity.Failed(entity.ReasonInputFailed, "enter order number: %v", err)
	}
	return entity.Succeeded("order number entered")
}

// LoadDate types the latest delivery date of the record
func (h *Handlers) LoadDate(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
	date, err := pctx.CurrentData.LatestDeliveryDate()
	if err != nil {
		return entity.Failed(entity.ReasonInvalidDate, "%v", err)
	}
	pctx.SelectedDeliveryDate = date

	if err := h.deps.Form.EnterDeliveryDate(ctx, date); err != nil {
		return entity.Failed(entity.ReasonInputFailed, "enter delivery date: %v", err)
	}
	return entity.Succeeded("delivery date " + h.deps.Form.FormatDate(date))
}

// LoadItems types every line item, then adds the document and captures the
// confirmation screen
func (h *Handlers) LoadItems(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
	items, err := pctx.CurrentData.RequireItems()
	if err != nil {
		return missingField(err)
	}
	if err := h.deps.Form.EnterLineItems(ctx, items); err != nil {
		return entity.Failed(entity.ReasonInputFailed, "enter line items: %v", err)
	}

	path, err := h.deps.Form.AddAndCapture(ctx, pctx.BaseName())
	if err != nil {
		return entity.Failed(entity.ReasonInputFailed, "add document: %v", err)
	}
	pctx.ScreenshotPath = path
	return entity.Succeeded(fmt.Sprintf("%d items entered", len(items)))
}

// VerifyScreenshot checks the confirmation image captured by LoadItems
func (h *Handlers) VerifyScreenshot(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
	if pctx.ScreenshotPath == "" {
		return entity.Failed(entity.ReasonArtifactMissing, "no confirmation screenshot recorded")
	}
	if err := checkImage(pctx.ScreenshotPath); err != nil {
		return entity.Failed(entity.ReasonArtifactMissing, "%v", err)
	}
	return entity.Succeeded("screenshot " + pctx.ScreenshotPath)
}

// Archive moves the input record out of the inbox, then requires both the
// archived record and the confirmation image to be present and consistent
func (h *Handlers) Archive(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
	if pctx.ArchivedPath == "" || !fileExists(pctx.ArchivedPath) {
		archived, err := h.deps.Archiver.Archive(ctx, pctx.InputPath)
		if err != nil {
			return entity.Failed(entity.ReasonArchiveFailed, "archive %s: %v", pctx.InputPath, err)
		}
		pctx.ArchivedPath = archived
	}

	data, err := os.ReadFile(pctx.ArchivedPath)
	if err != nil || len(data) == 0 {
		return entity.Failed(entity.ReasonArtifactMissing, "archived record %s missing or empty", pctx.ArchivedPath)
	}
	if _, err := entity.ParsePurchaseOrder(data); err != nil {
		return entity.Failed(entity.ReasonArtifactMissing, "archived record unreadable: %v", err)
	}

	if pctx.ScreenshotPath == "" {
		return entity.Failed(entity.ReasonArtifactMissing, "no confirmation screenshot recorded")
	}
	if err := checkImage(pctx.ScreenshotPath); err != nil {
		return entity.Failed(entity.ReasonArtifactMissing, "%v", err)
	}
	if entity.BaseName(pctx.ArchivedPath) != entity.BaseName(pctx.ScreenshotPath) {
		return entity.Failed(entity.ReasonArtifactMissing, "record %s and screenshot %s do not match",
			filepath.Base(pctx.ArchivedPath), filepath.Base(pctx.ScreenshotPath))
	}
	return entity.Succeeded("archived to " + pctx.ArchivedPath)
}

// PositionPointer dismisses the confirmation dialog and parks the pointer
func (h *Handlers) PositionPointer(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
	if err := h.deps.Form.DismissAndRest(ctx); err != nil {
		return entity.Failed(entity.ReasonInputFailed, "%v", err)
	}
	return entity.Succeeded("pointer positioned")
}

// Upload sends the image first, then the document. It succeeds when at least
// one artifact was accepted by at least one uploader.
func (h *Handlers) Upload(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
	base := pctx.BaseName()

	imagePath := pctx.ScreenshotPath
	if imagePath == "" || !fileExists(imagePath) {
		imagePath, _ = h.deps.Artifacts.Find(ctx, base+".png")
	}
	docPath, _ := h.deps.Artifacts.Find(ctx, base+".PDF", base+".pdf")

	pctx.Uploads = pctx.Uploads[:0]
	for _, path := range []string{imagePath, docPath} {
		if path == "" {
			continue
		}
		if path == docPath && h.deps.Validator != nil {
			if err := h.deps.Validator.Validate(ctx, path); err != nil {
				h.logger.Warn("Skipping invalid document", zap.String("path", path), zap.Error(err))
				pctx.Uploads = append(pctx.Uploads, entity.UploadResult{Path: path, Name: filepath.Base(path), Error: err.Error()})
				continue
			}
		}
		pctx.Uploads = append(pctx.Uploads, h.uploadOne(ctx, path))
	}

	if imagePath == "" && docPath == "" {
		return entity.Failed(entity.ReasonArtifactMissing, "no artifacts found for %s", base)
	}
	if n := pctx.SuccessfulUploads(); n == 0 {
		return entity.Failed(entity.ReasonUploadFailed, "no artifact of %s was uploaded", base)
	}
	return entity.Succeeded(fmt.Sprintf("%d artifacts uploaded", pctx.SuccessfulUploads()))
}

// uploadOne sends an artifact to every uploader; it counts as uploaded when any accepts it
func (h *Handlers) uploadOne(ctx context.Context, path string) entity.UploadResult {
	name := filepath.Base(path)
	result := entity.UploadResult{Path: path, Name: name}

	for _, u := range h.deps.Uploaders {
		r, err := u.Upload(ctx, path, name)
		if err != nil || !r.Success {
			msg := r.Error
			if err != nil {
				msg = err.Error()
			}
			h.logger.Warn("Upload failed", zap.String("path", path), zap.String("error", msg))
			if result.Error == "" {
				result.Error = msg
			}
			continue
		}
		if !result.Success {
			result.Success = true
			result.ID = r.ID
			result.Link = r.Link
			result.Error = ""
		}
	}
	return result
}

// Retrying clears the last failure and restarts the pipeline
func (h *Handlers) Retrying(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
	h.logger.Info("Restarting pipeline",
		zap.String("file", pctx.CurrentFile),
		zap.Int("retry_count", pctx.RetryCount),
		zap.String("previous_error", pctx.ErrorMessage))
	pctx.ClearError()
	return entity.Succeeded("retry")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// checkImage requires a non-empty file that decodes as an image
func checkImage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("screenshot %s missing: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("screenshot %s is empty", path)
	}
	if _, _, err := image.DecodeConfig(f); err != nil {
		return fmt.Errorf("screenshot %s is not an image: %w", path, err)
	}
	return nil
}
