// Package detector classifies the remote screen into a named state by
// template matching against stored reference images.
package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/screen"
)

// ErrLocatorNotFound is returned when a locator template is missing or does not clear its threshold
var ErrLocatorNotFound = errors.New("locator template not found on screen")

// Config holds detector settings
type Config struct {
	// VerifyInterval is the pause between VerifyScreenState attempts
	VerifyInterval time.Duration
	// ScreenshotDir is the directory, relative to the screenshot storage, for saved captures
	ScreenshotDir string
	// DefaultLocatorThreshold applies to locator templates without their own threshold
	DefaultLocatorThreshold float64
}

// DefaultConfig returns default detector configuration
func DefaultConfig() Config {
	return Config{
		VerifyInterval:          time.Second,
		ScreenshotDir:           "detections",
		DefaultLocatorThreshold: 0.8,
	}
}

// Detector scores the current screen against the template catalog
type Detector struct {
	capturer port.ScreenCapturer
	matcher  port.TemplateMatcher
	catalog  port.TemplateCatalog
	storage  port.FileStorage
	cfg      Config
	logger   *zap.Logger

	now      func() time.Time
	observer func(screen.DetectionResult)
}

// Option configures the detector
type Option func(*Detector)

// WithScreenshotStorage sets where captures are saved when requested
func WithScreenshotStorage(s port.FileStorage) Option {
	return func(d *Detector) {
		d.storage = s
	}
}

// WithObserver registers a function called with every detection result
func WithObserver(fn func(screen.DetectionResult)) Option {
	return func(d *Detector) {
		d.observer = fn
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// New creates a new screen detector
func New(
	capturer port.ScreenCapturer,
	matcher port.TemplateMatcher,
	catalog port.TemplateCatalog,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Detector {
	d := &Detector{
		capturer: capturer,
		matcher:  matcher,
		catalog:  catalog,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectCurrentScreen captures the screen and classifies it. It never returns
// an error: capture or matching failures produce the "error" state.
func (d *Detector) DetectCurrentScreen(ctx context.Context, saveScreenshot bool) (result screen.DetectionResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Detection panicked", zap.Any("panic", r))
			result = screen.ErrorResult(fmt.Errorf("detection panic: %v", r), d.now())
		}
		if d.observer != nil {
			d.observer(result)
		}
	}()

	img, err := d.capturer.Capture(ctx)
	if err != nil {
		d.logger.Warn("Screen capture failed", zap.Error(err))
		return screen.ErrorResult(fmt.Errorf("capture: %w", err), d.now())
	}

	scores, thresholds, err := d.score(img)
	if err != nil {
		d.logger.Warn("Template matching failed", zap.Error(err))
		return screen.ErrorResult(err, d.now())
	}

	state, confidence, details := Classify(scores, thresholds)

	var path string
	if saveScreenshot {
		path, err = d.saveScreenshot(ctx, img)
		if err != nil {
			d.logger.Warn("Failed to save detection screenshot", zap.Error(err))
		}
	}

	d.logger.Debug("Screen detected",
		zap.String("state", state.String()),
		zap.Float64("confidence", confidence),
		zap.Any("scores", scores))

	return screen.NewDetectionResult(state, confidence, scores, details, path, d.now())
}

// score computes the mean template score of every state that has at least one loaded reference
func (d *Detector) score(img image.Image) (map[screen.State]float64, map[screen.State]float64, error) {
	scores := make(map[screen.State]float64)
	thresholds := make(map[screen.State]float64)

	for _, st := range d.catalog.States() {
		sum, n := 0.0, 0
		for _, ref := range st.References {
			if ref.Image == nil {
				continue
			}
			m, err := d.matcher.Match(img, ref.Image, ref.Region)
			if err != nil {
				return nil, nil, fmt.Errorf("match %s/%s: %w", st.State, ref.Name, err)
			}
			sum += m.Score
			n++
		}
		if n == 0 {
			continue
		}
		scores[st.State] = sum / float64(n)
		thresholds[st.State] = st.Threshold
	}

	return scores, thresholds, nil
}

// Classify picks the best-scoring state and accepts it only when the score
// clears that state's own threshold. Ties go to the lexically smaller state.
func Classify(scores, thresholds map[screen.State]float64) (screen.State, float64, map[string]any) {
	if len(scores) == 0 {
		return screen.StateUnknown, 0, map[string]any{}
	}

	states := make([]screen.State, 0, len(scores))
	for s := range scores {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })

	best := states[0]
	for _, s := range states[1:] {
		if scores[s] > scores[best] {
			best = s
		}
	}

	bestScore := scores[best]
	threshold := thresholds[best]
	details := map[string]any{
		screen.DetailBestCandidate: best.String(),
		screen.DetailBestScore:     bestScore,
		screen.DetailThreshold:     threshold,
	}

	if bestScore < threshold {
		return screen.StateUnknown, bestScore, details
	}
	return best, bestScore, details
}

// VerifyScreenState re-detects until the requested state is seen or attempts run out
func (d *Detector) VerifyScreenState(ctx context.Context, state screen.State, maxAttempts int) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	op := func() error {
		attempt++
		r := d.DetectCurrentScreen(ctx, false)
		if r.State == state {
			return nil
		}
		return fmt.Errorf("expected %s, detected %s (%.3f)", state, r.State, r.Confidence)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.VerifyInterval), uint64(maxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		d.logger.Debug("Screen state not verified",
			zap.String("expected", state.String()),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return false
	}
	return true
}

// Locate finds a named locator template on screen and returns its centre
func (d *Detector) Locate(ctx context.Context, name string) (image.Point, float64, error) {
	ref, ok := d.catalog.Locator(name)
	if !ok || ref.Image == nil {
		return image.Point{}, 0, fmt.Errorf("%w: %s not in catalog", ErrLocatorNotFound, name)
	}

	img, err := d.capturer.Capture(ctx)
	if err != nil {
		return image.Point{}, 0, fmt.Errorf("capture: %w", err)
	}

	m, err := d.matcher.Match(img, ref.Image, ref.Region)
	if err != nil {
		return image.Point{}, 0, fmt.Errorf("match %s: %w", name, err)
	}

	threshold := ref.Threshold
	if threshold <= 0 {
		threshold = d.cfg.DefaultLocatorThreshold
	}
	if m.Score < threshold {
		return image.Point{}, m.Score, fmt.Errorf("%w: %s scored %.3f < %.3f", ErrLocatorNotFound, name, m.Score, threshold)
	}

	return m.Center(), m.Score, nil
}

// CaptureTo captures the screen and stores it as PNG at the given relative path
func (d *Detector) CaptureTo(ctx context.Context, storage port.FileStorage, relPath string) (string, error) {
	img, err := d.capturer.Capture(ctx)
	if err != nil {
		return "", fmt.Errorf("capture: %w", err)
	}
	return writePNG(ctx, storage, relPath, img)
}

func (d *Detector) saveScreenshot(ctx context.Context, img image.Image) (string, error) {
	if d.storage == nil {
		return "", fmt.Errorf("no screenshot storage configured")
	}
	name := fmt.Sprintf("%s/detect_%s.png", d.cfg.ScreenshotDir, d.now().Format("20060102_150405.000"))
	return writePNG(ctx, d.storage, name, img)
}

func writePNG(ctx context.Context, storage port.FileStorage, relPath string, img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	if err := storage.Save(ctx, relPath, buf.Bytes()); err != nil {
		return "", err
	}
	return storage.GetFullPath(relPath), nil
}
