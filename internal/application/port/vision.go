package port

import (
	"context"
	"image"

	"github.com/garyjia/erp-autoentry/internal/domain/screen"
)

// ScreenCapturer grabs the current remote screen
type ScreenCapturer interface {
	Capture(ctx context.Context) (image.Image, error)
}

// MatchResult is the best placement of a template on a screen
type MatchResult struct {
	// Score is the normalized cross-correlation in [0,1]
	Score float64
	// Location is the top-left corner of the best placement, in screen coordinates
	Location image.Point
	// Size is the template size
	Size image.Point
}

// Center returns the centre of the matched area
func (m MatchResult) Center() image.Point {
	return m.Location.Add(m.Size.Div(2))
}

// TemplateMatcher scores a template against a screen.
// An empty region searches the whole screen.
type TemplateMatcher interface {
	Match(screen, template image.Image, region image.Rectangle) (MatchResult, error)
}

// ReferenceTemplate is one stored reference image. Image is nil when the
// file could not be loaded; such references are skipped when scoring.
// Threshold is only used by locator templates.
type ReferenceTemplate struct {
	Name      string
	Path      string
	Image     image.Image
	Region    image.Rectangle
	Threshold float64
}

// StateTemplates groups the references and threshold of one screen state
type StateTemplates struct {
	State      screen.State
	Threshold  float64
	References []ReferenceTemplate
}

// TemplateCatalog provides the reference templates known to the detector
type TemplateCatalog interface {
	// States returns the recognisable states in catalog order
	States() []StateTemplates
	// Locator returns a named template used to find a UI element (e.g. a launch icon)
	Locator(name string) (ReferenceTemplate, bool)
}

// ScreenDetector classifies the remote screen and finds UI elements on it
type ScreenDetector interface {
	DetectCurrentScreen(ctx context.Context, saveScreenshot bool) screen.DetectionResult
	VerifyScreenState(ctx context.Context, state screen.State, maxAttempts int) bool
	Locate(ctx context.Context, name string) (image.Point, float64, error)
}

// Navigator drives the application to a target screen state
type Navigator interface {
	NavigateToTargetState(ctx context.Context, target screen.State, maxAttempts int) bool
}
