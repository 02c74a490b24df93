package detector

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/screen"
)

type fakeCapturer struct {
	err   error
	calls int
}

func (f *fakeCapturer) Capture(ctx context.Context) (image.Image, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return image.NewGray(image.Rect(0, 0, 8, 8)), nil
}

// fakeMatcher returns a score per template keyed by the template's width
type fakeMatcher struct {
	byWidth map[int]float64
	seq     []map[int]float64
	calls   int
	err     error
	panics  bool
}

func (f *fakeMatcher) Match(scr, tpl image.Image, region image.Rectangle) (port.MatchResult, error) {
	if f.panics {
		panic("boom")
	}
	if f.err != nil {
		return port.MatchResult{}, f.err
	}
	scores := f.byWidth
	if len(f.seq) > 0 {
		scores = f.seq[0]
	}
	w := tpl.Bounds().Dx()
	return port.MatchResult{
		Score:    scores[w],
		Location: image.Pt(10, 20),
		Size:     image.Pt(w, 4),
	}, nil
}

// advance moves to the next score set in seq; called once per detection
func (f *fakeMatcher) advance() {
	if len(f.seq) > 1 {
		f.seq = f.seq[1:]
	}
}

type fakeCatalog struct {
	states   []port.StateTemplates
	locators map[string]port.ReferenceTemplate
}

func (c *fakeCatalog) States() []port.StateTemplates { return c.states }

func (c *fakeCatalog) Locator(name string) (port.ReferenceTemplate, bool) {
	r, ok := c.locators[name]
	return r, ok
}

func tpl(w int) image.Image {
	return image.NewGray(image.Rect(0, 0, w, 4))
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{
		states: []port.StateTemplates{
			{State: screen.StateRemoteDesktop, Threshold: 0.9, References: []port.ReferenceTemplate{
				{Name: "rd1", Image: tpl(1)},
			}},
			{State: screen.StateSAPDesktop, Threshold: 0.6, References: []port.ReferenceTemplate{
				{Name: "sap1", Image: tpl(2)},
				{Name: "sap2", Image: tpl(3)},
				{Name: "sap-missing", Image: nil},
			}},
			{State: screen.StateSalesOrderForm, Threshold: 0.8, References: []port.ReferenceTemplate{
				{Name: "form-missing", Image: nil},
			}},
		},
		locators: map[string]port.ReferenceTemplate{
			"sap_icon": {Name: "sap_icon", Image: tpl(5), Threshold: 0.7},
			"add_btn":  {Name: "add_btn", Image: tpl(6)},
		},
	}
}

func newTestDetector(c port.ScreenCapturer, m port.TemplateMatcher, cat port.TemplateCatalog, opts ...Option) *Detector {
	cfg := DefaultConfig()
	cfg.VerifyInterval = 0
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	opts = append(opts, WithClock(func() time.Time { return fixed }))
	return New(c, m, cat, cfg, zap.NewNop(), opts...)
}

func TestDetectCurrentScreen_MeanOverLoadedReferences(t *testing.T) {
	m := &fakeMatcher{byWidth: map[int]float64{1: 0.5, 2: 0.7, 3: 0.9}}
	d := newTestDetector(&fakeCapturer{}, m, testCatalog())

	r := d.DetectCurrentScreen(context.Background(), false)

	assert.Equal(t, screen.StateSAPDesktop, r.State)
	assert.InDelta(t, 0.8, r.Confidence, 1e-9)
	assert.Len(t, r.Scores, 2, "state with no loaded references is not a candidate")
	_, scored := r.Score(screen.StateSalesOrderForm)
	assert.False(t, scored)
	assert.Empty(t, r.ScreenshotPath)
}

func TestDetectCurrentScreen_PerStateThreshold(t *testing.T) {
	// remote_desktop has the highest score but misses its own threshold,
	// so the result is unknown even though sap_desktop would clear 0.6
	m := &fakeMatcher{byWidth: map[int]float64{1: 0.85, 2: 0.7, 3: 0.7}}
	d := newTestDetector(&fakeCapturer{}, m, testCatalog())

	r := d.DetectCurrentScreen(context.Background(), false)

	assert.Equal(t, screen.StateUnknown, r.State)
	assert.InDelta(t, 0.85, r.Confidence, 1e-9)
	assert.Equal(t, "remote_desktop", r.Details[screen.DetailBestCandidate])
	assert.InDelta(t, 0.85, r.Details[screen.DetailBestScore].(float64), 1e-9)
}

func TestDetectCurrentScreen_CaptureFailure(t *testing.T) {
	d := newTestDetector(&fakeCapturer{err: errors.New("session closed")}, &fakeMatcher{}, testCatalog())

	r := d.DetectCurrentScreen(context.Background(), true)

	assert.Equal(t, screen.StateError, r.State)
	assert.Zero(t, r.Confidence)
	assert.Contains(t, r.Details[screen.DetailError], "session closed")
}

func TestDetectCurrentScreen_MatchFailureAndPanic(t *testing.T) {
	d := newTestDetector(&fakeCapturer{}, &fakeMatcher{err: errors.New("bad template")}, testCatalog())
	assert.Equal(t, screen.StateError, d.DetectCurrentScreen(context.Background(), false).State)

	d = newTestDetector(&fakeCapturer{}, &fakeMatcher{panics: true}, testCatalog())
	r := d.DetectCurrentScreen(context.Background(), false)
	assert.Equal(t, screen.StateError, r.State)
	assert.Contains(t, r.Details[screen.DetailError], "panic")
}

func TestDetectCurrentScreen_Observer(t *testing.T) {
	var seen []screen.State
	m := &fakeMatcher{byWidth: map[int]float64{1: 0.95}}
	d := newTestDetector(&fakeCapturer{}, m, testCatalog(), WithObserver(func(r screen.DetectionResult) {
		seen = append(seen, r.State)
	}))

	d.DetectCurrentScreen(context.Background(), false)
	d.DetectCurrentScreen(context.Background(), false)

	assert.Equal(t, []screen.State{screen.StateRemoteDesktop, screen.StateRemoteDesktop}, seen)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		scores     map[screen.State]float64
		thresholds map[screen.State]float64
		want       screen.State
		confidence float64
	}{
		{
			name:   "empty",
			scores: map[screen.State]float64{},
			want:   screen.StateUnknown,
		},
		{
			name:       "best clears threshold",
			scores:     map[screen.State]float64{"a": 0.9, "b": 0.5},
			thresholds: map[screen.State]float64{"a": 0.8, "b": 0.1},
			want:       "a",
			confidence: 0.9,
		},
		{
			name:       "score equal to threshold is accepted",
			scores:     map[screen.State]float64{"a": 0.8},
			thresholds: map[screen.State]float64{"a": 0.8},
			want:       "a",
			confidence: 0.8,
		},
		{
			name:       "below threshold is unknown",
			scores:     map[screen.State]float64{"a": 0.79},
			thresholds: map[screen.State]float64{"a": 0.8},
			want:       screen.StateUnknown,
			confidence: 0.79,
		},
		{
			name:       "tie goes to smaller name",
			scores:     map[screen.State]float64{"b": 0.9, "a": 0.9},
			thresholds: map[screen.State]float64{"a": 0.5, "b": 0.5},
			want:       "a",
			confidence: 0.9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, conf, _ := Classify(tt.scores, tt.thresholds)
			assert.Equal(t, tt.want, got)
			assert.InDelta(t, tt.confidence, conf, 1e-9)
		})
	}
}

// seqCapturer advances the matcher's score set on every capture
type seqCapturer struct {
	m     *fakeMatcher
	calls int
}

func (s *seqCapturer) Capture(ctx context.Context) (image.Image, error) {
	if s.calls > 0 {
		s.m.advance()
	}
	s.calls++
	return image.NewGray(image.Rect(0, 0, 8, 8)), nil
}

func TestVerifyScreenState(t *testing.T) {
	t.Run("succeeds on a later attempt", func(t *testing.T) {
		m := &fakeMatcher{seq: []map[int]float64{
			{1: 0.1, 2: 0.1, 3: 0.1},
			{1: 0.1, 2: 0.1, 3: 0.1},
			{1: 0.1, 2: 0.9, 3: 0.9},
		}}
		c := &seqCapturer{m: m}
		d := newTestDetector(c, m, testCatalog())

		assert.True(t, d.VerifyScreenState(context.Background(), screen.StateSAPDesktop, 5))
		assert.Equal(t, 3, c.calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		m := &fakeMatcher{byWidth: map[int]float64{}}
		c := &seqCapturer{m: m}
		d := newTestDetector(c, m, testCatalog())

		assert.False(t, d.VerifyScreenState(context.Background(), screen.StateSAPDesktop, 3))
		assert.Equal(t, 3, c.calls)
	})

	t.Run("zero attempts still detects once", func(t *testing.T) {
		m := &fakeMatcher{byWidth: map[int]float64{1: 0.95}}
		c := &seqCapturer{m: m}
		d := newTestDetector(c, m, testCatalog())

		assert.True(t, d.VerifyScreenState(context.Background(), screen.StateRemoteDesktop, 0))
		assert.Equal(t, 1, c.calls)
	})
}

func TestLocate(t *testing.T) {
	m := &fakeMatcher{byWidth: map[int]float64{5: 0.75, 6: 0.75}}
	d := newTestDetector(&fakeCapturer{}, m, testCatalog())

	pt, score, err := d.Locate(context.Background(), "sap_icon")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, score, 1e-9)
	assert.Equal(t, image.Pt(12, 22), pt)

	// add_btn falls back to the default locator threshold of 0.8
	_, _, err = d.Locate(context.Background(), "add_btn")
	assert.ErrorIs(t, err, ErrLocatorNotFound)

	_, _, err = d.Locate(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrLocatorNotFound)
}
