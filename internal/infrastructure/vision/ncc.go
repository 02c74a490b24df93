// Package vision implements template matching by normalized cross-correlation
// and loads the reference template catalog.
package vision

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/garyjia/erp-autoentry/internal/application/port"
)

// ErrTemplateTooLarge is returned when the template does not fit the search region
var ErrTemplateTooLarge = errors.New("template larger than search region")

const flatEpsilon = 1e-6

// NCCMatcher implements port.TemplateMatcher. Large templates are first
// located on a downsampled pyramid, then refined level by level.
type NCCMatcher struct {
	minTemplateSide int
	maxLevels       int
	refineRadius    int
}

// MatcherOption configures the matcher
type MatcherOption func(*NCCMatcher)

// WithPyramid sets the pyramid depth and the smallest template side a level may have
func WithPyramid(maxLevels, minTemplateSide int) MatcherOption {
	return func(m *NCCMatcher) {
		m.maxLevels = maxLevels
		m.minTemplateSide = minTemplateSide
	}
}

// WithRefineRadius sets the search radius, in pixels, around a coarse match
func WithRefineRadius(r int) MatcherOption {
	return func(m *NCCMatcher) {
		m.refineRadius = r
	}
}

// NewNCCMatcher creates a matcher
func NewNCCMatcher(opts ...MatcherOption) *NCCMatcher {
	m := &NCCMatcher{
		minTemplateSide: 24,
		maxLevels:       3,
		refineRadius:    2,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match returns the best placement of template inside region of screen.
// An empty region searches the whole screen. Region and the returned location
// are relative to the screen's origin. Scores are clamped to [0,1] and
// anti-correlation scores 0.
func (m *NCCMatcher) Match(screen, template image.Image, region image.Rectangle) (port.MatchResult, error) {
	if screen == nil || template == nil {
		return port.MatchResult{}, errors.New("nil image")
	}
	bounds := screen.Bounds()
	if region.Empty() {
		region = bounds
	} else {
		region = region.Add(bounds.Min).Intersect(bounds)
	}

	tsize := template.Bounds().Size()
	if tsize.X == 0 || tsize.Y == 0 {
		return port.MatchResult{}, errors.New("empty template")
	}
	if tsize.X > region.Dx() || tsize.Y > region.Dy() {
		return port.MatchResult{}, fmt.Errorf("%w: %v in %v", ErrTemplateTooLarge, tsize, region.Size())
	}

	screens := []*grayImage{toGray(screen, region)}
	templates := []*grayImage{toGray(template, template.Bounds())}
	for len(screens) <= m.maxLevels {
		t := templates[len(templates)-1]
		if min(t.w, t.h)/2 < m.minTemplateSide {
			break
		}
		screens = append(screens, screens[len(screens)-1].half())
		templates = append(templates, t.half())
	}

	top := len(screens) - 1
	best := search(newIntegral(screens[top]), screens[top], templates[top], image.Rect(0, 0, screens[top].w, screens[top].h))
	for level := top - 1; level >= 0; level-- {
		s, t := screens[level], templates[level]
		c := best.at.Mul(2)
		window := image.Rect(c.X-m.refineRadius, c.Y-m.refineRadius, c.X+m.refineRadius+1, c.Y+m.refineRadius+1)
		best = search(newIntegral(s), s, t, window)
	}

	return port.MatchResult{
		Score:    best.score,
		Location: region.Min.Add(best.at).Sub(bounds.Min),
		Size:     tsize,
	}, nil
}

type placement struct {
	at    image.Point
	score float64
}

// search scores every top-left placement of t inside window
func search(in *integral, s, t *grayImage, window image.Rectangle) placement {
	maxX, maxY := s.w-t.w, s.h-t.h
	window = window.Intersect(image.Rect(0, 0, maxX+1, maxY+1))

	tmean, tdev := t.zeroMean()
	best := placement{score: -1}
	for y := window.Min.Y; y < window.Max.Y; y++ {
		for x := window.Min.X; x < window.Max.X; x++ {
			score := ncc(in, s, t, tmean, tdev, x, y)
			if score > best.score {
				best = placement{at: image.Pt(x, y), score: score}
			}
		}
	}
	if best.score < 0 {
		best.score = 0
	}
	return best
}

func ncc(in *integral, s, t *grayImage, tmean []float64, tdev float64, x, y int) float64 {
	n := float64(t.w * t.h)
	sum, sumSq := in.window(x, y, t.w, t.h)
	sdev := sumSq - sum*sum/n

	if tdev < flatEpsilon || sdev < flatEpsilon {
		// flat patches only match other flat patches of the same level
		if tdev < flatEpsilon && sdev < flatEpsilon {
			tavg := 0.0
			for _, v := range t.pix {
				tavg += v
			}
			tavg /= n
			return 1 - math.Min(1, math.Abs(sum/n-tavg)/255)
		}
		return 0
	}

	var cross float64
	for j := 0; j < t.h; j++ {
		srow := s.pix[(y+j)*s.w+x:]
		trow := tmean[j*t.w:]
		for i := 0; i < t.w; i++ {
			cross += srow[i] * trow[i]
		}
	}
	score := cross / math.Sqrt(sdev*tdev)
	return math.Max(0, math.Min(1, score))
}

type grayImage struct {
	w, h int
	pix  []float64
}

func toGray(img image.Image, r image.Rectangle) *grayImage {
	g := &grayImage{w: r.Dx(), h: r.Dy(), pix: make([]float64, r.Dx()*r.Dy())}
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			c := color.GrayModel.Convert(img.At(r.Min.X+x, r.Min.Y+y)).(color.Gray)
			g.pix[y*g.w+x] = float64(c.Y)
		}
	}
	return g
}

// half downsamples by 2 with a box filter
func (g *grayImage) half() *grayImage {
	h := &grayImage{w: g.w / 2, h: g.h / 2}
	h.pix = make([]float64, h.w*h.h)
	for y := 0; y < h.h; y++ {
		for x := 0; x < h.w; x++ {
			i := 2*y*g.w + 2*x
			h.pix[y*h.w+x] = (g.pix[i] + g.pix[i+1] + g.pix[i+g.w] + g.pix[i+g.w+1]) / 4
		}
	}
	return h
}

// zeroMean returns the template minus its mean and the sum of squared deviations
func (g *grayImage) zeroMean() ([]float64, float64) {
	var mean float64
	for _, v := range g.pix {
		mean += v
	}
	mean /= float64(len(g.pix))

	out := make([]float64, len(g.pix))
	var dev float64
	for i, v := range g.pix {
		out[i] = v - mean
		dev += out[i] * out[i]
	}
	return out, dev
}

// integral holds summed-area tables of values and squared values
type integral struct {
	stride  int
	sum, sq []float64
}

func newIntegral(g *grayImage) *integral {
	stride := g.w + 1
	in := &integral{
		stride: stride,
		sum:    make([]float64, stride*(g.h+1)),
		sq:     make([]float64, stride*(g.h+1)),
	}
	for y := 0; y < g.h; y++ {
		var rowSum, rowSq float64
		for x := 0; x < g.w; x++ {
			v := g.pix[y*g.w+x]
			rowSum += v
			rowSq += v * v
			i := (y+1)*stride + x + 1
			in.sum[i] = in.sum[i-stride] + rowSum
			in.sq[i] = in.sq[i-stride] + rowSq
		}
	}
	return in
}

func (in *integral) window(x, y, w, h int) (sum, sumSq float64) {
	a := y*in.stride + x
	b := a + w
	c := (y+h)*in.stride + x
	d := c + w
	return in.sum[d] - in.sum[b] - in.sum[c] + in.sum[a],
		in.sq[d] - in.sq[b] - in.sq[c] + in.sq[a]
}
