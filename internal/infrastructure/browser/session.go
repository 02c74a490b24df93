// Package browser drives a browser-hosted remote desktop client (an HTML5
// RDP gateway) with chromedp. The session captures the remote screen and
// forwards mouse and keyboard input to it.
package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by input and capture calls before Connect
var ErrNotConnected = errors.New("remote desktop session not connected")

// Config holds session settings
type Config struct {
	// URL of the remote desktop web client
	URL string
	// ReadySelector is visible once the remote display is rendering
	ReadySelector string
	// RemoteAllocatorURL attaches to a running browser's DevTools endpoint
	// instead of launching one
	RemoteAllocatorURL string
	Headless           bool
	Width              int
	Height             int
	ConnectTimeout     time.Duration
	ConnectAttempts    int
	ActionTimeout      time.Duration
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{
		ReadySelector:   "#display canvas",
		Headless:        true,
		Width:           1920,
		Height:          1080,
		ConnectTimeout:  60 * time.Second,
		ConnectAttempts: 3,
		ActionTimeout:   10 * time.Second,
	}
}

// Session is a remote desktop opened in a chromedp-controlled browser. It
// implements port.RemoteConnector, port.ScreenCapturer and port.InputDriver.
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	browserCtx  context.Context
	cancelFuncs []context.CancelFunc
	connected   bool
}

// NewSession creates an unconnected session
func NewSession(cfg Config, logger *zap.Logger) *Session {
	return &Session{cfg: cfg, logger: logger}
}

// Connect starts the browser if needed, opens the remote desktop client and
// waits for the display. An already rendering session is left alone.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.URL == "" {
		return errors.New("remote desktop URL is not configured")
	}
	if s.connected && s.displayReady(ctx) {
		return nil
	}

	attempts := s.cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), uint64(attempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return s.open(ctx)
	}, policy, func(err error, next time.Duration) {
		s.logger.Warn("Remote desktop connect failed, retrying",
			zap.String("url", s.cfg.URL),
			zap.Duration("next", next),
			zap.Error(err))
		s.shutdown()
	})
}

func (s *Session) open(ctx context.Context) error {
	if s.browserCtx == nil {
		s.start()
	}

	runCtx, cancel := s.bounded(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.EmulateViewport(int64(s.cfg.Width), int64(s.cfg.Height)),
		chromedp.Navigate(s.cfg.URL),
		chromedp.WaitVisible(s.cfg.ReadySelector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to open remote desktop: %w", err)
	}

	s.connected = true
	s.logger.Info("Remote desktop connected", zap.String("url", s.cfg.URL))
	return nil
}

func (s *Session) start() {
	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if s.cfg.RemoteAllocatorURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), s.cfg.RemoteAllocatorURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", s.cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.WindowSize(s.cfg.Width, s.cfg.Height),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s.browserCtx = browserCtx
	s.cancelFuncs = []context.CancelFunc{browserCancel, allocCancel}
}

func (s *Session) displayReady(ctx context.Context) bool {
	runCtx, cancel := s.bounded(ctx, 2*time.Second)
	defer cancel()

	var nodes int
	err := chromedp.Run(runCtx, chromedp.Evaluate(
		fmt.Sprintf("document.querySelectorAll(%q).length", s.cfg.ReadySelector), &nodes))
	return err == nil && nodes > 0
}

// bounded derives a context from the browser that also ends with ctx
func (s *Session) bounded(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.browserCtx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) shutdown() {
	for _, cancel := range s.cancelFuncs {
		cancel()
	}
	s.cancelFuncs = nil
	s.browserCtx = nil
	s.connected = false
}

// Close shuts the browser down
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return ErrNotConnected
	}
	runCtx, cancel := s.bounded(ctx, s.cfg.ActionTimeout)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// Capture grabs the visible remote display
func (s *Session) Capture(ctx context.Context) (image.Image, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screen: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to decode capture: %w", err)
	}
	return img, nil
}

// Click clicks at a screen position
func (s *Session) Click(ctx context.Context, at image.Point) error {
	return s.run(ctx, chromedp.MouseClickXY(float64(at.X), float64(at.Y)))
}

// DoubleClick double-clicks at a screen position
func (s *Session) DoubleClick(ctx context.Context, at image.Point) error {
	return s.run(ctx, chromedp.MouseClickXY(float64(at.X), float64(at.Y), chromedp.ClickCount(2)))
}

// MoveTo moves the pointer without clicking
func (s *Session) MoveTo(ctx context.Context, at image.Point) error {
	return s.run(ctx, input.DispatchMouseEvent(input.MouseMoved, float64(at.X), float64(at.Y)))
}

// TypeText types literal text
func (s *Session) TypeText(ctx context.Context, text string) error {
	return s.run(ctx, chromedp.KeyEvent(text))
}

// PressKey presses one named key
func (s *Session) PressKey(ctx context.Context, key string) error {
	k, err := keyFor(key)
	if err != nil {
		return err
	}
	return s.run(ctx, chromedp.KeyEvent(k))
}

// Hotkey presses a modifier combination such as "ctrl+a"
func (s *Session) Hotkey(ctx context.Context, combo string) error {
	key, mods, err := parseHotkey(combo)
	if err != nil {
		return err
	}
	return s.run(ctx, chromedp.KeyEvent(key, chromedp.KeyModifiers(mods...)))
}
