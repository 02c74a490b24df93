package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
	"github.com/garyjia/erp-autoentry/internal/domain/workflow"
)

// Pipeline is the part of the process machine the worker drives
type Pipeline interface {
	StartProcessing(ctx context.Context, file string, data *entity.PurchaseOrder) error
	TryResumeFromCheckpoint(ctx context.Context, file string) bool
	Reset(ctx context.Context)
}

// Driver runs the pipeline until the current file is done
type Driver interface {
	Run(ctx context.Context) (workflow.State, error)
	Stop()
	Stopped() bool
	Reset()
}

// ErrInterrupted is returned by ProcessFile when the run was stopped before
// the file finished. The file stays in the inbox with its checkpoint.
var ErrInterrupted = errors.New("run interrupted")

// ErrBusy is returned by ResetPipeline while a file is being processed
var ErrBusy = errors.New("a file is being processed")

// RecordLoader reads an input record from disk
type RecordLoader func(ctx context.Context, path string) (*entity.PurchaseOrder, error)

// InboxWorkerConfig holds configuration for the inbox worker
type InboxWorkerConfig struct {
	InboxDir     string
	Pattern      string
	PollInterval time.Duration
	// RunTimeout bounds one file's run; zero means unbounded
	RunTimeout time.Duration
}

// DefaultInboxWorkerConfig returns default configuration
func DefaultInboxWorkerConfig() InboxWorkerConfig {
	return InboxWorkerConfig{
		Pattern:      "*.json",
		PollInterval: 10 * time.Second,
		RunTimeout:   15 * time.Minute,
	}
}

// InboxStatus is a snapshot of the worker counters
type InboxStatus struct {
	Running        bool      `json:"running"`
	Paused         bool      `json:"paused"`
	ProcessedCount int       `json:"processed_count"`
	FailedCount    int       `json:"failed_count"`
	CurrentFile    string    `json:"current_file,omitempty"`
	LastPoll       time.Time `json:"last_poll,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// InboxWorker processes purchase-order records dropped into the inbox, one
// file at a time. Interrupted runs are resumed from their checkpoint; records
// that cannot be entered are moved to the failed directory.
type InboxWorker struct {
	config   InboxWorkerConfig
	pipeline Pipeline
	driver   Driver
	load     RecordLoader
	failed   port.InputArchiver
	logger   *zap.Logger

	// runMu serializes file processing between the poll loop and ProcessFile
	runMu  sync.Mutex
	paused atomic.Bool

	mu             sync.RWMutex
	cancel         context.CancelFunc
	done           chan struct{}
	isRunning      bool
	processedCount int
	failedCount    int
	currentFile    string
	lastPoll       time.Time
	lastError      error
}

// NewInboxWorker creates a new inbox worker
func NewInboxWorker(
	config InboxWorkerConfig,
	pipeline Pipeline,
	driver Driver,
	load RecordLoader,
	failed port.InputArchiver,
	logger *zap.Logger,
) *InboxWorker {
	if config.Pattern == "" {
		config.Pattern = DefaultInboxWorkerConfig().Pattern
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultInboxWorkerConfig().PollInterval
	}
	return &InboxWorker{
		config:   config,
		pipeline: pipeline,
		driver:   driver,
		load:     load,
		failed:   failed,
		logger:   logger,
	}
}

// Name returns the worker name for identification
func (w *InboxWorker) Name() string {
	return "InboxWorker"
}

// Start begins the polling loop
func (w *InboxWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return fmt.Errorf("inbox worker already running")
	}
	if _, err := os.Stat(w.config.InboxDir); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("inbox directory: %w", err)
	}

	w.driver.Reset()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.isRunning = true
	w.mu.Unlock()

	w.logger.Info("InboxWorker started",
		zap.String("inbox", w.config.InboxDir),
		zap.Duration("poll_interval", w.config.PollInterval))

	go w.pollLoop(loopCtx)
	return nil
}

// Stop interrupts the current run and waits for the loop to exit. The
// interrupted file keeps its checkpoint.
func (w *InboxWorker) Stop() error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	w.driver.Stop()
	<-done

	status := w.Status()
	w.logger.Info("InboxWorker stopped",
		zap.Int("processed_count", status.ProcessedCount),
		zap.Int("failed_count", status.FailedCount))
	return nil
}

// Interrupt stops the current run and pauses polling until Resume
func (w *InboxWorker) Interrupt() {
	w.paused.Store(true)
	w.driver.Stop()
	w.logger.Info("InboxWorker paused")
}

// Resume re-enables polling after Interrupt and drops a stop request that
// no run has consumed yet
func (w *InboxWorker) Resume() {
	if w.paused.CompareAndSwap(true, false) {
		w.driver.Reset()
		w.logger.Info("InboxWorker resumed")
	}
}

// ResetPipeline returns the pipeline to IDLE. It is refused while a file is
// in flight; Interrupt first and retry once the run has ended.
func (w *InboxWorker) ResetPipeline(ctx context.Context) error {
	if !w.runMu.TryLock() {
		return ErrBusy
	}
	defer w.runMu.Unlock()
	w.pipeline.Reset(ctx)
	return nil
}

// Status returns the worker counters
func (w *InboxWorker) Status() InboxStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := InboxStatus{
		Running:        w.isRunning,
		Paused:         w.paused.Load(),
		ProcessedCount: w.processedCount,
		FailedCount:    w.failedCount,
		CurrentFile:    w.currentFile,
		LastPoll:       w.lastPoll,
	}
	if w.lastError != nil {
		s.LastError = w.lastError.Error()
	}
	return s
}

func (w *InboxWorker) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		if !w.paused.Load() {
			if err := w.PollOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Inbox poll failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			w.logger.Debug("Poll loop context cancelled")
			return
		case <-ticker.C:
		}
	}
}

// PollOnce processes every record currently in the inbox, oldest name first
func (w *InboxWorker) PollOnce(ctx context.Context) error {
	files, err := w.pending()

	w.mu.Lock()
	w.lastPoll = time.Now()
	w.mu.Unlock()

	if err != nil {
		w.setError(err)
		return err
	}

	for _, file := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.paused.Load() {
			return nil
		}
		_, err := w.ProcessFile(ctx, file)
		switch {
		case errors.Is(err, ErrInterrupted):
			return nil
		case err != nil && !errors.Is(err, context.Canceled):
			w.logger.Warn("File not entered", zap.String("file", filepath.Base(file)), zap.Error(err))
		}
	}
	return nil
}

func (w *InboxWorker) pending() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(w.config.InboxDir, w.config.Pattern))
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	files := matches[:0]
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// ProcessFile runs one record through the pipeline, resuming its checkpoint
// when there is one. It returns the state the pipeline ended in.
func (w *InboxWorker) ProcessFile(ctx context.Context, path string) (workflow.State, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	name := filepath.Base(path)
	w.setCurrent(name)
	defer w.setCurrent("")

	if !w.pipeline.TryResumeFromCheckpoint(ctx, path) {
		data, err := w.load(ctx, path)
		if err != nil {
			w.logger.Error("Unreadable record", zap.String("file", name), zap.Error(err))
			w.moveToFailed(ctx, path)
			w.recordResult(false, err)
			return workflow.StateIdle, fmt.Errorf("load %s: %w", name, err)
		}
		if err := w.pipeline.StartProcessing(ctx, path, data); err != nil {
			w.recordResult(false, err)
			return workflow.StateIdle, err
		}
	}

	runCtx := ctx
	if w.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.config.RunTimeout)
		defer cancel()
	}

	state, err := w.driver.Run(runCtx)
	stopped := w.driver.Stopped()
	w.driver.Reset()

	switch {
	case err == nil && state == workflow.StateCompleted:
		w.pipeline.Reset(ctx)
		w.recordResult(true, nil)
		w.logger.Info("File entered", zap.String("file", name))
		return state, nil

	case err == nil:
		// Given up after exhausting retries
		w.moveToFailed(ctx, path)
		w.recordResult(false, nil)
		return state, fmt.Errorf("%s given up in %s", name, state)

	case stopped || ctx.Err() != nil:
		// Abandoning keeps the checkpoint, so the next attempt resumes
		w.pipeline.Reset(context.WithoutCancel(ctx))
		w.logger.Info("Run interrupted", zap.String("file", name), zap.String("state", state.String()))
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		return state, ErrInterrupted

	default:
		if runCtx.Err() != nil {
			w.logger.Error("Run timed out", zap.String("file", name), zap.String("state", state.String()))
		}
		w.pipeline.Reset(ctx)
		w.moveToFailed(ctx, path)
		w.recordResult(false, err)
		return state, err
	}
}

func (w *InboxWorker) moveToFailed(ctx context.Context, path string) {
	if w.failed == nil {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	dest, err := w.failed.Archive(ctx, path)
	if err != nil {
		w.logger.Error("Failed to move record to failed directory", zap.String("file", path), zap.Error(err))
		return
	}
	w.logger.Info("Record moved to failed directory", zap.String("path", dest))
}

func (w *InboxWorker) setCurrent(name string) {
	w.mu.Lock()
	w.currentFile = name
	w.mu.Unlock()
}

func (w *InboxWorker) setError(err error) {
	w.mu.Lock()
	w.lastError = err
	w.mu.Unlock()
}

func (w *InboxWorker) recordResult(ok bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ok {
		w.processedCount++
		return
	}
	w.failedCount++
	if err != nil {
		w.lastError = err
	}
}
