// Package container wires the entry pipeline together and owns its lifecycle.
package container

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/dispatcher"
	"github.com/garyjia/erp-autoentry/internal/application/service"
	"github.com/garyjia/erp-autoentry/internal/config"
	"github.com/garyjia/erp-autoentry/internal/domain/screen"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/metrics"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/worker"
	httpapi "github.com/garyjia/erp-autoentry/internal/interfaces/http"
)

// Container manages all application dependencies and lifecycle. Components
// are initialized in dependency order and torn down in reverse.
type Container struct {
	config *config.Config
	logger *zap.Logger

	// Infrastructure
	db           *sqlite.DB
	repositories *RepositoryBundle
	storage      *StorageBundle
	uploads      *UploadBundle
	metrics      *metrics.Collectors

	// Application
	dispatcher dispatcher.Dispatcher
	services   *ServiceBundle
	vision     *VisionBundle
	process    *ProcessBundle

	// Workers and interfaces
	inbox   *worker.InboxWorker
	workers *worker.WorkerManager
	server  *httpapi.Server

	// Lifecycle
	mu     sync.Mutex
	ready  atomic.Bool
	closed atomic.Bool
}

// NewContainer creates a new container from configuration.
// It does not initialize components - call Start() to initialize.
func NewContainer(cfg *config.Config, logger *zap.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Container{config: cfg, logger: logger}, nil
}

// Start initializes all components. Workers are registered but not started;
// call StartWorkers for unattended processing.
// 1. Database and repositories
// 2. Local storage
// 3. Upload destinations
// 4. Dispatcher, metrics and services
// 5. Vision and navigation
// 6. Process machine and runner
// 7. Inbox worker and control API
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.logger.Info("Starting container initialization")

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"database", c.initDatabase},
		{"storage", c.initStorage},
		{"uploads", c.initUploads},
		{"services", c.initServices},
		{"vision", c.initVision},
		{"process", c.initProcess},
		{"workers", c.initWorkers},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		c.logger.Debug("Component initialized", zap.String("component", step.name))
	}

	c.ready.Store(true)
	c.logger.Info("Container started successfully")
	return nil
}

// StartWorkers starts the inbox worker
func (c *Container) StartWorkers(ctx context.Context) error {
	if !c.ready.Load() {
		return fmt.Errorf("container not started")
	}
	return c.workers.StartAll(ctx)
}

// Close gracefully shuts down all components in reverse order.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}

	c.logger.Info("Closing container")
	var errs []error

	// Step 1: Stop workers; a file in flight is interrupted and keeps its checkpoint
	if c.workers != nil && c.workers.IsRunning() {
		if err := c.workers.StopAll(); err != nil {
			c.logger.Error("Failed to stop workers", zap.Error(err))
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		}
	}

	// Step 2: Drain and close the dispatcher
	if c.dispatcher != nil {
		if err := c.dispatcher.Close(); err != nil {
			c.logger.Error("Failed to close dispatcher", zap.Error(err))
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
	}

	// Step 3: Close the browser session
	if c.vision != nil {
		if err := c.vision.Session.Close(); err != nil {
			c.logger.Error("Failed to close remote desktop session", zap.Error(err))
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}

	// Step 4: Release upload clients
	if c.uploads != nil {
		if err := c.uploads.Close(); err != nil {
			c.logger.Error("Failed to close upload clients", zap.Error(err))
			errs = append(errs, fmt.Errorf("close uploads: %w", err))
		}
	}

	// Step 5: Close database
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close database", zap.Error(err))
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	c.closed.Store(true)
	c.ready.Store(false)

	if len(errs) > 0 {
		c.logger.Error("Container closed with errors", zap.Int("error_count", len(errs)))
		return fmt.Errorf("container closed with %d errors", len(errs))
	}

	c.logger.Info("Container closed successfully")
	return nil
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

func (c *Container) initDatabase(ctx context.Context) error {
	db, err := ProvideDatabase(ctx, &c.config.Database, c.logger.Named("sqlite"))
	if err != nil {
		return err
	}
	c.db = db

	repos, err := ProvideRepositories(db, c.logger.Named("repository"))
	if err != nil {
		return err
	}
	c.repositories = repos
	return nil
}

func (c *Container) initStorage(_ context.Context) error {
	bundle, err := ProvideStorage(&c.config.Paths, c.logger.Named("storage"))
	if err != nil {
		return err
	}
	c.storage = bundle
	return nil
}

func (c *Container) initUploads(ctx context.Context) error {
	bundle, err := ProvideUploads(ctx, &c.config.Upload, c.logger)
	if err != nil {
		return err
	}
	c.uploads = bundle
	return nil
}

// initServices creates the dispatcher and subscribes history, outcome and
// metrics to it
func (c *Container) initServices(_ context.Context) error {
	c.dispatcher = ProvideDispatcher(c.logger)

	if c.config.Metrics.Enabled {
		c.metrics = metrics.New()
	}

	services, err := ProvideServices(c.config, c.repositories, c.db, c.logger)
	if err != nil {
		return err
	}
	c.services = services

	SubscribeServices(c.dispatcher, services, c.metrics)
	return nil
}

func (c *Container) initVision(_ context.Context) error {
	var observer func(screen.DetectionResult)
	if c.metrics != nil {
		observer = c.metrics.ObserveDetection
	}

	bundle, err := ProvideVision(c.config, c.storage.Output, observer, c.logger)
	if err != nil {
		return err
	}
	c.vision = bundle
	return nil
}

func (c *Container) initProcess(_ context.Context) error {
	c.process = ProvideProcess(&ProcessDeps{
		Config:     c.config,
		Storage:    c.storage,
		Vision:     c.vision,
		Uploads:    c.uploads,
		Dispatcher: c.dispatcher,
		Logger:     c.logger,
	})
	return nil
}

// initWorkers registers the inbox worker and builds the control API around it
func (c *Container) initWorkers(_ context.Context) error {
	c.inbox = ProvideInboxWorker(c.config, c.process, c.storage.Failed, c.logger)

	c.workers = worker.NewWorkerManager(c.logger.Named("workers"))
	c.workers.Register(c.inbox)

	// A nil *Collectors must not reach the server as a non-nil http.Handler
	var metricsHandler http.Handler
	if c.metrics != nil {
		metricsHandler = c.metrics.Handler()
	}

	c.server = httpapi.NewServer(httpapi.ServerConfig{
		Host:         c.config.Server.Host,
		Port:         c.config.Server.Port,
		ReadTimeout:  c.config.Server.ReadTimeout,
		WriteTimeout: c.config.Server.WriteTimeout,
		MetricsPath:  c.config.Metrics.Path,
	}, c.process.Machine, c.inbox, c.services.History, metricsHandler, &zapLoggerAdapter{logger: c.logger.Named("http")})
	return nil
}

// Getters for accessing container components

// Config returns the container's configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the container's logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// Dispatcher returns the event dispatcher.
func (c *Container) Dispatcher() dispatcher.Dispatcher {
	return c.dispatcher
}

// History returns the run history service.
func (c *Container) History() service.HistoryService {
	return c.services.History
}

// Process returns the process machine and its runner.
func (c *Container) Process() *ProcessBundle {
	return c.process
}

// Vision returns the session, detector and planner.
func (c *Container) Vision() *VisionBundle {
	return c.vision
}

// Storage returns the local stores.
func (c *Container) Storage() *StorageBundle {
	return c.storage
}

// Inbox returns the inbox worker.
func (c *Container) Inbox() *worker.InboxWorker {
	return c.inbox
}

// Workers returns the worker manager.
func (c *Container) Workers() *worker.WorkerManager {
	return c.workers
}

// Server returns the control API server.
func (c *Container) Server() *httpapi.Server {
	return c.server
}

// ServiceLogger adapts a zap logger to the service and http Logger interfaces
func ServiceLogger(logger *zap.Logger) service.Logger {
	return &zapLoggerAdapter{logger: logger}
}

// zapLoggerAdapter adapts zap.Logger to the service and http Logger interfaces.
type zapLoggerAdapter struct {
	logger *zap.Logger
}

func (a *zapLoggerAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Info(msg, convertToZapFields(keysAndValues...)...)
}

func (a *zapLoggerAdapter) Error(msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, convertToZapFields(keysAndValues...)...)
}

// convertToZapFields converts key-value pairs to zap fields.
func convertToZapFields(keysAndValues ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		if err, isErr := keysAndValues[i+1].(error); isErr {
			fields = append(fields, zap.NamedError(key, err))
			continue
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}
