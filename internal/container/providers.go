package container

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/detector"
	"github.com/garyjia/erp-autoentry/internal/application/dispatcher"
	"github.com/garyjia/erp-autoentry/internal/application/navigation"
	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/application/process"
	"github.com/garyjia/erp-autoentry/internal/application/service"
	"github.com/garyjia/erp-autoentry/internal/config"
	"github.com/garyjia/erp-autoentry/internal/domain/event"
	"github.com/garyjia/erp-autoentry/internal/domain/screen"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/browser"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/document"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/external/gcs"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/external/gdrive"
	infraLark "github.com/garyjia/erp-autoentry/internal/infrastructure/external/lark"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/metrics"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/persistence/repository"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/report"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/storage"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/vision"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/worker"
)

// RepositoryBundle holds the run history repositories
type RepositoryBundle struct {
	Run        port.RunRepository
	Transition port.TransitionRepository
}

// StorageBundle holds local file storage components
type StorageBundle struct {
	Checkpoints *storage.CheckpointStore
	Output      *storage.LocalFileStorage
	Processed   *storage.DirArchiver
	Failed      *storage.DirArchiver
	Artifacts   *storage.ArtifactLocator
}

// VisionBundle holds the screen reading components
type VisionBundle struct {
	Session  *browser.Session
	Detector *detector.Detector
	Planner  *navigation.Planner
}

// UploadBundle holds the artifact destinations and the document check
type UploadBundle struct {
	Uploaders []port.CloudUploader
	Validator port.DocumentValidator
	closers   []func() error
}

// Close releases uploader clients
func (b *UploadBundle) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// ServiceBundle holds the event subscribers
type ServiceBundle struct {
	History service.HistoryService
	Outcome service.OutcomeService
}

// ProcessBundle holds the entry pipeline
type ProcessBundle struct {
	Machine *process.Machine
	Runner  *process.Runner
}

// ProvideDatabase opens the history database and applies pending migrations
func ProvideDatabase(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*sqlite.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	db, err := sqlite.Open(sqlite.Config{
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// ProvideRepositories creates the history repositories
func ProvideRepositories(db *sqlite.DB, logger *zap.Logger) (*RepositoryBundle, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &RepositoryBundle{
		Run:        repository.NewRunRepository(db, logger),
		Transition: repository.NewTransitionRepository(db, logger),
	}, nil
}

// ProvideStorage creates the working directories and the stores on top of them
func ProvideStorage(cfg *config.PathsConfig, logger *zap.Logger) (*StorageBundle, error) {
	for _, dir := range []string{cfg.InboxDir, cfg.ProcessedDir, cfg.FailedDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	checkpoints, err := storage.NewCheckpointStore(cfg.CheckpointDir, logger)
	if err != nil {
		return nil, err
	}

	return &StorageBundle{
		Checkpoints: checkpoints,
		Output:      storage.NewLocalFileStorage(cfg.OutputDir, logger),
		Processed:   storage.NewDirArchiver(cfg.ProcessedDir, logger),
		Failed:      storage.NewDirArchiver(cfg.FailedDir, logger),
		Artifacts:   storage.NewArtifactLocator(cfg.ArtifactDirs, logger),
	}, nil
}

// ProvideVision creates the remote desktop session, the detector and the
// navigation planner. observer receives every detection result and may be nil.
func ProvideVision(cfg *config.Config, screenshots port.FileStorage, observer func(screen.DetectionResult), logger *zap.Logger) (*VisionBundle, error) {
	session := browser.NewSession(browser.Config{
		URL:                cfg.Remote.URL,
		ReadySelector:      cfg.Remote.ReadySelector,
		RemoteAllocatorURL: cfg.Remote.RemoteAllocatorURL,
		Headless:           cfg.Remote.Headless,
		Width:              cfg.Remote.Width,
		Height:             cfg.Remote.Height,
		ConnectTimeout:     cfg.Remote.ConnectTimeout,
		ConnectAttempts:    cfg.Remote.ConnectAttempts,
		ActionTimeout:      cfg.Remote.ActionTimeout,
	}, logger.Named("browser"))

	catalog, err := vision.LoadCatalog(cfg.Vision.CatalogPath, logger.Named("vision"))
	if err != nil {
		return nil, err
	}
	if catalog.Loaded() == 0 {
		return nil, fmt.Errorf("template catalog %s: no reference image could be loaded", cfg.Vision.CatalogPath)
	}

	var matcherOpts []vision.MatcherOption
	if cfg.Vision.PyramidLevels > 0 {
		matcherOpts = append(matcherOpts, vision.WithPyramid(cfg.Vision.PyramidLevels, cfg.Vision.MinTemplateSide))
	}
	if cfg.Vision.RefineRadius > 0 {
		matcherOpts = append(matcherOpts, vision.WithRefineRadius(cfg.Vision.RefineRadius))
	}

	detectorOpts := []detector.Option{detector.WithScreenshotStorage(screenshots)}
	if observer != nil {
		detectorOpts = append(detectorOpts, detector.WithObserver(observer))
	}
	det := detector.New(session, vision.NewNCCMatcher(matcherOpts...), catalog, detector.Config{
		VerifyInterval:          cfg.Vision.VerifyInterval,
		ScreenshotDir:           cfg.Vision.ScreenshotDir,
		DefaultLocatorThreshold: cfg.Vision.LocatorThreshold,
	}, logger.Named("detector"), detectorOpts...)

	routes := navigation.DefaultRouteTable()
	if cfg.Vision.RoutesPath != "" {
		if routes, err = navigation.LoadRouteTable(cfg.Vision.RoutesPath); err != nil {
			return nil, err
		}
	}

	planner := navigation.NewPlanner(det, navigation.NewActionExecutor(session, det, logger.Named("navigation")), routes, navigation.Config{
		AttemptInterval:     cfg.Navigation.AttemptInterval,
		StepRetryInterval:   cfg.Navigation.StepRetryInterval,
		FinalVerifyAttempts: cfg.Navigation.FinalVerifyAttempts,
	}, logger.Named("navigation"))

	return &VisionBundle{Session: session, Detector: det, Planner: planner}, nil
}

// ProvideUploads creates every enabled artifact destination
func ProvideUploads(ctx context.Context, cfg *config.UploadConfig, logger *zap.Logger) (*UploadBundle, error) {
	b := &UploadBundle{}

	if cfg.Drive.Enabled {
		u, err := gdrive.NewUploader(ctx, gdrive.Config{
			FolderID:        cfg.Drive.FolderID,
			CredentialsFile: cfg.Drive.CredentialsFile,
			Attempts:        cfg.Attempts,
			RetryInterval:   cfg.RetryInterval,
		}, logger.Named("gdrive"))
		if err != nil {
			return nil, err
		}
		b.Uploaders = append(b.Uploaders, u)
	}

	if cfg.GCS.Enabled {
		u, err := gcs.NewUploader(ctx, gcs.Config{
			Bucket:          cfg.GCS.Bucket,
			Prefix:          cfg.GCS.Prefix,
			CredentialsFile: cfg.GCS.CredentialsFile,
			Attempts:        cfg.Attempts,
			RetryInterval:   cfg.RetryInterval,
		}, logger.Named("gcs"))
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Uploaders = append(b.Uploaders, u)
		b.closers = append(b.closers, u.Close)
	}

	if cfg.MirrorDir != "" {
		b.Uploaders = append(b.Uploaders, storage.NewMirrorUploader(cfg.MirrorDir, logger.Named("mirror")))
	}

	if cfg.ValidatePDF {
		b.Validator = document.NewPDFValidator(cfg.StrictPDF, logger.Named("pdf"))
	}

	logger.Info("Upload destinations ready", zap.Int("count", len(b.Uploaders)))
	return b, nil
}

// ProvideDispatcher creates the event dispatcher
func ProvideDispatcher(logger *zap.Logger) dispatcher.Dispatcher {
	return dispatcher.NewDispatcher(dispatcher.WithLogger(logger.Named("dispatcher")))
}

// ProvideServices creates the history and outcome services. The Excel
// reporter and the Lark notifier are only built when enabled.
func ProvideServices(cfg *config.Config, repos *RepositoryBundle, tx port.TransactionManager, logger *zap.Logger) (*ServiceBundle, error) {
	adapter := &zapLoggerAdapter{logger: logger.Named("service")}

	var reporter port.RunReporter
	if cfg.Report.Enabled {
		r, err := report.NewExcelReporter(cfg.Report.Dir, logger.Named("report"))
		if err != nil {
			return nil, err
		}
		reporter = r
	}

	var notifier port.AlertNotifier
	if cfg.Lark.Enabled {
		larkCfg := infraLark.Config{
			AppID:         cfg.Lark.AppID,
			AppSecret:     cfg.Lark.AppSecret,
			ReceiveIDType: cfg.Lark.ReceiveIDType,
			ReceiveID:     cfg.Lark.ReceiveID,
		}
		client := infraLark.NewSDKClient(larkCfg, logger.Named("lark"))
		notifier = infraLark.NewNotifier(client, larkCfg, logger.Named("lark"))
	}

	return &ServiceBundle{
		History: service.NewHistoryService(repos.Run, repos.Transition, tx, adapter),
		Outcome: service.NewOutcomeService(reporter, notifier, adapter),
	}, nil
}

// SubscribeServices registers the services and the metrics collectors with
// the dispatcher. collectors may be nil.
func SubscribeServices(d dispatcher.Dispatcher, services *ServiceBundle, collectors *metrics.Collectors) {
	d.SubscribeAll("history", services.History.HandleEvent)
	for _, t := range []event.Type{event.TypeRunCompleted, event.TypeRunFailed, event.TypeRunAbandoned} {
		d.Subscribe(t, "outcome", services.Outcome.HandleEvent)
	}
	if collectors != nil {
		d.SubscribeAll("metrics", collectors.HandleEvent)
	}
}

// ProcessDeps holds the collaborators of the entry pipeline
type ProcessDeps struct {
	Config     *config.Config
	Storage    *StorageBundle
	Vision     *VisionBundle
	Uploads    *UploadBundle
	Dispatcher dispatcher.Dispatcher
	Logger     *zap.Logger
}

// ProvideProcess creates the form driver, the state handlers, the machine and
// its runner
func ProvideProcess(deps *ProcessDeps) *ProcessBundle {
	cfg := deps.Config
	logger := deps.Logger.Named("process")

	form := process.NewFormDriver(deps.Vision.Session, deps.Vision.Session, deps.Storage.Output, formLayout(&cfg.Form), logger)

	handlers := process.NewHandlers(process.HandlerDeps{
		Connector: deps.Vision.Session,
		Detector:  deps.Vision.Detector,
		Navigator: deps.Vision.Planner,
		Form:      form,
		Archiver:  deps.Storage.Processed,
		Artifacts: deps.Storage.Artifacts,
		Uploaders: deps.Uploads.Uploaders,
		Validator: deps.Uploads.Validator,
	}, process.HandlerConfig{
		LauncherTemplate:   cfg.Process.LauncherTemplate,
		AppVerifyAttempts:  cfg.Process.AppVerifyAttempts,
		NavigationAttempts: cfg.Process.NavigationAttempts,
	}, logger)

	machine := process.NewMachine(handlers.Map(), deps.Storage.Checkpoints, process.Config{
		MaxRetries:       cfg.Process.MaxRetries,
		CheckpointMaxAge: cfg.Process.CheckpointMaxAge,
	}, logger, process.WithDispatcher(deps.Dispatcher))

	return &ProcessBundle{
		Machine: machine,
		Runner:  process.NewRunner(machine, logger),
	}
}

// ProvideInboxWorker creates the inbox worker around the pipeline
func ProvideInboxWorker(cfg *config.Config, p *ProcessBundle, failed port.InputArchiver, logger *zap.Logger) *worker.InboxWorker {
	return worker.NewInboxWorker(worker.InboxWorkerConfig{
		InboxDir:     cfg.Paths.InboxDir,
		Pattern:      cfg.Worker.Pattern,
		PollInterval: cfg.Worker.PollInterval,
		RunTimeout:   cfg.Worker.RunTimeout,
	}, p.Machine, p.Runner, process.LoadRecordFile, failed, logger.Named("worker"))
}

func formLayout(cfg *config.FormConfig) process.FormLayout {
	pt := func(p config.Point) image.Point { return image.Pt(p.X, p.Y) }
	return process.FormLayout{
		BuyerField:        pt(cfg.BuyerField),
		OrderField:        pt(cfg.OrderField),
		DeliveryDateField: pt(cfg.DeliveryDateField),
		FirstItemCell:     pt(cfg.FirstItemCell),
		AddButton:         pt(cfg.AddButton),
		RestPosition:      pt(cfg.RestPosition),
		DateLayout:        cfg.DateLayout,
		FieldDelay:        cfg.FieldDelay,
	}
}
