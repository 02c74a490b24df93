package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. AUTOENTRY_PROCESS_MAX_RETRIES
const EnvPrefix = "AUTOENTRY"

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	Vision     VisionConfig     `mapstructure:"vision"`
	Navigation NavigationConfig `mapstructure:"navigation"`
	Process    ProcessConfig    `mapstructure:"process"`
	Form       FormConfig       `mapstructure:"form"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Lark       LarkConfig       `mapstructure:"lark"`
	Report     ReportConfig     `mapstructure:"report"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ServerConfig holds control API configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds run history database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
	RunLogPath string `mapstructure:"run_log_path"`
}

// RemoteConfig holds the browser-hosted remote desktop settings
type RemoteConfig struct {
	URL                string        `mapstructure:"url"`
	ReadySelector      string        `mapstructure:"ready_selector"`
	RemoteAllocatorURL string        `mapstructure:"remote_allocator_url"`
	Headless           bool          `mapstructure:"headless"`
	Width              int           `mapstructure:"width"`
	Height             int           `mapstructure:"height"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ConnectAttempts    int           `mapstructure:"connect_attempts"`
	ActionTimeout      time.Duration `mapstructure:"action_timeout"`
}

// VisionConfig holds screen detection settings
type VisionConfig struct {
	CatalogPath      string        `mapstructure:"catalog_path"`
	RoutesPath       string        `mapstructure:"routes_path"`
	VerifyInterval   time.Duration `mapstructure:"verify_interval"`
	ScreenshotDir    string        `mapstructure:"screenshot_dir"`
	LocatorThreshold float64       `mapstructure:"locator_threshold"`
	PyramidLevels    int           `mapstructure:"pyramid_levels"`
	MinTemplateSide  int           `mapstructure:"min_template_side"`
	RefineRadius     int           `mapstructure:"refine_radius"`
}

// NavigationConfig holds planner settings
type NavigationConfig struct {
	AttemptInterval     time.Duration `mapstructure:"attempt_interval"`
	StepRetryInterval   time.Duration `mapstructure:"step_retry_interval"`
	FinalVerifyAttempts int           `mapstructure:"final_verify_attempts"`
}

// ProcessConfig holds state machine and handler settings
type ProcessConfig struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	CheckpointMaxAge   time.Duration `mapstructure:"checkpoint_max_age"`
	LauncherTemplate   string        `mapstructure:"launcher_template"`
	AppVerifyAttempts  int           `mapstructure:"app_verify_attempts"`
	NavigationAttempts int           `mapstructure:"navigation_attempts"`
}

// Point is a screen coordinate
type Point struct {
	X int `mapstructure:"x"`
	Y int `mapstructure:"y"`
}

// FormConfig holds the sales order form layout
type FormConfig struct {
	BuyerField        Point         `mapstructure:"buyer_field"`
	OrderField        Point         `mapstructure:"order_field"`
	DeliveryDateField Point         `mapstructure:"delivery_date_field"`
	FirstItemCell     Point         `mapstructure:"first_item_cell"`
	AddButton         Point         `mapstructure:"add_button"`
	RestPosition      Point         `mapstructure:"rest_position"`
	DateLayout        string        `mapstructure:"date_layout"`
	FieldDelay        time.Duration `mapstructure:"field_delay"`
}

// PathsConfig holds the working directories
type PathsConfig struct {
	InboxDir      string `mapstructure:"inbox_dir"`
	ProcessedDir  string `mapstructure:"processed_dir"`
	FailedDir     string `mapstructure:"failed_dir"`
	OutputDir     string `mapstructure:"output_dir"`
	CheckpointDir string `mapstructure:"checkpoint_dir"`
	// ArtifactDirs are searched in order for <base>.png and <base>.pdf
	ArtifactDirs []string `mapstructure:"artifact_dirs"`
}

// WorkerConfig holds inbox worker settings
type WorkerConfig struct {
	Pattern      string        `mapstructure:"pattern"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"`
}

// DriveConfig holds Google Drive upload settings
type DriveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	FolderID        string `mapstructure:"folder_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// GCSConfig holds Cloud Storage upload settings
type GCSConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// UploadConfig holds artifact upload settings. At least one destination
// must be enabled.
type UploadConfig struct {
	Drive DriveConfig `mapstructure:"drive"`
	GCS   GCSConfig   `mapstructure:"gcs"`
	// MirrorDir, when set, receives a copy of every artifact
	MirrorDir     string        `mapstructure:"mirror_dir"`
	Attempts      int           `mapstructure:"attempts"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	ValidatePDF   bool          `mapstructure:"validate_pdf"`
	StrictPDF     bool          `mapstructure:"strict_pdf"`
}

// LarkConfig holds failure alert settings
type LarkConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	AppID         string `mapstructure:"app_id"`
	AppSecret     string `mapstructure:"app_secret"`
	ReceiveIDType string `mapstructure:"receive_id_type"`
	ReceiveID     string `mapstructure:"receive_id"`
}

// ReportConfig holds Excel run report settings
type ReportConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load loads configuration from file and environment variables. An empty
// configPath looks for config.yaml in . and ./configs and falls back to
// defaults when there is none.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8089)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.path", "data/autoentry.db")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", 0)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.run_log_path", "logs/autoentry.log")

	// Remote desktop defaults
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.ready_selector", "#display canvas")
	v.SetDefault("remote.remote_allocator_url", "")
	v.SetDefault("remote.headless", true)
	v.SetDefault("remote.width", 1920)
	v.SetDefault("remote.height", 1080)
	v.SetDefault("remote.connect_timeout", 60*time.Second)
	v.SetDefault("remote.connect_attempts", 3)
	v.SetDefault("remote.action_timeout", 10*time.Second)

	// Vision defaults
	v.SetDefault("vision.catalog_path", "templates/catalog.yaml")
	v.SetDefault("vision.routes_path", "")
	v.SetDefault("vision.verify_interval", time.Second)
	v.SetDefault("vision.screenshot_dir", "detections")
	v.SetDefault("vision.locator_threshold", 0.8)
	v.SetDefault("vision.pyramid_levels", 3)
	v.SetDefault("vision.min_template_side", 24)
	v.SetDefault("vision.refine_radius", 2)

	// Navigation defaults
	v.SetDefault("navigation.attempt_interval", 2*time.Second)
	v.SetDefault("navigation.step_retry_interval", time.Second)
	v.SetDefault("navigation.final_verify_attempts", 2)

	// Process defaults
	v.SetDefault("process.max_retries", 3)
	v.SetDefault("process.checkpoint_max_age", time.Hour)
	v.SetDefault("process.launcher_template", "sap_launcher")
	v.SetDefault("process.app_verify_attempts", 5)
	v.SetDefault("process.navigation_attempts", 3)

	// Form layout defaults for a 1920x1080 session
	v.SetDefault("form.buyer_field.x", 220)
	v.SetDefault("form.buyer_field.y", 160)
	v.SetDefault("form.order_field.x", 220)
	v.SetDefault("form.order_field.y", 230)
	v.SetDefault("form.delivery_date_field.x", 1480)
	v.SetDefault("form.delivery_date_field.y", 205)
	v.SetDefault("form.first_item_cell.x", 120)
	v.SetDefault("form.first_item_cell.y", 420)
	v.SetDefault("form.add_button.x", 60)
	v.SetDefault("form.add_button.y", 1000)
	v.SetDefault("form.rest_position.x", 1900)
	v.SetDefault("form.rest_position.y", 540)
	v.SetDefault("form.date_layout", "02.01.2006")
	v.SetDefault("form.field_delay", 500*time.Millisecond)

	// Path defaults
	v.SetDefault("paths.inbox_dir", "data/inbox")
	v.SetDefault("paths.processed_dir", "data/processed")
	v.SetDefault("paths.failed_dir", "data/failed")
	v.SetDefault("paths.output_dir", "data/output")
	v.SetDefault("paths.checkpoint_dir", "data/checkpoints")
	v.SetDefault("paths.artifact_dirs", []string{"data/output", "data/processed"})

	// Worker defaults
	v.SetDefault("worker.pattern", "*.json")
	v.SetDefault("worker.poll_interval", 10*time.Second)
	v.SetDefault("worker.run_timeout", 15*time.Minute)

	// Upload defaults
	v.SetDefault("upload.drive.enabled", false)
	v.SetDefault("upload.drive.folder_id", "")
	v.SetDefault("upload.drive.credentials_file", "")
	v.SetDefault("upload.gcs.enabled", false)
	v.SetDefault("upload.gcs.bucket", "")
	v.SetDefault("upload.gcs.prefix", "erp-autoentry")
	v.SetDefault("upload.gcs.credentials_file", "")
	v.SetDefault("upload.mirror_dir", "")
	v.SetDefault("upload.attempts", 3)
	v.SetDefault("upload.retry_interval", 2*time.Second)
	v.SetDefault("upload.validate_pdf", true)
	v.SetDefault("upload.strict_pdf", false)

	// Lark defaults
	v.SetDefault("lark.enabled", false)
	v.SetDefault("lark.receive_id_type", "chat_id")
	v.SetDefault("lark.receive_id", "")

	// Report defaults
	v.SetDefault("report.enabled", true)
	v.SetDefault("report.dir", "data/reports")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// bindEnvVars binds named secrets that do not follow the prefix scheme
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("lark.app_id", "LARK_APP_ID", EnvPrefix+"_LARK_APP_ID")
	_ = v.BindEnv("lark.app_secret", "LARK_APP_SECRET", EnvPrefix+"_LARK_APP_SECRET")
	_ = v.BindEnv("lark.receive_id", "LARK_ALERT_CHAT_ID", EnvPrefix+"_LARK_RECEIVE_ID")
	_ = v.BindEnv("upload.drive.credentials_file", EnvPrefix+"_UPLOAD_DRIVE_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS")
	_ = v.BindEnv("upload.gcs.credentials_file", EnvPrefix+"_UPLOAD_GCS_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS")
	_ = v.BindEnv("remote.url", EnvPrefix+"_REMOTE_URL", "ERP_REMOTE_URL")
}

// Validate validates the configuration. Every problem is reported.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		add("database.path is required")
	}

	if c.Remote.URL == "" {
		add("remote.url is required")
	}
	if c.Remote.Width <= 0 || c.Remote.Height <= 0 {
		add("remote.width and remote.height must be positive")
	}
	if c.Remote.ConnectAttempts < 1 {
		add("remote.connect_attempts must be at least 1")
	}

	if c.Vision.CatalogPath == "" {
		add("vision.catalog_path is required")
	}
	if c.Vision.LocatorThreshold < 0 || c.Vision.LocatorThreshold > 1 {
		add("vision.locator_threshold must be within [0,1], got %v", c.Vision.LocatorThreshold)
	}

	if c.Process.MaxRetries < 0 {
		add("process.max_retries cannot be negative")
	}
	if c.Process.CheckpointMaxAge <= 0 {
		add("process.checkpoint_max_age must be positive")
	}
	if c.Form.DateLayout == "" {
		add("form.date_layout is required")
	}

	for name, dir := range map[string]string{
		"paths.inbox_dir":      c.Paths.InboxDir,
		"paths.processed_dir":  c.Paths.ProcessedDir,
		"paths.failed_dir":     c.Paths.FailedDir,
		"paths.output_dir":     c.Paths.OutputDir,
		"paths.checkpoint_dir": c.Paths.CheckpointDir,
	} {
		if dir == "" {
			add("%s is required", name)
		}
	}
	if len(c.Paths.ArtifactDirs) == 0 {
		add("paths.artifact_dirs needs at least one directory")
	}

	if !c.Upload.Drive.Enabled && !c.Upload.GCS.Enabled && c.Upload.MirrorDir == "" {
		add("upload: enable drive or gcs, or set upload.mirror_dir")
	}
	if c.Upload.Drive.Enabled && c.Upload.Drive.FolderID == "" {
		add("upload.drive.folder_id is required when drive upload is enabled")
	}
	if c.Upload.GCS.Enabled && c.Upload.GCS.Bucket == "" {
		add("upload.gcs.bucket is required when gcs upload is enabled")
	}
	if c.Upload.Attempts < 1 {
		add("upload.attempts must be at least 1")
	}

	if c.Lark.Enabled {
		if c.Lark.AppID == "" {
			add("lark.app_id is required when alerts are enabled")
		}
		if c.Lark.AppSecret == "" {
			add("lark.app_secret is required when alerts are enabled")
		}
		if c.Lark.ReceiveID == "" {
			add("lark.receive_id is required when alerts are enabled")
		}
	}

	if c.Report.Enabled && c.Report.Dir == "" {
		add("report.dir is required when the report is enabled")
	}

	return errors.Join(errs...)
}
