package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/log"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/broker"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/metrics"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/scheduler"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/tracing"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/worker"
)

// Config holds all report-agent configuration.
type Config struct {
	Log         LogConfig          `mapstructure:"log"`
	Broker      BrokerConfig       `mapstructure:"broker"`
	Coordinator coordinator.Config `mapstructure:"coordinator"`
	Worker      WorkerConfig       `mapstructure:"worker"`
	Tracing     tracing.Config     `mapstructure:"tracing"`
	Storage     StorageConfig      `mapstructure:"storage"`
	Metrics     MetricsConfig      `mapstructure:"metrics"`
	Schedule    scheduler.Config   `mapstructure:"schedule"`
	Simulate    SimulateConfig     `mapstructure:"simulate"`
}

// LogConfig controls the category logger.
type LogConfig struct {
	// Level is the minimum level written: debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Path enables file logging when set.
	Path string `mapstructure:"path"`
}

// BrokerConfig mirrors broker.Config for file-based configuration.
type BrokerConfig struct {
	QueueSize       int           `mapstructure:"queue_size"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	ConfirmationTTL time.Duration `mapstructure:"confirmation_ttl"`
}

// ToBroker builds the broker settings, attaching m.
func (b BrokerConfig) ToBroker(m *metrics.Collector) broker.Config {
	return broker.Config{
		QueueSize:       b.QueueSize,
		HistoryLimit:    b.HistoryLimit,
		DeliveryTimeout: b.DeliveryTimeout,
		CleanupInterval: b.CleanupInterval,
		ConfirmationTTL: b.ConfirmationTTL,
		Metrics:         m,
	}
}

// WorkerConfig holds the settings shared by every worker.
type WorkerConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	InboxSize         int           `mapstructure:"inbox_size"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
}

// ToWorker builds the settings for worker id, attaching m.
func (w WorkerConfig) ToWorker(id string, m *metrics.Collector) worker.Config {
	return worker.Config{
		ID:                id,
		MaxRetries:        w.MaxRetries,
		RetryDelay:        w.RetryDelay,
		HeartbeatInterval: w.HeartbeatInterval,
		InboxSize:         w.InboxSize,
		StopTimeout:       w.StopTimeout,
		Coordinator:       message.Coordinator,
		Metrics:           m,
	}
}

// StorageConfig controls the pipeline archive.
type StorageConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Path is the SQLite file. Empty uses DefaultDatabasePath.
	Path string `mapstructure:"path"`

	// Retention prunes archived pipelines older than this on startup.
	// Zero keeps everything.
	Retention time.Duration `mapstructure:"retention"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// SimulateConfig tunes the built-in echo workers used by `run --simulate`.
type SimulateConfig struct {
	Delay    time.Duration `mapstructure:"delay"`
	FailRole string        `mapstructure:"fail_role"`
}

// DefaultTracesFilePath returns ~/.config/report-agent/traces/traces.jsonl,
// or empty if the home directory is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "report-agent", "traces", "traces.jsonl")
}

// DefaultDatabasePath returns ~/.report-agent/pipelines.db, or empty if the
// home directory is unavailable.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".report-agent", "pipelines.db")
}

// ValidateBroker checks broker configuration for errors.
func ValidateBroker(b BrokerConfig) error {
	if b.QueueSize < 0 {
		return fmt.Errorf("broker.queue_size must not be negative, got %d", b.QueueSize)
	}
	if b.HistoryLimit < 1 {
		return fmt.Errorf("broker.history_limit must be at least 1, got %d", b.HistoryLimit)
	}
	if b.DeliveryTimeout <= 0 {
		return fmt.Errorf("broker.delivery_timeout must be positive, got %s", b.DeliveryTimeout)
	}
	if b.CleanupInterval <= 0 {
		return fmt.Errorf("broker.cleanup_interval must be positive, got %s", b.CleanupInterval)
	}
	if b.ConfirmationTTL <= 0 {
		return fmt.Errorf("broker.confirmation_ttl must be positive, got %s", b.ConfirmationTTL)
	}
	return nil
}

// ValidateCoordinator checks coordinator configuration for errors.
func ValidateCoordinator(c coordinator.Config) error {
	timeouts := map[string]time.Duration{
		"data_fetch":        c.StageTimeouts.DataFetch,
		"normalization":     c.StageTimeouts.Normalization,
		"rag_processing":    c.StageTimeouts.RAGProcessing,
		"report_generation": c.StageTimeouts.ReportGeneration,
		"dashboard_ready":   c.StageTimeouts.DashboardReady,
		"default":           c.StageTimeouts.Default,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("coordinator.stage_timeouts.%s must be positive, got %s", name, d)
		}
	}
	if c.TotalTimeout <= 0 {
		return fmt.Errorf("coordinator.total_timeout must be positive, got %s", c.TotalTimeout)
	}
	if c.StatusUpdateInterval <= 0 {
		return fmt.Errorf("coordinator.status_update_interval must be positive, got %s", c.StatusUpdateInterval)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("coordinator.max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.DefaultDays < 1 {
		return fmt.Errorf("coordinator.default_days must be at least 1, got %d", c.DefaultDays)
	}
	if c.MaxRetriesPerStage < 0 {
		return fmt.Errorf("coordinator.max_retries_per_stage must not be negative, got %d", c.MaxRetriesPerStage)
	}
	return nil
}

// ValidateWorker checks worker configuration for errors.
func ValidateWorker(w WorkerConfig) error {
	if w.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must not be negative, got %d", w.MaxRetries)
	}
	if w.RetryDelay <= 0 {
		return fmt.Errorf("worker.retry_delay must be positive, got %s", w.RetryDelay)
	}
	if w.HeartbeatInterval < 0 {
		return fmt.Errorf("worker.heartbeat_interval must not be negative, got %s", w.HeartbeatInterval)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(t tracing.Config) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	if t.Exporter != "" {
		switch t.Exporter {
		case tracing.ExporterNone, tracing.ExporterFile, tracing.ExporterStdout, tracing.ExporterOTLP:
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if t.Enabled {
		if t.Exporter == tracing.ExporterFile && t.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == tracing.ExporterOTLP && t.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// ValidateSchedule checks the cron settings when scheduling is enabled.
func ValidateSchedule(s scheduler.Config) error {
	if !s.Enabled {
		return nil
	}
	if _, err := scheduler.ParseCron(s.Cron, s.Timezone); err != nil {
		return fmt.Errorf("schedule.cron: %w", err)
	}
	return nil
}

// ValidateSimulate checks the simulated-worker settings.
func ValidateSimulate(s SimulateConfig) error {
	if s.Delay < 0 {
		return fmt.Errorf("simulate.delay must not be negative, got %s", s.Delay)
	}
	if s.FailRole == "" {
		return nil
	}
	for _, id := range message.PipelineWorkers() {
		if id == s.FailRole {
			return nil
		}
	}
	return fmt.Errorf("simulate.fail_role %q is not a pipeline worker", s.FailRole)
}

// Validate checks every section.
func Validate(cfg Config) error {
	if cfg.Log.Level != "" {
		if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	if err := ValidateBroker(cfg.Broker); err != nil {
		return err
	}
	if err := ValidateCoordinator(cfg.Coordinator); err != nil {
		return err
	}
	if err := ValidateWorker(cfg.Worker); err != nil {
		return err
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	if cfg.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must not be negative, got %s", cfg.Storage.Retention)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return err
	}
	return ValidateSimulate(cfg.Simulate)
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	w := worker.DefaultConfig("")
	tr := tracing.DefaultConfig()
	tr.FilePath = DefaultTracesFilePath()

	return Config{
		Log: LogConfig{Level: "info"},
		Broker: BrokerConfig{
			QueueSize:       1000,
			HistoryLimit:    broker.DefaultHistoryLimit,
			DeliveryTimeout: broker.DefaultDeliveryTimeout,
			CleanupInterval: broker.DefaultCleanupInterval,
			ConfirmationTTL: broker.DefaultConfirmationTTL,
		},
		Coordinator: coordinator.DefaultConfig(),
		Worker: WorkerConfig{
			MaxRetries:        w.MaxRetries,
			RetryDelay:        w.RetryDelay,
			HeartbeatInterval: w.HeartbeatInterval,
			InboxSize:         w.InboxSize,
			StopTimeout:       w.StopTimeout,
		},
		Tracing: tr,
		Storage: StorageConfig{
			Enabled: true,
			Path:    DefaultDatabasePath(),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
			Path:    "/metrics",
		},
		Schedule: scheduler.Config{
			Enabled:  false,
			Cron:     "0 0 6 * * *",
			Timezone: "",
		},
		Simulate: SimulateConfig{
			Delay: 500 * time.Millisecond,
		},
	}
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# report-agent configuration

# Logging (file logging is off unless a path is set or --debug is passed)
log:
  level: info            # debug, info, warn, error
  # path: ~/.report-agent/debug.log

# Message broker
broker:
  queue_size: 1000         # per-recipient queue bound
  history_limit: 1000      # messages kept for audit
  delivery_timeout: 100ms  # wait of each delivery loop iteration
  cleanup_interval: 60s    # confirmation expiry sweep
  confirmation_ttl: 5m     # pending delivery confirmations expire after this

# Pipeline coordinator
coordinator:
  max_concurrent: 5
  default_days: 90         # date range length when a request has none
  total_timeout: 1800s
  status_update_interval: 10s
  max_retries_per_stage: 2 # extra dispatch attempts when the broker rejects a stage message
  retry_delay: 5s
  stage_timeouts:
    data_fetch: 300s
    normalization: 180s
    rag_processing: 600s
    report_generation: 240s
    dashboard_ready: 30s
    default: 60s

# Settings shared by every worker
worker:
  max_retries: 3           # handler retries, delay doubles each time
  retry_delay: 1s
  heartbeat_interval: 30s
  inbox_size: 100
  stop_timeout: 30s

# Distributed tracing
tracing:
  enabled: false
  exporter: file           # none, file, stdout, otlp
  # file_path: ~/.config/report-agent/traces/traces.jsonl
  otlp_endpoint: localhost:4317
  sample_rate: 1.0

# Archive of finalized pipelines
storage:
  enabled: true
  # path: ~/.report-agent/pipelines.db
  retention: 0s            # 0 keeps everything, e.g. 720h keeps 30 days

# Prometheus endpoint
metrics:
  enabled: false
  addr: 127.0.0.1:9464
  path: /metrics

# Scheduled pipeline runs
schedule:
  enabled: false
  cron: "0 0 6 * * *"      # 6-field (with seconds) or 5-field expression
  # timezone: Europe/Berlin
  # tables: [returns, warranties]

# Built-in echo workers (run --simulate)
simulate:
  delay: 500ms
  # fail_role: normalization
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
