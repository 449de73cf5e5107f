package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/metrics"
)

func TestDefaults_AreValid(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestDefaults_CoordinatorTimeouts(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, 300*time.Second, cfg.Coordinator.StageTimeouts.DataFetch)
	require.Equal(t, 180*time.Second, cfg.Coordinator.StageTimeouts.Normalization)
	require.Equal(t, 600*time.Second, cfg.Coordinator.StageTimeouts.RAGProcessing)
	require.Equal(t, 240*time.Second, cfg.Coordinator.StageTimeouts.ReportGeneration)
	require.Equal(t, 30*time.Second, cfg.Coordinator.StageTimeouts.DashboardReady)
	require.Equal(t, 60*time.Second, cfg.Coordinator.StageTimeouts.Default)
	require.Equal(t, 1800*time.Second, cfg.Coordinator.TotalTimeout)
	require.Equal(t, 5, cfg.Coordinator.MaxConcurrent)
	require.Equal(t, 1000, cfg.Broker.HistoryLimit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"zero history", func(c *Config) { c.Broker.HistoryLimit = 0 }, "broker.history_limit"},
		{"negative queue", func(c *Config) { c.Broker.QueueSize = -1 }, "broker.queue_size"},
		{"zero delivery timeout", func(c *Config) { c.Broker.DeliveryTimeout = 0 }, "broker.delivery_timeout"},
		{"zero stage timeout", func(c *Config) { c.Coordinator.StageTimeouts.Normalization = 0 }, "stage_timeouts.normalization"},
		{"zero total timeout", func(c *Config) { c.Coordinator.TotalTimeout = 0 }, "coordinator.total_timeout"},
		{"zero concurrency", func(c *Config) { c.Coordinator.MaxConcurrent = 0 }, "coordinator.max_concurrent"},
		{"negative stage retries", func(c *Config) { c.Coordinator.MaxRetriesPerStage = -1 }, "max_retries_per_stage"},
		{"negative worker retries", func(c *Config) { c.Worker.MaxRetries = -1 }, "worker.max_retries"},
		{"sample rate too high", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "tracing.sample_rate"},
		{"unknown exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, "tracing.exporter"},
		{"file exporter without path", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.FilePath = ""
		}, "tracing.file_path"},
		{"metrics without addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = ""
		}, "metrics.addr"},
		{"bad cron", func(c *Config) {
			c.Schedule.Enabled = true
			c.Schedule.Cron = "every day"
		}, "schedule.cron"},
		{"unknown fail role", func(c *Config) { c.Simulate.FailRole = "printer" }, "simulate.fail_role"},
		{"negative retention", func(c *Config) { c.Storage.Retention = -time.Hour }, "storage.retention"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_DisabledScheduleIgnoresCron(t *testing.T) {
	cfg := Defaults()
	cfg.Schedule.Enabled = false
	cfg.Schedule.Cron = "not a cron"
	require.NoError(t, Validate(cfg))
}

func TestValidateSimulate_AcceptsEveryPipelineWorker(t *testing.T) {
	for _, id := range message.PipelineWorkers() {
		require.NoError(t, ValidateSimulate(SimulateConfig{FailRole: id}), id)
	}
}

func TestToBrokerAndWorker(t *testing.T) {
	cfg := Defaults()
	m := metrics.New()

	b := cfg.Broker.ToBroker(m)
	require.Equal(t, cfg.Broker.HistoryLimit, b.HistoryLimit)
	require.Equal(t, cfg.Broker.ConfirmationTTL, b.ConfirmationTTL)
	require.Same(t, m, b.Metrics)

	w := cfg.Worker.ToWorker(message.RAGWorker, m)
	require.Equal(t, message.RAGWorker, w.ID)
	require.Equal(t, message.Coordinator, w.Coordinator)
	require.Equal(t, cfg.Worker.MaxRetries, w.MaxRetries)
	require.Same(t, m, w.Metrics)
}

// TestDefaultConfigTemplate_RoundTrips loads the template through viper the
// way the CLI does and checks it decodes to the defaults.
func TestDefaultConfigTemplate_RoundTrips(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(DefaultConfigTemplate())))

	cfg := Defaults()
	require.NoError(t, v.Unmarshal(&cfg))
	require.NoError(t, Validate(cfg))

	want := Defaults()
	require.Equal(t, want.Coordinator.StageTimeouts, cfg.Coordinator.StageTimeouts)
	require.Equal(t, want.Coordinator.TotalTimeout, cfg.Coordinator.TotalTimeout)
	require.Equal(t, want.Coordinator.RetryDelay, cfg.Coordinator.RetryDelay)
	require.Equal(t, want.Broker, cfg.Broker)
	require.Equal(t, want.Worker, cfg.Worker)
	require.Equal(t, want.Metrics, cfg.Metrics)
	require.Equal(t, want.Schedule.Cron, cfg.Schedule.Cron)
	require.Equal(t, want.Simulate, cfg.Simulate)
}

func TestViper_OverridesCoordinator(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(`
coordinator:
  max_concurrent: 2
  stage_timeouts:
    rag_processing: 15m
`)))

	cfg := Defaults()
	require.NoError(t, v.Unmarshal(&cfg))
	require.Equal(t, 2, cfg.Coordinator.MaxConcurrent)
	require.Equal(t, 15*time.Minute, cfg.Coordinator.StageTimeouts.For(coordinator.StageRAGProcessing))
	require.Equal(t, 300*time.Second, cfg.Coordinator.StageTimeouts.For(coordinator.StageDataFetch))
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfigTemplate(), string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
