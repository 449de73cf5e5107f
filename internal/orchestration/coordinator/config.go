package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/metrics"
)

// Default pipeline request values.
var (
	DefaultTables  = []string{"returns", "warranties", "products"}
	DefaultFilters = map[string][]string{
		"store_locations":    {"all"},
		"product_categories": {"all"},
	}
)

// StageTimeouts bounds how long each stage may wait for its completion.
type StageTimeouts struct {
	DataFetch        time.Duration `mapstructure:"data_fetch"`
	Normalization    time.Duration `mapstructure:"normalization"`
	RAGProcessing    time.Duration `mapstructure:"rag_processing"`
	ReportGeneration time.Duration `mapstructure:"report_generation"`
	DashboardReady   time.Duration `mapstructure:"dashboard_ready"`
	Default          time.Duration `mapstructure:"default"`
}

// For returns the timeout for stage, falling back to Default.
func (t StageTimeouts) For(stage Stage) time.Duration {
	var d time.Duration
	switch stage {
	case StageDataFetch:
		d = t.DataFetch
	case StageNormalization:
		d = t.Normalization
	case StageRAGProcessing:
		d = t.RAGProcessing
	case StageReportGeneration:
		d = t.ReportGeneration
	case StageDashboardReady:
		d = t.DashboardReady
	}
	if d <= 0 {
		d = t.Default
	}
	if d <= 0 {
		d = 60 * time.Second
	}
	return d
}

// Archive persists finalized pipelines.
type Archive interface {
	SavePipeline(ctx context.Context, snap Snapshot) error
}

// Config configures a Coordinator.
type Config struct {
	StageTimeouts StageTimeouts `mapstructure:"stage_timeouts"`

	// TotalTimeout is the bound the monitor enforces on a whole pipeline.
	TotalTimeout time.Duration `mapstructure:"total_timeout"`

	// StatusUpdateInterval is the monitor tick.
	StatusUpdateInterval time.Duration `mapstructure:"status_update_interval"`

	MaxConcurrent int `mapstructure:"max_concurrent"`

	// DefaultDays is the length of the date range used when a request has none.
	DefaultDays int `mapstructure:"default_days"`

	// MaxRetriesPerStage bounds extra attempts to dispatch a stage's
	// initiating message when the broker rejects it.
	MaxRetriesPerStage int           `mapstructure:"max_retries_per_stage"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`

	// InboxSize bounds messages waiting for the coordinator's handlers.
	InboxSize int `mapstructure:"inbox_size"`

	Clock   Clock              `mapstructure:"-"`
	Metrics *metrics.Collector `mapstructure:"-"`
	Tracer  trace.Tracer       `mapstructure:"-"`
	Archive Archive            `mapstructure:"-"`
}

// DefaultConfig returns the standard coordinator settings.
func DefaultConfig() Config {
	return Config{
		StageTimeouts: StageTimeouts{
			DataFetch:        300 * time.Second,
			Normalization:    180 * time.Second,
			RAGProcessing:    600 * time.Second,
			ReportGeneration: 240 * time.Second,
			DashboardReady:   30 * time.Second,
			Default:          60 * time.Second,
		},
		TotalTimeout:         1800 * time.Second,
		StatusUpdateInterval: 10 * time.Second,
		MaxConcurrent:        5,
		DefaultDays:          90,
		MaxRetriesPerStage:   2,
		RetryDelay:           5 * time.Second,
		InboxSize:            500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = d.TotalTimeout
	}
	if c.StatusUpdateInterval <= 0 {
		c.StatusUpdateInterval = d.StatusUpdateInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.DefaultDays <= 0 {
		c.DefaultDays = d.DefaultDays
	}
	if c.MaxRetriesPerStage < 0 {
		c.MaxRetriesPerStage = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.Clock == nil {
		c.Clock = RealClock{}
	}
	return c
}

// Clock provides time-related operations for testability.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer represents a timer that can be stopped and provides a channel.
type Timer interface {
	Stop() bool
	C() <-chan time.Time
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	Stop()
	C() <-chan time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// NewTimer creates a new time.Timer.
func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Stop() bool          { return t.timer.Stop() }
func (t *realTimer) C() <-chan time.Time { return t.timer.C }

// NewTicker creates a new time.Ticker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) Stop()               { t.ticker.Stop() }
func (t *realTicker) C() <-chan time.Time { return t.ticker.C }
