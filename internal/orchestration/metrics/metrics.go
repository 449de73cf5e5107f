// Package metrics exposes broker and pipeline counters as Prometheus
// collectors. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "report_agent"

// Collector owns a private registry with every report-agent metric.
type Collector struct {
	registry *prometheus.Registry

	messagesSent      prometheus.Counter
	messagesDelivered prometheus.Counter
	messagesFailed    prometheus.Counter
	queueDepth        *prometheus.GaugeVec
	historySize       prometheus.Gauge
	pendingConfirms   prometheus.Gauge
	confirmsExpired   prometheus.Counter

	pipelinesStarted  prometheus.Counter
	pipelinesFinished *prometheus.CounterVec
	pipelinesActive   prometheus.Gauge
	pipelineDuration  prometheus.Histogram
	stageDuration     *prometheus.HistogramVec

	workerRetries  *prometheus.CounterVec
	workerFailures *prometheus.CounterVec
}

// New creates a collector registered on a fresh registry.
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}
	c.init()
	c.registry.MustRegister(
		c.messagesSent, c.messagesDelivered, c.messagesFailed,
		c.queueDepth, c.historySize, c.pendingConfirms, c.confirmsExpired,
		c.pipelinesStarted, c.pipelinesFinished, c.pipelinesActive,
		c.pipelineDuration, c.stageDuration,
		c.workerRetries, c.workerFailures,
	)
	return c
}

func (c *Collector) init() {
	c.messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "broker", Name: "messages_sent_total",
		Help: "Messages accepted by Send.",
	})
	c.messagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "broker", Name: "messages_delivered_total",
		Help: "Messages handed to a worker without error.",
	})
	c.messagesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "broker", Name: "messages_failed_total",
		Help: "Messages rejected by Send or failed during delivery.",
	})
	c.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "broker", Name: "queue_depth",
		Help: "Messages waiting per recipient.",
	}, []string{"worker"})
	c.historySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "broker", Name: "history_size",
		Help: "Messages retained in the audit history.",
	})
	c.pendingConfirms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "broker", Name: "pending_confirmations",
		Help: "Sent messages not yet delivered.",
	})
	c.confirmsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "broker", Name: "confirmations_expired_total",
		Help: "Delivery confirmations dropped after their expiry.",
	})

	c.pipelinesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pipeline", Name: "started_total",
		Help: "Pipelines accepted by StartPipeline.",
	})
	c.pipelinesFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pipeline", Name: "finished_total",
		Help: "Pipelines that reached a terminal status.",
	}, []string{"status"})
	c.pipelinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pipeline", Name: "active",
		Help: "Pipelines currently in the active set.",
	})
	c.pipelineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "pipeline", Name: "duration_seconds",
		Help:    "Wall time from start to terminal status.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	})
	c.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "pipeline", Name: "stage_duration_seconds",
		Help:    "Wall time from stage start to stage completion.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"stage"})

	c.workerRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "worker", Name: "handler_retries_total",
		Help: "Handler invocations retried after an error.",
	}, []string{"worker", "kind"})
	c.workerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "worker", Name: "handler_failures_total",
		Help: "Handler invocations that exhausted their retries.",
	}, []string{"worker", "kind"})
}

// Registry returns the underlying registry, for tests and custom exposition.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) MessageSent() {
	if c != nil {
		c.messagesSent.Inc()
	}
}

func (c *Collector) MessageDelivered() {
	if c != nil {
		c.messagesDelivered.Inc()
	}
}

func (c *Collector) MessageFailed() {
	if c != nil {
		c.messagesFailed.Inc()
	}
}

func (c *Collector) ConfirmationExpired() {
	if c != nil {
		c.confirmsExpired.Inc()
	}
}

// ObserveBroker records the broker's point-in-time gauges.
func (c *Collector) ObserveBroker(queueSizes map[string]int, historySize, pending int) {
	if c == nil {
		return
	}
	c.queueDepth.Reset()
	for worker, n := range queueSizes {
		c.queueDepth.WithLabelValues(worker).Set(float64(n))
	}
	c.historySize.Set(float64(historySize))
	c.pendingConfirms.Set(float64(pending))
}

func (c *Collector) PipelineStarted() {
	if c != nil {
		c.pipelinesStarted.Inc()
		c.pipelinesActive.Inc()
	}
}

// PipelineFinished records a terminal transition with its total duration.
func (c *Collector) PipelineFinished(status string, seconds float64) {
	if c == nil {
		return
	}
	c.pipelinesActive.Dec()
	c.pipelinesFinished.WithLabelValues(status).Inc()
	c.pipelineDuration.Observe(seconds)
}

func (c *Collector) StageCompleted(stage string, seconds float64) {
	if c != nil {
		c.stageDuration.WithLabelValues(stage).Observe(seconds)
	}
}

func (c *Collector) HandlerRetried(worker, kind string) {
	if c != nil {
		c.workerRetries.WithLabelValues(worker, kind).Inc()
	}
}

func (c *Collector) HandlerFailed(worker, kind string) {
	if c != nil {
		c.workerFailures.WithLabelValues(worker, kind).Inc()
	}
}
