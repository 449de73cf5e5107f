package orchestration_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/broker"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/metrics"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/mock"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/tracing"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/worker"
)

type harness struct {
	broker  *broker.Broker
	coord   *coordinator.Coordinator
	workers []*mock.Worker
	metrics *metrics.Collector
}

type harnessOptions struct {
	failRole      string
	maxConcurrent int
	tracer        *tracing.Provider
}

// newHarness wires a broker, a coordinator and one simulated worker per role,
// and starts them all.
func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()

	m := metrics.New()
	b := broker.New(broker.Config{DeliveryTimeout: 10 * time.Millisecond, Metrics: m})

	cfg := coordinator.DefaultConfig()
	cfg.Metrics = m
	cfg.RetryDelay = time.Millisecond
	if opts.maxConcurrent > 0 {
		cfg.MaxConcurrent = opts.maxConcurrent
	}
	if opts.tracer != nil {
		cfg.Tracer = opts.tracer.Tracer()
	}
	c := coordinator.New(cfg, b)
	b.RegisterWorker(c.ID(), c)

	base := worker.DefaultConfig("")
	base.MaxRetries = 1
	base.RetryDelay = time.Millisecond
	base.HeartbeatInterval = 20 * time.Millisecond
	base.Metrics = m
	workers := mock.NewWorkers(b, mock.Options{Delay: time.Millisecond, FailRole: opts.failRole, Base: &base})
	for _, w := range workers {
		b.RegisterWorker(w.ID(), w)
	}

	b.Start(ctx)
	for _, w := range workers {
		require.NoError(t, w.Start(ctx))
	}
	require.NoError(t, c.Start(ctx))

	t.Cleanup(func() {
		for _, w := range workers {
			_ = w.Stop(ctx)
		}
		_ = c.Stop(ctx)
		b.Stop()
	})
	return &harness{broker: b, coord: c, workers: workers, metrics: m}
}

func (h *harness) waitTerminal(t *testing.T, id string) coordinator.Snapshot {
	t.Helper()
	var snap coordinator.Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = h.coord.GetPipelineStatus(id)
		return err == nil && snap.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func (h *harness) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

// TestIntegration_DeliveryBeforeWorkerStart checks that a registered worker
// which has not started yet keeps what the broker hands it.
func TestIntegration_DeliveryBeforeWorkerStart(t *testing.T) {
	ctx := context.Background()
	b := broker.New(broker.Config{DeliveryTimeout: 10 * time.Millisecond})

	cfg := worker.DefaultConfig("w")
	cfg.HeartbeatInterval = 0
	cfg.RetryDelay = time.Millisecond
	w := worker.New(cfg, b)
	handled := make(chan message.Message, 1)
	w.RegisterHandler(message.KindFetchData, func(_ context.Context, msg message.Message) (*message.Message, error) {
		handled <- msg
		return nil, nil
	})
	b.RegisterWorker("w", w)

	b.Start(ctx)
	t.Cleanup(b.Stop)

	require.True(t, b.Send(message.New(message.KindFetchData, message.Coordinator, "w", message.Payload{"tables": []string{"returns"}})))
	require.Eventually(t, func() bool { return b.Stats().MessagesDelivered == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop(ctx) })

	select {
	case msg := <-handled:
		require.Equal(t, message.KindFetchData, msg.Kind)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	stats := b.Stats()
	require.Equal(t, int64(0), stats.MessagesFailed)
	require.Equal(t, 0, b.QueueLen("w"))
}

// TestIntegration_PipelineCompletes drives one pipeline through every stage
// over the broker with simulated workers.
func TestIntegration_PipelineCompletes(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	id, err := h.coord.StartPipeline(context.Background(), coordinator.Request{})
	require.NoError(t, err)

	snap := h.waitTerminal(t, id)
	require.Equal(t, coordinator.StatusCompleted, snap.Status, snap.ErrorMessage)
	for _, stage := range []coordinator.Stage{
		coordinator.StageDataFetch,
		coordinator.StageNormalization,
		coordinator.StageRAGProcessing,
		coordinator.StageReportGeneration,
		coordinator.StageDashboardReady,
	} {
		require.True(t, snap.StageProgress[stage], "stage %s", stage)
	}

	p, err := h.coord.GetPipeline(id)
	require.NoError(t, err)
	var report message.ReportReady
	raw, err := json.Marshal(p.Results.Report)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &report))
	require.Len(t, report.Reports, 1)

	// The dashboard notification is fire-and-forget; it still arrives.
	require.Eventually(t, func() bool {
		return len(h.broker.History(broker.HistoryFilter{Worker: message.DashboardWorker, Kind: message.KindDashboardReady})) == 1
	}, time.Second, 10*time.Millisecond)

	for _, kind := range []message.Kind{message.KindFetchData, message.KindRawData, message.KindNormalizeData, message.KindCleanData} {
		require.NotEmpty(t, h.broker.History(broker.HistoryFilter{Kind: kind}), "history for %s", kind)
	}

	stats := h.coord.GetStats()
	require.Equal(t, 1, stats.SuccessfulPipelines)
	require.Zero(t, stats.ActivePipelines)

	require.Eventually(t, func() bool {
		return len(h.coord.WorkerStatuses()) == len(h.workers)
	}, time.Second, 10*time.Millisecond)

	body := h.scrape(t)
	require.Contains(t, body, `report_agent_pipeline_finished_total{status="completed"} 1`)
	require.Contains(t, body, "report_agent_broker_messages_sent_total")
}

// TestIntegration_WorkerFailureFailsFast checks that a role that keeps
// failing produces TASK_FAILED and fails the pipeline without a timeout.
func TestIntegration_WorkerFailureFailsFast(t *testing.T) {
	h := newHarness(t, harnessOptions{failRole: message.NormalizeWorker})

	started := time.Now()
	id, err := h.coord.StartPipeline(context.Background(), coordinator.Request{})
	require.NoError(t, err)

	snap := h.waitTerminal(t, id)
	require.Equal(t, coordinator.StatusFailed, snap.Status)
	require.Contains(t, snap.ErrorMessage, mock.ErrSimulated.Error())
	require.True(t, snap.StageProgress[coordinator.StageDataFetch])
	require.False(t, snap.StageProgress[coordinator.StageNormalization])
	require.Less(t, time.Since(started), 5*time.Second)

	for _, w := range h.workers {
		if w.ID() == message.NormalizeWorker {
			require.Equal(t, int64(2), w.Handled(), "one attempt plus one retry")
			require.Zero(t, w.Replied())
		}
	}

	body := h.scrape(t)
	require.Contains(t, body, `report_agent_pipeline_finished_total{status="failed"} 1`)
	require.Contains(t, body, `report_agent_worker_handler_retries_total{kind="NORMALIZE_DATA",worker="normalization"} 1`)
}

// TestIntegration_ConcurrentPipelines runs a full batch at the concurrency
// limit and checks every pipeline converges to Completed.
func TestIntegration_ConcurrentPipelines(t *testing.T) {
	h := newHarness(t, harnessOptions{maxConcurrent: 5})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := h.coord.StartPipeline(context.Background(), coordinator.Request{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := h.coord.StartPipeline(context.Background(), coordinator.Request{})
	require.ErrorIs(t, err, coordinator.ErrCapacityExceeded)

	for _, id := range ids {
		snap := h.waitTerminal(t, id)
		require.Equal(t, coordinator.StatusCompleted, snap.Status, snap.ErrorMessage)
	}

	completed := coordinator.StatusCompleted
	require.Len(t, h.coord.ListPipelines(&completed), 5)
	require.Equal(t, 5, h.coord.GetStats().TotalPipelines)
}

// TestIntegration_TracingWritesSpans checks pipeline and stage spans reach
// the file exporter.
func TestIntegration_TracingWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:    true,
		Exporter:   tracing.ExporterFile,
		FilePath:   path,
		SampleRate: 1,
	})
	require.NoError(t, err)

	h := newHarness(t, harnessOptions{tracer: provider})
	id, err := h.coord.StartPipeline(context.Background(), coordinator.Request{})
	require.NoError(t, err)
	require.Equal(t, coordinator.StatusCompleted, h.waitTerminal(t, id).Status)

	require.NoError(t, provider.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	names := map[string]bool{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec tracing.SpanRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		require.Equal(t, id, rec.PipelineID)
		names[rec.Name] = true
	}
	require.NoError(t, scanner.Err())
	require.True(t, names[tracing.SpanPipeline])
	require.True(t, names[tracing.SpanStagePrefix+string(coordinator.StageDataFetch)])
	require.True(t, names[tracing.SpanStagePrefix+string(coordinator.StageDashboardReady)])
}
