// Package coordinator owns the pipeline state machine.
//
// A Coordinator is itself a worker on the broker. StartPipeline records a new
// pipeline and, once the coordinator is started, runs it in its own goroutine:
// the goroutine dispatches FETCH_DATA and then waits on one signal per stage.
// The data handlers (RAW_DATA, CLEAN_DATA, INSIGHTS, REPORT_READY) record
// each stage's result, fire its signal and send the next stage's initiating
// message. TASK_FAILED, stage timeouts, the total-timeout monitor and
// CancelPipeline all converge on finalize, which moves a pipeline from the
// active set to the completed set exactly once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MOMOJMOGG/report-agent/internal/log"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/tracing"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/worker"
	"github.com/MOMOJMOGG/report-agent/internal/pubsub"
)

// DefaultCancelReason is recorded when CancelPipeline is given no reason.
const DefaultCancelReason = "Cancelled by user"

// ShutdownReason is recorded on pipelines still active when Stop is called.
const ShutdownReason = "System shutdown"

var errDispatch = errors.New("broker rejected message")

// runState is the execution bookkeeping for one active pipeline.
type runState struct {
	// signals has one channel per work stage, closed when the stage completes.
	signals map[Stage]chan struct{}
	fired   map[Stage]bool

	parent trace.SpanContext
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
}

func newRunState(parent trace.SpanContext) *runState {
	r := &runState{
		signals: make(map[Stage]chan struct{}, len(workStages)),
		fired:   make(map[Stage]bool, len(workStages)),
		parent:  parent,
	}
	for _, s := range workStages {
		r.signals[s] = make(chan struct{})
	}
	return r
}

// fireLocked closes the signal for s once. Caller holds Coordinator.mu.
func (r *runState) fireLocked(s Stage) {
	if r == nil || r.fired[s] {
		return
	}
	r.fired[s] = true
	if ch, ok := r.signals[s]; ok {
		close(ch)
	}
}

type counters struct {
	total      int
	successful int
	failed     int
	cancelled  int
	avgSeconds float64
}

// Coordinator drives pipelines through their stages.
type Coordinator struct {
	*worker.Base

	cfg    Config
	tracer trace.Tracer
	events *pubsub.Broker[Event]

	mu        sync.Mutex
	active    map[string]*Pipeline
	completed map[string]*Pipeline
	runs      map[string]*runState
	workers   map[string]WorkerStatus
	stats     counters
	ctx       context.Context // non-nil while started

	lifecycle sync.Mutex
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a stopped coordinator that sends through sender.
func New(cfg Config, sender worker.Sender) *Coordinator {
	cfg = cfg.withDefaults()

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.Noop().Tracer()
	}

	base := worker.New(worker.Config{
		ID:          message.Coordinator,
		MaxRetries:  0,
		InboxSize:   cfg.InboxSize,
		Coordinator: message.Coordinator,
		Metrics:     cfg.Metrics,
	}, sender)

	c := &Coordinator{
		Base:      base,
		cfg:       cfg,
		tracer:    tracer,
		events:    pubsub.NewBroker[Event](),
		active:    make(map[string]*Pipeline),
		completed: make(map[string]*Pipeline),
		runs:      make(map[string]*runState),
		workers:   make(map[string]WorkerStatus),
	}

	c.RegisterHandler(message.KindRawData, c.HandleRawData)
	c.RegisterHandler(message.KindCleanData, c.HandleCleanData)
	c.RegisterHandler(message.KindInsights, c.HandleInsights)
	c.RegisterHandler(message.KindReportReady, c.HandleReportReady)
	c.RegisterHandler(message.KindTaskFailed, c.HandleTaskFailed)
	c.RegisterHandler(message.KindTaskCompleted, c.HandleTaskCompleted)
	c.RegisterHandler(message.KindHeartbeat, c.HandleHeartbeat)
	return c
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Start begins message processing and the timeout monitor, then launches
// every pipeline created while the coordinator was stopped.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.started {
		return nil
	}
	if err := c.Base.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.mu.Lock()
	c.ctx = runCtx
	for id, run := range c.runs {
		if run.ctx == nil {
			c.launchLocked(id, run)
		}
	}
	c.mu.Unlock()

	c.wg.Add(1)
	log.SafeGo("coordinator monitor", func() {
		defer c.wg.Done()
		c.monitorLoop(runCtx)
	})

	c.started = true
	log.Info(log.CatCoord, "coordinator started",
		"max_concurrent", c.cfg.MaxConcurrent,
		"total_timeout", c.cfg.TotalTimeout,
		"status_interval", c.cfg.StatusUpdateInterval)
	return nil
}

// Stop cancels every active pipeline with ShutdownReason, then tears down
// the pipeline goroutines, the monitor and message processing.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.started {
		return nil
	}

	for _, id := range c.activeIDs() {
		c.CancelPipeline(id, ShutdownReason)
	}

	c.mu.Lock()
	c.ctx = nil
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()

	c.started = false
	err := c.Base.Stop(ctx)
	log.Info(log.CatCoord, "coordinator stopped")
	return err
}

// StartPipeline records a new pending pipeline and schedules its execution.
// It returns immediately; execution begins now if the coordinator is started,
// otherwise on Start. Zero request fields take the configured defaults.
func (c *Coordinator) StartPipeline(ctx context.Context, req Request) (string, error) {
	now := c.cfg.Clock.Now()

	dateRange := message.NewDateRange(now.AddDate(0, 0, -c.cfg.DefaultDays), now)
	if req.DateRange != nil {
		if err := req.DateRange.Validate(); err != nil {
			return "", fmt.Errorf("start pipeline: %w", err)
		}
		dateRange = *req.DateRange
	}
	tables := req.Tables
	if len(tables) == 0 {
		tables = DefaultTables
	}
	filters := req.Filters
	if filters == nil {
		filters = DefaultFilters
	}

	p := &Pipeline{
		ID:                   uuid.NewString(),
		Status:               StatusPending,
		CurrentStage:         StageInit,
		StartedAt:            now,
		DateRange:            dateRange,
		Tables:               append([]string(nil), tables...),
		Filters:              copyFilters(filters),
		StageStartTimes:      make(map[Stage]time.Time),
		StageCompletionTimes: make(map[Stage]time.Time),
		RetryCounts:          make(map[Stage]int),
	}

	c.mu.Lock()
	if len(c.active) >= c.cfg.MaxConcurrent {
		c.mu.Unlock()
		return "", fmt.Errorf("%w (%d)", ErrCapacityExceeded, c.cfg.MaxConcurrent)
	}
	c.active[p.ID] = p
	run := newRunState(trace.SpanContextFromContext(ctx))
	c.runs[p.ID] = run
	if c.ctx != nil {
		c.launchLocked(p.ID, run)
	}
	c.mu.Unlock()

	c.cfg.Metrics.PipelineStarted()
	c.emit(Event{Type: EventPipelineCreated, PipelineID: p.ID, Stage: StageInit, Status: StatusPending, Timestamp: now})
	log.Info(log.CatCoord, "pipeline created",
		"pipeline", p.ID,
		"start", dateRange.Start,
		"end", dateRange.End,
		"tables", tables)
	return p.ID, nil
}

// CancelPipeline finalizes an active pipeline as Cancelled. It returns false
// when the pipeline is not active.
func (c *Coordinator) CancelPipeline(id, reason string) bool {
	if reason == "" {
		reason = DefaultCancelReason
	}
	return c.finalize(id, StatusCancelled, reason)
}

// launchLocked starts the execution goroutine. Caller holds c.mu with c.ctx set.
func (c *Coordinator) launchLocked(id string, run *runState) {
	run.ctx, run.cancel = context.WithCancel(c.ctx)
	c.wg.Add(1)
	log.SafeGo("pipeline "+id, func() {
		defer c.wg.Done()
		c.execute(id, run)
	})
}

// execute runs the stages of one pipeline in order.
func (c *Coordinator) execute(id string, run *runState) {
	p, ok := c.markRunning(id)
	if !ok {
		return
	}

	ctx, span := tracing.StartPipeline(trace.ContextWithSpanContext(run.ctx, run.parent), c.tracer,
		id, p.Tables, p.DateRange.Start, p.DateRange.End)
	c.mu.Lock()
	if _, ok := c.active[id]; !ok {
		c.mu.Unlock()
		tracing.End(span, "", ErrPipelineTerminated.Error())
		return
	}
	run.span = span
	c.mu.Unlock()

	c.emit(Event{Type: EventPipelineStarted, PipelineID: id, Status: StatusRunning})
	log.Info(log.CatCoord, "executing pipeline", "pipeline", id)

	for _, stage := range workStages {
		if !c.enterStage(id, stage) {
			return
		}
		_, stageSpan := tracing.StartStage(ctx, c.tracer, id, string(stage))

		var err error
		if stage == StageDataFetch {
			err = c.dispatchFetch(run.ctx, id, stageSpan)
		}
		// Dashboard delivery is fire-and-forget; it completes with the report.
		if err == nil && stage != StageDashboardReady {
			err = c.waitStage(run, stage)
		}

		if err != nil {
			if errors.Is(err, ErrPipelineTerminated) {
				tracing.End(stageSpan, "", err.Error())
				return
			}
			tracing.End(stageSpan, string(StatusFailed), err.Error())
			log.ErrorErr(log.CatCoord, "pipeline stage failed", err, "pipeline", id, "stage", stage)
			c.finalize(id, StatusFailed, err.Error())
			return
		}
		tracing.End(stageSpan, "", "")
	}

	c.finalize(id, StatusCompleted, "")
}

// markRunning moves a pending pipeline to Running and returns a copy.
func (c *Coordinator) markRunning(id string) (Pipeline, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.active[id]
	if !ok || !p.Status.CanTransitionTo(StatusRunning) {
		return Pipeline{}, false
	}
	p.Status = StatusRunning
	return p.clone(), true
}

// enterStage makes stage current and records its start time, unless a
// handler already did. Returns false once the pipeline is no longer active.
func (c *Coordinator) enterStage(id string, stage Stage) bool {
	c.mu.Lock()
	p, ok := c.active[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if stageIndex(stage) > stageIndex(p.CurrentStage) {
		p.CurrentStage = stage
	}
	_, already := p.StageStartTimes[stage]
	if !already {
		p.StageStartTimes[stage] = c.cfg.Clock.Now()
	}
	c.mu.Unlock()

	if !already {
		c.emit(Event{Type: EventStageStarted, PipelineID: id, Stage: stage, Status: StatusRunning})
	}
	log.Debug(log.CatCoord, "stage started", "pipeline", id, "stage", stage)
	return true
}

// dispatchFetch sends FETCH_DATA for the pipeline's request.
func (c *Coordinator) dispatchFetch(ctx context.Context, id string, span trace.Span) error {
	c.mu.Lock()
	p, ok := c.active[id]
	if !ok {
		c.mu.Unlock()
		return ErrPipelineTerminated
	}
	req := message.FetchRequest{
		DateRange: p.DateRange,
		Tables:    append([]string(nil), p.Tables...),
		Filters:   copyFilters(p.Filters),
	}
	c.mu.Unlock()

	corr := message.Correlation{PipelineID: id, Stage: string(StageDataFetch)}
	msg := message.New(message.KindFetchData, message.Coordinator, message.DataFetchWorker,
		message.MustPayload(req), message.WithCorrelation(corr.String()))
	return c.dispatch(ctx, id, StageDataFetch, msg, span)
}

// dispatch sends msg, retrying with a constant delay while the broker
// rejects it. Each retry is counted in the pipeline's RetryCounts.
func (c *Coordinator) dispatch(ctx context.Context, id string, stage Stage, msg message.Message, span trace.Span) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		out := msg
		if attempt > 1 {
			out = msg.Clone()
			out.Metadata.RetryCount = attempt - 1
		}
		ok := c.Send(out)
		tracing.MessageSent(span, string(out.Kind), out.Metadata.ID, out.Metadata.Recipient, ok)
		if !ok {
			return struct{}{}, errDispatch
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(c.cfg.MaxRetriesPerStage+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.countRetry(id, stage)
			log.Warn(log.CatCoord, "stage dispatch failed, retrying",
				"pipeline", id, "stage", stage, "kind", msg.Kind, "attempt", attempt, "wait", wait, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ErrPipelineTerminated
	}
	return fmt.Errorf("dispatch %s for stage %s failed after %d attempts: %w", msg.Kind, stage, attempt, err)
}

func (c *Coordinator) countRetry(id string, stage Stage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.active[id]; ok {
		p.RetryCounts[stage]++
	}
}

// waitStage blocks until stage completes, the pipeline terminates, or the
// stage timeout elapses.
func (c *Coordinator) waitStage(run *runState, stage Stage) error {
	timeout := c.cfg.StageTimeouts.For(stage)
	start := c.cfg.Clock.Now()
	timer := c.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-run.signals[stage]:
		return nil
	case <-run.ctx.Done():
		return ErrPipelineTerminated
	case <-timer.C():
		return &StageTimeoutError{Stage: stage, Elapsed: c.cfg.Clock.Now().Sub(start)}
	}
}

// finalize moves an active pipeline to the completed set with a terminal
// status. It is a no-op returning false when the pipeline is not active.
func (c *Coordinator) finalize(id string, status Status, errMsg string) bool {
	c.mu.Lock()
	p, ok := c.active[id]
	if !ok || !p.Status.CanTransitionTo(status) {
		c.mu.Unlock()
		return false
	}

	now := c.cfg.Clock.Now()
	p.Status = status
	p.CompletedAt = &now
	if errMsg != "" {
		p.ErrorMessage = errMsg
	}
	delete(c.active, id)
	c.completed[id] = p

	var span trace.Span
	var cancel context.CancelFunc
	if run, ok := c.runs[id]; ok {
		span, cancel = run.span, run.cancel
		delete(c.runs, id)
	}

	elapsed := now.Sub(p.StartedAt).Seconds()
	c.stats.total++
	switch status {
	case StatusCompleted:
		c.stats.successful++
	case StatusFailed:
		c.stats.failed++
	case StatusCancelled:
		c.stats.cancelled++
	}
	n := float64(c.stats.total)
	c.stats.avgSeconds = (c.stats.avgSeconds*(n-1) + elapsed) / n

	snap := p.snapshot(now)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.cfg.Metrics.PipelineFinished(string(status), elapsed)
	if span != nil {
		if status == StatusCancelled {
			span.AddEvent(tracing.EventPipelineCancel)
		}
		tracing.End(span, string(status), errMsg)
	}
	c.emit(Event{Type: terminalEvent(status), PipelineID: id, Stage: snap.CurrentStage, Status: status, Error: errMsg, Timestamp: now})

	switch status {
	case StatusCompleted:
		log.Info(log.CatCoord, "pipeline completed", "pipeline", id, "seconds", fmt.Sprintf("%.1f", elapsed))
	case StatusCancelled:
		log.Info(log.CatCoord, "pipeline cancelled", "pipeline", id, "reason", errMsg)
	default:
		log.Error(log.CatCoord, "pipeline failed", "pipeline", id, "stage", snap.CurrentStage, "error", errMsg)
	}

	if c.cfg.Archive != nil {
		if err := c.cfg.Archive.SavePipeline(context.Background(), snap); err != nil {
			log.ErrorErr(log.CatDB, "archive pipeline failed", err, "pipeline", id)
		}
	}
	return true
}

// monitorLoop force-fails pipelines that exceed the total timeout.
func (c *Coordinator) monitorLoop(ctx context.Context) {
	ticker := c.cfg.Clock.NewTicker(c.cfg.StatusUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n := c.sweepTimeouts(c.cfg.Clock.Now()); n > 0 {
				log.Warn(log.CatCoord, "monitor failed stuck pipelines", "count", n)
			}
		}
	}
}

// sweepTimeouts fails every active pipeline running longer than TotalTimeout
// as of now and returns how many it failed.
func (c *Coordinator) sweepTimeouts(now time.Time) int {
	type overdue struct {
		id      string
		elapsed time.Duration
	}
	var stuck []overdue

	c.mu.Lock()
	for id, p := range c.active {
		if elapsed := now.Sub(p.StartedAt); elapsed > c.cfg.TotalTimeout {
			stuck = append(stuck, overdue{id: id, elapsed: elapsed})
		}
	}
	active := len(c.active)
	c.mu.Unlock()

	log.Debug(log.CatCoord, "monitor tick", "active", active, "overdue", len(stuck))

	n := 0
	for _, o := range stuck {
		msg := fmt.Sprintf("pipeline timeout after %.0f seconds", o.elapsed.Seconds())
		if c.finalize(o.id, StatusFailed, msg) {
			n++
		}
	}
	return n
}

func (c *Coordinator) activeIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

func stageIndex(s Stage) int {
	for i, st := range Stages() {
		if st == s {
			return i
		}
	}
	return -1
}

func copyFilters(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
