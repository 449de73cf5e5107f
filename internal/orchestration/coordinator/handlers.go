package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/log"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
)

// route says where a completed stage's payload goes next.
type route struct {
	kind      message.Kind
	recipient string
	stage     Stage
}

var routes = map[Stage]route{
	StageDataFetch:        {kind: message.KindNormalizeData, recipient: message.NormalizeWorker, stage: StageNormalization},
	StageNormalization:    {kind: message.KindGenerateInsights, recipient: message.RAGWorker, stage: StageRAGProcessing},
	StageRAGProcessing:    {kind: message.KindCreateReport, recipient: message.ReportWorker, stage: StageReportGeneration},
	StageReportGeneration: {kind: message.KindDashboardReady, recipient: message.DashboardWorker, stage: StageDashboardReady},
}

// HandleRawData completes DataFetch and forwards the payload as NORMALIZE_DATA.
func (c *Coordinator) HandleRawData(_ context.Context, msg message.Message) (*message.Message, error) {
	return c.advance(msg, StageDataFetch), nil
}

// HandleCleanData completes Normalization and forwards GENERATE_INSIGHTS.
func (c *Coordinator) HandleCleanData(_ context.Context, msg message.Message) (*message.Message, error) {
	return c.advance(msg, StageNormalization), nil
}

// HandleInsights completes RagProcessing and forwards CREATE_REPORT.
func (c *Coordinator) HandleInsights(_ context.Context, msg message.Message) (*message.Message, error) {
	return c.advance(msg, StageRAGProcessing), nil
}

// HandleReportReady completes both ReportGeneration and DashboardReady and
// forwards DASHBOARD_READY to the dashboard worker without awaiting a reply.
func (c *Coordinator) HandleReportReady(_ context.Context, msg message.Message) (*message.Message, error) {
	return c.advance(msg, StageReportGeneration), nil
}

// advance records stage's result for the pipeline named by msg's correlation
// id, signals the waiting execution goroutine and sends the next stage's
// message. Messages for unknown or finished pipelines, duplicates and
// out-of-order completions are dropped and yield nil.
func (c *Coordinator) advance(msg message.Message, stage Stage) *message.Message {
	id, ok := msg.PipelineID()
	if !ok {
		log.Debug(log.CatCoord, "dropping message without correlation id", "kind", msg.Kind, "from", msg.Metadata.Sender)
		return nil
	}
	next := routes[stage]
	now := c.cfg.Clock.Now()

	c.mu.Lock()
	p, ok := c.active[id]
	if !ok {
		c.mu.Unlock()
		log.Debug(log.CatCoord, "dropping message for inactive pipeline", "kind", msg.Kind, "pipeline", id)
		return nil
	}
	if p.StageComplete(stage) {
		c.mu.Unlock()
		log.Warn(log.CatCoord, "duplicate stage completion ignored", "pipeline", id, "stage", stage)
		return nil
	}
	if prev := stage.previous(); prev != "" && !p.StageComplete(prev) {
		c.mu.Unlock()
		log.Warn(log.CatCoord, "out-of-order stage completion ignored", "pipeline", id, "stage", stage, "waiting_for", prev)
		return nil
	}

	var took time.Duration
	if started, ok := p.StageStartTimes[stage]; ok {
		took = now.Sub(started)
	}
	p.StageCompletionTimes[stage] = now
	storeResult(&p.Results, stage, msg.Payload)

	if _, ok := p.StageStartTimes[next.stage]; !ok {
		p.StageStartTimes[next.stage] = now
	}
	if stageIndex(next.stage) > stageIndex(p.CurrentStage) {
		p.CurrentStage = next.stage
	}

	completed := []Stage{stage}
	if stage == StageReportGeneration {
		p.StageCompletionTimes[StageDashboardReady] = now
		completed = append(completed, StageDashboardReady)
	}
	run := c.runs[id]
	for _, s := range completed {
		run.fireLocked(s)
	}
	c.mu.Unlock()

	c.cfg.Metrics.StageCompleted(string(stage), took.Seconds())
	for _, s := range completed {
		c.emit(Event{Type: EventStageCompleted, PipelineID: id, Stage: s, Status: StatusRunning, Timestamp: now})
	}
	log.Info(log.CatCoord, "stage completed", "pipeline", id, "stage", stage, "next", next.stage)

	corr := message.Correlation{PipelineID: id, Stage: string(next.stage)}
	out := message.New(next.kind, message.Coordinator, next.recipient, msg.Payload,
		message.WithCorrelation(corr.String()))
	if !c.Send(out) {
		if stage == StageReportGeneration {
			log.Error(log.CatCoord, "dashboard notification not sent", "pipeline", id)
			return &out
		}
		c.finalize(id, StatusFailed, fmt.Sprintf("failed to send %s to %s", next.kind, next.recipient))
	}
	return &out
}

func storeResult(r *Results, stage Stage, payload message.Payload) {
	switch stage {
	case StageDataFetch:
		r.DataFetch = payload
	case StageNormalization:
		r.Normalization = payload
	case StageRAGProcessing:
		r.Insights = payload
	case StageReportGeneration:
		r.Report = payload
	}
}

// HandleTaskFailed fails the pipeline named by msg's correlation id at once,
// with the payload's error text.
func (c *Coordinator) HandleTaskFailed(_ context.Context, msg message.Message) (*message.Message, error) {
	errText := msg.Payload.ErrorText()
	if errText == "" {
		errText = "Unknown error"
	}
	if id, ok := msg.PipelineID(); ok && c.finalize(id, StatusFailed, errText) {
		log.Debug(log.CatCoord, "pipeline failed by worker report", "pipeline", id, "from", msg.Metadata.Sender)
	}
	log.Error(log.CatCoord, "task failed", "from", msg.Metadata.Sender, "error", errText)
	return nil, nil
}

// HandleTaskCompleted only logs; stage progress is driven by data messages.
func (c *Coordinator) HandleTaskCompleted(_ context.Context, msg message.Message) (*message.Message, error) {
	log.Debug(log.CatCoord, "task completed", "from", msg.Metadata.Sender)
	return nil, nil
}

// HandleHeartbeat records the sender's reported status.
func (c *Coordinator) HandleHeartbeat(_ context.Context, msg message.Message) (*message.Message, error) {
	var hb message.Heartbeat
	if err := msg.DecodePayload(&hb); err != nil {
		return nil, err
	}
	if hb.WorkerID == "" {
		hb.WorkerID = msg.Metadata.Sender
	}

	c.mu.Lock()
	c.workers[hb.WorkerID] = WorkerStatus{
		WorkerID:        hb.WorkerID,
		Status:          hb.Status,
		ActiveTaskCount: hb.ActiveTaskCount,
		LastSeen:        c.cfg.Clock.Now(),
	}
	c.mu.Unlock()

	log.Debug(log.CatCoord, "heartbeat", "worker", hb.WorkerID, "status", hb.Status, "active", hb.ActiveTaskCount)
	return nil, nil
}
