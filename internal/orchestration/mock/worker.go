package mock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/log"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/worker"
)

// ErrSimulated is the cause of every failure produced by a failing role.
var ErrSimulated = errors.New("simulated failure")

// Role describes what a simulated worker accepts and answers.
type Role struct {
	ID      string
	Accepts message.Kind
	// Replies is empty for roles that only acknowledge.
	Replies message.Kind
	Sample  func(in message.Payload, now time.Time) message.Payload
}

// Roles returns the five pipeline roles in stage order.
func Roles() []Role {
	return []Role{
		{ID: message.DataFetchWorker, Accepts: message.KindFetchData, Replies: message.KindRawData, Sample: sampleRawData},
		{ID: message.NormalizeWorker, Accepts: message.KindNormalizeData, Replies: message.KindCleanData, Sample: sampleCleanData},
		{ID: message.RAGWorker, Accepts: message.KindGenerateInsights, Replies: message.KindInsights, Sample: sampleInsights},
		{ID: message.ReportWorker, Accepts: message.KindCreateReport, Replies: message.KindReportReady, Sample: sampleReportReady},
		{ID: message.DashboardWorker, Accepts: message.KindDashboardReady},
	}
}

// Options tune simulated workers.
type Options struct {
	// Delay is how long each role "works" before replying.
	Delay time.Duration

	// FailRole names a role whose handler always fails.
	FailRole string

	// Base overrides worker settings other than ID. Zero uses worker.DefaultConfig.
	Base *worker.Config
}

// Worker is a simulated pipeline participant.
type Worker struct {
	*worker.Base

	role    Role
	delay   time.Duration
	fail    bool
	handled atomic.Int64
	replied atomic.Int64
}

// NewWorkers builds one Worker per role.
func NewWorkers(sender worker.Sender, opts Options) []*Worker {
	roles := Roles()
	out := make([]*Worker, 0, len(roles))
	for _, r := range roles {
		out = append(out, New(r, sender, opts))
	}
	return out
}

// New builds a Worker for role.
func New(role Role, sender worker.Sender, opts Options) *Worker {
	cfg := worker.DefaultConfig(role.ID)
	if opts.Base != nil {
		cfg = *opts.Base
		cfg.ID = role.ID
	}
	w := &Worker{
		Base:  worker.New(cfg, sender),
		role:  role,
		delay: opts.Delay,
		fail:  opts.FailRole == role.ID,
	}
	w.RegisterHandler(role.Accepts, w.handle)
	return w
}

// Role returns the role the worker plays.
func (w *Worker) Role() Role { return w.role }

// Handled is the number of control messages the handler has been invoked
// for, counting retries.
func (w *Worker) Handled() int64 { return w.handled.Load() }

// Replied is the number of data messages sent back.
func (w *Worker) Replied() int64 { return w.replied.Load() }

func (w *Worker) handle(ctx context.Context, msg message.Message) (*message.Message, error) {
	w.handled.Add(1)
	corr, _ := msg.Correlation()

	w.SendStatus(message.KindTaskStarted, msg.Metadata.ID, "started", 0, string(msg.Kind), corr)

	if w.delay > 0 {
		t := time.NewTimer(w.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if w.fail {
		return nil, fmt.Errorf("%s: %w", w.role.ID, ErrSimulated)
	}

	if w.role.Replies == "" {
		log.Info(log.CatWorker, "dashboard notified", "worker", w.role.ID, "correlation", corr)
		w.SendStatus(message.KindTaskCompleted, msg.Metadata.ID, "completed", 1, "", corr)
		return nil, nil
	}

	var opts []message.Option
	if corr != "" {
		opts = append(opts, message.WithCorrelation(corr))
	}
	out := message.New(w.role.Replies, w.role.ID, message.Coordinator, w.role.Sample(msg.Payload, time.Now().UTC()), opts...)
	if !w.Send(out) {
		return nil, fmt.Errorf("%s: send %s rejected", w.role.ID, out.Kind)
	}
	w.replied.Add(1)
	w.SendStatus(message.KindTaskCompleted, msg.Metadata.ID, "completed", 1, "", corr)
	return &out, nil
}

func sampleRawData(in message.Payload, now time.Time) message.Payload {
	return message.MustPayload(message.RawData{
		Returns: []map[string]any{
			{"return_id": "R-1001", "product_id": "P-1", "reason": "damaged on arrival", "store": "north"},
			{"return_id": "R-1002", "product_id": "P-2", "reason": "wrong size", "store": "south"},
		},
		Warranties: []map[string]any{
			{"claim_id": "W-501", "product_id": "P-1", "issue": "battery failure"},
		},
		Products: []map[string]any{
			{"product_id": "P-1", "name": "Cordless Drill", "category": "tools"},
			{"product_id": "P-2", "name": "Work Boots", "category": "apparel"},
		},
		Metadata: map[string]any{
			"fetched_at": now.Format(time.RFC3339),
			"request":    map[string]any(in),
		},
	})
}

func sampleCleanData(in message.Payload, _ time.Time) message.Payload {
	return message.MustPayload(message.CleanData{
		StructuredData:  map[string]any{"returns": in["returns"], "warranties": in["warranties"], "products": in["products"]},
		EmbeddingsReady: true,
		SummaryStats:    map[string]any{"total_returns": 2, "total_warranties": 1},
	})
}

func sampleInsights(_ message.Payload, now time.Time) message.Payload {
	importance := 0.8
	return message.MustPayload(message.Insights{
		Insights: []message.Insight{
			{
				Text:       "Damaged-on-arrival returns concentrate in the tools category.",
				Confidence: 0.82,
				Citations:  []string{"R-1001", "W-501"},
				Category:   "returns",
				Importance: &importance,
			},
		},
		DataSummaries:      map[string]any{"categories": []string{"tools", "apparel"}},
		GenerationMetadata: map[string]any{"generated_at": now.Format(time.RFC3339)},
	})
}

func sampleReportReady(_ message.Payload, now time.Time) message.Payload {
	return message.MustPayload(message.ReportReady{
		Reports: []message.Report{
			{
				FilePath:   fmt.Sprintf("reports/returns_%s.xlsx", now.Format("20060102_150405")),
				ReportType: "returns_analysis",
				CreatedAt:  now.Format(time.RFC3339),
				SizeBytes:  20480,
				Worksheets: []string{"Summary", "Returns", "Warranties"},
			},
		},
		GenerationMetadata: map[string]any{"generated_at": now.Format(time.RFC3339)},
		SummaryStats:       map[string]any{"insight_count": 1},
	})
}
