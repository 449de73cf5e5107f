package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
)

var (
	// ErrCapacityExceeded is returned by StartPipeline when the number of
	// active pipelines has reached MaxConcurrent.
	ErrCapacityExceeded = errors.New("maximum concurrent pipelines reached")

	// ErrPipelineNotFound is returned by queries for an unknown pipeline id.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrPipelineTerminated is returned by a stage wait that observed the
	// pipeline leave the active set (cancelled, failed, or shut down).
	ErrPipelineTerminated = errors.New("pipeline terminated")
)

// StageTimeoutError reports a stage that did not complete within its timeout.
type StageTimeoutError struct {
	Stage   Stage
	Elapsed time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s timeout after %.0f seconds", e.Stage, e.Elapsed.Seconds())
}

// Status represents the lifecycle state of a pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions defines the allowed status transitions for pipelines.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	// Terminal states have no valid transitions
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true for Completed, Failed and Cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", fmt.Errorf("unknown pipeline status %q", s)
	}
	return st, nil
}

// Stage is one phase of a pipeline.
type Stage string

const (
	StageInit             Stage = "initialization"
	StageDataFetch        Stage = "data_fetch"
	StageNormalization    Stage = "normalization"
	StageRAGProcessing    Stage = "rag_processing"
	StageReportGeneration Stage = "report_generation"
	StageDashboardReady   Stage = "dashboard_ready"
	StageCleanup          Stage = "cleanup"
)

// Stages lists every stage in pipeline order.
func Stages() []Stage {
	return []Stage{
		StageInit,
		StageDataFetch,
		StageNormalization,
		StageRAGProcessing,
		StageReportGeneration,
		StageDashboardReady,
		StageCleanup,
	}
}

// workStages are the stages a pipeline executes, in order.
var workStages = []Stage{
	StageDataFetch,
	StageNormalization,
	StageRAGProcessing,
	StageReportGeneration,
	StageDashboardReady,
}

// previous returns the work stage that must complete before s, or "" for
// the first one.
func (s Stage) previous() Stage {
	for i, st := range workStages {
		if st == s && i > 0 {
			return workStages[i-1]
		}
	}
	return ""
}

// Results holds the payload each stage produced.
type Results struct {
	DataFetch     message.Payload `json:"data_fetch,omitempty"`
	Normalization message.Payload `json:"normalization,omitempty"`
	Insights      message.Payload `json:"insights,omitempty"`
	Report        message.Payload `json:"report,omitempty"`
}

// Pipeline is one pipeline instance. It is owned by the Coordinator; callers
// only ever see copies.
type Pipeline struct {
	ID                   string
	Status               Status
	CurrentStage         Stage
	StartedAt            time.Time
	CompletedAt          *time.Time
	ErrorMessage         string
	DateRange            message.DateRange
	Tables               []string
	Filters              map[string][]string
	StageStartTimes      map[Stage]time.Time
	StageCompletionTimes map[Stage]time.Time
	RetryCounts          map[Stage]int
	Results              Results
}

func (p *Pipeline) clone() Pipeline {
	cp := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Tables = append([]string(nil), p.Tables...)
	cp.Filters = make(map[string][]string, len(p.Filters))
	for k, v := range p.Filters {
		cp.Filters[k] = append([]string(nil), v...)
	}
	cp.StageStartTimes = make(map[Stage]time.Time, len(p.StageStartTimes))
	for k, v := range p.StageStartTimes {
		cp.StageStartTimes[k] = v
	}
	cp.StageCompletionTimes = make(map[Stage]time.Time, len(p.StageCompletionTimes))
	for k, v := range p.StageCompletionTimes {
		cp.StageCompletionTimes[k] = v
	}
	cp.RetryCounts = make(map[Stage]int, len(p.RetryCounts))
	for k, v := range p.RetryCounts {
		cp.RetryCounts[k] = v
	}
	return cp
}

// StageComplete reports whether s has a completion time.
func (p *Pipeline) StageComplete(s Stage) bool {
	_, ok := p.StageCompletionTimes[s]
	return ok
}

// snapshot summarises p as of now.
func (p *Pipeline) snapshot(now time.Time) Snapshot {
	end := now
	var completed *time.Time
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		completed = &t
		end = t
	}
	progress := make(map[Stage]bool, len(Stages()))
	for _, s := range Stages() {
		progress[s] = p.StageComplete(s)
	}
	var retries map[Stage]int
	if len(p.RetryCounts) > 0 {
		retries = make(map[Stage]int, len(p.RetryCounts))
		for k, v := range p.RetryCounts {
			retries[k] = v
		}
	}
	return Snapshot{
		ID:             p.ID,
		Status:         p.Status,
		CurrentStage:   p.CurrentStage,
		StartedAt:      p.StartedAt,
		CompletedAt:    completed,
		ErrorMessage:   p.ErrorMessage,
		ElapsedSeconds: end.Sub(p.StartedAt).Seconds(),
		StageProgress:  progress,
		DateRange:      p.DateRange,
		Tables:         append([]string(nil), p.Tables...),
		RetryCounts:    retries,
	}
}

// Snapshot is the externally visible status of a pipeline.
type Snapshot struct {
	ID             string            `json:"pipeline_id"`
	Status         Status            `json:"status"`
	CurrentStage   Stage             `json:"current_stage"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	ElapsedSeconds float64           `json:"execution_time_seconds"`
	StageProgress  map[Stage]bool    `json:"stage_progress"`
	DateRange      message.DateRange `json:"date_range"`
	Tables         []string          `json:"tables"`
	RetryCounts    map[Stage]int     `json:"retry_counts,omitempty"`
}

// Stats aggregates finalized pipeline outcomes.
type Stats struct {
	TotalPipelines          int                     `json:"total_pipelines"`
	SuccessfulPipelines     int                     `json:"successful_pipelines"`
	FailedPipelines         int                     `json:"failed_pipelines"`
	CancelledPipelines      int                     `json:"cancelled_pipelines"`
	SuccessRate             float64                 `json:"success_rate"`
	AverageExecutionSeconds float64                 `json:"average_execution_time_seconds"`
	ActivePipelines         int                     `json:"active_pipelines"`
	MaxConcurrent           int                     `json:"max_concurrent_pipelines"`
	WorkerStatuses          map[string]WorkerStatus `json:"agent_status"`
}

// WorkerStatus is the last heartbeat seen from a worker.
type WorkerStatus struct {
	WorkerID        string    `json:"worker_id"`
	Status          string    `json:"status"`
	ActiveTaskCount int       `json:"active_task_count"`
	LastSeen        time.Time `json:"last_seen"`
}

// Request describes a pipeline to start. Zero fields take defaults.
type Request struct {
	DateRange *message.DateRange
	Tables    []string
	Filters   map[string][]string
}
