package testutil

import (
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
)

// PipelineOption configures a seeded pipeline.
type PipelineOption func(*coordinator.Snapshot)

// baseTime anchors seeded pipelines so ordering is deterministic.
var baseTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// defaultPipeline is a completed run over the default tables.
func defaultPipeline(id string) coordinator.Snapshot {
	completed := baseTime.Add(2 * time.Minute)
	progress := make(map[coordinator.Stage]bool, len(coordinator.Stages()))
	for _, s := range coordinator.Stages() {
		progress[s] = true
	}
	return coordinator.Snapshot{
		ID:             id,
		Status:         coordinator.StatusCompleted,
		CurrentStage:   coordinator.StageCleanup,
		StartedAt:      baseTime,
		CompletedAt:    &completed,
		ElapsedSeconds: 120,
		StageProgress:  progress,
		DateRange:      message.DateRange{Start: "2025-03-17", End: "2025-06-15"},
		Tables:         append([]string(nil), coordinator.DefaultTables...),
	}
}

// Failed marks the pipeline failed at stage with errMsg. Stages from stage
// onward are left incomplete.
func Failed(stage coordinator.Stage, errMsg string) PipelineOption {
	return func(s *coordinator.Snapshot) {
		s.Status = coordinator.StatusFailed
		s.ErrorMessage = errMsg
		s.CurrentStage = stage
		reached := false
		for _, st := range coordinator.Stages() {
			if st == stage {
				reached = true
			}
			if reached {
				s.StageProgress[st] = false
			}
		}
	}
}

// Cancelled marks the pipeline cancelled with reason before any stage ran.
func Cancelled(reason string) PipelineOption {
	return func(s *coordinator.Snapshot) {
		s.Status = coordinator.StatusCancelled
		s.ErrorMessage = reason
		s.CurrentStage = coordinator.StageInit
		for st := range s.StageProgress {
			s.StageProgress[st] = st == coordinator.StageInit
		}
	}
}

// StartedAt sets the start time; the completion time keeps its offset.
func StartedAt(t time.Time) PipelineOption {
	return func(s *coordinator.Snapshot) {
		if s.CompletedAt != nil {
			done := t.Add(time.Duration(s.ElapsedSeconds * float64(time.Second)))
			s.CompletedAt = &done
		}
		s.StartedAt = t
	}
}

// Tables sets the requested tables.
func Tables(tables ...string) PipelineOption {
	return func(s *coordinator.Snapshot) {
		s.Tables = tables
	}
}

// Retries records dispatch retries for stage.
func Retries(stage coordinator.Stage, n int) PipelineOption {
	return func(s *coordinator.Snapshot) {
		if s.RetryCounts == nil {
			s.RetryCounts = map[coordinator.Stage]int{}
		}
		s.RetryCounts[stage] = n
	}
}
