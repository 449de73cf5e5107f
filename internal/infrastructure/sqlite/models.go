package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
)

// PipelineModel is one row of the pipelines table. Times are Unix
// milliseconds.
type PipelineModel struct {
	ID               string
	Status           string
	CurrentStage     string
	StartedAt        int64
	CompletedAt      *int64 // nullable
	ErrorMessage     string
	ExecutionSeconds float64
	DateStart        string
	DateEnd          string
	Tables           string // JSON array
	StageProgress    string // JSON object
	RetryCounts      string // JSON object
	ArchivedAt       int64
}

func toPipelineModel(s coordinator.Snapshot, archivedAt time.Time) (*PipelineModel, error) {
	tables := s.Tables
	if tables == nil {
		tables = []string{}
	}
	tablesJSON, err := json.Marshal(tables)
	if err != nil {
		return nil, fmt.Errorf("encoding tables: %w", err)
	}
	progressJSON, err := json.Marshal(s.StageProgress)
	if err != nil {
		return nil, fmt.Errorf("encoding stage progress: %w", err)
	}
	retries := s.RetryCounts
	if retries == nil {
		retries = map[coordinator.Stage]int{}
	}
	retriesJSON, err := json.Marshal(retries)
	if err != nil {
		return nil, fmt.Errorf("encoding retry counts: %w", err)
	}

	m := &PipelineModel{
		ID:               s.ID,
		Status:           string(s.Status),
		CurrentStage:     string(s.CurrentStage),
		StartedAt:        s.StartedAt.UnixMilli(),
		ErrorMessage:     s.ErrorMessage,
		ExecutionSeconds: s.ElapsedSeconds,
		DateStart:        s.DateRange.Start,
		DateEnd:          s.DateRange.End,
		Tables:           string(tablesJSON),
		StageProgress:    string(progressJSON),
		RetryCounts:      string(retriesJSON),
		ArchivedAt:       archivedAt.UnixMilli(),
	}
	if s.CompletedAt != nil {
		completedAt := s.CompletedAt.UnixMilli()
		m.CompletedAt = &completedAt
	}
	return m, nil
}

func (m *PipelineModel) toSnapshot() (coordinator.Snapshot, error) {
	s := coordinator.Snapshot{
		ID:             m.ID,
		Status:         coordinator.Status(m.Status),
		CurrentStage:   coordinator.Stage(m.CurrentStage),
		StartedAt:      time.UnixMilli(m.StartedAt).UTC(),
		ErrorMessage:   m.ErrorMessage,
		ElapsedSeconds: m.ExecutionSeconds,
		DateRange:      message.DateRange{Start: m.DateStart, End: m.DateEnd},
	}
	if m.CompletedAt != nil {
		t := time.UnixMilli(*m.CompletedAt).UTC()
		s.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(m.Tables), &s.Tables); err != nil {
		return s, fmt.Errorf("decoding tables of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(m.StageProgress), &s.StageProgress); err != nil {
		return s, fmt.Errorf("decoding stage progress of %s: %w", m.ID, err)
	}
	var retries map[coordinator.Stage]int
	if err := json.Unmarshal([]byte(m.RetryCounts), &retries); err != nil {
		return s, fmt.Errorf("decoding retry counts of %s: %w", m.ID, err)
	}
	if len(retries) > 0 {
		s.RetryCounts = retries
	}
	return s, nil
}
