package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the wire format of DateRange bounds.
const DateLayout = "2006-01-02"

// DateRange is an inclusive calendar range.
type DateRange struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// NewDateRange formats start and end as calendar dates.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: start.Format(DateLayout), End: end.Format(DateLayout)}
}

// Validate checks both bounds parse and start is not after end.
func (r DateRange) Validate() error {
	start, err := time.Parse(DateLayout, r.Start)
	if err != nil {
		return fmt.Errorf("date range start: %w", err)
	}
	end, err := time.Parse(DateLayout, r.End)
	if err != nil {
		return fmt.Errorf("date range end: %w", err)
	}
	if start.After(end) {
		return fmt.Errorf("date range start %s is after end %s", r.Start, r.End)
	}
	return nil
}

// FetchRequest is the FETCH_DATA payload.
type FetchRequest struct {
	DateRange DateRange           `json:"dateRange"`
	Tables    []string            `json:"tables"`
	Filters   map[string][]string `json:"filters"`
}

// RawData is the RAW_DATA payload.
type RawData struct {
	Returns    []map[string]any `json:"returns"`
	Warranties []map[string]any `json:"warranties"`
	Products   []map[string]any `json:"products"`
	Metadata   map[string]any   `json:"metadata"`
}

// CleanData is the CLEAN_DATA payload.
type CleanData struct {
	StructuredData  map[string]any `json:"structuredData"`
	EmbeddingsReady bool           `json:"embeddingsReady"`
	SummaryStats    map[string]any `json:"summaryStats"`
}

// Insight is one generated finding.
type Insight struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Citations  []string `json:"citations"`
	Category   string   `json:"category"`
	Importance *float64 `json:"importance,omitempty"`
}

// Insights is the INSIGHTS payload.
type Insights struct {
	Insights           []Insight      `json:"insights"`
	DataSummaries      map[string]any `json:"dataSummaries"`
	GenerationMetadata map[string]any `json:"generationMetadata"`
}

// Report describes one generated report file.
type Report struct {
	FilePath   string   `json:"filePath"`
	ReportType string   `json:"reportType"`
	CreatedAt  string   `json:"createdAt"`
	SizeBytes  int64    `json:"sizeBytes"`
	Worksheets []string `json:"worksheets"`
}

// ReportReady is the REPORT_READY payload.
type ReportReady struct {
	Reports            []Report       `json:"reports"`
	GenerationMetadata map[string]any `json:"generationMetadata"`
	SummaryStats       map[string]any `json:"summaryStats"`
}

// TaskFailed is the TASK_FAILED payload. Extra fields are preserved in Details.
type TaskFailed struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// TaskStatus is the payload of TASK_STARTED and TASK_COMPLETED, and the
// status portion of TASK_FAILED sent by workers on their own initiative.
type TaskStatus struct {
	TaskID   string   `json:"taskId"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Heartbeat is the HEARTBEAT payload.
type Heartbeat struct {
	WorkerID        string    `json:"workerId"`
	Status          string    `json:"status"`
	ActiveTaskCount int       `json:"activeTaskCount"`
	Timestamp       time.Time `json:"timestamp"`
}

// Worker heartbeat statuses.
const (
	WorkerRunning = "running"
	WorkerIdle    = "idle"
)

// ToPayload converts a typed payload into the generic map form.
func ToPayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return p, nil
}

// MustPayload is ToPayload for values known to encode as a JSON object.
func MustPayload(v any) Payload {
	p, err := ToPayload(v)
	if err != nil {
		panic(err)
	}
	return p
}

// DecodePayload fills out from the message payload.
func (m Message) DecodePayload(out any) error {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", m.Kind, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// ErrorText returns the payload's "error" field, or "" when absent.
func (p Payload) ErrorText() string {
	if p == nil {
		return ""
	}
	switch v := p["error"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
