package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// FileExporter writes finished spans as JSON lines, one span per line.
// It implements sdktrace.SpanExporter.
type FileExporter struct {
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

// NewFileExporter opens path for appending, creating parent directories.
func NewFileExporter(path string) (*FileExporter, error) {
	cleanPath := filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(cleanPath), 0750); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}

	file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600) // #nosec G304 -- path is cleaned above
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &FileExporter{file: file, enc: json.NewEncoder(file)}, nil
}

// ExportSpans appends spans to the file.
func (e *FileExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file == nil {
		return fmt.Errorf("trace file exporter is shut down")
	}
	for _, span := range spans {
		if err := e.enc.Encode(toRecord(span)); err != nil {
			return fmt.Errorf("encode span: %w", err)
		}
	}
	return nil
}

// Shutdown closes the file. Later exports fail.
func (e *FileExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}

// SpanRecord is one exported line. PipelineID and Stage are lifted out of
// the attributes so a run can be followed with a single jq filter.
type SpanRecord struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Name         string         `json:"name"`
	PipelineID   string         `json:"pipeline_id,omitempty"`
	Stage        string         `json:"stage,omitempty"`
	StartTime    string         `json:"start_time"`
	EndTime      string         `json:"end_time"`
	DurationMs   float64        `json:"duration_ms"`
	Status       string         `json:"status"`
	StatusMsg    string         `json:"status_message,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Events       []EventRecord  `json:"events,omitempty"`
}

// EventRecord is one span event.
type EventRecord struct {
	Name       string         `json:"name"`
	Timestamp  string         `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func toRecord(span sdktrace.ReadOnlySpan) SpanRecord {
	sc := span.SpanContext()
	rec := SpanRecord{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		Name:       span.Name(),
		StartTime:  span.StartTime().Format(time.RFC3339Nano),
		EndTime:    span.EndTime().Format(time.RFC3339Nano),
		DurationMs: float64(span.EndTime().Sub(span.StartTime()).Microseconds()) / 1000.0,
		Status:     statusString(span.Status().Code),
		StatusMsg:  span.Status().Description,
	}
	if span.Parent().IsValid() {
		rec.ParentSpanID = span.Parent().SpanID().String()
	}

	if attrs := span.Attributes(); len(attrs) > 0 {
		rec.Attributes = make(map[string]any, len(attrs))
		for _, kv := range attrs {
			rec.Attributes[string(kv.Key)] = kv.Value.AsInterface()
			switch string(kv.Key) {
			case AttrPipelineID:
				rec.PipelineID = kv.Value.AsString()
			case AttrStage:
				rec.Stage = kv.Value.AsString()
			}
		}
	}

	for _, evt := range span.Events() {
		er := EventRecord{Name: evt.Name, Timestamp: evt.Time.Format(time.RFC3339Nano)}
		if len(evt.Attributes) > 0 {
			er.Attributes = make(map[string]any, len(evt.Attributes))
			for _, kv := range evt.Attributes {
				er.Attributes[string(kv.Key)] = kv.Value.AsInterface()
			}
		}
		rec.Events = append(rec.Events, er)
	}
	return rec
}

func statusString(code codes.Code) string {
	switch code {
	case codes.Ok:
		return "OK"
	case codes.Error:
		return "ERROR"
	default:
		return "UNSET"
	}
}
