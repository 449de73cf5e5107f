package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func readRecords(t *testing.T, path string) []SpanRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []SpanRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	return out
}

func TestNewFileExporter_CreatesParentDirectories(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "nested", "dir", "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	_, err = os.Stat(tracePath)
	require.NoError(t, err)
	require.NoError(t, exporter.Shutdown(context.Background()))
}

func TestFileExporter_LiftsPipelineAttributes(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")
	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	now := time.Now()
	stub := tracetest.SpanStub{
		Name:      SpanStagePrefix + "data_fetch",
		StartTime: now,
		EndTime:   now.Add(250 * time.Millisecond),
		Status:    sdktrace.Status{Code: codes.Error, Description: "stage timeout"},
		Attributes: []attribute.KeyValue{
			attribute.String(AttrPipelineID, "p-1"),
			attribute.String(AttrStage, "data_fetch"),
		},
		Events: []sdktrace.Event{{
			Name:       EventMessageSent,
			Time:       now,
			Attributes: []attribute.KeyValue{attribute.String(AttrMessageKind, "FETCH_DATA")},
		}},
	}
	require.NoError(t, exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exporter.Shutdown(context.Background()))

	recs := readRecords(t, tracePath)
	require.Len(t, recs, 1)
	rec := recs[0]
	require.Equal(t, "p-1", rec.PipelineID)
	require.Equal(t, "data_fetch", rec.Stage)
	require.Equal(t, "ERROR", rec.Status)
	require.Equal(t, "stage timeout", rec.StatusMsg)
	require.InDelta(t, 250.0, rec.DurationMs, 0.001)
	require.Len(t, rec.Events, 1)
	require.Equal(t, "FETCH_DATA", rec.Events[0].Attributes[AttrMessageKind])
}

func TestFileExporter_EmptyBatchAndShutdown(t *testing.T) {
	exporter, err := NewFileExporter(filepath.Join(t.TempDir(), "t.jsonl"))
	require.NoError(t, err)

	require.NoError(t, exporter.ExportSpans(context.Background(), nil))
	require.NoError(t, exporter.Shutdown(context.Background()))
	require.NoError(t, exporter.Shutdown(context.Background()))

	stub := tracetest.SpanStub{Name: "late"}
	require.Error(t, exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
}

func TestSpans_HelpersRecordToFile(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")
	provider, err := NewProvider(Config{Enabled: true, Exporter: ExporterFile, FilePath: tracePath})
	require.NoError(t, err)

	tracer := provider.Tracer()
	ctx, root := StartPipeline(context.Background(), tracer, "p-9", []string{"returns"}, "2025-01-01", "2025-03-31")
	_, stage := StartStage(ctx, tracer, "p-9", "normalization")
	MessageSent(stage, "NORMALIZE_DATA", "m-1", "normalization", true)
	End(stage, "", "")
	End(root, "failed", "boom")
	require.NoError(t, provider.Shutdown(context.Background()))

	recs := readRecords(t, tracePath)
	require.Len(t, recs, 2)
	byName := map[string]SpanRecord{}
	for _, r := range recs {
		byName[r.Name] = r
	}
	require.Equal(t, "OK", byName[SpanStagePrefix+"normalization"].Status)
	require.Equal(t, byName[SpanPipeline].SpanID, byName[SpanStagePrefix+"normalization"].ParentSpanID)
	require.Equal(t, "ERROR", byName[SpanPipeline].Status)
	require.Equal(t, "failed", byName[SpanPipeline].Attributes[AttrPipelineStatus])
}
