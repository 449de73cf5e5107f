package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.False(t, cfg.Enabled, "tracing should be disabled by default")
	require.Equal(t, ExporterFile, cfg.Exporter)
	require.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	require.Equal(t, 1.0, cfg.SampleRate)
	require.Equal(t, "report-agent", cfg.ServiceName)
}

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	require.False(t, provider.Enabled())

	_, span := provider.Tracer().Start(context.Background(), "noop")
	span.End()
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestProvider_NilSafe(t *testing.T) {
	var p *Provider
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_FileExporter(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	provider, err := NewProvider(Config{
		Enabled:    true,
		Exporter:   ExporterFile,
		FilePath:   tracePath,
		SampleRate: 1.0,
	})
	require.NoError(t, err)
	require.True(t, provider.Enabled())

	_, span := provider.Tracer().Start(context.Background(), "test-span")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	require.Contains(t, string(data), `"name":"test-span"`)
}

func TestNewProvider_NoExporter(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: true, Exporter: ExporterNone})
	require.NoError(t, err)
	require.True(t, provider.Enabled())
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProvider_Errors(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: ExporterFile})
	require.ErrorContains(t, err, "file_path required")

	_, err = NewProvider(Config{Enabled: true, Exporter: "jaeger"})
	require.ErrorContains(t, err, "unsupported exporter type")
}
