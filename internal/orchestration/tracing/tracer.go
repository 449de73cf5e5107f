// Package tracing wires OpenTelemetry into the coordinator. Each pipeline gets
// a root span and each stage a child span, exported to a JSONL file, stdout
// or an OTLP collector.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/MOMOJMOGG/report-agent/internal/log"
)

// Exporter names accepted by Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterFile   = "file"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const defaultServiceName = "report-agent"

// Config configures the tracing subsystem.
type Config struct {
	// Enabled controls whether tracing is active.
	// When false, a no-op tracer is returned.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the export backend: none, file, stdout or otlp.
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the file exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the otlp exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate is the fraction of pipelines traced, in (0, 1].
	SampleRate float64 `mapstructure:"sample_rate"`

	ServiceName string `mapstructure:"service_name"`
}

// DefaultConfig returns tracing disabled with file export prepared.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		Exporter:     ExporterFile,
		FilePath:     "",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1.0,
		ServiceName:  defaultServiceName,
	}
}

// Provider manages the OpenTelemetry tracer provider.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
}

// Noop returns a disabled provider.
func Noop() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer("noop")}
}

// NewProvider creates and configures the trace provider.
// If tracing is disabled in the config, a no-op provider is returned.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	// Schemaless avoids schema version conflicts with resource.Default()
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	log.Info(log.CatTrace, "tracing enabled", "exporter", cfg.Exporter, "service", serviceName, "sample_rate", sampleRate)

	return &Provider{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		enabled:  true,
	}, nil
}

func newExporter(cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterFile:
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file_path required for file exporter")
		}
		exp, err := NewFileExporter(cfg.FilePath)
		if err != nil {
			return nil, fmt.Errorf("create file exporter: %w", err)
		}
		return exp, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLP:
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exp, err := otlptracegrpc.New(
			context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		return exp, nil
	case ExporterNone, "":
		// Spans are still created so ids show up in logs.
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}
}

// Tracer returns the configured tracer. It is a no-op tracer when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return noop.NewTracerProvider().Tracer("noop")
	}
	return p.tracer
}

// Enabled returns whether tracing is enabled.
func (p *Provider) Enabled() bool {
	return p != nil && p.enabled
}

// Shutdown flushes pending spans and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p != nil && p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}
