package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrPipelineID     = "pipeline.id"
	AttrPipelineStatus = "pipeline.status"
	AttrPipelineTables = "pipeline.tables"
	AttrDateStart      = "pipeline.date_range.start"
	AttrDateEnd        = "pipeline.date_range.end"
	AttrStage          = "pipeline.stage"
	AttrMessageKind    = "message.kind"
	AttrMessageID      = "message.id"
	AttrRecipient      = "message.recipient"
	AttrErrorMessage   = "error.message"
)

// Span names.
const (
	SpanPipeline    = "pipeline.run"
	SpanStagePrefix = "pipeline.stage."
)

// Event names.
const (
	EventMessageSent    = "message.sent"
	EventMessageDropped = "message.send_failed"
	EventStageCompleted = "stage.completed"
	EventPipelineCancel = "pipeline.cancelled"
)

// StartPipeline opens the root span for one pipeline run.
func StartPipeline(ctx context.Context, tracer trace.Tracer, pipelineID string, tables []string, start, end string) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanPipeline,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrPipelineID, pipelineID),
			attribute.StringSlice(AttrPipelineTables, tables),
			attribute.String(AttrDateStart, start),
			attribute.String(AttrDateEnd, end),
		),
	)
}

// StartStage opens a child span for one stage.
func StartStage(ctx context.Context, tracer trace.Tracer, pipelineID, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanStagePrefix+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrPipelineID, pipelineID),
			attribute.String(AttrStage, stage),
		),
	)
}

// MessageSent records an outgoing message on span.
func MessageSent(span trace.Span, kind, id, recipient string, ok bool) {
	name := EventMessageSent
	if !ok {
		name = EventMessageDropped
	}
	span.AddEvent(name, trace.WithAttributes(
		attribute.String(AttrMessageKind, kind),
		attribute.String(AttrMessageID, id),
		attribute.String(AttrRecipient, recipient),
	))
}

// End closes span with an OK status, or an error status carrying errMsg.
func End(span trace.Span, status, errMsg string) {
	if status != "" {
		span.SetAttributes(attribute.String(AttrPipelineStatus, status))
	}
	if errMsg != "" {
		span.SetAttributes(attribute.String(AttrErrorMessage, errMsg))
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
