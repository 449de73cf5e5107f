package coordinator

import (
	"context"
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/pubsub"
)

// EventType identifies a pipeline lifecycle event.
type EventType string

const (
	EventPipelineCreated   EventType = "pipeline.created"
	EventPipelineStarted   EventType = "pipeline.started"
	EventStageStarted      EventType = "stage.started"
	EventStageCompleted    EventType = "stage.completed"
	EventPipelineCompleted EventType = "pipeline.completed"
	EventPipelineFailed    EventType = "pipeline.failed"
	EventPipelineCancelled EventType = "pipeline.cancelled"
)

// Event is published on every pipeline lifecycle change.
type Event struct {
	Type       EventType
	PipelineID string
	Stage      Stage
	Status     Status
	Error      string
	Timestamp  time.Time
}

// terminalEvent maps a terminal status to its event type.
func terminalEvent(s Status) EventType {
	switch s {
	case StatusCompleted:
		return EventPipelineCompleted
	case StatusCancelled:
		return EventPipelineCancelled
	default:
		return EventPipelineFailed
	}
}

// Subscribe returns a feed of lifecycle events, closed when ctx is done.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return c.events.Subscribe(ctx)
}

func (c *Coordinator) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.cfg.Clock.Now()
	}
	kind := pubsub.Changed
	if ev.Type == EventPipelineCreated {
		kind = pubsub.Opened
	}
	c.events.Publish(kind, ev)
}
