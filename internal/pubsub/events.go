// Package pubsub provides a generic in-process publish/subscribe feed.
// The logger uses it to fan out log lines and the coordinator uses it to
// announce pipeline lifecycle events.
package pubsub

import "time"

// EventType classifies a published event.
type EventType string

const (
	// Appended marks an entry added to a stream, such as a log line.
	Appended EventType = "appended"
	// Opened marks the first event about a subject.
	Opened EventType = "opened"
	// Changed marks any later state change of a subject.
	Changed EventType = "changed"
)

// Event wraps a payload with its type and publish time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
