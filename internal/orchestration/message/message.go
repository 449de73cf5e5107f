// Package message defines the envelope exchanged between the coordinator and
// pipeline workers, the closed set of message kinds, and the payload shapes
// each kind carries.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a message asks for or reports.
type Kind string

// Control kinds, issued by the coordinator.
const (
	KindFetchData        Kind = "FETCH_DATA"
	KindNormalizeData    Kind = "NORMALIZE_DATA"
	KindGenerateInsights Kind = "GENERATE_INSIGHTS"
	KindCreateReport     Kind = "CREATE_REPORT"
	KindCreateDashboard  Kind = "CREATE_DASHBOARD"
)

// Data kinds, issued by workers.
const (
	KindRawData        Kind = "RAW_DATA"
	KindCleanData      Kind = "CLEAN_DATA"
	KindInsights       Kind = "INSIGHTS"
	KindReportReady    Kind = "REPORT_READY"
	KindDashboardReady Kind = "DASHBOARD_READY"
)

// Status kinds.
const (
	KindTaskStarted   Kind = "TASK_STARTED"
	KindTaskCompleted Kind = "TASK_COMPLETED"
	KindTaskFailed    Kind = "TASK_FAILED"
	KindHeartbeat     Kind = "HEARTBEAT"
)

var allKinds = []Kind{
	KindFetchData, KindNormalizeData, KindGenerateInsights, KindCreateReport, KindCreateDashboard,
	KindRawData, KindCleanData, KindInsights, KindReportReady, KindDashboardReady,
	KindTaskStarted, KindTaskCompleted, KindTaskFailed, KindHeartbeat,
}

// Kinds returns every valid kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// IsValid reports whether k is one of the known kinds.
func (k Kind) IsValid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsControl reports whether k is a coordinator-issued control kind.
func (k Kind) IsControl() bool {
	switch k {
	case KindFetchData, KindNormalizeData, KindGenerateInsights, KindCreateReport, KindCreateDashboard:
		return true
	}
	return false
}

// IsStatus reports whether k is a task status or heartbeat kind.
func (k Kind) IsStatus() bool {
	switch k {
	case KindTaskStarted, KindTaskCompleted, KindTaskFailed, KindHeartbeat:
		return true
	}
	return false
}

// Well-known worker identities.
const (
	Coordinator     = "coordinator"
	DataFetchWorker = "data_fetch"
	NormalizeWorker = "normalization"
	RAGWorker       = "rag"
	ReportWorker    = "report"
	DashboardWorker = "dashboard"
)

// PipelineWorkers lists the stage workers in pipeline order.
func PipelineWorkers() []string {
	return []string{DataFetchWorker, NormalizeWorker, RAGWorker, ReportWorker, DashboardWorker}
}

// Payload is the kind-specific body of a message.
type Payload map[string]any

// Metadata carries routing and bookkeeping fields. CorrelationID is nil when
// the message is not tied to a pipeline stage.
type Metadata struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID *string   `json:"correlationId"`
	RetryCount    int       `json:"retryCount"`
}

// Message is the envelope routed by the broker.
type Message struct {
	Kind     Kind     `json:"kind"`
	Metadata Metadata `json:"metadata"`
	Payload  Payload  `json:"payload"`
}

// ErrInvalidMessage is wrapped by every validation failure.
var ErrInvalidMessage = errors.New("invalid message")

// Option customizes a message built by New.
type Option func(*Message)

// WithCorrelation attaches a correlation id.
func WithCorrelation(id string) Option {
	return func(m *Message) {
		m.Metadata.CorrelationID = &id
	}
}

// WithTimestamp overrides the creation time.
func WithTimestamp(ts time.Time) Option {
	return func(m *Message) {
		m.Metadata.Timestamp = ts
	}
}

// WithRetryCount sets the retry counter.
func WithRetryCount(n int) Option {
	return func(m *Message) {
		m.Metadata.RetryCount = n
	}
}

// New builds a message with a fresh id and the current UTC time.
func New(kind Kind, sender, recipient string, payload Payload, opts ...Option) Message {
	m := Message{
		Kind: kind,
		Metadata: Metadata{
			ID:        uuid.NewString(),
			Sender:    sender,
			Recipient: recipient,
			Timestamp: time.Now().UTC(),
		},
		Payload: payload,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Correlation returns the raw correlation id and whether one is set.
func (m Message) Correlation() (string, bool) {
	if m.Metadata.CorrelationID == nil {
		return "", false
	}
	return *m.Metadata.CorrelationID, true
}

// Clone returns a copy whose metadata and top-level payload map are not
// shared with m. Nested payload values are shared.
func (m Message) Clone() Message {
	out := m
	if m.Metadata.CorrelationID != nil {
		id := *m.Metadata.CorrelationID
		out.Metadata.CorrelationID = &id
	}
	if m.Payload != nil {
		out.Payload = maps.Clone(m.Payload)
	}
	return out
}

// WithRecipient returns a clone addressed to recipient.
func (m Message) WithRecipient(recipient string) Message {
	out := m.Clone()
	out.Metadata.Recipient = recipient
	return out
}

// Validate checks that kind, metadata and payload are all present.
// An empty payload counts as missing.
func (m Message) Validate() error {
	switch {
	case m.Kind == "":
		return fmt.Errorf("%w: missing kind", ErrInvalidMessage)
	case !m.Kind.IsValid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	case m.Metadata.ID == "":
		return fmt.Errorf("%w: missing metadata id", ErrInvalidMessage)
	case m.Metadata.Recipient == "":
		return fmt.Errorf("%w: missing recipient", ErrInvalidMessage)
	case len(m.Payload) == 0:
		return fmt.Errorf("%w: missing payload", ErrInvalidMessage)
	}
	return nil
}

// Encode serializes m to its JSON wire shape.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses the JSON wire shape. The result is not validated.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
