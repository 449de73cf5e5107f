package broker

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
)

// payloadSummaryLen is the number of characters of payload kept in a summary.
const payloadSummaryLen = 100

// history is a fixed-size ring of the most recent messages.
type history struct {
	mu    sync.Mutex
	buf   []message.Message
	next  int
	count int
}

func newHistory(limit int) *history {
	return &history{buf: make([]message.Message, limit)}
}

func (h *history) add(msg message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = msg
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// snapshot returns the retained messages oldest first.
func (h *history) snapshot() []message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]message.Message, 0, h.count)
	start := (h.next - h.count + len(h.buf)) % len(h.buf)
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

// HistoryFilter narrows History results. Zero values match everything.
type HistoryFilter struct {
	// Worker matches messages sent by or addressed to this worker.
	Worker string
	Kind   message.Kind
	// Limit caps the result to the most recent matches. Defaults to 100.
	Limit int
}

// HistorySummary is an audit view of one message.
type HistorySummary struct {
	ID             string       `json:"id"`
	Kind           message.Kind `json:"kind"`
	Sender         string       `json:"sender"`
	Recipient      string       `json:"recipient"`
	Timestamp      time.Time    `json:"timestamp"`
	CorrelationID  string       `json:"correlationId,omitempty"`
	PayloadSummary string       `json:"payloadSummary"`
}

// History returns the most recent matching messages, oldest first.
func (b *Broker) History(filter HistoryFilter) []HistorySummary {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var matched []message.Message
	for _, m := range b.history.snapshot() {
		if filter.Worker != "" && m.Metadata.Sender != filter.Worker && m.Metadata.Recipient != filter.Worker {
			continue
		}
		if filter.Kind != "" && m.Kind != filter.Kind {
			continue
		}
		matched = append(matched, m)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	out := make([]HistorySummary, len(matched))
	for i, m := range matched {
		corr, _ := m.Correlation()
		out[i] = HistorySummary{
			ID:             m.Metadata.ID,
			Kind:           m.Kind,
			Sender:         m.Metadata.Sender,
			Recipient:      m.Metadata.Recipient,
			Timestamp:      m.Metadata.Timestamp,
			CorrelationID:  corr,
			PayloadSummary: summarize(m.Payload),
		}
	}
	return out
}

func summarize(p message.Payload) string {
	data, err := json.Marshal(p)
	if err != nil {
		return "<unencodable payload>"
	}
	runes := []rune(string(data))
	if len(runes) > payloadSummaryLen {
		return string(runes[:payloadSummaryLen])
	}
	return string(runes)
}

// Stats is a point-in-time view of broker counters.
type Stats struct {
	MessagesSent         int64          `json:"messagesSent"`
	MessagesDelivered    int64          `json:"messagesDelivered"`
	MessagesFailed       int64          `json:"messagesFailed"`
	StartTime            time.Time      `json:"startTime"`
	Uptime               time.Duration  `json:"uptime"`
	RegisteredWorkers    []string       `json:"registeredWorkers"`
	PendingConfirmations int            `json:"pendingConfirmations"`
	HistorySize          int            `json:"historySize"`
	QueueSizes           map[string]int `json:"queueSizes"`
}

// Stats returns current counters.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	workers := make([]string, 0, len(b.workers))
	for id := range b.workers {
		workers = append(workers, id)
	}
	sizes := make(map[string]int, len(b.queues))
	for id, q := range b.queues {
		sizes[id] = q.Len()
	}
	start := b.startTime
	b.mu.RUnlock()

	sort.Strings(workers)
	return Stats{
		MessagesSent:         b.sent.Load(),
		MessagesDelivered:    b.delivered.Load(),
		MessagesFailed:       b.failed.Load(),
		StartTime:            start,
		Uptime:               time.Since(start),
		RegisteredWorkers:    workers,
		PendingConfirmations: b.pending.ItemCount(),
		HistorySize:          b.history.len(),
		QueueSizes:           sizes,
	}
}
