// Package queue provides the thread-safe FIFO that holds messages waiting to
// be delivered to one worker.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
)

// DefaultMaxSize is the default maximum number of messages a queue can hold.
const DefaultMaxSize = 1000

// ErrQueueFull is returned when attempting to enqueue to a full queue.
var ErrQueueFull = errors.New("queue is full")

// Entry is a message waiting for delivery.
type Entry struct {
	Message    message.Message
	EnqueuedAt time.Time
}

// MessageQueue is a bounded FIFO with a blocking wait for new entries.
type MessageQueue struct {
	entries []Entry
	mu      sync.Mutex
	maxSize int
	// signal is closed and replaced on every enqueue, waking all waiters.
	signal chan struct{}
}

// NewMessageQueue creates a new MessageQueue with the specified maximum size.
// If maxSize is <= 0, DefaultMaxSize is used.
func NewMessageQueue(maxSize int) *MessageQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MessageQueue{
		entries: make([]Entry, 0),
		maxSize: maxSize,
		signal:  make(chan struct{}),
	}
}

// Enqueue adds a message to the back of the queue.
// Returns ErrQueueFull if the queue is at maximum capacity.
func (q *MessageQueue) Enqueue(msg message.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		return ErrQueueFull
	}

	q.entries = append(q.entries, Entry{Message: msg, EnqueuedAt: time.Now()})
	close(q.signal)
	q.signal = make(chan struct{})
	return nil
}

// Requeue puts msgs back at the front of the queue in their original order.
// It ignores the size bound: the messages were already accepted once, and
// they must go out ahead of anything sent since.
func (q *MessageQueue) Requeue(msgs []message.Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	entries := make([]Entry, 0, len(msgs)+len(q.entries))
	for _, m := range msgs {
		entries = append(entries, Entry{Message: m, EnqueuedAt: now})
	}
	q.entries = append(entries, q.entries...)
	close(q.signal)
	q.signal = make(chan struct{})
}

// Dequeue removes and returns the message at the front of the queue.
// Returns (zero value, false) if the queue is empty.
func (q *MessageQueue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Entry{}, false
	}

	e := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	return e, true
}

// Peek returns the entry at the front of the queue without removing it.
func (q *MessageQueue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Len returns the current number of messages in the queue.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Drain removes and returns all queued messages in FIFO order without
// blocking. Returns an empty slice if the queue was already empty.
func (q *MessageQueue) Drain() []message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

// Wait blocks for up to timeout until at least one message is queued, then
// drains everything available. Returns an empty slice on timeout or when ctx
// is done.
func (q *MessageQueue) Wait(ctx context.Context, timeout time.Duration) []message.Message {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.entries) > 0 {
			out := q.drainLocked()
			q.mu.Unlock()
			return out
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-signal:
		case <-timer.C:
			return []message.Message{}
		case <-ctx.Done():
			return []message.Message{}
		}
	}
}

func (q *MessageQueue) drainLocked() []message.Message {
	out := make([]message.Message, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.Message
	}
	q.entries = make([]Entry, 0)
	return out
}
