package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

// Filter decides whether a subscriber receives an event.
type Filter[T any] func(Event[T]) bool

type subscription[T any] struct {
	ch     chan Event[T]
	filter Filter[T]
}

// Broker fans published events out to every live subscription.
// Publishing never blocks: a subscriber whose buffer is full misses the event
// and the miss is counted in Dropped.
type Broker[T any] struct {
	subs       map[*subscription[T]]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
	dropped    atomic.Int64
	now        func() time.Time
}

// NewBroker creates a new broker with the default buffer size (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a new broker with a custom buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Broker[T]{
		subs:       make(map[*subscription[T]]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
		now:        time.Now,
	}
}

// Subscribe creates a subscription that receives every event.
// The channel is closed when ctx is cancelled or the broker is closed.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	return b.SubscribeFiltered(ctx, nil)
}

// SubscribeFiltered creates a subscription that only receives events accepted
// by filter. A nil filter accepts everything.
func (b *Broker[T]) SubscribeFiltered(ctx context.Context, filter Filter[T]) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := &subscription[T]{ch: make(chan Event[T], b.bufferSize), filter: filter}
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.subs[sub]; !ok {
			return
		}
		delete(b.subs, sub)
		close(sub.ch)
	}()

	return sub.ch
}

// Publish sends an event to all matching subscribers without blocking.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: b.now(),
	}

	for sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close shuts down the broker and all subscriber channels. Safe to call more
// than once.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*subscription[T]]struct{})
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Broker[T]) Dropped() int64 {
	return b.dropped.Load()
}
