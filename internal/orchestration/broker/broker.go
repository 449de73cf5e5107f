// Package broker routes messages between named workers inside one process.
//
// Every recipient has a FIFO queue. Registered workers receive their messages
// from a dedicated delivery goroutine, so a failing worker never stalls the
// others. Send, Broadcast and Publish never return errors: failures become a
// false/zero result, a log line and a counter.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/cachemanager"
	"github.com/MOMOJMOGG/report-agent/internal/log"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/metrics"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/queue"
)

// Defaults.
const (
	DefaultDeliveryTimeout = 100 * time.Millisecond
	DefaultCleanupInterval = 60 * time.Second
	DefaultHistoryLimit    = 1000
	DefaultConfirmationTTL = 5 * time.Minute
)

// Receiver is implemented by every component the broker delivers to.
type Receiver interface {
	ReceiveMessage(ctx context.Context, msg message.Message) error
}

// Config holds configuration for creating a Broker.
type Config struct {
	// QueueSize bounds each recipient queue. Defaults to queue.DefaultMaxSize.
	QueueSize int

	// HistoryLimit is the number of messages kept for audit.
	HistoryLimit int

	// DeliveryTimeout bounds each blocking wait of a delivery goroutine.
	DeliveryTimeout time.Duration

	// CleanupInterval is the period of the confirmation expiry sweep.
	CleanupInterval time.Duration

	// ConfirmationTTL is how long a sent message may wait for delivery
	// before its confirmation is expired and logged.
	ConfirmationTTL time.Duration

	// Metrics is optional.
	Metrics *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.ConfirmationTTL <= 0 {
		c.ConfirmationTTL = DefaultConfirmationTTL
	}
	return c
}

// pendingConfirmation tracks a sent message until it is delivered. confirmed
// is set before the entry is deleted so the eviction callback can tell a
// delivery from an expiry.
type pendingConfirmation struct {
	messageID string
	recipient string
	kind      message.Kind
	sentAt    time.Time
	confirmed atomic.Bool
}

// Broker is the in-process message transport.
type Broker struct {
	cfg     Config
	metrics *metrics.Collector

	mu            sync.RWMutex
	workers       map[string]Receiver
	queues        map[string]*queue.MessageQueue
	subscriptions map[message.Kind]map[string]struct{}
	dispatchers   map[string]context.CancelFunc

	history *history
	pending *cachemanager.InMemoryCacheManager[string, *pendingConfirmation]

	sent      atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64

	startTime time.Time
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a stopped broker.
func New(cfg Config) *Broker {
	cfg = cfg.withDefaults()
	b := &Broker{
		cfg:           cfg,
		metrics:       cfg.Metrics,
		workers:       make(map[string]Receiver),
		queues:        make(map[string]*queue.MessageQueue),
		subscriptions: make(map[message.Kind]map[string]struct{}),
		dispatchers:   make(map[string]context.CancelFunc),
		history:       newHistory(cfg.HistoryLimit),
		pending:       cachemanager.NewInMemoryCacheManager[string, *pendingConfirmation]("confirmations", cfg.ConfirmationTTL, cachemanager.NoCleanup),
		startTime:     time.Now(),
	}
	b.pending.OnEvicted(b.onConfirmationEvicted)
	return b
}

// RegisterWorker binds id to r, replacing any previous binding. The queue
// for id is created if needed and kept across re-registrations.
func (b *Broker) RegisterWorker(id string, r Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, replaced := b.workers[id]
	b.workers[id] = r
	b.queueLocked(id)
	if b.running {
		b.startDispatcherLocked(id)
	}

	log.Info(log.CatBroker, "worker registered", "worker", id, "replaced", replaced)
}

// UnregisterWorker stops delivery to id. Its queue and subscriptions are kept
// so messages sent meanwhile are delivered if the worker registers again.
func (b *Broker) UnregisterWorker(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.workers[id]; !ok {
		return
	}
	delete(b.workers, id)
	if stop, ok := b.dispatchers[id]; ok {
		stop()
		delete(b.dispatchers, id)
	}

	log.Info(log.CatBroker, "worker unregistered", "worker", id)
}

// IsRegistered reports whether id currently has a receiver.
func (b *Broker) IsRegistered(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.workers[id]
	return ok
}

// Subscribe adds worker to the subscriber set for kind.
func (b *Broker) Subscribe(worker string, kind message.Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscriptions[kind]
	if !ok {
		subs = make(map[string]struct{})
		b.subscriptions[kind] = subs
	}
	subs[worker] = struct{}{}
	log.Debug(log.CatBroker, "subscribed", "worker", worker, "kind", kind)
}

// Unsubscribe removes worker from the subscriber set for kind.
func (b *Broker) Unsubscribe(worker string, kind message.Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscriptions[kind]; ok {
		delete(subs, worker)
		if len(subs) == 0 {
			delete(b.subscriptions, kind)
		}
	}
}

// Subscribers returns the workers subscribed to kind, sorted.
func (b *Broker) Subscribers(kind message.Kind) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.subscriptions[kind]))
	for w := range b.subscriptions[kind] {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Send validates msg, queues it for its recipient and records it in history.
// A recipient without a registered worker still gets the message queued.
func (b *Broker) Send(msg message.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBroker, "send panicked", "kind", msg.Kind, "id", msg.Metadata.ID, "panic", r)
			b.recordFailure()
			ok = false
		}
	}()

	if err := msg.Validate(); err != nil {
		log.Warn(log.CatBroker, "rejected message", "kind", msg.Kind, "id", msg.Metadata.ID, "error", err)
		b.recordFailure()
		return false
	}

	recipient := msg.Metadata.Recipient

	b.mu.Lock()
	q := b.queueLocked(recipient)
	_, registered := b.workers[recipient]
	b.mu.Unlock()

	if !registered {
		log.Warn(log.CatBroker, "recipient not registered, queuing anyway", "recipient", recipient, "kind", msg.Kind)
	}

	if err := q.Enqueue(msg); err != nil {
		log.ErrorErr(log.CatBroker, "enqueue failed", err, "recipient", recipient, "kind", msg.Kind, "id", msg.Metadata.ID)
		b.recordFailure()
		return false
	}
	b.history.add(msg)

	b.pending.Set(context.Background(), confirmationKey(msg), &pendingConfirmation{
		messageID: msg.Metadata.ID,
		recipient: recipient,
		kind:      msg.Kind,
		sentAt:    time.Now(),
	}, b.cfg.ConfirmationTTL)

	b.sent.Add(1)
	b.metrics.MessageSent()
	log.Debug(log.CatBroker, "message queued", "kind", msg.Kind, "from", msg.Metadata.Sender, "to", recipient, "id", msg.Metadata.ID)
	return true
}

// Broadcast sends an independent copy of msg to each recipient and returns
// how many were accepted.
func (b *Broker) Broadcast(msg message.Message, recipients []string) int {
	count := 0
	for _, r := range recipients {
		if b.Send(msg.WithRecipient(r)) {
			count++
		}
	}
	return count
}

// Publish broadcasts msg to every subscriber of its kind.
func (b *Broker) Publish(msg message.Message) int {
	subs := b.Subscribers(msg.Kind)
	if len(subs) == 0 {
		log.Warn(log.CatBroker, "no subscribers", "kind", msg.Kind, "id", msg.Metadata.ID)
		return 0
	}
	return b.Broadcast(msg, subs)
}

// Drain waits up to timeout for at least one message queued for id, then
// returns everything available without further blocking. Messages taken
// this way count as delivered.
func (b *Broker) Drain(ctx context.Context, id string, timeout time.Duration) []message.Message {
	b.mu.Lock()
	q := b.queueLocked(id)
	b.mu.Unlock()

	msgs := q.Wait(ctx, timeout)
	for _, m := range msgs {
		b.recordDelivery(m)
	}
	return msgs
}

// QueueLen returns the number of messages waiting for id.
func (b *Broker) QueueLen(id string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if q, ok := b.queues[id]; ok {
		return q.Len()
	}
	return 0
}

func (b *Broker) queueLocked(id string) *queue.MessageQueue {
	q, ok := b.queues[id]
	if !ok {
		q = queue.NewMessageQueue(b.cfg.QueueSize)
		b.queues[id] = q
	}
	return q
}

func (b *Broker) recordFailure() {
	b.failed.Add(1)
	b.metrics.MessageFailed()
}

func (b *Broker) recordDelivery(msg message.Message) {
	b.delivered.Add(1)
	b.metrics.MessageDelivered()
	b.confirm(msg)
}

func confirmationKey(msg message.Message) string {
	return fmt.Sprintf("%s/%s", msg.Metadata.ID, msg.Metadata.Recipient)
}

func (b *Broker) confirm(msg message.Message) {
	ctx := context.Background()
	key := confirmationKey(msg)
	p, ok := b.pending.Get(ctx, key)
	if !ok {
		return
	}
	p.confirmed.Store(true)
	_ = b.pending.Delete(ctx, key)
}

func (b *Broker) onConfirmationEvicted(_ string, p *pendingConfirmation) {
	if p.confirmed.Load() {
		return
	}
	log.Warn(log.CatBroker, "delivery confirmation expired",
		"id", p.messageID, "recipient", p.recipient, "kind", p.kind,
		"age", time.Since(p.sentAt).Round(time.Second))
	b.metrics.ConfirmationExpired()
}
