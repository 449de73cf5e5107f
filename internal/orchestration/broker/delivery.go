package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/log"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
)

// Start launches the delivery goroutines for every registered worker and the
// cleanup loop. Calling Start on a running broker is a no-op.
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.running = true
	b.startTime = time.Now()

	for id := range b.workers {
		b.startDispatcherLocked(id)
	}

	b.wg.Add(1)
	go b.cleanupLoop(b.ctx)

	log.Info(log.CatBroker, "broker started", "workers", len(b.workers))
}

// Stop cancels every background goroutine and waits for them to exit.
// Queued messages stay queued. Safe to call more than once.
func (b *Broker) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.cancel()
	b.dispatchers = make(map[string]context.CancelFunc)
	b.mu.Unlock()

	b.wg.Wait()
	log.Info(log.CatBroker, "broker stopped",
		"sent", b.sent.Load(), "delivered", b.delivered.Load(), "failed", b.failed.Load())
}

// Running reports whether Start has been called without a matching Stop.
func (b *Broker) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

func (b *Broker) startDispatcherLocked(id string) {
	if stop, ok := b.dispatchers[id]; ok {
		stop()
	}
	ctx, stop := context.WithCancel(b.ctx)
	b.dispatchers[id] = stop

	q := b.queueLocked(id)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			if ctx.Err() != nil {
				return
			}
			batch := q.Wait(ctx, b.cfg.DeliveryTimeout)
			for i, msg := range batch {
				r, ok := b.receiver(id)
				if !ok || ctx.Err() != nil {
					// Worker went away mid-batch; the rest goes back to the front.
					q.Requeue(batch[i:])
					log.Debug(log.CatBroker, "requeued undelivered messages", "worker", id, "count", len(batch)-i)
					break
				}
				b.deliver(ctx, r, msg)
			}
		}
	}()
}

func (b *Broker) receiver(id string) (Receiver, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.workers[id]
	return r, ok
}

// deliver hands msg to r, converting errors and panics into a failure count.
func (b *Broker) deliver(ctx context.Context, r Receiver, msg message.Message) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("receiver panicked: %v", p)
			}
		}()
		return r.ReceiveMessage(ctx, msg)
	}()

	if err != nil {
		log.ErrorErr(log.CatBroker, "delivery failed", err,
			"recipient", msg.Metadata.Recipient, "kind", msg.Kind, "id", msg.Metadata.ID)
		b.recordFailure()
		return
	}
	b.recordDelivery(msg)
}

func (b *Broker) cleanupLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Cleanup()
		}
	}
}

// Cleanup expires stale delivery confirmations and refreshes gauges. The
// cleanup loop calls it on every tick.
func (b *Broker) Cleanup() {
	b.pending.DeleteExpired(context.Background())
	stats := b.Stats()
	b.metrics.ObserveBroker(stats.QueueSizes, stats.HistorySize, stats.PendingConfirmations)
}
