// Package worker provides the base every pipeline participant builds on:
// per-kind handler registration, an inbox fed by the broker, retry with
// exponential backoff around each handler, periodic heartbeats to the
// coordinator, and a TASK_FAILED report when a handler gives up.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MOMOJMOGG/report-agent/internal/log"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/metrics"
)

var (
	// ErrInboxFull is returned by ReceiveMessage when the inbox is at capacity.
	ErrInboxFull = errors.New("worker inbox full")
	// ErrNoHandler is returned by Dispatch for a kind without a handler.
	ErrNoHandler = errors.New("no handler registered")
)

// Sender is the part of the broker a worker needs.
type Sender interface {
	Send(msg message.Message) bool
}

// Handler processes one message. The returned message, if any, is whatever
// the handler sent onward; it is only logged.
type Handler func(ctx context.Context, msg message.Message) (*message.Message, error)

// Hook runs on Start or Stop.
type Hook func(ctx context.Context) error

// Config configures a Base.
type Config struct {
	ID string

	// MaxRetries is the number of extra attempts after the first failure.
	MaxRetries int

	// RetryDelay is the wait before the first retry; each later wait doubles.
	RetryDelay time.Duration

	// HeartbeatInterval between HEARTBEAT messages. Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// InboxSize bounds messages accepted but not yet processed.
	InboxSize int

	// StopTimeout bounds how long Stop waits for the in-flight message.
	StopTimeout time.Duration

	// Coordinator receives heartbeats and TASK_FAILED reports.
	Coordinator string

	Metrics *metrics.Collector
}

// DefaultConfig returns the standard settings for worker id.
func DefaultConfig(id string) Config {
	return Config{
		ID:                id,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		HeartbeatInterval: 30 * time.Second,
		InboxSize:         100,
		StopTimeout:       30 * time.Second,
		Coordinator:       message.Coordinator,
	}
}

// Base implements broker.Receiver.
type Base struct {
	cfg    Config
	sender Sender

	mu       sync.RWMutex
	handlers map[message.Kind]Handler
	onStart  []Hook
	onStop   []Hook

	inbox       chan message.Message
	activeTasks atomic.Int32
	running     atomic.Bool
	processed   atomic.Int64
	failures    atomic.Int64

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a stopped worker that sends through sender.
func New(cfg Config, sender Sender) *Base {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 100
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Coordinator == "" {
		cfg.Coordinator = message.Coordinator
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	b := &Base{
		cfg:      cfg,
		sender:   sender,
		handlers: make(map[message.Kind]Handler),
		inbox:    make(chan message.Message, cfg.InboxSize),
	}
	b.RegisterHandler(message.KindHeartbeat, b.handleHeartbeat)
	b.RegisterHandler(message.KindTaskStarted, b.handleTaskStatus)
	b.RegisterHandler(message.KindTaskCompleted, b.handleTaskStatus)
	b.RegisterHandler(message.KindTaskFailed, b.handleTaskStatus)
	return b
}

// ID returns the worker identity.
func (b *Base) ID() string { return b.cfg.ID }

// RegisterHandler binds h to kind, replacing any previous handler.
func (b *Base) RegisterHandler(kind message.Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

// OnStart adds a hook run by Start before any message is processed.
func (b *Base) OnStart(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStart = append(b.onStart, h)
}

// OnStop adds a hook run by Stop after processing has ended.
func (b *Base) OnStop(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStop = append(b.onStop, h)
}

// ReceiveMessage queues msg for processing without blocking. Messages
// accepted before Start, or after Stop, wait in the inbox until the next Start.
func (b *Base) ReceiveMessage(_ context.Context, msg message.Message) error {
	select {
	case b.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("%s: %w", b.cfg.ID, ErrInboxFull)
	}
}

// Start runs the start hooks, then the processing and heartbeat loops.
func (b *Base) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.running.Load() {
		return nil
	}

	b.mu.RLock()
	hooks := append([]Hook(nil), b.onStart...)
	b.mu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx); err != nil {
			return fmt.Errorf("start %s: %w", b.cfg.ID, err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running.Store(true)

	b.wg.Add(1)
	go b.processLoop(loopCtx)

	if b.cfg.HeartbeatInterval > 0 {
		b.wg.Add(1)
		go b.heartbeatLoop(loopCtx)
	}

	log.Info(log.CatWorker, "worker started", "worker", b.cfg.ID)
	return nil
}

// Stop ends the loops, waiting up to StopTimeout for the in-flight message,
// then runs the stop hooks. Messages still in the inbox are kept.
func (b *Base) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if !b.running.Load() {
		return nil
	}
	b.running.Store(false)
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.cfg.StopTimeout):
		log.Warn(log.CatWorker, "stop timed out with tasks in flight", "worker", b.cfg.ID, "active", b.activeTasks.Load())
	case <-ctx.Done():
	}

	b.mu.RLock()
	hooks := append([]Hook(nil), b.onStop...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range hooks {
		if err := h(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	log.Info(log.CatWorker, "worker stopped", "worker", b.cfg.ID, "processed", b.processed.Load(), "failures", b.failures.Load())
	return errors.Join(errs...)
}

// Running reports whether the worker is processing its inbox.
func (b *Base) Running() bool { return b.running.Load() }

// ActiveTasks is the number of messages currently being handled.
func (b *Base) ActiveTasks() int { return int(b.activeTasks.Load()) }

// Status is "running" while a message is being handled, otherwise "idle".
func (b *Base) Status() string {
	if b.activeTasks.Load() > 0 {
		return message.WorkerRunning
	}
	return message.WorkerIdle
}

// Send forwards msg to the broker.
func (b *Base) Send(msg message.Message) bool {
	if b.sender == nil {
		log.Error(log.CatWorker, "no sender configured", "worker", b.cfg.ID, "kind", msg.Kind)
		return false
	}
	return b.sender.Send(msg)
}

func (b *Base) processLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.inbox:
			b.process(ctx, msg)
		}
	}
}

// process dispatches msg and reports a final failure to the coordinator.
func (b *Base) process(ctx context.Context, msg message.Message) {
	b.activeTasks.Add(1)
	defer b.activeTasks.Add(-1)

	out, err := b.Dispatch(ctx, msg)
	b.processed.Add(1)
	switch {
	case errors.Is(err, ErrNoHandler):
		log.Warn(log.CatWorker, "no handler for message", "worker", b.cfg.ID, "kind", msg.Kind)
	case err != nil:
		b.failures.Add(1)
		b.cfg.Metrics.HandlerFailed(b.cfg.ID, string(msg.Kind))
		log.ErrorErr(log.CatWorker, "handler failed after retries", err, "worker", b.cfg.ID, "kind", msg.Kind, "id", msg.Metadata.ID)
		b.reportFailure(msg, err)
	case out != nil:
		log.Debug(log.CatWorker, "handler produced message", "worker", b.cfg.ID, "in", msg.Kind, "out", out.Kind, "to", out.Metadata.Recipient)
	}
}

// Dispatch runs the handler for msg with retries, synchronously.
func (b *Base) Dispatch(ctx context.Context, msg message.Message) (*message.Message, error) {
	b.mu.RLock()
	h, ok := b.handlers[msg.Kind]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoHandler, msg.Kind)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.RetryDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = b.cfg.RetryDelay << b.cfg.MaxRetries

	attempt := 0
	return backoff.Retry(ctx, func() (*message.Message, error) {
		attempt++
		return b.invoke(ctx, h, msg)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(b.cfg.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			b.cfg.Metrics.HandlerRetried(b.cfg.ID, string(msg.Kind))
			log.Warn(log.CatWorker, "handler attempt failed, retrying",
				"worker", b.cfg.ID, "kind", msg.Kind, "attempt", attempt, "wait", wait, "error", err)
		}),
	)
}

func (b *Base) invoke(ctx context.Context, h Handler, msg message.Message) (out *message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, msg)
}

// reportFailure sends TASK_FAILED to the coordinator with the original
// correlation id so the pipeline can fail fast.
func (b *Base) reportFailure(msg message.Message, cause error) {
	if msg.Kind == message.KindTaskFailed || msg.Kind == message.KindHeartbeat {
		return
	}
	opts := []message.Option{}
	if corr, ok := msg.Correlation(); ok {
		opts = append(opts, message.WithCorrelation(corr))
	}
	failed := message.New(message.KindTaskFailed, b.cfg.ID, b.cfg.Coordinator, message.Payload{
		"error":    cause.Error(),
		"taskId":   msg.Metadata.ID,
		"kind":     string(msg.Kind),
		"status":   "failed",
		"workerId": b.cfg.ID,
	}, opts...)
	if !b.Send(failed) {
		log.Error(log.CatWorker, "could not report task failure", "worker", b.cfg.ID, "task", msg.Metadata.ID)
	}
}

func (b *Base) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	b.SendHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.SendHeartbeat()
		}
	}
}

// SendHeartbeat sends one HEARTBEAT to the coordinator.
func (b *Base) SendHeartbeat() bool {
	hb := message.Heartbeat{
		WorkerID:        b.cfg.ID,
		Status:          b.Status(),
		ActiveTaskCount: b.ActiveTasks(),
		Timestamp:       time.Now().UTC(),
	}
	return b.Send(message.New(message.KindHeartbeat, b.cfg.ID, b.cfg.Coordinator, message.MustPayload(hb)))
}

// SendStatus reports task progress to the coordinator. progress < 0 omits it.
func (b *Base) SendStatus(kind message.Kind, taskID, status string, progress float64, note string, correlation string) bool {
	ts := message.TaskStatus{TaskID: taskID, Status: status, Message: note}
	if progress >= 0 {
		ts.Progress = &progress
	}
	if kind == message.KindTaskFailed {
		ts.Error = note
	}
	var opts []message.Option
	if correlation != "" {
		opts = append(opts, message.WithCorrelation(correlation))
	}
	return b.Send(message.New(kind, b.cfg.ID, b.cfg.Coordinator, message.MustPayload(ts), opts...))
}

func (b *Base) handleHeartbeat(_ context.Context, msg message.Message) (*message.Message, error) {
	log.Debug(log.CatWorker, "heartbeat received", "worker", b.cfg.ID, "from", msg.Metadata.Sender)
	return nil, nil
}

func (b *Base) handleTaskStatus(_ context.Context, msg message.Message) (*message.Message, error) {
	log.Debug(log.CatWorker, "task status received", "worker", b.cfg.ID, "kind", msg.Kind, "from", msg.Metadata.Sender)
	return nil, nil
}
