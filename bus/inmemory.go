package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mafkit/maf/event"
)

// InMemoryConfig sizes the in-process backend.
type InMemoryConfig struct {
	QueueSize   int `yaml:"queue_size" json:"queue_size"`
	WorkerPool  int `yaml:"worker_pool" json:"worker_pool"`
	HistorySize int `yaml:"history_size" json:"history_size"`
}

// DefaultInMemoryConfig returns the default sizing.
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{
		QueueSize:   DefaultQueueSize,
		WorkerPool:  DefaultWorkerPool,
		HistorySize: DefaultHistorySize,
	}
}

// InMemoryBus is the in-process backend. A single dispatch goroutine
// dequeues events in FIFO order and hands each (event, handler) pair to a
// bounded worker pool. Events from one producer are dispatched in
// publication order; handlers execute concurrently.
type InMemoryBus struct {
	cfg    InMemoryConfig
	logger *slog.Logger

	// subMu guards subscriptions and filters only. It is never held
	// across handler execution or queue operations.
	subMu    sync.RWMutex
	handlers map[event.Kind]map[uint64]Handler
	filters  []Filter
	nextSub  uint64

	queue   chan event.Event
	history *historyBuffer
	sem     chan struct{}

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	dispatchCtx context.Context
	done        chan struct{}
	wg          sync.WaitGroup

	published atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
}

// NewInMemoryBus creates an in-process bus. A nil logger falls back to
// slog.Default().
func NewInMemoryBus(cfg InMemoryConfig, logger *slog.Logger) *InMemoryBus {
	defaults := DefaultInMemoryConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.WorkerPool <= 0 {
		cfg.WorkerPool = defaults.WorkerPool
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaults.HistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[event.Kind]map[uint64]Handler),
		queue:    make(chan event.Event, cfg.QueueSize),
		history:  newHistoryBuffer(cfg.HistorySize),
		sem:      make(chan struct{}, cfg.WorkerPool),
	}
}

// Start launches the dispatch goroutine.
func (b *InMemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrBusRunning
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.dispatchCtx = dispatchCtx
	b.done = make(chan struct{})
	b.running = true

	go b.dispatchLoop(dispatchCtx, b.done)

	b.logger.Debug("in-memory bus started",
		"queue_size", b.cfg.QueueSize,
		"worker_pool", b.cfg.WorkerPool)
	return nil
}

// Stop cancels dispatch, drains queued events, and joins the worker pool.
func (b *InMemoryBus) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("bus: dispatch did not stop within %s", timeout)
	}

	joined := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(timeout):
		return fmt.Errorf("bus: handlers did not finish within %s", timeout)
	}

	b.logger.Debug("in-memory bus stopped",
		"published", b.published.Load(),
		"processed", b.processed.Load())
	return nil
}

// Publish runs filters on the caller, then enqueues the event. The caller
// never blocks on handler execution; when the queue is momentarily full the
// send is completed from a goroutine so delivery is not lost.
func (b *InMemoryBus) Publish(_ context.Context, e event.Event) error {
	b.mu.Lock()
	running := b.running
	dctx := b.dispatchCtx
	b.mu.Unlock()
	if !running {
		return ErrBusStopped
	}
	if err := e.Validate(); err != nil {
		return err
	}

	if !b.allowed(e) {
		b.dropped.Add(1)
		return nil
	}

	b.published.Add(1)
	select {
	case b.queue <- e:
	default:
		// Soft cap reached. Delivery must not be lost, so finish the
		// send off the publication path. Shutdown abandons the send so
		// the goroutine cannot outlive the bus.
		b.logger.Warn("event queue at capacity, deferring enqueue",
			"event_id", e.ID, "type", e.Type, "depth", len(b.queue))
		go func() {
			select {
			case b.queue <- e:
			case <-dctx.Done():
				b.logger.Debug("deferred enqueue abandoned at shutdown", "event_id", e.ID)
			}
		}()
	}
	return nil
}

func (b *InMemoryBus) allowed(e event.Event) bool {
	b.subMu.RLock()
	filters := make([]Filter, len(b.filters))
	copy(filters, b.filters)
	b.subMu.RUnlock()

	for _, f := range filters {
		if !f(e) {
			return false
		}
	}
	return true
}

func (b *InMemoryBus) dispatchLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			// Cooperative shutdown: deliver what is already queued.
			for {
				select {
				case e := <-b.queue:
					b.dispatch(ctx, e)
				default:
					return
				}
			}
		case e := <-b.queue:
			b.dispatch(ctx, e)
		}
	}
}

// dispatch records history and fans the event out to the handlers
// registered for its kind. Each handler runs in its own worker slot so a
// slow or panicking handler cannot stall its siblings.
func (b *InMemoryBus) dispatch(ctx context.Context, e event.Event) {
	b.history.add(e)
	b.processed.Add(1)

	b.subMu.RLock()
	regs := make([]Handler, 0, len(b.handlers[e.Type]))
	for _, h := range b.handlers[e.Type] {
		regs = append(regs, h)
	}
	b.subMu.RUnlock()

	for _, h := range regs {
		b.sem <- struct{}{}
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			defer func() { <-b.sem }()
			defer func() {
				if r := recover(); r != nil {
					b.reportHandlerPanic(e, r)
				}
			}()
			h(ctx, e)
		}(h)
	}
}

// reportHandlerPanic publishes an agent_error event carrying the original
// event. Dispatch of sibling handlers is unaffected.
func (b *InMemoryBus) reportHandlerPanic(e event.Event, r any) {
	b.logger.Error("event handler panicked",
		"event_id", e.ID, "type", e.Type, "panic", fmt.Sprint(r))

	orig := e
	errEvent := event.New(event.KindAgentError, SourceBus, event.Data{
		Error:    fmt.Sprintf("handler panic: %v", r),
		Embedded: &orig,
	})
	select {
	case b.queue <- errEvent:
		b.published.Add(1)
	default:
		b.logger.Warn("dropping agent_error, queue full", "event_id", errEvent.ID)
	}
}

// Subscribe registers a handler for a kind.
func (b *InMemoryBus) Subscribe(kind event.Kind, h Handler) (Subscription, error) {
	if !kind.Valid() {
		return Subscription{}, ErrUnknownKind
	}
	if h == nil {
		return Subscription{}, fmt.Errorf("bus: nil handler")
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.nextSub++
	id := b.nextSub
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[uint64]Handler)
	}
	b.handlers[kind][id] = h
	return Subscription{Kind: kind, id: id}, nil
}

// Unsubscribe removes a handler registration.
func (b *InMemoryBus) Unsubscribe(sub Subscription) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	kindSubs, ok := b.handlers[sub.Kind]
	if !ok {
		return ErrNotSubscribed
	}
	if _, ok := kindSubs[sub.id]; !ok {
		return ErrNotSubscribed
	}
	delete(kindSubs, sub.id)
	if len(kindSubs) == 0 {
		delete(b.handlers, sub.Kind)
	}
	return nil
}

// AddFilter appends a publish-path filter.
func (b *InMemoryBus) AddFilter(f Filter) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.filters = append(b.filters, f)
}

// History returns the retained trailing window matching q, oldest first.
func (b *InMemoryBus) History(q HistoryQuery) []event.Event {
	return b.history.query(q)
}

// Statistics returns a snapshot of counters.
func (b *InMemoryBus) Statistics() Statistics {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()

	b.subMu.RLock()
	defer b.subMu.RUnlock()

	byKind := make(map[event.Kind]int, len(b.handlers))
	total := 0
	for k, subs := range b.handlers {
		byKind[k] = len(subs)
		total += len(subs)
	}

	return Statistics{
		Running:           running,
		TotalPublished:    b.published.Load(),
		TotalProcessed:    b.processed.Load(),
		DroppedByFilter:   b.dropped.Load(),
		QueueDepth:        len(b.queue),
		SubscriberCount:   total,
		FilterCount:       len(b.filters),
		SubscribersByKind: byKind,
	}
}

var _ EventBus = (*InMemoryBus)(nil)
