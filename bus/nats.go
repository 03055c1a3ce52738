package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mafkit/maf/event"
)

// NATSConfig configures the brokered backend.
type NATSConfig struct {
	// URLs are the NATS server addresses.
	URLs []string `yaml:"urls" json:"urls"`

	// StreamName is the JetStream stream holding all event subjects.
	StreamName string `yaml:"stream_name" json:"stream_name"`

	// ConsumerGroup prefixes durable consumer names so multiple runtimes
	// can share or split the event log.
	ConsumerGroup string `yaml:"consumer_group" json:"consumer_group"`

	// ReconnectWait is the delay between reconnect attempts. The client
	// retries indefinitely with this as the backoff base.
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait"`

	// EventMaxAge bounds broker-side retention of the event log.
	EventMaxAge time.Duration `yaml:"event_max_age" json:"event_max_age"`

	WorkerPool  int `yaml:"worker_pool" json:"worker_pool"`
	HistorySize int `yaml:"history_size" json:"history_size"`
}

// DefaultNATSConfig returns defaults for a local single-node broker.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URLs:          []string{nats.DefaultURL},
		StreamName:    "MAF_EVENTS",
		ConsumerGroup: "maf",
		ReconnectWait: 2 * time.Second,
		EventMaxAge:   24 * time.Hour,
		WorkerPool:    DefaultWorkerPool,
		HistorySize:   DefaultHistorySize,
	}
}

// Validate checks the configuration.
func (c NATSConfig) Validate() error {
	if len(c.URLs) == 0 {
		return fmt.Errorf("nats: at least one URL is required")
	}
	if c.StreamName == "" {
		return fmt.Errorf("nats: stream_name is required")
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("nats: consumer_group is required")
	}
	return nil
}

// kindConsumer tracks the lifetime of the fetch loop bound to one kind.
type kindConsumer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NATSBus is the brokered backend. One subject per event kind under
// events.>, one durable consumer per subscribed kind bound to the
// configured consumer group. Per-subject publication order is preserved by
// JetStream, which yields the per-correlation-id ordering guarantee.
type NATSBus struct {
	cfg    NATSConfig
	logger *slog.Logger

	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream

	subMu     sync.RWMutex
	handlers  map[event.Kind]map[uint64]Handler
	filters   []Filter
	nextSub   uint64
	consumers map[event.Kind]*kindConsumer

	history *historyBuffer
	sem     chan struct{}

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	published atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
}

// NewNATSBus creates a brokered bus. The connection is established on
// Start, not here.
func NewNATSBus(cfg NATSConfig, logger *slog.Logger) (*NATSBus, error) {
	defaults := DefaultNATSConfig()
	if len(cfg.URLs) == 0 {
		cfg.URLs = defaults.URLs
	}
	if cfg.StreamName == "" {
		cfg.StreamName = defaults.StreamName
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = defaults.ConsumerGroup
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaults.ReconnectWait
	}
	if cfg.EventMaxAge <= 0 {
		cfg.EventMaxAge = defaults.EventMaxAge
	}
	if cfg.WorkerPool <= 0 {
		cfg.WorkerPool = defaults.WorkerPool
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaults.HistorySize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{
		cfg:       cfg,
		logger:    logger,
		handlers:  make(map[event.Kind]map[uint64]Handler),
		consumers: make(map[event.Kind]*kindConsumer),
		history:   newHistoryBuffer(cfg.HistorySize),
		sem:       make(chan struct{}, cfg.WorkerPool),
	}, nil
}

// Start connects to the broker, ensures the event stream exists, and
// creates consumers for any kinds subscribed before start.
func (b *NATSBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrBusRunning
	}

	nc, err := nats.Connect(strings.Join(b.cfg.URLs, ","),
		nats.Name("maf-event-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.reportTransportError(err)
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     b.cfg.StreamName,
		Subjects: []string{"events.>"},
		MaxAge:   b.cfg.EventMaxAge,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("ensure stream %s: %w", b.cfg.StreamName, err)
	}

	busCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.nc = nc
	b.js = js
	b.stream = stream
	b.ctx = busCtx
	b.cancel = cancel
	b.running = true

	// Bind consumers for kinds that were subscribed before start.
	b.subMu.Lock()
	for kind := range b.handlers {
		if err := b.startConsumerLocked(kind); err != nil {
			b.subMu.Unlock()
			b.rollbackStart()
			return err
		}
	}
	b.subMu.Unlock()

	b.logger.Info("nats bus started",
		"stream", b.cfg.StreamName,
		"consumer_group", b.cfg.ConsumerGroup,
		"url", nc.ConnectedUrl())
	return nil
}

func (b *NATSBus) rollbackStart() {
	b.cancel()
	b.nc.Close()
	b.running = false
	b.nc = nil
	b.js = nil
	b.stream = nil
}

// Stop cancels consumers, joins in-flight handlers, and drains the
// connection.
func (b *NATSBus) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	nc := b.nc
	b.mu.Unlock()

	cancel()

	b.subMu.Lock()
	consumers := b.consumers
	b.consumers = make(map[event.Kind]*kindConsumer)
	b.subMu.Unlock()
	for kind, kc := range consumers {
		select {
		case <-kc.done:
		case <-time.After(timeout):
			b.logger.Warn("consumer did not stop in time", "kind", kind)
		}
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

	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}

	b.logger.Info("nats bus stopped",
		"published", b.published.Load(),
		"processed", b.processed.Load())
	return nil
}

// Publish runs filters on the caller and writes the event to its kind
// subject. The event id doubles as the JetStream message id so client
// retries deduplicate at the broker.
func (b *NATSBus) Publish(ctx context.Context, e event.Event) error {
	b.mu.Lock()
	running := b.running
	js := b.js
	b.mu.Unlock()
	if !running {
		return ErrBusStopped
	}

	if !b.allowed(e) {
		b.dropped.Add(1)
		return nil
	}

	raw, err := event.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, e.Type.Subject(), raw, jetstream.WithMsgID(e.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	b.published.Add(1)
	return nil
}

func (b *NATSBus) allowed(e event.Event) bool {
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

// Subscribe registers a handler; the first handler for a kind lazily
// creates that kind's durable consumer.
func (b *NATSBus) Subscribe(kind event.Kind, h Handler) (Subscription, error) {
	if !kind.Valid() {
		return Subscription{}, ErrUnknownKind
	}
	if h == nil {
		return Subscription{}, fmt.Errorf("bus: nil handler")
	}

	b.mu.Lock()
	running := b.running
	b.mu.Unlock()

	b.subMu.Lock()
	defer b.subMu.Unlock()
	first := len(b.handlers[kind]) == 0
	b.nextSub++
	id := b.nextSub
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[uint64]Handler)
	}
	b.handlers[kind][id] = h

	if first && running {
		if err := b.startConsumerLocked(kind); err != nil {
			delete(b.handlers[kind], id)
			if len(b.handlers[kind]) == 0 {
				delete(b.handlers, kind)
			}
			return Subscription{}, err
		}
	}
	return Subscription{Kind: kind, id: id}, nil
}

// Unsubscribe removes a handler; removing the last handler for a kind
// closes that kind's consumer.
func (b *NATSBus) Unsubscribe(sub Subscription) error {
	b.subMu.Lock()
	kindSubs, ok := b.handlers[sub.Kind]
	if !ok {
		b.subMu.Unlock()
		return ErrNotSubscribed
	}
	if _, ok := kindSubs[sub.id]; !ok {
		b.subMu.Unlock()
		return ErrNotSubscribed
	}
	delete(kindSubs, sub.id)
	var kc *kindConsumer
	if len(kindSubs) == 0 {
		delete(b.handlers, sub.Kind)
		kc = b.consumers[sub.Kind]
		delete(b.consumers, sub.Kind)
	}
	b.subMu.Unlock()

	if kc != nil {
		kc.cancel()
		<-kc.done
	}
	return nil
}

// startConsumerLocked creates the durable consumer for a kind and launches
// its fetch loop. Caller holds subMu.
func (b *NATSBus) startConsumerLocked(kind event.Kind) error {
	durable := consumerName(b.cfg.ConsumerGroup, kind)
	consumer, err := b.stream.CreateOrUpdateConsumer(b.ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: kind.Subject(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		MaxDeliver:    3,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	loopCtx, cancel := context.WithCancel(b.ctx)
	kc := &kindConsumer{cancel: cancel, done: make(chan struct{})}
	b.consumers[kind] = kc
	go b.consumeLoop(loopCtx, kc, kind, consumer)

	b.logger.Debug("consumer started", "kind", kind, "durable", durable)
	return nil
}

// consumerName derives the durable name for a kind. NATS durable names
// cannot contain dots.
func consumerName(group string, kind event.Kind) string {
	return group + "-" + strings.ReplaceAll(string(kind), ".", "-")
}

// consumeLoop fetches messages for one kind and fans them out. Stream order
// within the subject is preserved by fetching sequentially.
func (b *NATSBus) consumeLoop(ctx context.Context, kc *kindConsumer, kind event.Kind, consumer jetstream.Consumer) {
	defer close(kc.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(16, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("fetch timeout or error", "kind", kind, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			b.handleMessage(ctx, kind, msg)
		}
		if err := msgs.Error(); err != nil && err != context.DeadlineExceeded {
			b.logger.Warn("message fetch error", "kind", kind, "error", err)
		}
	}
}

func (b *NATSBus) handleMessage(ctx context.Context, kind event.Kind, msg jetstream.Msg) {
	e, err := event.Unmarshal(msg.Data())
	if err != nil {
		b.logger.Error("dropping malformed event", "kind", kind, "error", err)
		if err := msg.Term(); err != nil {
			b.logger.Warn("failed to terminate message", "error", err)
		}
		return
	}

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

	if err := msg.Ack(); err != nil {
		b.logger.Warn("failed to ack message", "event_id", e.ID, "error", err)
	}
}

// reportHandlerPanic publishes an agent_error carrying the original event.
func (b *NATSBus) reportHandlerPanic(e event.Event, r any) {
	b.logger.Error("event handler panicked",
		"event_id", e.ID, "type", e.Type, "panic", fmt.Sprint(r))

	orig := e
	errEvent := event.New(event.KindAgentError, SourceBus, event.Data{
		Error:    fmt.Sprintf("handler panic: %v", r),
		Embedded: &orig,
	})
	if err := b.Publish(b.ctx, errEvent); err != nil {
		b.logger.Warn("failed to publish agent_error", "error", err)
	}
}

// reportTransportError surfaces an unrecoverable transport error as an
// agent_error event delivered to local subscribers.
func (b *NATSBus) reportTransportError(err error) {
	if err == nil {
		return
	}
	b.logger.Error("nats transport error", "error", err)

	e := event.New(event.KindAgentError, SourceBus, event.Data{
		Error: fmt.Sprintf("transport: %v", err),
	})
	b.history.add(e)

	b.subMu.RLock()
	regs := make([]Handler, 0, len(b.handlers[event.KindAgentError]))
	for _, h := range b.handlers[event.KindAgentError] {
		regs = append(regs, h)
	}
	b.subMu.RUnlock()
	for _, h := range regs {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			h(b.ctx, e)
		}(h)
	}
}

// AddFilter appends a publish-path filter.
func (b *NATSBus) AddFilter(f Filter) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.filters = append(b.filters, f)
}

// History returns the in-memory trailing window matching q, oldest first.
// This is the window of events observed by this process, which satisfies
// the history contract without a broker read-back.
func (b *NATSBus) History(q HistoryQuery) []event.Event {
	return b.history.query(q)
}

// Statistics returns a snapshot of counters.
func (b *NATSBus) Statistics() Statistics {
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
		QueueDepth:        0, // queue lives in the broker
		SubscriberCount:   total,
		FilterCount:       len(b.filters),
		SubscribersByKind: byKind,
	}
}

var _ EventBus = (*NATSBus)(nil)
