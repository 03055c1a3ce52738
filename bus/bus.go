// Package bus provides the event bus abstraction with two interchangeable
// backends: an in-process bus for single-binary deployments and a NATS
// JetStream bus for clustered ones. Both honor the same envelope, ordering,
// and filtering contract.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/mafkit/maf/event"
)

// Handler processes a single event. Handlers for the same event may run
// concurrently with each other and with handlers for later events; they
// must not assume exclusive access to shared state.
type Handler func(ctx context.Context, e event.Event)

// Filter inspects an event on the publish path and reports whether it may
// proceed. Filters run in registration order; the first false drops the
// event silently.
type Filter func(e event.Event) bool

// Statistics is a point-in-time snapshot of bus activity.
type Statistics struct {
	Running          bool         `json:"running"`
	TotalPublished   int64        `json:"total_published"`
	TotalProcessed   int64        `json:"total_processed"`
	DroppedByFilter  int64        `json:"dropped_by_filter"`
	QueueDepth       int          `json:"queue_depth"`
	SubscriberCount  int          `json:"subscriber_count"`
	FilterCount      int          `json:"filter_count"`
	SubscribersByKind map[event.Kind]int `json:"subscribers_by_kind"`
}

// HistoryQuery narrows a get-history call. Zero values match everything.
type HistoryQuery struct {
	Kind   event.Kind
	Source string
	Since  time.Time
}

// EventBus is the common contract both backends implement.
type EventBus interface {
	// Start begins dispatching. It is an error to start a running bus.
	Start(ctx context.Context) error

	// Stop drains in-flight work and releases backend resources. Safe to
	// call on a stopped bus.
	Stop(timeout time.Duration) error

	// Publish enqueues an event for delivery. It does not block on handler
	// execution. Filters run synchronously on the caller.
	Publish(ctx context.Context, e event.Event) error

	// Subscribe registers a handler for a kind and returns a subscription
	// token for Unsubscribe.
	Subscribe(kind event.Kind, h Handler) (Subscription, error)

	// Unsubscribe removes a previously registered handler.
	Unsubscribe(sub Subscription) error

	// AddFilter appends a publish-path filter.
	AddFilter(f Filter)

	// History returns the retained trailing window of events matching the
	// query, oldest first.
	History(q HistoryQuery) []event.Event

	// Statistics returns a snapshot of bus counters.
	Statistics() Statistics
}

// Subscription identifies a registered handler.
type Subscription struct {
	Kind event.Kind
	id   uint64
}

// Errors shared by backends.
var (
	ErrBusRunning    = errors.New("bus: already running")
	ErrBusStopped    = errors.New("bus: not running")
	ErrUnknownKind   = errors.New("bus: unknown event kind")
	ErrNotSubscribed = errors.New("bus: subscription not found")
)

// SourceBus is the source name the bus uses for events it emits itself
// (handler panics, transport failures).
const SourceBus = "event_bus"

// Default sizing, overridable through Config.
const (
	DefaultHistorySize = 1000
	DefaultQueueSize   = 1024
	DefaultWorkerPool  = 10
)
