// Package metrics exposes bus and store activity as Prometheus
// collectors and serves them with a health endpoint over HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mafkit/maf/bus"
	"github.com/mafkit/maf/store"
)

// Collector reads live snapshots from the bus and the store on every
// scrape. It holds no state of its own, so registering it is enough to
// keep the exposed numbers current.
type Collector struct {
	bus   bus.EventBus
	store *store.Store

	eventsPublished *prometheus.Desc
	eventsProcessed *prometheus.Desc
	eventsDropped   *prometheus.Desc
	queueDepth      *prometheus.Desc
	subscribers     *prometheus.Desc
	tasksByStatus   *prometheus.Desc
	tasksByAgent    *prometheus.Desc
	featuresTotal   *prometheus.Desc
	completionRate  *prometheus.Desc
	averageRetries  *prometheus.Desc
}

// NewCollector builds a collector over a bus and a store. Either may be
// nil; its metrics are then omitted from the scrape.
func NewCollector(b bus.EventBus, st *store.Store) *Collector {
	return &Collector{
		bus:   b,
		store: st,
		eventsPublished: prometheus.NewDesc(
			"maf_bus_events_published_total",
			"Events accepted for delivery.",
			nil, nil),
		eventsProcessed: prometheus.NewDesc(
			"maf_bus_events_processed_total",
			"Events dispatched to subscribers.",
			nil, nil),
		eventsDropped: prometheus.NewDesc(
			"maf_bus_events_dropped_total",
			"Events dropped by publish-path filters.",
			nil, nil),
		queueDepth: prometheus.NewDesc(
			"maf_bus_queue_depth",
			"Events waiting in the dispatch queue.",
			nil, nil),
		subscribers: prometheus.NewDesc(
			"maf_bus_subscribers",
			"Registered handlers by event kind.",
			[]string{"kind"}, nil),
		tasksByStatus: prometheus.NewDesc(
			"maf_tasks",
			"Tasks in the store by status.",
			[]string{"status"}, nil),
		tasksByAgent: prometheus.NewDesc(
			"maf_tasks_by_agent",
			"Tasks in the store by assigned agent.",
			[]string{"agent"}, nil),
		featuresTotal: prometheus.NewDesc(
			"maf_features",
			"Features in the store by status.",
			[]string{"status"}, nil),
		completionRate: prometheus.NewDesc(
			"maf_tasks_completion_rate",
			"Completed tasks as a fraction of all tasks.",
			nil, nil),
		averageRetries: prometheus.NewDesc(
			"maf_tasks_average_retries",
			"Mean retry count across all tasks.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsPublished
	ch <- c.eventsProcessed
	ch <- c.eventsDropped
	ch <- c.queueDepth
	ch <- c.subscribers
	ch <- c.tasksByStatus
	ch <- c.tasksByAgent
	ch <- c.featuresTotal
	ch <- c.completionRate
	ch <- c.averageRetries
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.bus != nil {
		stats := c.bus.Statistics()
		ch <- prometheus.MustNewConstMetric(c.eventsPublished,
			prometheus.CounterValue, float64(stats.TotalPublished))
		ch <- prometheus.MustNewConstMetric(c.eventsProcessed,
			prometheus.CounterValue, float64(stats.TotalProcessed))
		ch <- prometheus.MustNewConstMetric(c.eventsDropped,
			prometheus.CounterValue, float64(stats.DroppedByFilter))
		ch <- prometheus.MustNewConstMetric(c.queueDepth,
			prometheus.GaugeValue, float64(stats.QueueDepth))
		for kind, count := range stats.SubscribersByKind {
			ch <- prometheus.MustNewConstMetric(c.subscribers,
				prometheus.GaugeValue, float64(count), string(kind))
		}
	}

	if c.store != nil {
		stats := c.store.TaskStatistics()
		for status, count := range stats.CountsByStatus {
			ch <- prometheus.MustNewConstMetric(c.tasksByStatus,
				prometheus.GaugeValue, float64(count), string(status))
		}
		for agent, count := range stats.CountsByAgent {
			ch <- prometheus.MustNewConstMetric(c.tasksByAgent,
				prometheus.GaugeValue, float64(count), agent)
		}
		ch <- prometheus.MustNewConstMetric(c.completionRate,
			prometheus.GaugeValue, stats.CompletionRate)
		ch <- prometheus.MustNewConstMetric(c.averageRetries,
			prometheus.GaugeValue, stats.AverageRetries)

		byStatus := make(map[string]int)
		for _, f := range c.store.GetAllFeatures() {
			byStatus[string(f.Status)]++
		}
		for status, count := range byStatus {
			ch <- prometheus.MustNewConstMetric(c.featuresTotal,
				prometheus.GaugeValue, float64(count), status)
		}
	}
}

var _ prometheus.Collector = (*Collector)(nil)

// HealthThresholds configure the store health report served at /healthz.
type HealthThresholds struct {
	StallAfter       time.Duration
	LongRunningAfter time.Duration
}
