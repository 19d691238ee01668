// Package metrics exposes prometheus collectors for the indexer.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "skyindex"

// Collector is a prometheus.Collector for indexing, background and subscription metrics.
type Collector struct {
	recordOps        *prometheus.CounterVec
	recordErrors     *prometheus.CounterVec
	opDuration       *prometheus.HistogramVec
	backgroundQueued prometheus.Gauge
	backgroundFailed prometheus.Counter
	coalesce         *prometheus.CounterVec
	events           *prometheus.CounterVec
	cursor           prometheus.Gauge
	reposIndexed     *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		recordOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "record_ops_total",
				Help:      "Record mutations applied to the index.",
			}, []string{"collection", "action"},
		),
		recordErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "record_errors_total",
				Help:      "Record mutations that failed.",
			}, []string{"collection", "kind"},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_seconds",
				Help:      "Duration of indexing service operations.",
				Buckets:   []float64{0.001, 0.005, 0.02, 0.1, 0.5, 2, 10, 60},
			}, []string{"operation"},
		),
		backgroundQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "background_tasks_pending",
				Help:      "Background tasks queued or running.",
			},
		),
		backgroundFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "background_task_failures_total",
				Help:      "Background tasks that returned an error or panicked.",
			},
		),
		coalesce: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coalesce_outcomes_total",
				Help:      "Outcomes of coalesced aggregate recomputations.",
			}, []string{"outcome"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Subscription events handled, by kind and result.",
			}, []string{"kind", "result"},
		),
		cursor: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscription_cursor",
				Help:      "Last persisted subscription sequence number.",
			},
		),
		reposIndexed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repo_reconcile_ops_total",
				Help:      "Operations produced by full repository reconciliation.",
			}, []string{"op"},
		),
	}
}

func (c *Collector) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.recordOps, c.recordErrors, c.opDuration, c.backgroundQueued, c.backgroundFailed,
		c.coalesce, c.events, c.cursor, c.reposIndexed,
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.all() {
		m.Describe(ch)
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.all() {
		m.Collect(ch)
	}
}

func (c *Collector) RecordOp(collection, action string) {
	if c == nil {
		return
	}
	c.recordOps.WithLabelValues(collection, action).Inc()
}

func (c *Collector) RecordError(collection, kind string) {
	if c == nil {
		return
	}
	c.recordErrors.WithLabelValues(collection, kind).Inc()
}

// ObserveOperation records how long a named service operation took since start.
func (c *Collector) ObserveOperation(op string, start time.Time) {
	if c == nil {
		return
	}
	c.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (c *Collector) BackgroundPending(delta float64) {
	if c == nil {
		return
	}
	c.backgroundQueued.Add(delta)
}

func (c *Collector) BackgroundFailed() {
	if c == nil {
		return
	}
	c.backgroundFailed.Inc()
}

func (c *Collector) Coalesce(outcome string) {
	if c == nil {
		return
	}
	c.coalesce.WithLabelValues(outcome).Inc()
}

func (c *Collector) Event(kind, result string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(kind, result).Inc()
}

func (c *Collector) Cursor(seq int64) {
	if c == nil {
		return
	}
	c.cursor.Set(float64(seq))
}

func (c *Collector) ReconcileOp(op string) {
	if c == nil {
		return
	}
	c.reposIndexed.WithLabelValues(op).Inc()
}
