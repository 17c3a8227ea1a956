// Package metrics exports Prometheus metrics for the relay worker. The
// exporter owns its registry; a nil *Exporter is a valid no-op so every
// call site can stay unconditional.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter holds the worker's metric instruments.
type Exporter struct {
	registry *prometheus.Registry

	// Poll loop
	polledUpdates  prometheus.Counter
	droppedUpdates prometheus.Counter

	// Relay turns
	turns         *prometheus.CounterVec
	turnLatency   *prometheus.HistogramVec
	turnsInFlight prometheus.Gauge
	topicQueues   prometheus.Gauge

	// Backpressure and scheduling
	busyRejections      prometheus.Counter
	scheduledDeliveries *prometheus.CounterVec
}

// Scheduled delivery outcomes.
const (
	OutcomeDelivered  = "delivered"
	OutcomeDedupSkip  = "dedup_skip"
	OutcomeSendFailed = "send_failed"
)

// NewExporter creates an exporter with a fresh registry.
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{registry: registry}

	e.polledUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "relay",
		Name:      "polled_updates_total",
		Help:      "Updates received from the chat transport",
	})

	e.droppedUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "relay",
		Name:      "dropped_updates_total",
		Help:      "Updates dropped by the inbound filter",
	})

	e.turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "relay",
		Name:      "turns_total",
		Help:      "Completed relay turns by outcome class",
	}, []string{"class"})

	e.turnLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "courier",
		Subsystem: "relay",
		Name:      "turn_latency_seconds",
		Help:      "Relay turn latency in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"class"})

	e.turnsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "courier",
		Subsystem: "relay",
		Name:      "turns_in_flight",
		Help:      "Model turns currently holding a concurrency permit",
	})

	e.topicQueues = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "courier",
		Subsystem: "relay",
		Name:      "topic_queues",
		Help:      "Live per-topic serial queues",
	})

	e.busyRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "relay",
		Name:      "busy_rejections_total",
		Help:      "Turns rejected because the waiter line was full",
	})

	e.scheduledDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "relay",
		Name:      "scheduled_deliveries_total",
		Help:      "Scheduled message delivery outcomes",
	}, []string{"outcome"})

	registry.MustRegister(
		e.polledUpdates,
		e.droppedUpdates,
		e.turns,
		e.turnLatency,
		e.turnsInFlight,
		e.topicQueues,
		e.busyRejections,
		e.scheduledDeliveries,
	)

	return e
}

// RecordPolledUpdates counts updates returned by one poll.
func (e *Exporter) RecordPolledUpdates(n int) {
	if e == nil || n <= 0 {
		return
	}
	e.polledUpdates.Add(float64(n))
}

// RecordDroppedUpdate counts one update the filter refused.
func (e *Exporter) RecordDroppedUpdate() {
	if e == nil {
		return
	}
	e.droppedUpdates.Inc()
}

// RecordTurn books one finished turn under its outcome class.
func (e *Exporter) RecordTurn(class string, latency time.Duration) {
	if e == nil {
		return
	}
	e.turns.WithLabelValues(class).Inc()
	e.turnLatency.WithLabelValues(class).Observe(latency.Seconds())
}

// SetTurnsInFlight publishes the held-permit count.
func (e *Exporter) SetTurnsInFlight(n int) {
	if e == nil {
		return
	}
	e.turnsInFlight.Set(float64(n))
}

// SetTopicQueues publishes the live queue count.
func (e *Exporter) SetTopicQueues(n int) {
	if e == nil {
		return
	}
	e.topicQueues.Set(float64(n))
}

// RecordBusyRejection counts one queue-full rejection.
func (e *Exporter) RecordBusyRejection() {
	if e == nil {
		return
	}
	e.busyRejections.Inc()
}

// RecordScheduledDelivery books one scheduled-message outcome.
func (e *Exporter) RecordScheduledDelivery(outcome string) {
	if e == nil {
		return
	}
	e.scheduledDeliveries.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	if e == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	if e == nil {
		return nil
	}
	return e.registry
}
