package engine

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the discovery/ingestion engine.
type Metrics struct {
	registry *prometheus.Registry

	ticksTotal    prometheus.Counter
	tickErrors    prometheus.Counter
	tickDuration  prometheus.Histogram
	discovered    *prometheus.GaugeVec
	activeConns   *prometheus.GaugeVec
	sessionsEnded *prometheus.CounterVec

	cacheSize   prometheus.Gauge
	cacheHits   prometheus.Gauge
	cacheMisses prometheus.Gauge

	eventsAdded        prometheus.Gauge
	eventsFlushed      prometheus.Gauge
	eventsDeadLettered prometheus.Gauge
	eventsDropped      prometheus.Gauge
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scout",
			Name:      "discovery_ticks_total",
			Help:      "Completed discovery ticks",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scout",
			Name:      "discovery_tick_errors_total",
			Help:      "Discovery ticks that ended in error",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scout",
			Name:      "discovery_tick_duration_seconds",
			Help:      "Histogram of discovery tick durations",
			Buckets:   prometheus.DefBuckets,
		}),
		discovered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scout",
			Name:      "discovered_broadcasts",
			Help:      "Live broadcasts seen on the last tick",
		}, []string{"platform"}),
		activeConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scout",
			Name:      "active_connections",
			Help:      "Currently active live connections",
		}, []string{"platform"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scout",
			Name:      "sessions_ended_total",
			Help:      "Broadcast sessions marked ended",
		}, []string{"platform"}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scout",
			Name:      "person_cache_size",
			Help:      "Entries in the identity cache",
		}),
		cacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scout",
			Name:      "person_cache_hits",
			Help:      "Identity cache hits since start",
		}),
		cacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scout",
			Name:      "person_cache_misses",
			Help:      "Identity cache misses since start",
		}),
		eventsAdded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scout",
			Name:      "events_added",
			Help:      "Events accepted by the batcher since start",
		}),
		eventsFlushed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scout",
			Name:      "events_flushed",
			Help:      "Events persisted since start",
		}),
		eventsDeadLettered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scout",
			Name:      "events_dead_lettered",
			Help:      "Events routed to the dead-letter sink since start",
		}),
		eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scout",
			Name:      "events_dropped",
			Help:      "Events dropped with no dead-letter sink configured",
		}),
	}

	registry.MustRegister(
		m.ticksTotal,
		m.tickErrors,
		m.tickDuration,
		m.discovered,
		m.activeConns,
		m.sessionsEnded,
		m.cacheSize,
		m.cacheHits,
		m.cacheMisses,
		m.eventsAdded,
		m.eventsFlushed,
		m.eventsDeadLettered,
		m.eventsDropped,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
