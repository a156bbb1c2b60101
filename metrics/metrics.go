// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openeo_udf"

// Metrics holds the registry and the collectors of the dispatch layer
type Metrics struct {
	Registry *prometheus.Registry

	InFlight prometheus.Gauge
	Queued   prometheus.Gauge
	Results  *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	CacheHit prometheus.Counter
}

// New creates and registers all collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_in_flight",
			Help:      "Number of UDF executions currently running.",
		}),
		Queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_queued",
			Help:      "Number of admitted UDF requests waiting for a pool slot.",
		}),
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "UDF results by outcome.",
		}, []string{"outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of UDF executions.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"language"}),
		CacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Requests served from the result cache.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.InFlight,
		m.Queued,
		m.Results,
		m.Duration,
		m.CacheHit,
	)
	return m
}

// ObserveResult counts a result; outcome is "ok" or the error kind
func (m *Metrics) ObserveResult(outcome string) {
	m.Results.WithLabelValues(outcome).Inc()
}

// ObserveDuration records the wall time of one execution
func (m *Metrics) ObserveDuration(language string, d time.Duration) {
	m.Duration.WithLabelValues(language).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
