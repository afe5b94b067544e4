package offlinecache

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	fetchTotal       *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	installTotal     *prometheus.CounterVec
	writeFailures    prometheus.Counter
	generationsEvict prometheus.Counter
}

// NewMetrics creates the collectors and registers them on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_fetch_total",
				Help: "The total number of intercepted requests by action",
			},
			[]string{"action"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "offline_cache_fetch_duration_seconds",
				Help: "The interception latencies in seconds",
			},
			[]string{"action"},
		),
		installTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_install_total",
				Help: "The total number of installs by result",
			},
			[]string{"result"},
		),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_cache_cache_write_failures_total",
			Help: "The total number of failed fetch-time cache writes",
		}),
		generationsEvict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_cache_generations_deleted_total",
			Help: "The total number of stale generations deleted on activation",
		}),
	}
	m.registry.MustRegister(
		m.fetchTotal,
		m.fetchDuration,
		m.installTotal,
		m.writeFailures,
		m.generationsEvict,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) fetched(action Action, start time.Time) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(string(action)).Inc()
	m.fetchDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) installed(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.installTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) writeFailed() {
	if m == nil {
		return
	}
	m.writeFailures.Inc()
}

func (m *Metrics) generationDeleted() {
	if m == nil {
		return
	}
	m.generationsEvict.Inc()
}
