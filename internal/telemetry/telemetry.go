// Package telemetry exposes Prometheus metrics for the engine and the API.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

// Metrics holds every Kestrel collector.
type Metrics struct {
	registry *prometheus.Registry

	analyses         *prometheus.CounterVec
	analysisDuration prometheus.Histogram
	clusters         *prometheus.CounterVec
	accounts         prometheus.Counter
	modelFallbacks   prometheus.Counter
	sinkFailures     *prometheus.CounterVec
	sinkWrites       *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors on a dedicated registry, including Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "analyses_total",
			Help:      "Total number of snapshot analyses.",
		}, []string{"source"}),
		analysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "analysis_duration_seconds",
			Help:      "Wall time of one snapshot analysis.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		clusters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "clusters_total",
			Help:      "Clusters detected, by risk level.",
		}, []string{"risk_level"}),
		accounts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "accounts_scored_total",
			Help:      "Accounts that received a risk result.",
		}),
		modelFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "fallbacks_total",
			Help:      "Predictions replaced by zero scores after a model failure.",
		}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "failures_total",
			Help:      "Failed cluster persistence writes.",
		}, []string{"sink"}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Successful cluster persistence writes.",
		}, []string{"sink"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.analyses, m.analysisDuration, m.clusters, m.accounts,
		m.modelFallbacks, m.sinkFailures, m.sinkWrites,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAnalysis records one completed analysis.
func (m *Metrics) ObserveAnalysis(source string, a *domain.Analysis, d time.Duration) {
	if m == nil || a == nil {
		return
	}
	m.analyses.WithLabelValues(source).Inc()
	m.analysisDuration.Observe(d.Seconds())
	for i := range a.Clusters {
		m.clusters.WithLabelValues(string(a.Clusters[i].RiskLevel)).Inc()
	}
	m.accounts.Add(float64(len(a.Accounts)))
}

// ModelFallback counts a prediction replaced by zero scores.
func (m *Metrics) ModelFallback() {
	if m == nil {
		return
	}
	m.modelFallbacks.Inc()
}

// SinkWrite records the outcome of a sink write.
func (m *Metrics) SinkWrite(sink string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sinkFailures.WithLabelValues(sink).Inc()
		return
	}
	m.sinkWrites.WithLabelValues(sink).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
