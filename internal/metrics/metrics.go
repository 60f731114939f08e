// Package metrics holds the Prometheus collectors of the relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeRetry   = "retry"
	OutcomeRescued = "rescued"
)

// Metrics groups the collectors on a private registry. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	relayStreams   *prometheus.CounterVec
	relayTokens    *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	readinessPolls prometheus.Counter
	filesExpired   prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		relayStreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_relay_streams_total",
			Help: "Relayed completions by outcome.",
		}, []string{"outcome"}),
		relayTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_relay_tokens_total",
			Help: "Tokens recorded on persisted messages by role.",
		}, []string{"role"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_jobs_total",
			Help: "Background job runs by job name and outcome.",
		}, []string{"job", "outcome"}),
		readinessPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_readiness_polls_total",
			Help: "Vector store status polls.",
		}),
		filesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_files_expired_total",
			Help: "Uploaded files marked expired by the sweeper.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration, m.relayStreams, m.relayTokens,
		m.jobs, m.readinessPolls, m.filesExpired,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveStream(outcome string) {
	if m == nil {
		return
	}
	m.relayStreams.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddTokens(role string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.relayTokens.WithLabelValues(role).Add(float64(n))
}

func (m *Metrics) ObserveJob(job, outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(job, outcome).Inc()
}

func (m *Metrics) ObserveReadinessPoll() {
	if m == nil {
		return
	}
	m.readinessPolls.Inc()
}

func (m *Metrics) AddExpiredFiles(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.filesExpired.Add(float64(n))
}
