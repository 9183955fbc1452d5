// Package metrics exposes gateway, feed, executor and ledger telemetry to
// Prometheus from a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

const namespace = "tradegate"

// Metrics owns the registry and every instrument. It satisfies the
// gateway and feed Recorder interfaces.
type Metrics struct {
	registry *prometheus.Registry

	attempts     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	limiterWait  *prometheus.HistogramVec
	breakerFlips *prometheus.CounterVec

	feedMessages   *prometheus.CounterVec
	feedDrops      *prometheus.CounterVec
	feedReconnects prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the registry with Go runtime and process collectors plus a
// build_info gauge.
func New(version string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}
	m.attempts = m.counterVec("broker_attempts_total", "Broker HTTP attempts by outcome.", "class", "endpoint", "outcome")
	m.latency = m.histogramVec("broker_attempt_duration_seconds", "Broker HTTP attempt latency.",
		prometheus.ExponentialBuckets(0.01, 2, 12), "class", "endpoint")
	m.retries = m.counterVec("broker_retries_total", "Broker retries by reason.", "class", "endpoint", "reason")
	m.limiterWait = m.histogramVec("ratelimit_wait_seconds", "Time spent waiting for rate limit tokens.",
		prometheus.ExponentialBuckets(0.001, 4, 10), "class")
	m.breakerFlips = m.counterVec("breaker_transitions_total", "Circuit breaker state changes.", "endpoint", "from", "to")

	m.feedMessages = m.counterVec("feed_messages_total", "Market data messages accepted.", "kind")
	m.feedDrops = m.counterVec("feed_dropped_total", "Market data messages dropped.", "reason")
	m.feedReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_reconnects_total",
		Help:      "Market data reconnects.",
	})
	reg.MustRegister(m.feedReconnects)

	m.httpRequests = m.counterVec("http_requests_total", "Control API requests.", "method", "path", "status")
	m.httpDuration = m.histogramVec("http_request_duration_seconds", "Control API latency.",
		prometheus.DefBuckets, "method", "path")

	build := m.gaugeVec("build_info", "Build information.", "version")
	if version == "" {
		version = "unknown"
	}
	build.WithLabelValues(version).Set(1)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveAttempt records one broker HTTP attempt.
func (m *Metrics) ObserveAttempt(class domain.RequestClass, endpoint, outcome string, d time.Duration) {
	m.attempts.WithLabelValues(class.String(), endpoint, outcome).Inc()
	m.latency.WithLabelValues(class.String(), endpoint).Observe(d.Seconds())
}

// ObserveRetry records a retry decision.
func (m *Metrics) ObserveRetry(class domain.RequestClass, endpoint, reason string) {
	m.retries.WithLabelValues(class.String(), endpoint, reason).Inc()
}

// ObserveLimiterWait records how long a request waited for tokens.
func (m *Metrics) ObserveLimiterWait(class domain.RequestClass, waited time.Duration) {
	m.limiterWait.WithLabelValues(class.String()).Observe(waited.Seconds())
}

// ObserveBreakerTransition records a breaker state change.
func (m *Metrics) ObserveBreakerTransition(name string, from, to domain.BreakerState) {
	m.breakerFlips.WithLabelValues(name, string(from), string(to)).Inc()
}

// ObserveMessage counts an accepted feed message.
func (m *Metrics) ObserveMessage(kind string) {
	m.feedMessages.WithLabelValues(kind).Inc()
}

// ObserveDrop counts a dropped feed message.
func (m *Metrics) ObserveDrop(reason string) {
	m.feedDrops.WithLabelValues(reason).Inc()
}

// ObserveReconnect counts a feed reconnect.
func (m *Metrics) ObserveReconnect() {
	m.feedReconnects.Inc()
}

// ObserveHTTP records one control API request.
func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (m *Metrics) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	m.registry.MustRegister(cv)
	return cv
}

func (m *Metrics) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	m.registry.MustRegister(gv)
	return gv
}

func (m *Metrics) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	m.registry.MustRegister(hv)
	return hv
}
