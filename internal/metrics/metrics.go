// Package metrics exposes Prometheus instruments for the gateway.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allaspectsdev/kirogate/internal/cooldown"
)

// Metrics holds the gateway's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamAttempts *prometheus.CounterVec
	cooldowns        *prometheus.CounterVec
	cooldownSeconds  *prometheus.HistogramVec
	coolingCreds     prometheus.Gauge
	toolCompressions prometheus.Counter
	toolElevations   prometheus.Counter
	toolPayloadBytes *prometheus.HistogramVec
	truncations      *prometheus.CounterVec
}

// New registers the gateway instruments with reg. A nil reg gets a fresh
// registry that also carries the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kirogate_requests_total",
				Help: "Client requests by final HTTP status.",
			},
			[]string{"status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kirogate_request_duration_seconds",
				Help:    "End-to-end request latency in seconds.",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		upstreamAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kirogate_upstream_attempts_total",
				Help: "Upstream attempts by outcome.",
			},
			[]string{"outcome"},
		),
		cooldowns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kirogate_cooldowns_total",
				Help: "Cooldowns applied to credentials by reason.",
			},
			[]string{"reason"},
		),
		cooldownSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kirogate_cooldown_duration_seconds",
				Help:    "Length of applied cooldowns in seconds.",
				Buckets: []float64{30, 60, 90, 120, 180, 300, 3600, 86400},
			},
			[]string{"reason"},
		),
		coolingCreds: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kirogate_credentials_cooling",
				Help: "Credentials currently in cooldown.",
			},
		),
		toolCompressions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kirogate_tool_compressions_total",
				Help: "Requests whose tool definitions had to be compressed.",
			},
		),
		toolElevations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kirogate_tool_elevations_total",
				Help: "Tool descriptions moved into the system prompt.",
			},
		),
		toolPayloadBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kirogate_tool_payload_bytes",
				Help:    "Serialized tool payload size before and after shaping.",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
			},
			[]string{"stage"},
		),
		truncations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kirogate_truncations_total",
				Help: "Truncated tool calls detected by kind.",
			},
			[]string{"kind"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveRequest records a finished client request.
func (m *Metrics) ObserveRequest(status int, seconds float64) {
	if m == nil {
		return
	}
	label := strconv.Itoa(status)
	m.requests.WithLabelValues(label).Inc()
	m.requestDuration.WithLabelValues(label).Observe(seconds)
}

// ObserveAttempt records one upstream attempt. outcome is "ok", "cooldown",
// "transport" or "rejected".
func (m *Metrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.upstreamAttempts.WithLabelValues(outcome).Inc()
}

// RecordCooldown implements cooldown.Recorder.
func (m *Metrics) RecordCooldown(ev cooldown.Event) {
	if m == nil {
		return
	}
	reason := ev.Reason.String()
	m.cooldowns.WithLabelValues(reason).Inc()
	m.cooldownSeconds.WithLabelValues(reason).Observe(ev.Duration.Seconds())
}

// SetCoolingCredentials sets the number of credentials in cooldown.
func (m *Metrics) SetCoolingCredentials(n int) {
	if m == nil {
		return
	}
	m.coolingCreds.Set(float64(n))
}

// ObserveToolShaping records tool payload sizes. compressed is true when
// the payload exceeded the budget.
func (m *Metrics) ObserveToolShaping(before, after, elevated int, compressed bool) {
	if m == nil {
		return
	}
	m.toolPayloadBytes.WithLabelValues("original").Observe(float64(before))
	m.toolPayloadBytes.WithLabelValues("final").Observe(float64(after))
	if elevated > 0 {
		m.toolElevations.Add(float64(elevated))
	}
	if compressed {
		m.toolCompressions.Inc()
	}
}

// ObserveTruncation records one truncated tool call.
func (m *Metrics) ObserveTruncation(kind string) {
	if m == nil {
		return
	}
	m.truncations.WithLabelValues(kind).Inc()
}
