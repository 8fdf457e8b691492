package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0xReLogic/Cigano/internal/utils"
)

const namespace = "cigano"

// Upstream call outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeHTTPError   = "http_error"
	OutcomeInvalidBody = "invalid_response"
	OutcomeTransport   = "transport_error"
	OutcomeRejected    = "rejected"
)

// MetricsCollector owns the Prometheus collectors of one server instance.
// Each collector registers on its own registry so tests can build many.
type MetricsCollector struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	requestsInFlight   prometheus.Gauge
	rateLimited        prometheus.Counter
	validationFailures prometheus.Counter
	upstreamCalls      *prometheus.CounterVec
	upstreamDuration   prometheus.Histogram
	circuitState       *prometheus.GaugeVec
	panics             prometheus.Counter
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()
	mc := &MetricsCollector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		requestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejects_total",
			Help:      "Requests rejected by the per-client rate limiter",
		}),
		validationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Interpretation requests rejected by input validation",
		}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gemini_calls_total",
			Help:      "Calls to the Gemini API by outcome",
		}, []string{"outcome"}),
		upstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gemini_call_duration_seconds",
			Help:      "Latency of Gemini API calls in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panic_recoveries_total",
			Help:      "Panics recovered in HTTP handlers",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mc.requestsTotal,
		mc.requestDuration,
		mc.requestsInFlight,
		mc.rateLimited,
		mc.validationFailures,
		mc.upstreamCalls,
		mc.upstreamDuration,
		mc.circuitState,
		mc.panics,
	)
	return mc
}

// RecordRateLimitedRequest records a rate-limited request
func (mc *MetricsCollector) RecordRateLimitedRequest() {
	mc.rateLimited.Inc()
}

// RecordValidationFailure records a request rejected by validation
func (mc *MetricsCollector) RecordValidationFailure() {
	mc.validationFailures.Inc()
}

// RecordUpstreamCall records one Gemini call with its outcome and duration
func (mc *MetricsCollector) RecordUpstreamCall(outcome string, d time.Duration) {
	mc.upstreamCalls.WithLabelValues(outcome).Inc()
	if outcome != OutcomeRejected {
		mc.upstreamDuration.Observe(d.Seconds())
	}
}

// UpdateCircuitBreakerState updates the state gauge of a circuit breaker
func (mc *MetricsCollector) UpdateCircuitBreakerState(name string, state int) {
	mc.circuitState.WithLabelValues(name).Set(float64(state))
}

// RecordPanic records a recovered panic
func (mc *MetricsCollector) RecordPanic() {
	mc.panics.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{Registry: mc.registry})
}

// Instrument tracks request rate, errors and duration for one route.
func (mc *MetricsCollector) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		mc.requestsInFlight.Inc()
		defer mc.requestsInFlight.Dec()

		rec := utils.NewResponseRecorder(w)
		next.ServeHTTP(rec, r)

		mc.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.Status())).Inc()
		mc.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
