package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vaultlend"

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// HTTP returns the lazily-initialised registry recording API activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status should be the code
// ultimately written to the client.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOr(route, "unknown")
	method = labelOr(method, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle counts a rejected request. Reasons should be stable strings
// such as "rate_limit".
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(route, "unknown"), labelOr(reason, "unspecified")).Inc()
}

// LendingMetrics tracks engine operations and the resulting market state.
type LendingMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	failures   *prometheus.CounterVec
	active     prometheus.Gauge
	rate       prometheus.Gauge
	paused     prometheus.Gauge
}

// Lending returns the singleton engine metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Count of engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations including oracle reads.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "failures_total",
				Help:      "Count of rejected engine operations segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			active: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "active_loans",
				Help:      "Number of loans currently open.",
			}),
			rate: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "interest_rate_bps",
				Help:      "Current annual simple interest rate in basis points.",
			}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "paused",
				Help:      "Set to 1 while the circuit breaker is engaged.",
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.failures,
			lendingRegistry.active,
			lendingRegistry.rate,
			lendingRegistry.paused,
		)
	})
	return lendingRegistry
}

// Observe records an engine call. reason is only used when err is non-nil and
// should be a short stable classification rather than the error text.
func (m *LendingMetrics) Observe(operation string, duration time.Duration, err error, reason string) {
	if m == nil {
		return
	}
	op := labelOr(operation, "unknown")
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.failures.WithLabelValues(op, labelOr(reason, "internal")).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// SetState publishes the engine's current market state.
func (m *LendingMetrics) SetState(activeLoans uint64, rateBps uint64, paused bool) {
	if m == nil {
		return
	}
	m.active.Set(float64(activeLoans))
	m.rate.Set(float64(rateBps))
	if paused {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
}

func labelOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
