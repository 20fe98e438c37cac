package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics tracks HTTP traffic and guarded escrow operations.
type GatewayMetrics struct {
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	operations      *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	guardRejections *prometheus.CounterVec
}

var (
	gatewayOnce     sync.Once
	gatewayRegistry *GatewayMetrics
)

// Gateway returns the lazily-initialised gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gift",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method, and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gift",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gift",
				Subsystem: "gateway",
				Name:      "operations_total",
				Help:      "Escrow operations segmented by kind, outcome, and payment path.",
			}, []string{"operation", "outcome", "path"}),
			fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gift",
				Subsystem: "gateway",
				Name:      "fallbacks_total",
				Help:      "Count of operations that fell back from the sponsored relay to direct submission.",
			}, []string{"operation"}),
			guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gift",
				Subsystem: "gateway",
				Name:      "guard_rejections_total",
				Help:      "Requests rejected before submission, segmented by operation and reason.",
			}, []string{"operation", "reason"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.operations,
			gatewayRegistry.fallbacks,
			gatewayRegistry.guardRejections,
		)
	})
	return gatewayRegistry
}

// ObserveRequest records one handled HTTP request. The status code should be
// the one ultimately written to the response writer.
func (m *GatewayMetrics) ObserveRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = normalizeLabel(route, "unknown")
	method = normalizeLabel(method, "unknown")
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// ObserveOperation records a finished escrow operation. Path is "sponsored"
// or "direct" for completed operations and "none" for ones that never
// reached the chain.
func (m *GatewayMetrics) ObserveOperation(operation, outcome, path string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(
		normalizeLabel(operation, "unknown"),
		normalizeLabel(outcome, "unknown"),
		normalizeLabel(path, "none"),
	).Inc()
}

// ObserveFallback records a sponsored-to-direct fallback for the operation.
func (m *GatewayMetrics) ObserveFallback(operation string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(normalizeLabel(operation, "unknown")).Inc()
}

// ObserveGuardRejection records a request stopped by the guard layer.
func (m *GatewayMetrics) ObserveGuardRejection(operation, reason string) {
	if m == nil {
		return
	}
	m.guardRejections.WithLabelValues(
		normalizeLabel(operation, "unknown"),
		normalizeLabel(reason, "unknown"),
	).Inc()
}

func normalizeLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
