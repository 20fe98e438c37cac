package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	lifecycle  *prometheus.CounterVec
	deliveries *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking gift lifecycle events and
// their webhook deliveries.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gift",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of gift lifecycle events segmented by type.",
			}, []string{"type"}),
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gift",
				Subsystem: "events",
				Name:      "webhook_deliveries_total",
				Help:      "Webhook delivery attempts segmented by subscription and outcome.",
			}, []string{"subscription", "outcome"}),
		}
		prometheus.MustRegister(eventRegistry.lifecycle, eventRegistry.deliveries)
	})
	return eventRegistry
}

// RecordEvent increments the lifecycle counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.lifecycle.WithLabelValues(normalized).Inc()
}

// RecordDelivery records one webhook delivery attempt.
func (m *eventMetrics) RecordDelivery(subscription string, delivered bool) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(subscription)
	if normalized == "" {
		normalized = "unknown"
	}
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	m.deliveries.WithLabelValues(normalized, outcome).Inc()
}
