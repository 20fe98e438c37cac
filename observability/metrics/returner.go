package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ReturnerMetrics tracks the auto-return worker that sweeps expired gifts
// back to their creators.
type ReturnerMetrics struct {
	runs      *prometheus.CounterVec
	processed prometheus.Counter
	results   *prometheus.CounterVec
	backlog   prometheus.Gauge
	duration  prometheus.Histogram
}

var (
	returnerOnce     sync.Once
	returnerRegistry *ReturnerMetrics
)

// Returner returns the lazily-initialised auto-return metrics registry.
func Returner() *ReturnerMetrics {
	returnerOnce.Do(func() {
		returnerRegistry = &ReturnerMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gift_returner_runs_total",
				Help: "Count of auto-return sweeps by outcome.",
			}, []string{"outcome"}),
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gift_returner_candidates_total",
				Help: "Total expired gift candidates examined across sweeps.",
			}),
			results: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gift_returner_results_total",
				Help: "Per-gift sweep results segmented by status.",
			}, []string{"status"}),
			backlog: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gift_returner_backlog",
				Help: "Expired gifts still awaiting return after the latest sweep.",
			}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "gift_returner_sweep_duration_seconds",
				Help:    "Duration of complete auto-return sweeps.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			}),
		}
		prometheus.MustRegister(
			returnerRegistry.runs,
			returnerRegistry.processed,
			returnerRegistry.results,
			returnerRegistry.backlog,
			returnerRegistry.duration,
		)
	})
	return returnerRegistry
}

// ObserveRun records one completed sweep.
func (m *ReturnerMetrics) ObserveRun(outcome string, candidates int, seconds float64) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.processed.Add(float64(candidates))
	m.duration.Observe(seconds)
}

// ObserveResult records the outcome for a single candidate gift.
func (m *ReturnerMetrics) ObserveResult(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.results.WithLabelValues(status).Inc()
}

// SetBacklog publishes the number of expired gifts still outstanding.
func (m *ReturnerMetrics) SetBacklog(count int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(count))
}
