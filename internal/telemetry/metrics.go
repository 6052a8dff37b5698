package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the rollup and HTTP collectors on a private registry so
// tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	RollupsTotal   *prometheus.CounterVec
	RollupDuration *prometheus.HistogramVec
	RollupAttempts prometheus.Histogram
	LockWait       prometheus.Histogram
	Divergences    *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	RateLimited    prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RollupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "momentum",
			Name:      "rollups_total",
			Help:      "Rollup cascades by operation and outcome.",
		}, []string{"op", "outcome"}),
		RollupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "momentum",
			Name:      "rollup_duration_seconds",
			Help:      "Wall time of a rollup cascade including lock wait and retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		RollupAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "momentum",
			Name:      "rollup_attempts",
			Help:      "Attempts needed per rollup cascade.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		LockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "momentum",
			Name:      "mission_lock_wait_seconds",
			Help:      "Time spent waiting for the per-Mission lock.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		Divergences: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "momentum",
			Name:      "rollup_divergences_total",
			Help:      "Stored aggregates that disagreed with a recomputation.",
		}, []string{"level"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "momentum",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "momentum",
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
