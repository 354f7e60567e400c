package register

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts snapshot builds by outcome.
type Metrics struct {
	builds   *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration prometheus.Histogram
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// NewMetrics registers collectors on registerer, or the default registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultMetricsOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	builds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taxclose_snapshot_builds_total",
		Help: "Register snapshot builds partitioned by data source.",
	}, []string{"data_source"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taxclose_register_failures_total",
		Help: "Register aggregation failures partitioned by register and kind.",
	}, []string{"register", "kind"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "taxclose_snapshot_build_duration_seconds",
		Help:    "Duration of register snapshot builds.",
		Buckets: prometheus.DefBuckets,
	})
	registerer.MustRegister(builds, failures, duration)
	return &Metrics{builds: builds, failures: failures, duration: duration}
}

func (m *Metrics) observeBuild(source DataSource, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(string(source)).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeFailure(err *AggregationError) {
	if m == nil || err == nil {
		return
	}
	m.failures.WithLabelValues(string(err.Register), string(err.Kind)).Inc()
}
