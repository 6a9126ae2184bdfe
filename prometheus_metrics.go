package rzlock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, uses the default Prometheus registry
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers all standard rzlock metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	// Acquisition outcomes
	p.counters[MetricLockAcquired] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rzlock",
			Subsystem: "lock",
			Name:      "acquired_total",
			Help:      "Total number of successful lock acquisitions",
		},
		[]string{"role", "key"},
	)

	p.counters[MetricLockFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rzlock",
			Subsystem: "lock",
			Name:      "failed_total",
			Help:      "Total number of failed lock acquisitions",
		},
		[]string{"role", "key"},
	)

	p.counters[MetricLockTimeout] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rzlock",
			Subsystem: "lock",
			Name:      "timeout_total",
			Help:      "Total number of acquisitions that hit maxWaitTime",
		},
		[]string{"role", "key"},
	)

	p.counters[MetricLockConflictLost] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rzlock",
			Subsystem: "lock",
			Name:      "conflict_lost_total",
			Help:      "Total number of conflict-resolution losses",
		},
		[]string{"key"},
	)

	p.counters[MetricLockHeartbeatLost] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rzlock",
			Subsystem: "lock",
			Name:      "heartbeat_lost_total",
			Help:      "Total number of heartbeats that reported the lease lost",
		},
		[]string{"role", "key"},
	)

	p.counters[MetricLockReleased] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rzlock",
			Subsystem: "lock",
			Name:      "released_total",
			Help:      "Total number of handle releases (refCount reaching zero)",
		},
		[]string{"role", "key"},
	)

	p.counters[MetricLockForceReleased] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rzlock",
			Subsystem: "lock",
			Name:      "force_released_total",
			Help:      "Total number of forced releases",
		},
		[]string{"key"},
	)

	p.counters[MetricLockOrphaned] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rzlock",
			Subsystem: "lock",
			Name:      "orphaned_total",
			Help:      "Total number of orphaned locks cleaned up by LockManager",
		},
		[]string{"key"},
	)

	p.counters[MetricShardUnavailable] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rzlock",
			Subsystem: "shard",
			Name:      "unavailable_total",
			Help:      "Total number of transient shard-unavailable misses",
		},
		[]string{"shard"},
	)

	// Timing histograms
	p.histograms[MetricLockWaitTime] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rzlock",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Time spent in the acquisition retry loop",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "key"},
	)

	p.histograms[MetricLockDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rzlock",
			Subsystem: "lock",
			Name:      "held_duration_seconds",
			Help:      "Time a lock handle was held before release",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"role", "key"},
	)

	p.histograms[MetricLockContention] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rzlock",
			Subsystem: "lock",
			Name:      "contention_retries",
			Help:      "Number of retries needed before a lock was acquired",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
		[]string{"role", "key"},
	)

	// Gauge metrics
	p.gauges[MetricLockActive] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rzlock",
			Subsystem: "lock",
			Name:      "active",
			Help:      "Number of locks currently known to LockManager",
		},
		[]string{},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	counter, ok := p.counters[name]
	if !ok {
		// Create dynamic counter if it doesn't exist
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rzlock",
				Name:      name,
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}

	labels := p.extractLabelValues(tags)
	counter.With(labels).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	gauge, ok := p.gauges[name]
	if !ok {
		// Create dynamic gauge if it doesn't exist
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "rzlock",
				Name:      name,
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}

	labels := p.extractLabelValues(tags)
	gauge.With(labels).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	histogram, ok := p.histograms[name]
	if !ok {
		// Create dynamic histogram if it doesn't exist
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rzlock",
				Name:      name,
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}

	labels := p.extractLabelValues(tags)
	histogram.With(labels).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		if i < len(tags) {
			labels = append(labels, tags[i])
		}
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	if len(tags) == 0 {
		return prometheus.Labels{}
	}

	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
