package rzlock

import "time"

// Metrics provides observability for rzlock operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                    {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)         {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)     {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.Timings[name] = append(m.Timings[name], duration)
}

// Common metric names
const (
	MetricLockAcquired       = "rzlock.lock.acquired"
	MetricLockFailed         = "rzlock.lock.failed"
	MetricLockTimeout        = "rzlock.lock.timeout"        // acquisitions that hit maxWaitTime
	MetricLockConflictLost   = "rzlock.lock.conflict_lost"  // lost a resolveConflicts race
	MetricLockDuration       = "rzlock.lock.duration"       // time the lock was held, end to end
	MetricLockWaitTime       = "rzlock.lock.wait_duration"  // time spent in the acquisition loop
	MetricLockContention     = "rzlock.lock.contention"     // retries needed before success
	MetricLockHolderChange   = "rzlock.lock.holder_change"  // observed holder changed mid-wait
	MetricLockHeartbeatLost  = "rzlock.lock.heartbeat_lost" // heartbeat got outcome 0 or 3
	MetricLockReleased       = "rzlock.lock.released"
	MetricLockForceReleased  = "rzlock.lock.force_released"
	MetricLockUpgraded       = "rzlock.lock.upgraded"
	MetricLockActive         = "rzlock.lock.active"   // gauge: locks known to LockManager
	MetricLockOrphaned       = "rzlock.lock.orphaned"
	MetricLockCleanup        = "rzlock.lock.cleanup"
	MetricDistributedFlagSet = "rzlock.distributed.flag_set"
	MetricShardUnavailable   = "rzlock.shard.unavailable"
)

// Production integrations:
//
// For Prometheus (github.com/prometheus/client_golang):
//   type PrometheusMetrics struct {
//       counters   map[string]prometheus.Counter
//       gauges     map[string]prometheus.Gauge
//       histograms map[string]prometheus.Histogram
//   }
//
// For Datadog (github.com/DataDog/datadog-go/statsd):
//   type DatadogMetrics struct { client *statsd.Client }
//   func (m *DatadogMetrics) Increment(name string, tags ...string) {
//       m.client.Incr(name, tags, 1)
//   }
//
// For StatsD:
//   type StatsDMetrics struct { client *statsd.Client }
//   func (m *StatsDMetrics) Timing(name string, duration time.Duration, tags ...string) {
//       m.client.Timing(name, duration, tags...)
//   }
