// Package metrics provides Prometheus-based metrics collection for the scan agent.
// Each agent owns one PrometheusMetrics value with its own registry, exposed on
// the status endpoint when enabled.
package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all agent metrics
	namespace = "scanorama_agent"

	// Subsystems
	subsystemAuthority = "authority"
	subsystemTargets   = "targets"
	subsystemQueue     = "queue"
	subsystemWorkers   = "workers"
	subsystemScan      = "scan"
	subsystemSystem    = "system"
)

// Outcome labels shared by callers.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"

	ResultSubmitted = "submitted"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Authority metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestRetries  *prometheus.CounterVec

	// Target expansion metrics
	workLookups    *prometheus.CounterVec
	invalidTargets prometheus.Counter

	// Queue metrics
	queueDepth    prometheus.Gauge
	queueCapacity prometheus.Gauge

	// Worker metrics
	workersByState *prometheus.GaugeVec
	resultsTotal   *prometheus.CounterVec

	// Scan metrics
	scanDuration *prometheus.HistogramVec
	portsFound   prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime time.Time
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initAuthorityMetrics()
	pm.initPipelineMetrics()
	pm.initScanMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initAuthorityMetrics() {
	pm.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAuthority,
			Name:      "requests_total",
			Help:      "Total number of authority requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	pm.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAuthority,
			Name:      "request_duration_seconds",
			Help:      "Duration of authority requests in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 15.0},
		},
		[]string{"endpoint"},
	)

	pm.requestRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAuthority,
			Name:      "retries_total",
			Help:      "Total number of retried authority requests",
		},
		[]string{"endpoint"},
	)
}

func (pm *PrometheusMetrics) initPipelineMetrics() {
	pm.workLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTargets,
			Name:      "lookups_total",
			Help:      "Total number of per-host work lookups by outcome",
		},
		[]string{"outcome"},
	)

	pm.invalidTargets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTargets,
			Name:      "invalid_total",
			Help:      "Total number of unparseable target entries",
		},
	)

	pm.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "depth",
			Help:      "Number of work items waiting for a worker",
		},
	)

	pm.queueCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "capacity",
			Help:      "Maximum number of queued work items",
		},
	)

	pm.workersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemWorkers,
			Name:      "state",
			Help:      "Number of workers in each state",
		},
		[]string{"state"},
	)

	pm.resultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWorkers,
			Name:      "results_total",
			Help:      "Total number of scan results by delivery status",
		},
		[]string{"status"},
	)
}

func (pm *PrometheusMetrics) initScanMetrics() {
	pm.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Duration of engine invocations in seconds",
			Buckets:   []float64{1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0, 1800.0, 3600.0},
		},
		[]string{"status"},
	)

	pm.portsFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "ports_total",
			Help:      "Total number of ports reported by completed scans",
		},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Agent uptime in seconds",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.requestsTotal,
		pm.requestDuration,
		pm.requestRetries,
		pm.workLookups,
		pm.invalidTargets,
		pm.queueDepth,
		pm.queueCapacity,
		pm.workersByState,
		pm.resultsTotal,
		pm.scanDuration,
		pm.portsFound,
		pm.memoryUsage,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Authority Metrics Methods

// RecordRequest records one completed authority request.
func (pm *PrometheusMetrics) RecordRequest(endpoint, status string, duration time.Duration) {
	pm.requestsTotal.WithLabelValues(endpoint, status).Inc()
	pm.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// IncrementRetries counts a retried authority request.
func (pm *PrometheusMetrics) IncrementRetries(endpoint string) {
	pm.requestRetries.WithLabelValues(endpoint).Inc()
}

// Pipeline Metrics Methods

// IncrementLookups counts a per-host work lookup by outcome.
func (pm *PrometheusMetrics) IncrementLookups(outcome string) {
	pm.workLookups.WithLabelValues(outcome).Inc()
}

// IncrementInvalidTargets counts an unparseable target entry.
func (pm *PrometheusMetrics) IncrementInvalidTargets() {
	pm.invalidTargets.Inc()
}

// SetQueue records the current queue depth and capacity.
func (pm *PrometheusMetrics) SetQueue(depth, capacity int) {
	pm.queueDepth.Set(float64(depth))
	pm.queueCapacity.Set(float64(capacity))
}

// SetWorkersInState sets the number of workers in a state.
func (pm *PrometheusMetrics) SetWorkersInState(state string, count int) {
	pm.workersByState.WithLabelValues(state).Set(float64(count))
}

// IncrementResults counts a result by delivery status.
func (pm *PrometheusMetrics) IncrementResults(status string) {
	pm.resultsTotal.WithLabelValues(status).Inc()
}

// Scan Metrics Methods

// RecordScan records an engine invocation.
func (pm *PrometheusMetrics) RecordScan(status string, duration time.Duration, ports int) {
	pm.scanDuration.WithLabelValues(status).Observe(duration.Seconds())
	pm.portsFound.Add(float64(ports))
}

// System Metrics Methods

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
}

// GetUptime returns the agent uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}
