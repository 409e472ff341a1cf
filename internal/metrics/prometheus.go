// Package metrics provides Prometheus-based metrics collection for stascan.
// PrometheusMetrics mirrors the in-process registry names onto real
// collectors so the daemon can expose them on /metrics.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all stascan metrics
	namespace = "stascan"

	// Subsystems
	subsystemArbiter      = "arbiter"
	subsystemClient       = "client"
	subsystemConcentrator = "concentrator"
	subsystemSME          = "sme"
	subsystemSelection    = "selection"
	subsystemAPI          = "api"
	subsystemSystem       = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Arbiter metrics
	arbiterRequests *prometheus.CounterVec
	arbiterAborts   *prometheus.CounterVec
	arbiterResets   prometheus.Counter
	groupChanges    *prometheus.CounterVec

	// Scan client metrics
	scansTotal   *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec

	// Concentrator metrics
	framesReceived *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	sitesInTable   prometheus.Gauge

	// SME and selection metrics
	smeTransitions   *prometheus.CounterVec
	connectAttempts  *prometheus.CounterVec
	selectionResults *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	// Registry names routed onto the collectors above
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec

	// Performance tracking
	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initArbiterMetrics()
	pm.initScanMetrics()
	pm.initStationMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	pm.counters = map[string]*prometheus.CounterVec{
		MetricArbiterRequests:  pm.arbiterRequests,
		MetricArbiterAborts:    pm.arbiterAborts,
		MetricArbiterGroup:     pm.groupChanges,
		MetricScanTotal:        pm.scansTotal,
		MetricFramesReceived:   pm.framesReceived,
		MetricFramesDropped:    pm.framesDropped,
		MetricSMETransitions:   pm.smeTransitions,
		MetricConnectAttempts:  pm.connectAttempts,
		MetricSelectionResults: pm.selectionResults,
	}
	pm.histograms = map[string]*prometheus.HistogramVec{
		MetricScanDuration: pm.scanDuration,
	}

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initArbiterMetrics() {
	pm.arbiterRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemArbiter,
			Name:      "requests_total",
			Help:      "Resource requests by client, resource and decision",
		},
		[]string{LabelClient, LabelResource, LabelResult},
	)

	pm.arbiterAborts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemArbiter,
			Name:      "aborts_total",
			Help:      "Abort notifications sent to running clients",
		},
		[]string{LabelClient},
	)

	pm.arbiterResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemArbiter,
			Name:      "fw_resets_total",
			Help:      "Firmware reset broadcasts",
		},
	)

	pm.groupChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemArbiter,
			Name:      "group_changes_total",
			Help:      "Arbiter group switches by target group",
		},
		[]string{LabelGroup},
	)
}

func (pm *PrometheusMetrics) initScanMetrics() {
	pm.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemClient,
			Name:      "scans_total",
			Help:      "Finished scan attempts by client and status",
		},
		[]string{LabelClient, LabelStatus},
	)

	pm.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemClient,
			Name:      "scan_duration_seconds",
			Help:      "Duration of scan attempts from start to completion",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{LabelClient},
	)
}

func (pm *PrometheusMetrics) initStationMetrics() {
	pm.framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemConcentrator,
			Name:      "frames_received_total",
			Help:      "Beacon and probe-response frames delivered per client",
		},
		[]string{LabelClient},
	)

	pm.framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemConcentrator,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded by the result filters",
		},
		[]string{LabelClient, LabelReason},
	)

	pm.sitesInTable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemConcentrator,
			Name:      "sites",
			Help:      "Entries currently held in the site table",
		},
	)

	pm.smeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSME,
			Name:      "transitions_total",
			Help:      "Connection state machine transitions",
		},
		[]string{LabelFrom, LabelTo},
	)

	pm.connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSME,
			Name:      "connect_attempts_total",
			Help:      "Association attempts by result",
		},
		[]string{LabelResult},
	)

	pm.selectionResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSelection,
			Name:      "results_total",
			Help:      "Candidate selection passes by result",
		},
		[]string{LabelResult},
	)
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"method", "path"},
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
			Help:      "Application uptime in seconds",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.arbiterRequests,
		pm.arbiterAborts,
		pm.arbiterResets,
		pm.groupChanges,
		pm.scansTotal,
		pm.scanDuration,
		pm.framesReceived,
		pm.framesDropped,
		pm.sitesInTable,
		pm.smeTransitions,
		pm.connectAttempts,
		pm.selectionResults,
		pm.httpRequests,
		pm.httpDuration,
		pm.memoryUsage,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// ObserveCounter routes a registry counter onto its collector. Unknown names
// and label sets that do not match the collector are ignored.
func (pm *PrometheusMetrics) ObserveCounter(name string, labels Labels) {
	switch name {
	case MetricArbiterResets:
		pm.arbiterResets.Inc()
		return
	}
	vec, ok := pm.counters[name]
	if !ok {
		return
	}
	if c, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		c.Inc()
	}
}

// ObserveGauge routes a registry gauge onto its collector.
func (pm *PrometheusMetrics) ObserveGauge(name string, value float64, _ Labels) {
	if name == MetricSitesInTable {
		pm.sitesInTable.Set(value)
	}
}

// ObserveHistogram routes a registry histogram onto its collector.
func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels Labels) {
	vec, ok := pm.histograms[name]
	if !ok {
		return
	}
	if o, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		o.Observe(value)
	}
}

// IncrementHTTPRequests increments HTTP request counter
func (pm *PrometheusMetrics) IncrementHTTPRequests(method, path, status string) {
	pm.httpRequests.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func (pm *PrometheusMetrics) RecordHTTPDuration(method, path string, duration time.Duration) {
	pm.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())

	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates updates system metrics every interval until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

// Tee is a MetricsRegistry that records into an in-process Registry and
// mirrors every observation onto PrometheusMetrics.
type Tee struct {
	*Registry
	prom *PrometheusMetrics
}

// NewTee creates a registry that feeds both reg and pm.
func NewTee(reg *Registry, pm *PrometheusMetrics) *Tee {
	return &Tee{Registry: reg, prom: pm}
}

var _ MetricsRegistry = (*Tee)(nil)

// Counter implements MetricsRegistry.
func (t *Tee) Counter(name string, labels Labels) {
	if !t.IsEnabled() {
		return
	}
	t.Registry.Counter(name, labels)
	t.prom.ObserveCounter(name, labels)
}

// Gauge implements MetricsRegistry.
func (t *Tee) Gauge(name string, value float64, labels Labels) {
	if !t.IsEnabled() {
		return
	}
	t.Registry.Gauge(name, value, labels)
	t.prom.ObserveGauge(name, value, labels)
}

// Histogram implements MetricsRegistry.
func (t *Tee) Histogram(name string, value float64, labels Labels) {
	if !t.IsEnabled() {
		return
	}
	t.Registry.Histogram(name, value, labels)
	t.prom.ObserveHistogram(name, value, labels)
}

// Prometheus returns the mirrored collectors.
func (t *Tee) Prometheus() *PrometheusMetrics {
	return t.prom
}
