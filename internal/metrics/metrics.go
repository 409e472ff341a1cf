// Package metrics provides basic monitoring and metrics collection for stascan.
// It supports counters, gauges, and histograms with label support for tracking
// arbiter decisions, scan outcomes and connection activity.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType represents the type of metric.
type MetricType string

const (
	TypeCounter   MetricType = "counter"
	TypeGauge     MetricType = "gauge"
	TypeHistogram MetricType = "histogram"
)

// Labels represents key-value pairs for metric labels.
type Labels map[string]string

// Metric represents a single metric with its metadata. For histograms Value
// holds the last observation, Count and Sum the running totals.
type Metric struct {
	Name      string
	Type      MetricType
	Value     float64
	Count     uint64
	Sum       float64
	Labels    Labels
	Timestamp time.Time
}

// Registry holds all metrics and provides collection functionality.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	enabled bool
	now     func() time.Time
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[string]*Metric),
		enabled: true,
		now:     time.Now,
	}
}

// SetEnabled enables or disables metrics collection.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// IsEnabled returns whether metrics collection is enabled.
func (r *Registry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Counter increments a counter metric.
func (r *Registry) Counter(name string, labels Labels) {
	r.Add(name, 1, labels)
}

// Add increments a counter metric by delta.
func (r *Registry) Add(name string, delta float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if metric, exists := r.metrics[key]; exists {
		metric.Value += delta
		metric.Count++
		metric.Timestamp = r.now()
		return
	}
	r.metrics[key] = &Metric{
		Name:      name,
		Type:      TypeCounter,
		Value:     delta,
		Count:     1,
		Labels:    copyLabels(labels),
		Timestamp: r.now(),
	}
}

// Gauge sets a gauge metric value.
func (r *Registry) Gauge(name string, value float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	r.metrics[key] = &Metric{
		Name:      name,
		Type:      TypeGauge,
		Value:     value,
		Labels:    copyLabels(labels),
		Timestamp: r.now(),
	}
}

// Histogram records a value in a histogram metric.
func (r *Registry) Histogram(name string, value float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	metric, exists := r.metrics[key]
	if !exists {
		metric = &Metric{
			Name:   name,
			Type:   TypeHistogram,
			Labels: copyLabels(labels),
		}
		r.metrics[key] = metric
	}
	metric.Value = value
	metric.Count++
	metric.Sum += value
	metric.Timestamp = r.now()
}

// GetMetrics returns a snapshot of all current metrics.
func (r *Registry) GetMetrics() map[string]*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Metric, len(r.metrics))
	for key, metric := range r.metrics {
		m := *metric
		m.Labels = copyLabels(metric.Labels)
		result[key] = &m
	}
	return result
}

// Get returns a copy of one metric, or nil if it was never recorded.
func (r *Registry) Get(name string, labels Labels) *Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metric, ok := r.metrics[makeKey(name, labels)]
	if !ok {
		return nil
	}
	m := *metric
	m.Labels = copyLabels(metric.Labels)
	return &m
}

// Reset clears all metrics.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = make(map[string]*Metric)
}

// makeKey creates a unique key for a metric based on name and labels.
// Label keys are sorted so the same label set always yields the same key.
func makeKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(":")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

// copyLabels creates a copy of labels map.
func copyLabels(labels Labels) Labels {
	if labels == nil {
		return nil
	}
	result := make(Labels, len(labels))
	for k, v := range labels {
		result[k] = v
	}
	return result
}

// Global registry instance.
var defaultRegistry = NewRegistry()

// SetDefault sets the default metrics registry.
func SetDefault(registry *Registry) {
	defaultRegistry = registry
}

// Default returns the default metrics registry.
func Default() *Registry {
	return defaultRegistry
}

// SetEnabled enables or disables metrics collection on the default registry.
func SetEnabled(enabled bool) {
	defaultRegistry.SetEnabled(enabled)
}

// Counter increments a counter metric on the default registry.
func Counter(name string, labels Labels) {
	defaultRegistry.Counter(name, labels)
}

// Gauge sets a gauge metric on the default registry.
func Gauge(name string, value float64, labels Labels) {
	defaultRegistry.Gauge(name, value, labels)
}

// Histogram records a histogram value on the default registry.
func Histogram(name string, value float64, labels Labels) {
	defaultRegistry.Histogram(name, value, labels)
}

// GetMetrics returns all metrics from the default registry.
func GetMetrics() map[string]*Metric {
	return defaultRegistry.GetMetrics()
}

// Reset clears all metrics from the default registry.
func Reset() {
	defaultRegistry.Reset()
}

// Timer provides a simple way to measure execution time.
type Timer struct {
	start    time.Time
	name     string
	labels   Labels
	registry MetricsRegistry
}

// NewTimer creates a new timer recording into the default registry.
func NewTimer(name string, labels Labels) *Timer {
	return NewTimerFor(defaultRegistry, name, labels)
}

// NewTimerFor creates a new timer recording into registry.
func NewTimerFor(registry MetricsRegistry, name string, labels Labels) *Timer {
	return &Timer{
		start:    time.Now(),
		name:     name,
		labels:   labels,
		registry: registry,
	}
}

// Stop stops the timer and records the duration as a histogram.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)
	t.registry.Histogram(t.name, duration.Seconds(), t.labels)
	return duration
}

// Predefined metric names for the station core.
const (
	// Arbiter metrics.
	MetricArbiterRequests = "arbiter_requests_total"
	MetricArbiterAborts   = "arbiter_aborts_total"
	MetricArbiterResets   = "arbiter_fw_resets_total"
	MetricArbiterGroup    = "arbiter_group_changes_total"

	// Scan client metrics.
	MetricScanTotal    = "scan_total"
	MetricScanDuration = "scan_duration_seconds"

	// Concentrator metrics.
	MetricFramesReceived = "frames_received_total"
	MetricFramesDropped  = "frames_dropped_total"
	MetricSitesInTable   = "sites_in_table"

	// SME metrics.
	MetricSMETransitions   = "sme_transitions_total"
	MetricConnectAttempts  = "connect_attempts_total"
	MetricSelectionResults = "selection_results_total"

	// System metrics.
	MetricUptime = "uptime_seconds"
)

// Common label keys.
const (
	LabelClient    = "client"
	LabelResource  = "resource"
	LabelResult    = "result"
	LabelReason    = "reason"
	LabelStatus    = "status"
	LabelFrom      = "from"
	LabelTo        = "to"
	LabelGroup     = "group"
	LabelComponent = "component"
)

// Helper functions for common metrics. Each takes the registry to record
// into so components can be handed a mock.

// RecordArbiterDecision counts one arbiter request outcome.
func RecordArbiterDecision(r MetricsRegistry, client, resource, result string) {
	r.Counter(MetricArbiterRequests, Labels{
		LabelClient:   client,
		LabelResource: resource,
		LabelResult:   result,
	})
}

// RecordScanOutcome counts one finished scan attempt.
func RecordScanOutcome(r MetricsRegistry, client, status string) {
	r.Counter(MetricScanTotal, Labels{
		LabelClient: client,
		LabelStatus: status,
	})
}

// RecordScanDuration records the duration of a scan attempt.
func RecordScanDuration(r MetricsRegistry, client string, duration time.Duration) {
	r.Histogram(MetricScanDuration, duration.Seconds(), Labels{
		LabelClient: client,
	})
}

// RecordFrameDropped counts one frame discarded by the concentrator filters.
func RecordFrameDropped(r MetricsRegistry, client, reason string) {
	r.Counter(MetricFramesDropped, Labels{
		LabelClient: client,
		LabelReason: reason,
	})
}

// RecordSMETransition counts one SME state change.
func RecordSMETransition(r MetricsRegistry, from, to string) {
	r.Counter(MetricSMETransitions, Labels{
		LabelFrom: from,
		LabelTo:   to,
	})
}
