// Package metrics records station counters, gauges and histograms and
// exposes them to Prometheus.
package metrics

//go:generate mockgen -destination=mocks/mock_registry.go -package=mocks . MetricsRegistry

// MetricsRegistry is what the station, scheduler and daemon record into.
// Registry is the in-process implementation; tests use the generated mock.
type MetricsRegistry interface {
	SetEnabled(enabled bool)
	IsEnabled() bool

	// Counter adds one to name for the label set.
	Counter(name string, labels Labels)
	// Gauge overwrites the current value of name.
	Gauge(name string, value float64, labels Labels)
	// Histogram records one observation of name.
	Histogram(name string, value float64, labels Labels)

	// GetMetrics returns a copy of every recorded series keyed by series key.
	GetMetrics() map[string]*Metric
	Reset()
}

var _ MetricsRegistry = (*Registry)(nil)

// OrDefault returns r, or the process-wide registry when r is nil.
func OrDefault(r MetricsRegistry) MetricsRegistry {
	if r == nil {
		return defaultRegistry
	}
	return r
}
