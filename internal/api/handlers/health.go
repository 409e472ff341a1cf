// Package handlers provides HTTP request handlers for the stascan API.
// This file implements health check, version and metrics endpoints.
package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/station"
)

// Timeout constants.
const (
	healthCheckTimeout = 5 * time.Second
)

var errMetricsUnavailable = errors.NewScanError(errors.CodeServiceUnavailable, "metrics not available")

// Status constants.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// StatusProvider answers station snapshots. A station whose serial executor
// stopped answering is unhealthy.
type StatusProvider interface {
	Status(ctx context.Context) (station.Status, error)
}

// HealthHandler handles health check and status endpoints.
type HealthHandler struct {
	station   StatusProvider
	logger    *logging.Logger
	metrics   metrics.MetricsRegistry
	startTime time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(st StatusProvider, logger *logging.Logger, registry metrics.MetricsRegistry) *HealthHandler {
	return &HealthHandler{
		station:   st,
		logger:    logging.OrDefault(logger).WithFields("handler", "health"),
		metrics:   registry,
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricValue is one entry of the JSON metrics dump.
type MetricValue struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Value  float64           `json:"value"`
	Count  uint64            `json:"count,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Health checks that the station answers and the process is not starved.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Truncate(time.Second).String(),
		Checks:    make(map[string]string),
	}

	if h.station == nil {
		response.Status = StatusUnhealthy
		response.Checks["station"] = "not configured"
	} else if st, err := h.station.Status(ctx); err != nil {
		response.Status = StatusUnhealthy
		response.Checks["station"] = "failed: " + err.Error()
		h.logger.Warn("Station health check failed", "error", err)
	} else {
		response.Checks["station"] = "ok"
		response.Checks["sme"] = st.SMEState
	}

	goroutines := runtime.NumGoroutine()
	const maxGoroutines = 1000
	if goroutines > maxGoroutines {
		if response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
		response.Checks["goroutines"] = "high count"
	} else {
		response.Checks["goroutines"] = "ok"
	}

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)

	if h.metrics != nil {
		h.metrics.Counter("api_health_checks_total", metrics.Labels{
			"status": response.Status,
		})
	}
}

// Liveness performs a simple liveness check without dependencies.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Truncate(time.Second).String(),
	})
}

// Version provides version information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC(),
	})
}

// Metrics dumps the in-process registry as JSON. Prometheus scrapes
// /metrics instead.
func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeError(w, r, http.StatusNotFound, errMetricsUnavailable)
		return
	}

	all := h.metrics.GetMetrics()
	out := make([]MetricValue, 0, len(all))
	for _, m := range all {
		out = append(out, MetricValue{
			Name:   m.Name,
			Type:   string(m.Type),
			Value:  m.Value,
			Count:  m.Count,
			Labels: m.Labels,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return len(out[i].Labels) < len(out[j].Labels)
	})
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"metrics":   out,
		"timestamp": time.Now().UTC(),
	})
}

// Build information, set via ldflags through SetBuildInfo.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// SetBuildInfo sets build information (called by main package).
func SetBuildInfo(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}
