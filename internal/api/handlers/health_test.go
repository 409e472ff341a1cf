package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/metrics/mocks"
	"github.com/anstrom/stascan/internal/station"
)

type statusFunc func(ctx context.Context) (station.Status, error)

func (f statusFunc) Status(ctx context.Context) (station.Status, error) { return f(ctx) }

func TestHealthHandler_Health(t *testing.T) {
	tests := []struct {
		name       string
		provider   StatusProvider
		wantCode   int
		wantStatus string
		wantCheck  string
	}{
		{
			name: "healthy",
			provider: statusFunc(func(context.Context) (station.Status, error) {
				return station.Status{SMEState: "connected"}, nil
			}),
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
			wantCheck:  "ok",
		},
		{
			name: "station not answering",
			provider: statusFunc(func(context.Context) (station.Status, error) {
				return station.Status{}, fmt.Errorf("executor stopped")
			}),
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnhealthy,
			wantCheck:  "failed: executor stopped",
		},
		{
			name:       "no station",
			provider:   nil,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnhealthy,
			wantCheck:  "not configured",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := metrics.NewRegistry()
			h := NewHealthHandler(tt.provider, logging.NewNop(), reg)

			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tt.wantCode, rec.Code)

			var body HealthResponse
			decode(t, rec, &body)
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, tt.wantCheck, body.Checks["station"])
			if runtime.NumGoroutine() < 1000 {
				assert.Equal(t, "ok", body.Checks["goroutines"])
			}

			m := reg.Get("api_health_checks_total", metrics.Labels{"status": tt.wantStatus})
			require.NotNil(t, m)
			assert.Equal(t, float64(1), m.Value)
		})
	}
}

func TestHealthHandler_HealthReportsSMEState(t *testing.T) {
	h := NewHealthHandler(statusFunc(func(context.Context) (station.Status, error) {
		return station.Status{SMEState: "wait_connect"}, nil
	}), logging.NewNop(), nil)

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body HealthResponse
	decode(t, rec, &body)
	assert.Equal(t, "wait_connect", body.Checks["sme"])
}

func TestHealthHandler_LivenessAndVersion(t *testing.T) {
	h := NewHealthHandler(nil, logging.NewNop(), nil)

	rec := httptest.NewRecorder()
	h.Liveness(rec, httptest.NewRequest(http.MethodGet, "/liveness", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var live LivenessResponse
	decode(t, rec, &live)
	assert.Equal(t, "alive", live.Status)

	SetBuildInfo("v1.2.3", "abc123", "2026-01-01")
	t.Cleanup(func() { SetBuildInfo("dev", "none", "unknown") })

	rec = httptest.NewRecorder()
	h.Version(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var v VersionResponse
	decode(t, rec, &v)
	assert.Equal(t, "v1.2.3", v.Version)
	assert.Equal(t, "abc123", v.Commit)
	assert.Equal(t, runtime.Version(), v.GoVersion)
}

func TestHealthHandler_MetricsDump(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.Counter("scan_outcomes_total", metrics.Labels{"client": "app-oneshot", "status": "ok"})
	reg.Gauge("site_table_entries", 4, nil)
	h := NewHealthHandler(nil, logging.NewNop(), reg)

	rec := httptest.NewRecorder()
	h.Metrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Metrics []MetricValue `json:"metrics"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Metrics, 2)
	assert.Equal(t, "scan_outcomes_total", body.Metrics[0].Name)
	assert.Equal(t, "counter", body.Metrics[0].Type)
	assert.Equal(t, "site_table_entries", body.Metrics[1].Name)
	assert.Equal(t, float64(4), body.Metrics[1].Value)
}

func TestHealthHandler_MetricsUnavailable(t *testing.T) {
	h := NewHealthHandler(nil, logging.NewNop(), nil)

	rec := httptest.NewRecorder()
	h.Metrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthHandler_MetricsFromMock(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockMetricsRegistry(ctrl)
	reg.EXPECT().GetMetrics().Return(map[string]*metrics.Metric{
		"a": {Name: "frames_dropped_total", Type: metrics.TypeCounter, Value: 2, Count: 2},
	})

	h := NewHealthHandler(nil, logging.NewNop(), reg)
	rec := httptest.NewRecorder()
	h.Metrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Metrics []MetricValue `json:"metrics"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Metrics, 1)
	assert.Equal(t, uint64(2), body.Metrics[0].Count)
}
