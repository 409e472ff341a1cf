package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/metrics/mocks"
)

func createTestLogger() (*logging.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return logging.NewWithWriter(logging.Config{Level: "debug", Format: "text"}, buf), buf
}

func TestLoggingAssignsRequestID(t *testing.T) {
	logger, buf := createTestLogger()

	var seen string
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", http.NoBody))

	assert.True(t, strings.HasPrefix(seen, "req_"))
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	assert.Contains(t, buf.String(), "HTTP request completed")
	assert.Contains(t, buf.String(), "status_code=418")
}

func TestLoggingKeepsClientRequestID(t *testing.T) {
	logger, _ := createTestLogger()

	var seen string
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "abc", seen)

	assert.Equal(t, "unknown", GetRequestID(httptest.NewRequest(http.MethodGet, "/", http.NoBody)))
}

func TestMetricsUsesRouteTemplate(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockMetricsRegistry(ctrl)

	reg.EXPECT().Counter("http_requests_total", metrics.Labels{
		"method": http.MethodDelete,
		"path":   "/scans/{client}",
		"status": "404",
	})
	reg.EXPECT().Histogram("http_request_duration_seconds", gomock.Any(), metrics.Labels{
		"method": http.MethodDelete,
		"path":   "/scans/{client}",
	})
	reg.EXPECT().Counter("http_errors_total", gomock.Any())

	router := mux.NewRouter()
	router.Use(Metrics(reg, nil))
	router.HandleFunc("/scans/{client}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodDelete)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/scans/app-oneshot", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsFeedsPrometheus(t *testing.T) {
	reg := metrics.NewRegistry()
	prom := metrics.NewPrometheusMetrics()

	router := mux.NewRouter()
	router.Use(Metrics(reg, prom))
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {}).Methods(http.MethodGet)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", http.NoBody))

	m := reg.Get("http_requests_total", metrics.Labels{"method": "GET", "path": "/status", "status": "200"})
	require.NotNil(t, m)
	assert.Equal(t, float64(1), m.Value)

	families, err := prom.GetRegistry().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "stascan_api_requests_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRecovery(t *testing.T) {
	logger, buf := createTestLogger()
	h := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal server error", body["error"])
	assert.Contains(t, buf.String(), "panic recovered")
}

func TestContentType(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := ContentType()(ok)

	tests := []struct {
		name        string
		method      string
		contentType string
		want        int
	}{
		{"get ignores header", http.MethodGet, "text/plain", http.StatusOK},
		{"post json", http.MethodPost, "application/json", http.StatusOK},
		{"post json charset", http.MethodPost, "application/json; charset=utf-8", http.StatusOK},
		{"post without header", http.MethodPost, "", http.StatusOK},
		{"post form", http.MethodPost, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"put xml", http.MethodPut, "application/xml", http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", strings.NewReader("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequestTimeout(t *testing.T) {
	var deadline time.Time
	var hasDeadline bool
	h := RequestTimeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, hasDeadline = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.True(t, hasDeadline)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)

	h = RequestTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(context.Background())
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.False(t, hasDeadline)
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestResponseWriterHijackUnsupported(t *testing.T) {
	rw := wrap(httptest.NewRecorder())
	_, _, err := rw.Hijack()
	assert.Error(t, err)
	assert.NotNil(t, rw.Unwrap())
}
