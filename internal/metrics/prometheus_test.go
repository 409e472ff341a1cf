package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_InitializationAndUpdate(t *testing.T) {
	pm := NewPrometheusMetrics()
	if pm.GetRegistry() == nil {
		t.Fatalf("GetRegistry returned nil")
	}

	pm.UpdateSystemMetrics()
	if pm.GetLastUpdate().IsZero() {
		t.Fatalf("expected last update to be set")
	}

	before := pm.GetUptime()
	time.Sleep(10 * time.Millisecond)
	if after := pm.GetUptime(); before >= after {
		t.Fatalf("expected uptime to increase, before=%v after=%v", before, after)
	}
}

func TestPrometheusMetrics_HTTPHandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.UpdateSystemMetrics()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "stascan_system_uptime_seconds") {
		t.Fatalf("expected uptime metric in output")
	}
}

func TestPrometheusMetrics_ObserveRoutesByName(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.ObserveCounter(MetricArbiterRequests, Labels{LabelClient: "a", LabelResource: "channel", LabelResult: "run"})
	pm.ObserveCounter(MetricArbiterRequests, Labels{LabelClient: "b", LabelResource: "channel", LabelResult: "pend"})
	pm.ObserveCounter(MetricArbiterResets, nil)
	pm.ObserveGauge(MetricSitesInTable, 7, nil)
	pm.ObserveHistogram(MetricScanDuration, 0.2, Labels{LabelClient: "a"})

	if n := testutil.CollectAndCount(pm.arbiterRequests); n != 2 {
		t.Errorf("expected 2 label combinations, got %d", n)
	}
	if v := testutil.ToFloat64(pm.arbiterResets); v != 1 {
		t.Errorf("expected 1 reset, got %v", v)
	}
	if v := testutil.ToFloat64(pm.sitesInTable); v != 7 {
		t.Errorf("expected 7 sites, got %v", v)
	}
	if n := testutil.CollectAndCount(pm.scanDuration); n != 1 {
		t.Errorf("expected 1 histogram series, got %d", n)
	}
}

func TestPrometheusMetrics_ObserveIgnoresMismatches(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.ObserveCounter("no_such_metric", nil)
	pm.ObserveCounter(MetricScanTotal, Labels{"bogus": "x"})

	if n := testutil.CollectAndCount(pm.scansTotal); n != 0 {
		t.Errorf("expected no series, got %d", n)
	}
}

func TestTee(t *testing.T) {
	pm := NewPrometheusMetrics()
	reg := NewRegistry()
	tee := NewTee(reg, pm)

	labels := Labels{LabelClient: "app-oneshot", LabelStatus: "ok"}
	tee.Counter(MetricScanTotal, labels)
	tee.Gauge(MetricSitesInTable, 3, nil)

	if reg.Get(MetricScanTotal, labels).Value != 1 {
		t.Error("tee should record into the registry")
	}
	if v := testutil.ToFloat64(pm.scansTotal.WithLabelValues("app-oneshot", "ok")); v != 1 {
		t.Errorf("tee should mirror into prometheus, got %v", v)
	}
	if tee.Prometheus() != pm {
		t.Error("Prometheus accessor mismatch")
	}

	tee.SetEnabled(false)
	tee.Counter(MetricScanTotal, labels)
	if v := testutil.ToFloat64(pm.scansTotal.WithLabelValues("app-oneshot", "ok")); v != 1 {
		t.Errorf("disabled tee should not mirror, got %v", v)
	}
}

func TestPrometheusMetrics_HTTP(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.IncrementHTTPRequests("GET", "/api/v1/status", "200")
	pm.RecordHTTPDuration("GET", "/api/v1/status", 5*time.Millisecond)

	if n := testutil.CollectAndCount(pm.httpRequests); n != 1 {
		t.Errorf("expected 1 series, got %d", n)
	}
	if n := testutil.CollectAndCount(pm.httpDuration); n != 1 {
		t.Errorf("expected 1 series, got %d", n)
	}
}
