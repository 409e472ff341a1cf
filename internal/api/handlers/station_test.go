package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/stascan/internal/config"
	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/selection"
	"github.com/anstrom/stascan/internal/sme"
	"github.com/anstrom/stascan/internal/station"
	"github.com/anstrom/stascan/internal/wlan"
)

// fakeStation records calls and answers with canned values.
type fakeStation struct {
	mu sync.Mutex

	cfg    *config.Config
	events *station.Broadcaster
	status station.Status
	sites  []station.Site
	params sme.Params
	pruned int

	scanStatus wlan.Status
	scanErr    error
	cmdErr     error
	statusErr  error
	selectErr  error
	winner     *station.Site
	rejections []station.Rejection

	scans    []scanCall
	stopped  []wlan.ClientID
	commands []string
	selected []selection.Params
}

type scanCall struct {
	client wlan.ClientID
	bands  wlan.BandMask
	ssids  []string
	os     bool
}

func newFakeStation(t *testing.T) *fakeStation {
	t.Helper()
	cfg := config.Default()
	cfg.Station.SSID = "Home"
	cfg.Station.Security = "wpa2-psk"
	params, err := station.SMEParams(cfg)
	require.NoError(t, err)

	return &fakeStation{
		cfg:    cfg,
		events: station.NewBroadcaster(8),
		params: params,
		status: station.Status{
			Country:  "US",
			SMEState: "wait_connect",
			Clients:  []station.Client{{Client: "app-oneshot", State: "idle"}},
			Arbiter:  station.ArbiterView{Group: "not_connected", Mode: "normal"},
		},
		scanStatus: wlan.StatusRunning,
	}
}

func (f *fakeStation) Config() *config.Config { return f.cfg }

func (f *fakeStation) Events() *station.Broadcaster { return f.events }

func (f *fakeStation) Status(context.Context) (station.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeStation) Sites(context.Context) ([]station.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sites, f.statusErr
}

func (f *fakeStation) Scan(_ context.Context, client wlan.ClientID, bands wlan.BandMask, ssids []string) (wlan.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, scanCall{client: client, bands: bands, ssids: ssids})
	return f.scanStatus, f.scanErr
}

func (f *fakeStation) OSScan(_ context.Context, bands wlan.BandMask, ssids []string) (wlan.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, scanCall{client: wlan.ClientAppOneShot, bands: bands, ssids: ssids, os: true})
	return f.scanStatus, f.scanErr
}

func (f *fakeStation) StopScan(_ context.Context, client wlan.ClientID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, client)
	return f.cmdErr
}

func (f *fakeStation) record(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return f.cmdErr
}

func (f *fakeStation) Connect(context.Context) error { return f.record("connect") }

func (f *fakeStation) Disconnect(context.Context) error { return f.record("disconnect") }

func (f *fakeStation) FWReset(context.Context) error { return f.record("fw_reset") }

func (f *fakeStation) Params(context.Context) (sme.Params, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params.Clone(), nil
}

func (f *fakeStation) SetParams(_ context.Context, p sme.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = p
	return nil
}

func (f *fakeStation) Select(_ context.Context, p selection.Params) (*station.Site, []station.Rejection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, p)
	return f.winner, f.rejections, f.selectErr
}

func (f *fakeStation) Prune(context.Context) (int, error) {
	return f.pruned, nil
}

func stationRouter(t *testing.T, st *fakeStation, registry metrics.MetricsRegistry) *mux.Router {
	t.Helper()
	h := NewStationHandler(st, logging.NewNop(), registry)
	r := mux.NewRouter()
	r.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/sites", h.ListSites).Methods(http.MethodGet)
	r.HandleFunc("/sites/prune", h.Prune).Methods(http.MethodPost)
	r.HandleFunc("/clients", h.ListClients).Methods(http.MethodGet)
	r.HandleFunc("/arbiter", h.GetArbiter).Methods(http.MethodGet)
	r.HandleFunc("/scans", h.StartScan).Methods(http.MethodPost)
	r.HandleFunc("/scans/os", h.StartOSScan).Methods(http.MethodPost)
	r.HandleFunc("/scans/{client}", h.StopScan).Methods(http.MethodDelete)
	r.HandleFunc("/connect", h.Connect).Methods(http.MethodPost)
	r.HandleFunc("/disconnect", h.Disconnect).Methods(http.MethodPost)
	r.HandleFunc("/fwreset", h.FWReset).Methods(http.MethodPost)
	r.HandleFunc("/params", h.GetParams).Methods(http.MethodGet)
	r.HandleFunc("/params", h.SetParams).Methods(http.MethodPut)
	r.HandleFunc("/select", h.Select).Methods(http.MethodPost)
	return r
}

func serve(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestStationHandler_GetStatus(t *testing.T) {
	st := newFakeStation(t)
	r := stationRouter(t, st, nil)

	rec := serve(r, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body station.Status
	decode(t, rec, &body)
	assert.Equal(t, "US", body.Country)
	assert.Equal(t, "wait_connect", body.SMEState)

	st.statusErr = errors.NewScanError(errors.CodeServiceUnavailable, "station stopped")
	rec = serve(r, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStationHandler_ListSites(t *testing.T) {
	st := newFakeStation(t)
	r := stationRouter(t, st, nil)

	rec := serve(r, http.MethodGet, "/sites", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var empty struct {
		Sites []station.Site `json:"sites"`
		Count int            `json:"count"`
	}
	decode(t, rec, &empty)
	assert.NotNil(t, empty.Sites)
	assert.Zero(t, empty.Count)

	st.sites = []station.Site{
		{BSSID: "02:00:00:00:00:01", SSID: "Home", RSSI: -45},
		{BSSID: "02:00:00:00:00:02", SSID: "Cafe", RSSI: -70},
	}
	rec = serve(r, http.MethodGet, "/sites", "")
	var body struct {
		Sites []station.Site `json:"sites"`
		Count int            `json:"count"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "Home", body.Sites[0].SSID)
}

func TestStationHandler_ClientsAndArbiter(t *testing.T) {
	st := newFakeStation(t)
	r := stationRouter(t, st, nil)

	rec := serve(r, http.MethodGet, "/clients", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var clients struct {
		Clients []station.Client `json:"clients"`
	}
	decode(t, rec, &clients)
	require.Len(t, clients.Clients, 1)
	assert.Equal(t, "app-oneshot", clients.Clients[0].Client)

	rec = serve(r, http.MethodGet, "/arbiter", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var arb station.ArbiterView
	decode(t, rec, &arb)
	assert.Equal(t, "not_connected", arb.Group)
}

func TestStationHandler_StartScan(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		status     wlan.Status
		wantCode   int
		wantClient wlan.ClientID
		wantBands  wlan.BandMask
	}{
		{
			name:       "defaults",
			body:       "",
			status:     wlan.StatusRunning,
			wantCode:   http.StatusAccepted,
			wantClient: wlan.ClientAppOneShot,
			wantBands:  wlan.BandMaskAll,
		},
		{
			name:       "periodic on 5GHz",
			body:       `{"client":"app-periodic","bands":["5GHz"],"ssids":["Home"]}`,
			status:     wlan.StatusRunning,
			wantCode:   http.StatusAccepted,
			wantClient: wlan.ClientAppPeriodic,
			wantBands:  wlan.BandMask5,
		},
		{
			name:       "busy client",
			body:       `{"client":"app-oneshot"}`,
			status:     wlan.StatusFailed,
			wantCode:   http.StatusConflict,
			wantClient: wlan.ClientAppOneShot,
			wantBands:  wlan.BandMaskAll,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStation(t)
			st.scanStatus = tt.status
			reg := metrics.NewRegistry()
			r := stationRouter(t, st, reg)

			rec := serve(r, http.MethodPost, "/scans", tt.body)
			require.Equal(t, tt.wantCode, rec.Code)

			var body ScanResponse
			decode(t, rec, &body)
			assert.Equal(t, tt.wantClient.String(), body.Client)
			assert.Equal(t, tt.status.String(), body.Status)
			assert.False(t, body.OSScan)

			require.Len(t, st.scans, 1)
			assert.Equal(t, tt.wantClient, st.scans[0].client)
			assert.Equal(t, tt.wantBands, st.scans[0].bands)

			m := reg.Get("api_scan_requests_total", metrics.Labels{
				"client": tt.wantClient.String(),
				"status": tt.status.String(),
			})
			require.NotNil(t, m)
			assert.Equal(t, float64(1), m.Value)
		})
	}
}

func TestStationHandler_StartScanRejectsBadInput(t *testing.T) {
	st := newFakeStation(t)
	r := stationRouter(t, st, nil)

	rec := serve(r, http.MethodPost, "/scans", `{"client":"nobody"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body ErrorResponse
	decode(t, rec, &body)
	assert.Equal(t, string(errors.CodeUnknownClient), body.Code)

	rec = serve(r, http.MethodPost, "/scans", `{"bands":["60GHz"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(r, http.MethodPost, "/scans", `{"client":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, st.scans)
}

func TestStationHandler_StartScanStationError(t *testing.T) {
	st := newFakeStation(t)
	st.scanErr = errors.ErrNoChannels("app-oneshot")
	r := stationRouter(t, st, nil)

	rec := serve(r, http.MethodPost, "/scans", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStationHandler_StartOSScan(t *testing.T) {
	st := newFakeStation(t)
	r := stationRouter(t, st, nil)

	rec := serve(r, http.MethodPost, "/scans/os", `{"bands":["2.4GHz"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body ScanResponse
	decode(t, rec, &body)
	assert.True(t, body.OSScan)
	require.Len(t, st.scans, 1)
	assert.True(t, st.scans[0].os)
	assert.Equal(t, wlan.BandMask24, st.scans[0].bands)
}

func TestStationHandler_StopScan(t *testing.T) {
	st := newFakeStation(t)
	r := stationRouter(t, st, nil)

	rec := serve(r, http.MethodDelete, "/scans/app-periodic", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []wlan.ClientID{wlan.ClientAppPeriodic}, st.stopped)

	rec = serve(r, http.MethodDelete, "/scans/everyone", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStationHandler_Commands(t *testing.T) {
	st := newFakeStation(t)
	r := stationRouter(t, st, nil)

	for _, path := range []string{"/connect", "/disconnect", "/fwreset"} {
		rec := serve(r, http.MethodPost, path, "")
		require.Equal(t, http.StatusAccepted, rec.Code, path)
		var body map[string]interface{}
		decode(t, rec, &body)
		assert.Equal(t, "wait_connect", body["sme_state"])
	}
	assert.Equal(t, []string{"connect", "disconnect", "fw_reset"}, st.commands)

	st.cmdErr = errors.ErrInvalidState("connect", "connecting")
	rec := serve(r, http.MethodPost, "/connect", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStationHandler_GetParams(t *testing.T) {
	st := newFakeStation(t)
	r := stationRouter(t, st, nil)

	rec := serve(r, http.MethodGet, "/params", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body ParamsResponse
	decode(t, rec, &body)
	assert.Equal(t, "Home", body.SSID)
	assert.Equal(t, "wpa2-psk", body.Security)
	assert.Equal(t, "infrastructure", body.BSSType)
	assert.Equal(t, "none", body.WPS)
	assert.Contains(t, body.SupportedRates, 54.0)
	assert.Empty(t, body.BSSID)
}

func TestStationHandler_SetParamsMerges(t *testing.T) {
	st := newFakeStation(t)
	r := stationRouter(t, st, nil)

	rec := serve(r, http.MethodPut, "/params",
		`{"ssid":"Lab","bssid":"02:00:00:00:00:03","auto_connect":true,"retry_intervals":["1s","5s"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body ParamsResponse
	decode(t, rec, &body)
	assert.Equal(t, "Lab", body.SSID)
	assert.Equal(t, "02:00:00:00:00:03", body.BSSID)
	assert.Equal(t, "wpa2-psk", body.Security)
	assert.True(t, body.AutoConnect)
	assert.Equal(t, []string{"1s", "5s"}, body.RetryIntervals)

	assert.Equal(t, "Lab", st.params.Selection.SSID)
	assert.Equal(t, []string{"Lab"}, st.params.Scan.SSIDs)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second}, st.params.RetryIntervals)
}

func TestStationHandler_SetParamsRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad bssid", `{"bssid":"nope"}`},
		{"bad security", `{"security":"wpa9"}`},
		{"bad wps", `{"wps":"sometimes"}`},
		{"bad interval", `{"retry_intervals":["soon"]}`},
		{"negative interval", `{"retry_intervals":["-1s"]}`},
		{"ssid too long", `{"ssid":"` + strings.Repeat("x", 33) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStation(t)
			r := stationRouter(t, st, nil)

			rec := serve(r, http.MethodPut, "/params", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "Home", st.params.Selection.SSID)
		})
	}
}

func TestStationHandler_Select(t *testing.T) {
	st := newFakeStation(t)
	st.winner = &station.Site{BSSID: "02:00:00:00:00:01", SSID: "Home", RSSI: -45}
	st.rejections = []station.Rejection{{BSSID: "02:00:00:00:00:02", SSID: "Cafe", Reason: "ssid_mismatch"}}
	r := stationRouter(t, st, nil)

	rec := serve(r, http.MethodPost, "/select", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body SelectResponse
	decode(t, rec, &body)
	require.NotNil(t, body.Candidate)
	assert.Equal(t, "Home", body.Candidate.SSID)
	require.Len(t, body.Rejections, 1)
	assert.Empty(t, body.Error)

	require.Len(t, st.selected, 1)
	assert.Equal(t, "Home", st.selected[0].SSID)
}

func TestStationHandler_SelectOverridesAndMisses(t *testing.T) {
	st := newFakeStation(t)
	st.selectErr = errors.ErrNoCandidate("Office")
	r := stationRouter(t, st, nil)

	rec := serve(r, http.MethodPost, "/select", `{"ssid":"Office","security":"open"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body SelectResponse
	decode(t, rec, &body)
	assert.Nil(t, body.Candidate)
	assert.NotNil(t, body.Rejections)
	assert.Contains(t, body.Error, "Office")

	require.Len(t, st.selected, 1)
	assert.Equal(t, "Office", st.selected[0].SSID)
	assert.Equal(t, wlan.SecurityOpen, st.selected[0].Security)
	assert.Equal(t, "Home", st.params.Selection.SSID)

	st.selectErr = context.DeadlineExceeded
	rec = serve(r, http.MethodPost, "/select", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestStationHandler_Prune(t *testing.T) {
	st := newFakeStation(t)
	st.pruned = 3
	r := stationRouter(t, st, nil)

	rec := serve(r, http.MethodPost, "/sites/prune", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	decode(t, rec, &body)
	assert.Equal(t, 3, body["pruned"])
}
