// Package handlers provides HTTP request handlers for the stascan API.
// This file implements the station endpoints: status, the site table, scan
// control and the connection commands.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/anstrom/stascan/internal/api/middleware"
	"github.com/anstrom/stascan/internal/config"
	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/selection"
	"github.com/anstrom/stascan/internal/sme"
	"github.com/anstrom/stascan/internal/station"
	"github.com/anstrom/stascan/internal/wlan"
)

// Station is the part of *station.Station the API drives.
type Station interface {
	Config() *config.Config
	Events() *station.Broadcaster
	Status(ctx context.Context) (station.Status, error)
	Sites(ctx context.Context) ([]station.Site, error)
	Scan(ctx context.Context, client wlan.ClientID, bands wlan.BandMask, ssids []string) (wlan.Status, error)
	OSScan(ctx context.Context, bands wlan.BandMask, ssids []string) (wlan.Status, error)
	StopScan(ctx context.Context, client wlan.ClientID) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Params(ctx context.Context) (sme.Params, error)
	SetParams(ctx context.Context, p sme.Params) error
	FWReset(ctx context.Context) error
	Select(ctx context.Context, p selection.Params) (*station.Site, []station.Rejection, error)
	Prune(ctx context.Context) (int, error)
}

// StationHandler serves the station endpoints.
type StationHandler struct {
	station Station
	logger  *logging.Logger
	metrics metrics.MetricsRegistry
}

// NewStationHandler creates a new station handler.
func NewStationHandler(st Station, logger *logging.Logger, registry metrics.MetricsRegistry) *StationHandler {
	return &StationHandler{
		station: st,
		logger:  logging.OrDefault(logger).WithFields("handler", "station"),
		metrics: metrics.OrDefault(registry),
	}
}

// ScanRequest starts a scan. Client defaults to the application one-shot
// client; no bands means every configured band.
type ScanRequest struct {
	Client string   `json:"client,omitempty"`
	Bands  []string `json:"bands,omitempty" validate:"dive,required"`
	SSIDs  []string `json:"ssids,omitempty" validate:"max=16,dive,max=32"`
}

// ScanResponse reports how a scan start was answered.
type ScanResponse struct {
	Client    string    `json:"client"`
	Status    string    `json:"status"`
	OSScan    bool      `json:"os_scan,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ParamsRequest replaces the connection parameters. Omitted fields keep
// their current value.
type ParamsRequest struct {
	SSID           *string   `json:"ssid,omitempty" validate:"omitempty,max=32"`
	BSSID          *string   `json:"bssid,omitempty"`
	BSSType        *string   `json:"bss_type,omitempty"`
	Security       *string   `json:"security,omitempty"`
	WPS            *string   `json:"wps,omitempty"`
	SupportedRates []float64 `json:"supported_rates,omitempty" validate:"dive,gt=0"`
	AutoConnect    *bool     `json:"auto_connect,omitempty"`
	RetryIntervals []string  `json:"retry_intervals,omitempty"`
}

// ParamsResponse is the wire form of the connection parameters.
type ParamsResponse struct {
	SSID           string    `json:"ssid"`
	BSSID          string    `json:"bssid,omitempty"`
	BSSType        string    `json:"bss_type"`
	Security       string    `json:"security"`
	WPS            string    `json:"wps"`
	SupportedRates []float64 `json:"supported_rates"`
	AutoConnect    bool      `json:"auto_connect"`
	RetryIntervals []string  `json:"retry_intervals"`
	ScanChannels   int       `json:"scan_channels"`
	IBSSBand       string    `json:"ibss_band"`
	IBSSChannel    uint8     `json:"ibss_channel"`
}

// SelectResponse is the outcome of a dry-run selection pass.
type SelectResponse struct {
	Candidate  *station.Site       `json:"candidate"`
	Rejections []station.Rejection `json:"rejections"`
	Error      string              `json:"error,omitempty"`
}

// GetStatus returns the station snapshot.
func (h *StationHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.station.Status(r.Context())
	if err != nil {
		writeStationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// ListSites returns the site table, strongest first.
func (h *StationHandler) ListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := h.station.Sites(r.Context())
	if err != nil {
		writeStationError(w, r, err)
		return
	}
	if sites == nil {
		sites = []station.Site{}
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"sites": sites,
		"count": len(sites),
	})
}

// ListClients returns the per-client view.
func (h *StationHandler) ListClients(w http.ResponseWriter, r *http.Request) {
	st, err := h.station.Status(r.Context())
	if err != nil {
		writeStationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"clients": st.Clients})
}

// GetArbiter returns the arbiter group, mode and resource ledgers.
func (h *StationHandler) GetArbiter(w http.ResponseWriter, r *http.Request) {
	st, err := h.station.Status(r.Context())
	if err != nil {
		writeStationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st.Arbiter)
}

// StartScan starts a scan on the requested client.
func (h *StationHandler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	client := wlan.ClientAppOneShot
	if req.Client != "" {
		c, err := wlan.ParseClientID(req.Client)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, errors.ErrUnknownClient(req.Client))
			return
		}
		client = c
	}
	bands, err := parseBands(req.Bands)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	status, err := h.station.Scan(r.Context(), client, bands, req.SSIDs)
	if err != nil {
		writeStationError(w, r, err)
		return
	}
	h.writeScanStatus(w, r, client, status, false)
}

// StartOSScan starts the two-band bulk scan.
func (h *StationHandler) StartOSScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	bands, err := parseBands(req.Bands)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	status, err := h.station.OSScan(r.Context(), bands, req.SSIDs)
	if err != nil {
		writeStationError(w, r, err)
		return
	}
	h.writeScanStatus(w, r, wlan.ClientAppOneShot, status, true)
}

func (h *StationHandler) writeScanStatus(w http.ResponseWriter, r *http.Request, client wlan.ClientID, status wlan.Status, osScan bool) {
	h.metrics.Counter("api_scan_requests_total", metrics.Labels{
		"client": client.String(),
		"status": status.String(),
	})

	code := http.StatusAccepted
	if status.Failed() {
		// The client is already running a scan or nothing could be issued.
		code = http.StatusConflict
		h.logger.Debug("Scan not started", "client", client.String(), "status", status.String())
	}
	writeJSON(w, r, code, ScanResponse{
		Client:    client.String(),
		Status:    status.String(),
		OSScan:    osScan,
		Timestamp: time.Now().UTC(),
	})
}

// StopScan stops the client named in the path.
func (h *StationHandler) StopScan(w http.ResponseWriter, r *http.Request) {
	client, err := extractClient(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := h.station.StopScan(r.Context(), client); err != nil {
		writeStationError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Connect begins a connect cycle.
func (h *StationHandler) Connect(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "connect", h.station.Connect)
}

// Disconnect drops the current link.
func (h *StationHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "disconnect", h.station.Disconnect)
}

// FWReset injects a firmware reset indication.
func (h *StationHandler) FWReset(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "fw_reset", h.station.FWReset)
}

func (h *StationHandler) command(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		writeStationError(w, r, err)
		return
	}
	h.logger.Info("Station command accepted",
		"command", name,
		"request_id", requestID(r))

	st, err := h.station.Status(r.Context())
	if err != nil {
		writeStationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]interface{}{
		"command":   name,
		"sme_state": st.SMEState,
		"timestamp": time.Now().UTC(),
	})
}

// GetParams returns the connection parameters.
func (h *StationHandler) GetParams(w http.ResponseWriter, r *http.Request) {
	p, err := h.station.Params(r.Context())
	if err != nil {
		writeStationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, paramsResponse(p))
}

// SetParams merges the request into the current parameters and applies
// them.
func (h *StationHandler) SetParams(w http.ResponseWriter, r *http.Request) {
	var req ParamsRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	current, err := h.station.Params(r.Context())
	if err != nil {
		writeStationError(w, r, err)
		return
	}
	next, err := applyParams(current, req)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := h.station.SetParams(r.Context(), next); err != nil {
		writeStationError(w, r, err)
		return
	}

	h.logger.Info("Connection parameters updated",
		"ssid", next.Selection.SSID,
		"auto_connect", next.AutoConnect,
		"request_id", requestID(r))
	writeJSON(w, r, http.StatusOK, paramsResponse(next))
}

// Select runs a dry-run selection with the current or supplied parameters.
func (h *StationHandler) Select(w http.ResponseWriter, r *http.Request) {
	var req ParamsRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	current, err := h.station.Params(r.Context())
	if err != nil {
		writeStationError(w, r, err)
		return
	}
	p, err := applyParams(current, req)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	winner, rejected, err := h.station.Select(r.Context(), p.Selection)
	resp := SelectResponse{Candidate: winner, Rejections: rejected}
	if resp.Rejections == nil {
		resp.Rejections = []station.Rejection{}
	}
	if err != nil {
		code := errors.GetCode(err)
		if code != errors.CodeNoCandidate && code != errors.CodeWPSOverlap {
			writeStationError(w, r, err)
			return
		}
		resp.Error = err.Error()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// Prune ages out stale sites.
func (h *StationHandler) Prune(w http.ResponseWriter, r *http.Request) {
	n, err := h.station.Prune(r.Context())
	if err != nil {
		writeStationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"pruned": n})
}

// applyParams overlays req onto p. String fields are parsed the same way
// as the station section of the configuration file.
func applyParams(p sme.Params, req ParamsRequest) (sme.Params, error) {
	next := p.Clone()

	st := stationConfig(p.Selection)
	if req.SSID != nil {
		st.SSID = *req.SSID
	}
	if req.BSSID != nil {
		st.BSSID = *req.BSSID
	}
	if req.BSSType != nil {
		st.BSSType = *req.BSSType
	}
	if req.Security != nil {
		st.Security = *req.Security
	}
	if req.WPS != nil {
		st.WPS = *req.WPS
	}
	if req.SupportedRates != nil {
		st.SupportedRates = req.SupportedRates
	}

	sel, err := station.SelectionParams(st)
	if err != nil {
		return p, err
	}
	next.Selection = sel
	next.Scan.BSSType = sel.BSSType
	next.Scan.SSIDs = nil
	if sel.SSID != "" {
		next.Scan.SSIDs = []string{sel.SSID}
	}

	if req.AutoConnect != nil {
		next.AutoConnect = *req.AutoConnect
	}
	if req.RetryIntervals != nil {
		intervals := make([]time.Duration, 0, len(req.RetryIntervals))
		for _, s := range req.RetryIntervals {
			d, err := time.ParseDuration(s)
			if err != nil {
				return p, errors.ErrConfigInvalid("retry_intervals", s)
			}
			intervals = append(intervals, d)
		}
		next.RetryIntervals = intervals
	}
	if err := next.Validate(); err != nil {
		return p, err
	}
	return next, nil
}

// stationConfig renders selection parameters back into their
// configuration-file form.
func stationConfig(sel selection.Params) config.StationConfig {
	st := config.StationConfig{
		SSID:           sel.SSID,
		BSSType:        sel.BSSType.String(),
		Security:       sel.Security.String(),
		WPS:            sel.WPS.String(),
		SupportedRates: rateMbps(sel.SupportedRates),
	}
	if !sel.BSSID.IsZero() {
		st.BSSID = sel.BSSID.String()
	}
	return st
}

func paramsResponse(p sme.Params) ParamsResponse {
	resp := ParamsResponse{
		SSID:           p.Selection.SSID,
		BSSType:        p.Selection.BSSType.String(),
		Security:       p.Selection.Security.String(),
		WPS:            p.Selection.WPS.String(),
		SupportedRates: rateMbps(p.Selection.SupportedRates),
		AutoConnect:    p.AutoConnect,
		RetryIntervals: make([]string, 0, len(p.RetryIntervals)),
		ScanChannels:   len(p.Scan.Channels),
		IBSSBand:       p.IBSSBand.String(),
		IBSSChannel:    p.IBSSChannel,
	}
	if !p.Selection.BSSID.IsZero() {
		resp.BSSID = p.Selection.BSSID.String()
	}
	for _, d := range p.RetryIntervals {
		resp.RetryIntervals = append(resp.RetryIntervals, d.String())
	}
	return resp
}

func rateMbps(rates []uint8) []float64 {
	out := make([]float64, 0, len(rates))
	for _, r := range rates {
		out = append(out, wlan.RateMbps(r))
	}
	return out
}

func requestID(r *http.Request) string {
	return middleware.GetRequestID(r)
}
