// Package station assembles the scan and connection core: regulatory table,
// site table, arbiter, concentrator, SME and the radio they drive. Every
// entry point runs on a single serial executor, so the core packages stay
// lock-free.
package station

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/anstrom/stascan/internal/arbiter"
	"github.com/anstrom/stascan/internal/concentrator"
	"github.com/anstrom/stascan/internal/config"
	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/regdomain"
	"github.com/anstrom/stascan/internal/selection"
	"github.com/anstrom/stascan/internal/simradio"
	"github.com/anstrom/stascan/internal/sitetable"
	"github.com/anstrom/stascan/internal/sme"
	"github.com/anstrom/stascan/internal/wlan"
	"github.com/anstrom/stascan/internal/workers"
)

// Radio is the scan executor and association state machine in one.
type Radio interface {
	concentrator.Executor
	sme.Associator
	Close()
}

// RadioFactory builds the radio, handing it the sink its indications go to.
type RadioFactory func(sink simradio.Sink) (Radio, error)

// Station owns the core and its serial executor.
type Station struct {
	cfg *config.Config

	pool  *workers.Pool
	reg   *regdomain.Table
	table *sitetable.Table
	arb   *arbiter.Arbiter
	conc  *concentrator.Concentrator
	sme   *sme.SME
	radio Radio

	events   *Broadcaster
	last     map[wlan.ClientID]wlan.Status
	smeState sme.State
	started  time.Time

	factory RadioFactory
	logger  *logging.Logger
	metrics metrics.MetricsRegistry
}

// Option configures a Station.
type Option func(*Station)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Station) { s.logger = l }
}

// WithMetrics sets the metrics registry shared by every component.
func WithMetrics(m metrics.MetricsRegistry) Option {
	return func(s *Station) { s.metrics = m }
}

// WithRadio replaces the simulated radio.
func WithRadio(f RadioFactory) Option {
	return func(s *Station) { s.factory = f }
}

// New builds a station from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Station, error) {
	s := &Station{
		cfg:    cfg,
		events: NewBroadcaster(128),
		last:   make(map[wlan.ClientID]wlan.Status),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger).WithComponent("station")
	s.metrics = metrics.OrDefault(s.metrics)

	reg, err := regdomain.New(cfg.Station.Country)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeValidation, "unsupported country", err)
	}
	params, err := SMEParams(cfg)
	if err != nil {
		return nil, err
	}

	if s.factory == nil {
		if !cfg.Simulation.Enabled {
			return nil, errors.NewScanError(errors.CodeHardwareUnavailable,
				"no radio executor available; enable simulation")
		}
		s.factory = func(sink simradio.Sink) (Radio, error) {
			return simradio.New(cfg.Simulation, sink, simradio.WithLogger(s.logger))
		}
	}
	radio, err := s.factory(sink{s})
	if err != nil {
		return nil, err
	}

	s.reg = reg
	s.radio = radio
	s.pool = workers.New(workers.Config{
		QueueSize:       cfg.Daemon.QueueSize,
		ShutdownTimeout: cfg.Daemon.ShutdownTimeout,
	}, workers.WithLogger(s.logger), workers.WithMetrics(s.metrics))

	s.table = sitetable.New(cfg.Station.TableCapacity)
	s.arb = arbiter.New(arbiter.DefaultPolicy(),
		arbiter.WithLogger(s.logger), arbiter.WithMetrics(s.metrics))
	if cfg.Station.Coexistence {
		s.arb.SetMode(arbiter.ModeCoexistence)
	}
	s.conc = concentrator.New(s.arb, radio, reg, s.table,
		concentrator.WithLogger(s.logger),
		concentrator.WithMetrics(s.metrics),
		concentrator.WithRSSIFloor(cfg.Station.RSSIFloor),
		concentrator.WithBands(cfg.BandMask()))
	s.sme = sme.New(params, s.conc, s.arb, radio,
		sme.WithLogger(s.logger),
		sme.WithMetrics(s.metrics),
		sme.WithAfterFunc(s.afterFunc))

	s.conc.RegisterResultCallback(wlan.ClientDriverPeriodic, func(r concentrator.Result) {
		s.onResult(r)
		s.sme.ScanResult(r)
	})
	for _, id := range []wlan.ClientID{
		wlan.ClientRoamingImmediate,
		wlan.ClientRoamingContinuous,
		wlan.ClientAppOneShot,
		wlan.ClientAppPeriodic,
	} {
		s.conc.RegisterResultCallback(id, s.onResult)
	}
	return s, nil
}

// Start runs the executor and enables the SME.
func (s *Station) Start(ctx context.Context) error {
	s.started = time.Now()
	s.pool.Start()
	s.logger.Info("Station starting",
		"country", s.reg.Country(),
		"bands", s.cfg.Station.Bands,
		"auto_connect", s.cfg.Station.AutoConnect,
		"coexistence", s.cfg.Station.Coexistence)
	return s.do(ctx, "start", func() error {
		s.sme.Start()
		return nil
	})
}

// Stop disables the SME, stops every scan and drains the executor.
func (s *Station) Stop(ctx context.Context) error {
	err := s.do(ctx, "stop", func() error {
		s.sme.Stop()
		for _, id := range wlan.Clients {
			s.conc.Stop(id)
		}
		return nil
	})
	s.radio.Close()
	if shutdownErr := s.pool.Shutdown(); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	s.events.Close()
	s.logger.Info("Station stopped")
	return err
}

// Events returns the event broadcaster.
func (s *Station) Events() *Broadcaster {
	return s.events
}

// Config returns the configuration the station was built from.
func (s *Station) Config() *config.Config {
	return s.cfg
}

// Regulatory returns the regulatory table.
func (s *Station) Regulatory() *regdomain.Table {
	return s.reg
}

// Scan starts a scan on client over the configured channels of bands. The
// returned status is StatusRunning when the scan was handed off.
func (s *Station) Scan(ctx context.Context, client wlan.ClientID, bands wlan.BandMask, ssids []string) (wlan.Status, error) {
	if !client.Valid() {
		return wlan.StatusFailed, errors.ErrUnknownClient(client.String())
	}
	req := BuildRequest(s.cfg, client, bands, ssids)

	var status wlan.Status
	err := s.do(ctx, "scan", func() error {
		if client.IsPeriodic() {
			status = s.conc.StartPeriodic(client, req)
		} else {
			status = s.conc.StartOneShot(client, req)
		}
		s.record(client, status)
		return nil
	})
	return status, err
}

// OSScan starts the two-band bulk scan over the application one-shot client.
func (s *Station) OSScan(ctx context.Context, bands wlan.BandMask, ssids []string) (wlan.Status, error) {
	req := BuildRequest(s.cfg, wlan.ClientAppOneShot, bands, ssids)

	var status wlan.Status
	err := s.do(ctx, "os_scan", func() error {
		status = s.conc.StartOSScan(req)
		s.record(wlan.ClientAppOneShot, status)
		return nil
	})
	return status, err
}

// StopScan stops client's scan.
func (s *Station) StopScan(ctx context.Context, client wlan.ClientID) error {
	if !client.Valid() {
		return errors.ErrUnknownClient(client.String())
	}
	return s.do(ctx, "stop_scan", func() error {
		s.conc.Stop(client)
		return nil
	})
}

// Connect begins a connect cycle.
func (s *Station) Connect(ctx context.Context) error {
	return s.do(ctx, "connect", func() error {
		if s.sme.State() == sme.StateIdle {
			return errors.ErrInvalidState("connect", s.sme.State().String())
		}
		s.sme.ConnectRequired()
		return nil
	})
}

// Disconnect drops the current link.
func (s *Station) Disconnect(ctx context.Context) error {
	return s.do(ctx, "disconnect", func() error {
		s.sme.Disconnect()
		return nil
	})
}

// SetParams replaces the connection parameters.
func (s *Station) SetParams(ctx context.Context, p sme.Params) error {
	return s.do(ctx, "set_params", func() error {
		return s.sme.SetParam(p)
	})
}

// Params returns the connection parameters.
func (s *Station) Params(ctx context.Context) (sme.Params, error) {
	var p sme.Params
	err := s.do(ctx, "params", func() error {
		p = s.sme.Params()
		return nil
	})
	return p, err
}

// SetLink seeds the station's link information, e.g. from the host's
// current association.
func (s *Station) SetLink(ctx context.Context, info concentrator.StationInfo) error {
	return s.do(ctx, "set_link", func() error {
		s.setLink(info)
		return nil
	})
}

// FWReset simulates a firmware reset indication.
func (s *Station) FWReset(ctx context.Context) error {
	return s.do(ctx, "fw_reset", func() error {
		s.conc.FWReset()
		s.events.Publish(Event{Type: EventFWReset, Time: time.Now()})
		return nil
	})
}

// Sites returns the site table, strongest first.
func (s *Station) Sites(ctx context.Context) ([]Site, error) {
	var out []Site
	err := s.do(ctx, "sites", func() error {
		out = s.sites()
		return nil
	})
	return out, err
}

// Select runs candidate selection over the current table without marking
// anything considered.
func (s *Station) Select(ctx context.Context, p selection.Params) (*Site, []Rejection, error) {
	var (
		winner   *Site
		rejected []Rejection
		selErr   error
	)
	err := s.do(ctx, "select", func() error {
		res := selection.Select(s.table.Entries(), p, func(e *sitetable.Entry, r selection.Reason) {
			rejected = append(rejected, Rejection{BSSID: e.BSSID.String(), SSID: e.SSID, Reason: r.String()})
		})
		if res.Found() {
			site := SiteFromEntry(&res.Candidate.Entry)
			winner = &site
		}
		selErr = res.Err
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return winner, rejected, selErr
}

// Rejection names an entry selection skipped and why.
type Rejection struct {
	BSSID  string `json:"bssid"`
	SSID   string `json:"ssid"`
	Reason string `json:"reason"`
}

// Prune removes sites older than the configured maximum age.
func (s *Station) Prune(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, "prune", func() error {
		n = s.prune()
		return nil
	})
	return n, err
}

// Status returns a snapshot of the station.
func (s *Station) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, "status", func() error {
		st = s.status()
		return nil
	})
	return st, err
}

func (s *Station) status() Status {
	st := Status{
		Country:   s.reg.Country(),
		SMEState:  s.sme.State().String(),
		ScanCount: s.sme.ScanCount(),
		Link:      LinkFromInfo(s.conc.Station()),
		Arbiter:   ArbiterFromSnapshot(s.arb.Snapshot()),
		Sites:     s.table.Len(),
		Stable:    s.table.Stable(),
		OSScan:    s.conc.OSScanActive(),
	}
	if !s.started.IsZero() {
		st.Uptime = time.Since(s.started).Truncate(time.Second).String()
	}
	if c := s.sme.Candidate(); c != nil {
		site := SiteFromEntry(&c.Entry)
		st.Candidate = &site
	}
	for _, ci := range s.conc.Clients() {
		cl := Client{
			Client:    ci.Client.String(),
			Tag:       uint8(ci.Tag),
			State:     ci.State,
			Expected:  ci.Expected,
			Delivered: ci.Delivered,
			Pending:   ci.Pending,
			OSScan:    ci.OSScan,
		}
		if last, ok := s.last[ci.Client]; ok {
			cl.LastStatus = last.String()
		}
		st.Clients = append(st.Clients, cl)
	}
	return st
}

func (s *Station) sites() []Site {
	out := make([]Site, 0, s.table.Len())
	var current wlan.MAC
	if c := s.sme.Candidate(); c != nil {
		current = c.BSSID
	}
	for _, e := range s.table.Entries() {
		site := SiteFromEntry(e)
		site.Candidate = !current.IsZero() && e.BSSID == current
		out = append(out, site)
	}
	slices.SortStableFunc(out, func(x, y Site) int {
		return cmp.Compare(y.RSSI, x.RSSI)
	})
	return out
}

func (s *Station) prune() int {
	if s.cfg.Station.SiteMaxAge <= 0 {
		return 0
	}
	n := s.table.Prune(s.cfg.Station.SiteMaxAge)
	if n > 0 {
		s.logger.Debug("Pruned stale sites", "removed", n, "remaining", s.table.Len())
		s.metrics.Gauge(metrics.MetricSitesInTable, float64(s.table.Len()), nil)
	}
	return n
}

// onResult runs on the executor for every client result.
func (s *Station) onResult(r concentrator.Result) {
	switch r.Kind {
	case concentrator.ResultFrame:
		if r.Entry != nil {
			s.events.Publish(Event{
				Type:   EventSite,
				Time:   time.Now(),
				Client: r.Client.String(),
				BSSID:  r.Entry.BSSID.String(),
				SSID:   r.Entry.SSID,
				RSSI:   r.Entry.RSSI,
			})
		}
	case concentrator.ResultComplete:
		s.record(r.Client, r.Status)
		s.prune()
		s.logger.InfoScan("Scan complete", r.Client.String(),
			"status", r.Status.String(),
			"os_scan", r.OSScan,
			"sites", s.table.Len())
		s.events.Publish(Event{
			Type:   EventScanComplete,
			Time:   time.Now(),
			Client: r.Client.String(),
			Status: r.Status.String(),
			OSScan: r.OSScan,
		})
	}
}

func (s *Station) record(client wlan.ClientID, status wlan.Status) {
	if client.Valid() {
		s.last[client] = status
	}
}

func (s *Station) setLink(info concentrator.StationInfo) {
	s.conc.SetStation(info)
	ev := Event{Type: EventLink, Time: time.Now(), State: "disconnected"}
	if info.Connected {
		ev.State = "connected"
		ev.BSSID = info.BSSID.String()
		ev.SSID = info.SSID
	}
	s.events.Publish(ev)
}

// afterState runs after every job and tracks SME state changes.
func (s *Station) afterState() {
	st := s.sme.State()
	if st == s.smeState {
		return
	}
	prev := s.smeState
	s.smeState = st
	s.events.Publish(Event{Type: EventSMEState, Time: time.Now(), State: st.String()})

	switch {
	case st == sme.StateConnected:
		if c := s.sme.Candidate(); c != nil {
			s.setLink(concentrator.StationInfo{
				Connected: true,
				BSSType:   c.BSSType,
				BSSID:     c.BSSID,
				SSID:      c.SSID,
				Band:      c.Band,
				Channel:   c.Channel,
			})
			s.logger.InfoConnection("Connected", c.BSSID.String(), "ssid", c.SSID, "channel", c.Channel)
		}
	case prev == sme.StateConnected:
		s.setLink(concentrator.StationInfo{})
	}
}

// do runs fn on the executor and waits for it.
func (s *Station) do(ctx context.Context, name string, fn func() error) error {
	return s.pool.Do(ctx, name, func(context.Context) error {
		defer s.afterState()
		return fn()
	})
}

// submit queues fn without waiting for it to run. Used by radio indications
// and timers, which run on their own goroutines. A full queue makes the
// caller wait rather than lose the indication.
func (s *Station) submit(name string, fn func()) {
	err := s.pool.EnqueueFunc(name, func(context.Context) error {
		defer s.afterState()
		fn()
		return nil
	})
	if err != nil {
		s.logger.WithError(err).Warn("Station event after shutdown", "event", name)
	}
}

func (s *Station) afterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, func() { s.submit("retry", fn) })
	return func() { t.Stop() }
}

// sink moves radio indications onto the executor.
type sink struct{ s *Station }

func (k sink) FrameReceived(tag wlan.Tag, f concentrator.Frame) {
	k.s.submit("frame", func() { k.s.conc.FrameReceived(tag, f) })
}

func (k sink) ScanComplete(tag wlan.Tag, r concentrator.Report) {
	k.s.submit("scan_complete", func() { k.s.conc.ScanComplete(tag, r) })
}

func (k sink) ConnectSuccess() {
	k.s.submit("connect_success", k.s.sme.ConnectSuccess)
}

func (k sink) ConnectFailure() {
	k.s.submit("connect_failure", k.s.sme.ConnectFailure)
}
