// Package simradio is a software radio for running the station without
// hardware. It executes scan requests against a configured set of access
// points, producing real beacon bodies, and plays the association layer.
//
// Results are delivered from the radio's own goroutines through a Sink;
// the station funnels them back onto its event worker.
package simradio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anstrom/stascan/internal/concentrator"
	"github.com/anstrom/stascan/internal/config"
	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/frames"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/scanclient"
	"github.com/anstrom/stascan/internal/selection"
	"github.com/anstrom/stascan/internal/wlan"
)

// Sink receives everything the radio reports.
type Sink interface {
	FrameReceived(tag wlan.Tag, f concentrator.Frame)
	ScanComplete(tag wlan.Tag, r concentrator.Report)
	ConnectSuccess()
	ConnectFailure()
}

// AP is one simulated access point.
type AP struct {
	BSSID    wlan.MAC
	SSID     string
	BSSType  wlan.BSSType
	Band     wlan.Band
	Channel  uint8
	RSSI     int
	Security wlan.SecurityMode
	WPS      wlan.WPSMode
	Hidden   bool
	CSA      bool
	// Rates in 500 kbps units; the first two are basic
	Rates []uint8
}

var (
	defaultRates24 = []uint8{2, 4, 11, 22, 12, 18, 24, 36, 48, 72, 96, 108}
	defaultRates5  = []uint8{12, 18, 24, 36, 48, 72, 96, 108}
)

// APsFromConfig converts the simulation section of the configuration.
func APsFromConfig(aps []config.SimulatedAP) ([]AP, error) {
	out := make([]AP, 0, len(aps))
	for i, c := range aps {
		bssid, err := wlan.ParseMAC(c.BSSID)
		if err != nil {
			return nil, errors.ErrConfigInvalid(fmt.Sprintf("simulation.aps[%d].bssid", i), c.BSSID)
		}
		band := wlan.Band24GHz
		if c.Band != "" {
			if band, err = wlan.ParseBand(c.Band); err != nil {
				return nil, errors.ErrConfigInvalid(fmt.Sprintf("simulation.aps[%d].band", i), c.Band)
			}
		}
		sec, err := wlan.ParseSecurityMode(c.Security)
		if err != nil {
			return nil, errors.ErrConfigInvalid(fmt.Sprintf("simulation.aps[%d].security", i), c.Security)
		}
		wps := wlan.WPSNone
		if c.WPS != "" {
			if wps, err = wlan.ParseWPSMode(c.WPS); err != nil {
				return nil, errors.ErrConfigInvalid(fmt.Sprintf("simulation.aps[%d].wps", i), c.WPS)
			}
		}
		bssType := wlan.BSSInfrastructure
		if c.BSSType != "" {
			if bssType, err = wlan.ParseBSSType(c.BSSType); err != nil {
				return nil, errors.ErrConfigInvalid(fmt.Sprintf("simulation.aps[%d].bss_type", i), c.BSSType)
			}
		}
		rates := wlan.RatesFromMbps(c.Rates)
		if len(rates) == 0 {
			rates = defaultRates24
			if band == wlan.Band5GHz {
				rates = defaultRates5
			}
		}
		out = append(out, AP{
			BSSID:    bssid,
			SSID:     c.SSID,
			BSSType:  bssType,
			Band:     band,
			Channel:  c.Channel,
			RSSI:     c.RSSI,
			Security: sec,
			WPS:      wps,
			Hidden:   c.Hidden,
			CSA:      c.CSA,
			Rates:    append([]uint8(nil), rates...),
		})
	}
	return out, nil
}

// Body builds the beacon or probe-response body the AP transmits. A hidden
// AP answers a directed probe with its SSID and beacons without it.
func (ap AP) Body(probedSSID bool) []byte {
	capability := frames.CapESS
	if ap.BSSType == wlan.BSSIndependent {
		capability = frames.CapIBSS
	}
	if ap.Security != wlan.SecurityOpen {
		capability |= frames.CapPrivacy
	}

	ssid := ap.SSID
	if ap.Hidden && !probedSSID {
		ssid = ""
	}
	basic := ap.Rates
	if len(basic) > 2 {
		basic = basic[:2]
	}

	b := frames.NewBuilder(uint64(time.Now().UnixMicro()), 100, capability).
		SSID(ssid).
		Rates(ap.Rates, basic).
		DSChannel(ap.Channel)
	switch ap.Security {
	case wlan.SecurityWPAPersonal:
		b.WPA()
	case wlan.SecurityWPA2Personal:
		b.RSN(wlan.AKMPSK)
	case wlan.SecurityWPA2Enterprise:
		b.RSN(wlan.AKM8021X)
	case wlan.SecurityWPA3Personal:
		b.RSN(wlan.AKMSAE)
	}
	b.WMM(true)
	if ap.WPS != wlan.WPSNone {
		b.WPS(ap.WPS)
	}
	if ap.CSA {
		b.CSA(ap.Channel + 4)
	}
	return b.Bytes()
}

type scan struct {
	cancel context.CancelFunc
	// silent scans end without a completion
	silent bool
}

// Radio is the simulated scan executor and association layer.
type Radio struct {
	mu          sync.Mutex
	aps         []AP
	failBSSIDs  map[wlan.MAC]bool
	channelTime time.Duration
	sink        Sink
	scans       map[wlan.Tag]*scan

	linked     bool
	link       wlan.MAC
	connecting context.CancelFunc

	wg     sync.WaitGroup
	logger *logging.Logger
}

var _ concentrator.Executor = (*Radio)(nil)

// Option configures a Radio.
type Option func(*Radio)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Radio) { r.logger = l }
}

// New builds a radio from the simulation configuration.
func New(cfg config.SimulationConfig, sink Sink, opts ...Option) (*Radio, error) {
	aps, err := APsFromConfig(cfg.APs)
	if err != nil {
		return nil, err
	}
	fail := make(map[wlan.MAC]bool, len(cfg.FailBSSIDs))
	for _, s := range cfg.FailBSSIDs {
		m, err := wlan.ParseMAC(s)
		if err != nil {
			return nil, errors.ErrConfigInvalid("simulation.fail_bssids", s)
		}
		fail[m] = true
	}
	r := &Radio{
		aps:         aps,
		failBSSIDs:  fail,
		channelTime: cfg.ChannelTime,
		sink:        sink,
		scans:       make(map[wlan.Tag]*scan),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger).WithComponent("simradio")
	return r, nil
}

// SetSink replaces the result sink. It must be called before the first scan.
func (r *Radio) SetSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

// APs returns the simulated access points.
func (r *Radio) APs() []AP {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AP(nil), r.aps...)
}

// StartScan runs req in the background. Periodic requests repeat over
// their schedule until the cycle cap or a stop.
func (r *Radio) StartScan(ctx context.Context, req *concentrator.Request, tag wlan.Tag, prio scanclient.Priority, ps scanclient.PowerSave) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.scans[tag]; busy {
		return errors.NewScanError(errors.CodeClientBusy, "tag already scanning").WithContext("tag", tag.String())
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &scan{cancel: cancel}
	r.scans[tag] = s

	r.logger.Debug("Scan started",
		"tag", tag.String(),
		"channels", len(req.Channels),
		"priority", prio.String(),
		"power_save", ps.String())

	r.wg.Add(1)
	go r.run(runCtx, s, req.Clone(), tag)
	return nil
}

// StopScan ends a scan early; the completion still follows.
func (r *Radio) StopScan(tag wlan.Tag, sendNullFrame bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scans[tag]
	if !ok {
		return errors.NewScanError(errors.CodeUnknownTag, "no scan for tag").WithContext("tag", tag.String())
	}
	r.logger.Debug("Scan stop requested", "tag", tag.String(), "null_frame", sendNullFrame)
	s.cancel()
	return nil
}

// StopOnReset drops a scan without a completion.
func (r *Radio) StopOnReset(tag wlan.Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scans[tag]; ok {
		s.silent = true
		s.cancel()
		delete(r.scans, tag)
	}
}

func (r *Radio) run(ctx context.Context, s *scan, req *concentrator.Request, tag wlan.Tag) {
	defer r.wg.Done()

	delivered := 0
	periodic := req.Client.IsPeriodic()
	for cycle := 0; ; cycle++ {
		if periodic && !sleep(ctx, req.Schedule.Interval(cycle)) {
			break
		}
		n, ok := r.cycle(ctx, req, tag)
		delivered += n
		if !ok || !periodic || req.Schedule.Done(cycle+1) {
			break
		}
	}

	r.mu.Lock()
	if r.scans[tag] == s {
		delete(r.scans, tag)
	}
	silent := s.silent
	sink := r.sink
	r.mu.Unlock()
	s.cancel()

	if silent || sink == nil {
		return
	}
	sink.ScanComplete(tag, concentrator.Report{Delivered: delivered, ExecStatus: wlan.StatusOK})
}

// cycle visits each channel once. It returns the frames delivered and
// false when the scan was stopped.
func (r *Radio) cycle(ctx context.Context, req *concentrator.Request, tag wlan.Tag) (int, bool) {
	delivered := 0
	for _, ch := range req.Channels {
		if !sleep(ctx, r.channelTime) {
			return delivered, false
		}
		r.mu.Lock()
		aps := r.aps
		sink := r.sink
		r.mu.Unlock()
		if sink == nil {
			continue
		}
		for _, ap := range aps {
			if ap.Band != ch.Band || ap.Channel != ch.Number {
				continue
			}
			probed := ch.Type == wlan.ScanActive && req.Probes > 0 && probes(req.SSIDs, ap.SSID)
			sink.FrameReceived(tag, concentrator.Frame{
				BSSID:   ap.BSSID,
				Body:    ap.Body(probed),
				RSSI:    ap.RSSI,
				SNR:     ap.RSSI + 95,
				Band:    ap.Band,
				Channel: ap.Channel,
			})
			delivered++
		}
	}
	return delivered, true
}

func probes(ssids []string, ssid string) bool {
	for _, s := range ssids {
		if s != "" && s == ssid {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Connect associates with c in the background. Sites on the failure list
// and infrastructure sites out of range fail; self-created independent
// networks always succeed.
func (r *Radio) Connect(c *selection.Candidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connecting != nil {
		return errors.ErrInvalidState("connect", "connecting")
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.connecting = cancel
	bssid, bssType := c.BSSID, c.BSSType

	log := r.logger.WithBSSID(bssid.String())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if !sleep(ctx, r.channelTime) {
			log.Debug("Association cancelled")
			return
		}
		r.mu.Lock()
		if ctx.Err() != nil {
			r.mu.Unlock()
			log.Debug("Association cancelled")
			return
		}
		r.connecting = nil
		ok := !r.failBSSIDs[bssid] && (bssType == wlan.BSSIndependent || r.inRange(bssid))
		if ok {
			r.linked, r.link = true, bssid
		}
		sink := r.sink
		r.mu.Unlock()
		cancel()

		log.Info("Association finished", "success", ok)
		if sink == nil {
			return
		}
		if ok {
			sink.ConnectSuccess()
		} else {
			sink.ConnectFailure()
		}
	}()
	return nil
}

func (r *Radio) inRange(bssid wlan.MAC) bool {
	for _, ap := range r.aps {
		if ap.BSSID == bssid {
			return true
		}
	}
	return false
}

// Disconnect drops the link or cancels an attempt in progress and reports
// ConnectFailure. Without either it does nothing.
func (r *Radio) Disconnect() {
	r.mu.Lock()
	active := r.linked || r.connecting != nil
	if r.connecting != nil {
		r.connecting()
		r.connecting = nil
	}
	r.linked = false
	sink := r.sink
	r.mu.Unlock()

	if !active || sink == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		sink.ConnectFailure()
	}()
}

// DropLink simulates losing the current link.
func (r *Radio) DropLink() bool {
	r.mu.Lock()
	linked := r.linked
	r.linked = false
	sink := r.sink
	r.mu.Unlock()
	if linked && sink != nil {
		sink.ConnectFailure()
	}
	return linked
}

// Link returns the associated BSSID.
func (r *Radio) Link() (wlan.MAC, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link, r.linked
}

// Close cancels every scan and association and waits for the goroutines.
func (r *Radio) Close() {
	r.mu.Lock()
	for _, s := range r.scans {
		s.silent = true
		s.cancel()
	}
	if r.connecting != nil {
		r.connecting()
		r.connecting = nil
	}
	r.sink = nil
	r.mu.Unlock()
	r.wg.Wait()
}
