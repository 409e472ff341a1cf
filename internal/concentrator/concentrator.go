// Package concentrator owns the five scan clients. It prepares channel
// lists, starts and stops scans through the execution layer, demultiplexes
// frames and completions back to clients by tag, filters frames into the
// site table and runs the OS bulk scan sequence.
package concentrator

import (
	"bytes"
	"context"

	"github.com/anstrom/stascan/internal/arbiter"
	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/frames"
	"github.com/anstrom/stascan/internal/fsm"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/scanclient"
	"github.com/anstrom/stascan/internal/sitetable"
	"github.com/anstrom/stascan/internal/wlan"
)

// Executor is the scan execution layer.
type Executor interface {
	StartScan(ctx context.Context, req *Request, tag wlan.Tag, prio scanclient.Priority, ps scanclient.PowerSave) error
	StopScan(tag wlan.Tag, sendNullFrame bool) error
	// StopOnReset tears a scan down after a firmware reset; no completion follows.
	StopOnReset(tag wlan.Tag)
}

// Regulatory is the channel validity oracle.
type Regulatory interface {
	ChannelIsValid(band wlan.Band, ch uint8, scanType wlan.ScanType) (bool, int8)
	IsDFSChannel(band wlan.Band, ch uint8) bool
}

// Frame drop reasons, used as metric labels.
const (
	DropStale        = "stale"
	DropDecode       = "decode"
	DropNoSSID       = "no_ssid"
	DropHidden       = "hidden"
	DropRSSI         = "rssi"
	DropCurrentBSSID = "current_bssid"
	DropSSIDMismatch = "ssid_mismatch"
)

// TagFor returns the fixed tag of a client.
func TagFor(id wlan.ClientID) wlan.Tag {
	return wlan.Tag(id) + 1
}

// ClientForTag maps a tag back to its client.
func ClientForTag(tag wlan.Tag) (wlan.ClientID, bool) {
	if tag == 0 {
		return 0, false
	}
	id := wlan.ClientID(tag - 1)
	return id, id.Valid()
}

type slot struct {
	client   *scanclient.Client
	tag      wlan.Tag
	req      *Request
	onResult ResultFunc

	expected  int
	delivered int
	// completePending is set when the completion arrived before all
	// expected frames.
	completePending bool
	report          Report

	// osScan marks an attempt started by the OS bulk scan sequence.
	osScan bool
}

// Concentrator is not safe for concurrent use; the station serializes
// every entry point.
type Concentrator struct {
	ctx     context.Context
	arb     *arbiter.Arbiter
	exec    Executor
	reg     Regulatory
	table   *sitetable.Table
	station StationInfo

	slots     [wlan.NumClients]*slot
	rssiFloor int
	bands     wlan.BandMask

	os osScan

	logger  *logging.Logger
	metrics metrics.MetricsRegistry
	fsmOpts []fsm.Option
}

// Option configures a Concentrator.
type Option func(*Concentrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Concentrator) { c.logger = l }
}

// WithMetrics sets the metrics registry.
func WithMetrics(r metrics.MetricsRegistry) Option {
	return func(c *Concentrator) { c.metrics = r }
}

// WithContext sets the context handed to the executor.
func WithContext(ctx context.Context) Option {
	return func(c *Concentrator) { c.ctx = ctx }
}

// WithRSSIFloor drops frames weaker than floor dBm.
func WithRSSIFloor(floor int) Option {
	return func(c *Concentrator) { c.rssiFloor = floor }
}

// WithBands restricts the bands the OS bulk scan covers.
func WithBands(mask wlan.BandMask) Option {
	return func(c *Concentrator) { c.bands = mask }
}

// WithMachineOptions passes options to every client machine.
func WithMachineOptions(opts ...fsm.Option) Option {
	return func(c *Concentrator) { c.fsmOpts = append(c.fsmOpts, opts...) }
}

// New creates the concentrator and registers all five clients with arb.
func New(arb *arbiter.Arbiter, exec Executor, reg Regulatory, table *sitetable.Table, opts ...Option) *Concentrator {
	c := &Concentrator{
		ctx:       context.Background(),
		arb:       arb,
		exec:      exec,
		reg:       reg,
		table:     table,
		rssiFloor: -100,
		bands:     wlan.BandMaskAll,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger).WithComponent("concentrator")
	c.metrics = metrics.OrDefault(c.metrics)

	machineOpts := append([]fsm.Option{fsm.WithLogger(c.logger), fsm.WithMetrics(c.metrics)}, c.fsmOpts...)
	for _, spec := range scanclient.Specs() {
		s := &slot{tag: TagFor(spec.ID)}
		s.client = scanclient.New(spec, arb, c.opsFor(s), machineOpts...)
		id := spec.ID
		s.client.SetResultFunc(func(status wlan.Status) { c.clientDone(id, status) })
		c.slots[spec.ID] = s
	}
	return c
}

func (c *Concentrator) opsFor(s *slot) scanclient.Ops {
	return scanclient.Ops{
		StartScan: func() error {
			spec := s.client.Spec()
			return c.exec.StartScan(c.ctx, s.req, s.tag,
				spec.ExecPriority(), spec.PowerSaveFor(c.station.ConnectedInfra()))
		},
		StopScan: func(sendNullFrame bool) error {
			return c.exec.StopScan(s.tag, sendNullFrame)
		},
		Recovery: func() {
			s.resetCounters()
		},
	}
}

func (s *slot) resetCounters() {
	s.expected = 0
	s.delivered = 0
	s.completePending = false
	s.report = Report{}
}

// Table returns the site table.
func (c *Concentrator) Table() *sitetable.Table {
	return c.table
}

// RegisterResultCallback installs the result callback of a client.
func (c *Concentrator) RegisterResultCallback(id wlan.ClientID, fn ResultFunc) {
	if !id.Valid() {
		return
	}
	c.slots[id].onResult = fn
}

// SetStation updates the station's link information.
func (c *Concentrator) SetStation(info StationInfo) {
	c.station = info
}

// Station returns the current link information.
func (c *Concentrator) Station() StationInfo {
	return c.station
}

// StartOneShot starts a single pass of a one-shot client. It returns
// StatusRunning when the scan was handed off; any other status is the
// final outcome and no completion callback follows.
func (c *Concentrator) StartOneShot(id wlan.ClientID, req *Request) wlan.Status {
	spec, ok := scanclient.SpecFor(id)
	if !ok {
		c.logger.Warn("Scan start rejected", "error", errors.ErrUnknownClient(id.String()))
		return wlan.StatusFailed
	}
	if spec.Periodic {
		c.logger.Warn("One-shot start on periodic client", "client", id.String())
		return wlan.StatusFailed
	}
	return c.start(id, req, false)
}

// StartPeriodic starts a periodic client with req.Schedule.
func (c *Concentrator) StartPeriodic(id wlan.ClientID, req *Request) wlan.Status {
	spec, ok := scanclient.SpecFor(id)
	if !ok {
		c.logger.Warn("Scan start rejected", "error", errors.ErrUnknownClient(id.String()))
		return wlan.StatusFailed
	}
	if !spec.Periodic {
		c.logger.Warn("Periodic start on one-shot client", "client", id.String())
		return wlan.StatusFailed
	}
	if err := req.Schedule.Validate(); err != nil {
		c.logger.ErrorScan("Invalid periodic schedule", id.String(), err)
		return wlan.StatusFailed
	}
	return c.start(id, req, false)
}

func (c *Concentrator) start(id wlan.ClientID, req *Request, osScan bool) wlan.Status {
	s := c.slots[id]
	if s.client.State() != fsm.StateIdle {
		c.logger.Warn("Scan start rejected", "error", errors.ErrClientBusy(id.String()))
		return wlan.StatusFailed
	}

	prepared := req.Clone()
	prepared.Client = id
	prepared.Channels = PrepareChannels(c.reg, req.Channels)
	if len(prepared.Channels) == 0 {
		c.logger.Warn("Scan start rejected", "error", errors.ErrNoChannels(id.String()))
		metrics.RecordScanOutcome(c.metrics, id.String(), wlan.StatusFailed.String())
		return wlan.StatusFailed
	}

	s.req = prepared
	s.osScan = osScan
	s.resetCounters()

	c.logger.InfoScan("Starting scan", id.String(),
		"channels", len(prepared.Channels),
		"periodic", id.IsPeriodic())

	status := s.client.Start()
	if status != wlan.StatusRunning {
		s.req = nil
		s.osScan = false
	}
	return status
}

// Stop asks a client to stop its scan. The outcome arrives through the
// result callback.
func (c *Concentrator) Stop(id wlan.ClientID) {
	if !id.Valid() {
		return
	}
	if id == wlan.ClientAppOneShot && c.os.state != osIdle {
		c.os.stopping = true
	}
	c.slots[id].client.Stop()
}

// State returns the machine state of a client.
func (c *Concentrator) State(id wlan.ClientID) fsm.State {
	if !id.Valid() {
		return fsm.StateIdle
	}
	return c.slots[id].client.State()
}

func (c *Concentrator) slotForTag(tag wlan.Tag) (*slot, bool) {
	id, ok := ClientForTag(tag)
	if !ok {
		return nil, false
	}
	s := c.slots[id]
	return s, s.client.Scanning()
}

// FrameReceived handles one frame from the execution layer.
func (c *Concentrator) FrameReceived(tag wlan.Tag, f Frame) {
	s, ok := c.slotForTag(tag)
	if !ok {
		c.drop(tag.String(), DropStale)
		return
	}
	id := s.client.ID()
	s.delivered++
	c.metrics.Counter(metrics.MetricFramesReceived, metrics.Labels{metrics.LabelClient: id.String()})

	if entry, reason := c.filter(s, f); reason != "" {
		c.drop(id.String(), reason)
	} else {
		stored, created := c.table.Update(entry)
		c.metrics.Gauge(metrics.MetricSitesInTable, float64(c.table.Len()), nil)
		if created {
			c.logger.Debug("New site", "bssid", stored.BSSID.String(), "ssid", stored.SSID, "client", id.String())
		}
		if s.onResult != nil {
			cp := stored.Clone()
			s.onResult(Result{Kind: ResultFrame, Client: id, Entry: &cp})
		}
	}

	if s.completePending && s.delivered >= s.expected {
		s.completePending = false
		s.client.Complete(s.report.ExecStatus)
	}
}

func (c *Concentrator) drop(client, reason string) {
	metrics.RecordFrameDropped(c.metrics, client, reason)
}

// filter decodes f and applies the frame filters. It returns the entry to
// store, or the drop reason.
func (c *Concentrator) filter(s *slot, f Frame) (sitetable.Entry, string) {
	p := f.Parsed
	if p == nil {
		var err error
		if p, err = frames.Decode(f.Body); err != nil {
			c.logger.Debug("Frame decode failed", "bssid", f.BSSID.String(), "error", err)
			return sitetable.Entry{}, DropDecode
		}
	}

	spec := s.client.Spec()
	switch {
	case !p.HasSSID:
		return sitetable.Entry{}, DropNoSSID
	case p.SSID == "" && !(isAppClient(spec.ID) && s.req.AnySSID()):
		return sitetable.Entry{}, DropHidden
	case f.RSSI < c.rssiFloor:
		return sitetable.Entry{}, DropRSSI
	}
	if spec.RoamingFilter {
		if c.station.Connected && f.BSSID == c.station.BSSID {
			return sitetable.Entry{}, DropCurrentBSSID
		}
		if !s.req.FixedSchedule && p.SSID != c.station.SSID {
			return sitetable.Entry{}, DropSSIDMismatch
		}
	}

	channel := f.Channel
	if p.HasDSChannel {
		channel = p.DSChannel
	}
	return sitetable.Entry{
		BSSID:          f.BSSID,
		SSID:           p.SSID,
		BSSType:        p.BSSType(),
		RSSI:           f.RSSI,
		SNR:            f.SNR,
		Band:           f.Band,
		Channel:        channel,
		BeaconInterval: p.BeaconInterval,
		Capability:     p.Capability,
		RSNIE:          bytes.Clone(p.RSN),
		WPAIE:          bytes.Clone(p.WPA),
		Security:       p.Security.Clone(),
		WMM:            p.WMM,
		UAPSD:          p.UAPSD,
		WPS:            p.WPS,
		CSA:            p.CSA,
		BasicRates:     bytes.Clone(p.BasicRates),
		SupportedRates: bytes.Clone(p.SupportedRates),
		Body:           bytes.Clone(f.Body),
	}, ""
}

func isAppClient(id wlan.ClientID) bool {
	return id == wlan.ClientAppOneShot || id == wlan.ClientAppPeriodic
}

// ScanComplete handles a completion indication. The client completes once
// every frame the report announces has been delivered.
func (c *Concentrator) ScanComplete(tag wlan.Tag, r Report) {
	s, ok := c.slotForTag(tag)
	if !ok {
		c.logger.Debug("Completion for idle client dropped", "tag", tag.String())
		return
	}
	s.expected = r.Delivered
	s.report = r
	if r.TSFError {
		c.logger.Warn("Scan completed with TSF error", "client", s.client.ID().String(), "spp_status", r.SPPStatus)
	}
	if s.delivered < s.expected {
		s.completePending = true
		return
	}
	s.client.Complete(r.ExecStatus)
}

// clientDone receives every finished attempt that was not returned from a
// synchronous start.
func (c *Concentrator) clientDone(id wlan.ClientID, status wlan.Status) {
	s := c.slots[id]
	osScan := s.osScan
	s.req = nil
	s.osScan = false
	s.resetCounters()

	c.logger.InfoScan("Scan finished", id.String(), "status", status.String())

	if osScan {
		c.osBandDone(status)
		return
	}
	if s.onResult != nil {
		s.onResult(Result{Kind: ResultComplete, Client: id, Status: status})
	}
}

// FWReset tears down every scan in the execution layer and broadcasts the
// reset to all clients through the arbiter.
func (c *Concentrator) FWReset() {
	c.logger.Warn("Firmware reset")
	for _, s := range c.slots {
		if s.client.Scanning() {
			c.exec.StopOnReset(s.tag)
		}
	}
	c.arb.NotifyFWReset()
}

// ClientInfo is a snapshot of one client.
type ClientInfo struct {
	Client    wlan.ClientID `json:"client"`
	Tag       wlan.Tag      `json:"tag"`
	State     string        `json:"state"`
	Expected  int           `json:"expected"`
	Delivered int           `json:"delivered"`
	Pending   bool          `json:"complete_pending"`
	OSScan    bool          `json:"os_scan"`
}

// Clients returns a snapshot of all clients.
func (c *Concentrator) Clients() []ClientInfo {
	out := make([]ClientInfo, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, ClientInfo{
			Client:    s.client.ID(),
			Tag:       s.tag,
			State:     s.client.State().String(),
			Expected:  s.expected,
			Delivered: s.delivered,
			Pending:   s.completePending,
			OSScan:    s.osScan,
		})
	}
	return out
}
