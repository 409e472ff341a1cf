// Package sme implements the connection state machine. It selects a
// candidate from the site table, scans through the driver-periodic client
// when nothing matches, hands the candidate to the association layer and
// keeps the arbiter group in step with the connection state.
//
// An SME is not safe for concurrent use. The station serializes every entry
// point, including retry timers.
package sme

import (
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/stascan/internal/arbiter"
	"github.com/anstrom/stascan/internal/concentrator"
	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/frames"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/selection"
	"github.com/anstrom/stascan/internal/sitetable"
	"github.com/anstrom/stascan/internal/wlan"
)

// State is the connection state.
type State uint8

const (
	StateIdle State = iota
	StateWaitConnect
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnecting
	numStates
)

var stateNames = [numStates]string{
	StateIdle:          "idle",
	StateWaitConnect:   "wait_connect",
	StateScanning:      "scanning",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateDisconnecting: "disconnecting",
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return "unknown"
}

// Event drives the connection state machine.
type Event uint8

const (
	EventStart Event = iota
	EventStop
	EventConnect
	EventConnectSuccess
	EventConnectFailure
	EventDisconnect
	numEvents
)

var eventNames = [numEvents]string{
	EventStart:          "start",
	EventStop:           "stop",
	EventConnect:        "connect",
	EventConnectSuccess: "connect_success",
	EventConnectFailure: "connect_failure",
	EventDisconnect:     "disconnect",
}

func (e Event) String() string {
	if e < numEvents {
		return eventNames[e]
	}
	return "unknown"
}

// Connect attempt results, used as metric labels.
const (
	AttemptStarted = "started"
	AttemptSuccess = "success"
	AttemptFailure = "failure"
)

// Selection results, used as metric labels.
const (
	SelectionFound      = "found"
	SelectionNone       = "none"
	SelectionWPSOverlap = "wps_overlap"
	SelectionSynthesize = "ibss_created"
)

// Scanner is the part of the concentrator the SME drives.
type Scanner interface {
	StartPeriodic(id wlan.ClientID, req *concentrator.Request) wlan.Status
	Stop(id wlan.ClientID)
	Table() *sitetable.Table
}

// GroupSetter receives the arbiter group that matches the SME state.
type GroupSetter interface {
	SetGroup(g arbiter.Group)
}

// Associator is the association layer. Connect must not block; the outcome
// is reported through ConnectSuccess or ConnectFailure. After Disconnect the
// layer reports ConnectFailure once the link is down.
type Associator interface {
	Connect(c *selection.Candidate) error
	Disconnect()
}

// AfterFunc runs fn once after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, fn func()) (cancel func())

// DefaultRetryIntervals index the delay before the next connect cycle by the
// number of consecutive failed cycles.
var DefaultRetryIntervals = []time.Duration{
	0,
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Params are the connection parameters.
type Params struct {
	Selection selection.Params `json:"selection"`
	// AutoConnect starts a connect cycle on Start and after every failure.
	AutoConnect    bool            `json:"auto_connect"`
	RetryIntervals []time.Duration `json:"retry_intervals"`
	// Scan is the driver-periodic request issued when the table has no match.
	Scan concentrator.Request `json:"scan"`
	// IBSSBand and IBSSChannel place a self-created independent BSS.
	IBSSBand    wlan.Band `json:"ibss_band"`
	IBSSChannel uint8     `json:"ibss_channel"`
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	out := p
	out.Selection.SupportedRates = append([]uint8(nil), p.Selection.SupportedRates...)
	out.RetryIntervals = append([]time.Duration(nil), p.RetryIntervals...)
	out.Scan = *p.Scan.Clone()
	return out
}

// Validate checks the retry table and the scan schedule.
func (p Params) Validate() error {
	for _, d := range p.RetryIntervals {
		if d < 0 {
			return errors.ErrConfigInvalid("retry_intervals", d.String())
		}
	}
	if err := p.Scan.Schedule.Validate(); err != nil {
		return errors.WrapConfigError(errors.CodeValidation, "invalid connection scan schedule", err)
	}
	// Selection reruns on scan completion, so the connection scan must end.
	if p.Scan.Schedule.MaxCycles < 1 {
		return errors.ErrConfigInvalid("scan.max_cycles", p.Scan.Schedule.MaxCycles)
	}
	return nil
}

// RetryInterval returns the delay after n consecutive failed cycles. The
// index is bounded by the last entry.
func (p Params) RetryInterval(n int) time.Duration {
	intervals := p.RetryIntervals
	if len(intervals) == 0 {
		intervals = DefaultRetryIntervals
	}
	if n >= len(intervals) {
		n = len(intervals) - 1
	}
	if n < 0 {
		n = 0
	}
	return intervals[n]
}

type input struct {
	event Event
}

type transition struct {
	next   State
	action func(*SME, input)
}

var table [numStates][numEvents]transition

func init() {
	ignore := (*SME).ignore
	unexpected := (*SME).unexpected
	for s := State(0); s < numStates; s++ {
		for e := Event(0); e < numEvents; e++ {
			table[s][e] = transition{next: s, action: ignore}
		}
	}

	table[StateIdle][EventStart] = transition{StateWaitConnect, (*SME).begin}
	table[StateIdle][EventConnectSuccess] = transition{StateIdle, unexpected}
	table[StateIdle][EventConnectFailure] = transition{StateIdle, unexpected}

	table[StateWaitConnect][EventStop] = transition{StateIdle, (*SME).halt}
	table[StateWaitConnect][EventConnect] = transition{StateScanning, (*SME).selectOrScan}
	table[StateWaitConnect][EventConnectSuccess] = transition{StateWaitConnect, unexpected}

	table[StateScanning][EventStop] = transition{StateIdle, (*SME).stopScan}
	table[StateScanning][EventConnect] = transition{StateConnecting, (*SME).associate}
	table[StateScanning][EventConnectSuccess] = transition{StateScanning, unexpected}
	table[StateScanning][EventConnectFailure] = transition{StateWaitConnect, (*SME).cycleFailed}

	table[StateConnecting][EventStop] = transition{StateDisconnecting, (*SME).teardown}
	table[StateConnecting][EventConnectSuccess] = transition{StateConnected, (*SME).connected}
	table[StateConnecting][EventConnectFailure] = transition{StateScanning, (*SME).reselect}
	table[StateConnecting][EventDisconnect] = transition{StateDisconnecting, (*SME).userDisconnect}

	table[StateConnected][EventStop] = transition{StateDisconnecting, (*SME).teardown}
	table[StateConnected][EventConnectFailure] = transition{StateWaitConnect, (*SME).linkLost}
	table[StateConnected][EventDisconnect] = transition{StateDisconnecting, (*SME).userDisconnect}

	table[StateDisconnecting][EventStop] = transition{StateDisconnecting, (*SME).cancelRestart}
	table[StateDisconnecting][EventConnectFailure] = transition{StateIdle, (*SME).disconnected}
}

// SME is the connection state machine.
type SME struct {
	state  State
	params Params

	scanner Scanner
	groups  GroupSetter
	assoc   Associator

	candidate *selection.Candidate
	scanCount int
	// restart re-enters WaitConnect once a user disconnect completes
	restart bool

	retryCancel func()
	retryGen    uint64

	queue       []input
	dispatching bool

	after   AfterFunc
	now     func() time.Time
	logger  *logging.Logger
	metrics metrics.MetricsRegistry
}

// Option configures an SME.
type Option func(*SME)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *SME) { s.logger = l }
}

// WithMetrics sets the metrics registry.
func WithMetrics(r metrics.MetricsRegistry) Option {
	return func(s *SME) { s.metrics = r }
}

// WithAfterFunc sets the retry timer.
func WithAfterFunc(fn AfterFunc) Option {
	return func(s *SME) { s.after = fn }
}

// WithClock sets the clock used for self-created sites.
func WithClock(now func() time.Time) Option {
	return func(s *SME) { s.now = now }
}

// New creates an idle SME.
func New(params Params, scanner Scanner, groups GroupSetter, assoc Associator, opts ...Option) *SME {
	s := &SME{
		params:  params.Clone(),
		scanner: scanner,
		groups:  groups,
		assoc:   assoc,
		now:     time.Now,
		after: func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger).WithComponent("sme")
	s.metrics = metrics.OrDefault(s.metrics)
	return s
}

// State returns the current state.
func (s *SME) State() State {
	return s.state
}

// Params returns a copy of the connection parameters.
func (s *SME) Params() Params {
	return s.params.Clone()
}

// ScanCount returns the number of consecutive failed connect cycles.
func (s *SME) ScanCount() int {
	return s.scanCount
}

// Candidate returns a copy of the current connection target, or nil.
func (s *SME) Candidate() *selection.Candidate {
	if s.candidate == nil {
		return nil
	}
	return &selection.Candidate{Entry: s.candidate.Entry.Clone()}
}

// Start enables the SME. With AutoConnect a connect cycle begins at once.
func (s *SME) Start() { s.post(input{event: EventStart}) }

// Stop disables the SME, disconnecting first when a link exists.
func (s *SME) Stop() { s.post(input{event: EventStop}) }

// ConnectRequired begins a connect cycle.
func (s *SME) ConnectRequired() { s.post(input{event: EventConnect}) }

// Disconnect drops the current link and returns to WaitConnect.
func (s *SME) Disconnect() { s.post(input{event: EventDisconnect}) }

// ConnectSuccess is reported by the association layer.
func (s *SME) ConnectSuccess() { s.post(input{event: EventConnectSuccess}) }

// ConnectFailure is reported by the association layer when an attempt fails
// or an existing link is lost.
func (s *SME) ConnectFailure() { s.post(input{event: EventConnectFailure}) }

// SetParam replaces the connection parameters and resets the scan count.
func (s *SME) SetParam(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.params = p.Clone()
	s.scanCount = 0
	s.logger.Info("Connection parameters updated",
		"ssid", p.Selection.SSID,
		"bss_type", p.Selection.BSSType.String(),
		"auto_connect", p.AutoConnect)
	return nil
}

// ScanResult is the driver-periodic client's result callback.
func (s *SME) ScanResult(r concentrator.Result) {
	if r.Kind != concentrator.ResultComplete {
		return
	}
	if s.state != StateScanning {
		s.logger.Debug("Scan result ignored", "state", s.state.String(), "status", r.Status.String())
		return
	}
	s.scanDone(r.Status)
}

func (s *SME) post(in input) {
	s.queue = append(s.queue, in)
	if s.dispatching {
		return
	}
	s.dispatching = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.handle(next)
	}
	s.queue = nil
	s.dispatching = false
}

func (s *SME) handle(in input) {
	if in.event >= numEvents {
		return
	}
	tr := table[s.state][in.event]
	from := s.state
	s.state = tr.next
	if from != tr.next {
		s.logger.Debug("SME transition", "from", from.String(), "to", tr.next.String(), "event", in.event.String())
		metrics.RecordSMETransition(s.metrics, from.String(), tr.next.String())
		s.groups.SetGroup(groupFor(tr.next))
	}
	tr.action(s, in)
}

func groupFor(st State) arbiter.Group {
	switch st {
	case StateWaitConnect, StateScanning:
		return arbiter.GroupDisconnectedScan
	case StateConnecting, StateDisconnecting:
		return arbiter.GroupConnecting
	case StateConnected:
		return arbiter.GroupConnected
	default:
		return arbiter.GroupIdle
	}
}

func (s *SME) ignore(in input) {
	s.logger.Debug("SME event ignored", "state", s.state.String(), "event", in.event.String())
}

func (s *SME) unexpected(in input) {
	s.logger.Warn("Unexpected SME event", "state", s.state.String(), "event", in.event.String())
}

func (s *SME) begin(_ input) {
	s.scanCount = 0
	s.candidate = nil
	s.restart = false
	if s.params.AutoConnect {
		s.post(input{event: EventConnect})
	}
}

func (s *SME) halt(_ input) {
	s.cancelRetry()
	s.candidate = nil
}

// selectOrScan starts a connect cycle: select from the table when it is
// stable, otherwise or when nothing matches scan through the driver-periodic
// client.
func (s *SME) selectOrScan(_ input) {
	s.cancelRetry()
	sites := s.scanner.Table()
	sites.ClearConsidered()

	if sites.Stable() {
		if s.selectCandidate() {
			s.post(input{event: EventConnect})
			return
		}
	}

	status := s.scanner.StartPeriodic(wlan.ClientDriverPeriodic, s.params.Scan.Clone())
	if status == wlan.StatusRunning {
		s.logger.Debug("Connection scan started", "scan_count", s.scanCount)
		return
	}
	s.scanDone(status)
}

func (s *SME) stopScan(_ input) {
	s.scanner.Stop(wlan.ClientDriverPeriodic)
	s.candidate = nil
}

// scanDone runs selection on a fresh table. An infrastructure search without
// a match fails the cycle; an independent or any-type search creates its own
// network instead.
func (s *SME) scanDone(status wlan.Status) {
	if status != wlan.StatusOK {
		s.logger.Warn("Connection scan ended", "status", status.String(), "error", errors.FromStatus(status, wlan.ClientDriverPeriodic.String()))
	}
	s.scanner.Table().ClearConsidered()
	if s.selectCandidate() {
		s.post(input{event: EventConnect})
		return
	}
	if s.params.Selection.BSSType != wlan.BSSInfrastructure && s.synthesizeIBSS() {
		s.post(input{event: EventConnect})
		return
	}
	s.post(input{event: EventConnectFailure})
}

func (s *SME) selectCandidate() bool {
	res := selection.Run(s.scanner.Table(), s.params.Selection, nil)
	switch {
	case res.Err != nil:
		s.metrics.Counter(metrics.MetricSelectionResults, metrics.Labels{metrics.LabelResult: SelectionWPSOverlap})
		s.logger.Warn("Candidate selection aborted", "error", res.Err)
		return false
	case !res.Found():
		s.metrics.Counter(metrics.MetricSelectionResults, metrics.Labels{metrics.LabelResult: SelectionNone})
		s.logger.Debug("No candidate", "error", errors.ErrNoCandidate(s.params.Selection.SSID), "considered", len(res.Considered))
		return false
	}
	s.metrics.Counter(metrics.MetricSelectionResults, metrics.Labels{metrics.LabelResult: SelectionFound})
	s.candidate = res.Candidate
	return true
}

// synthesizeIBSS creates a self-originated independent BSS with a random
// locally administered BSSID.
func (s *SME) synthesizeIBSS() bool {
	p := s.params
	if p.Selection.SSID == "" {
		return false
	}
	id := uuid.New()
	var bssid wlan.MAC
	copy(bssid[:], id[:6])
	bssid[0] = (bssid[0] | 0x02) &^ 0x01

	band, channel := p.IBSSBand, p.IBSSChannel
	if channel == 0 {
		band, channel = wlan.Band24GHz, 1
	}
	capability := uint16(frames.CapIBSS)
	var sec wlan.Security
	if p.Selection.Security != wlan.SecurityOpen {
		capability |= frames.CapPrivacy
		sec.Privacy = true
	}

	s.candidate = &selection.Candidate{Entry: sitetable.Entry{
		BSSID:          bssid,
		SSID:           p.Selection.SSID,
		BSSType:        wlan.BSSIndependent,
		Band:           band,
		Channel:        channel,
		BeaconInterval: 100,
		Capability:     capability,
		Security:       sec,
		SupportedRates: append([]uint8(nil), p.Selection.SupportedRates...),
		LastSeen:       s.now(),
	}}
	s.metrics.Counter(metrics.MetricSelectionResults, metrics.Labels{metrics.LabelResult: SelectionSynthesize})
	s.logger.InfoConnection("Creating independent BSS", bssid.String(), "ssid", p.Selection.SSID, "channel", channel)
	return true
}

func (s *SME) associate(_ input) {
	c := s.candidate
	if c == nil {
		s.logger.Warn("Connect without candidate", "error", errors.ErrInvalidState("connect", s.state.String()))
		s.post(input{event: EventConnectFailure})
		return
	}
	s.metrics.Counter(metrics.MetricConnectAttempts, metrics.Labels{metrics.LabelResult: AttemptStarted})
	s.logger.InfoConnection("Connecting", c.BSSID.String(), "ssid", c.SSID, "rssi", c.RSSI, "channel", c.Channel)
	if err := s.assoc.Connect(&selection.Candidate{Entry: c.Entry.Clone()}); err != nil {
		s.logger.ErrorConnection("Association start failed", c.BSSID.String(),
			errors.WrapConnectionError(errors.CodeConnectFailed, "association start failed", c.BSSID.String(), err))
		s.post(input{event: EventConnectFailure})
	}
}

// reselect tries the next candidate of the current cycle without scanning.
func (s *SME) reselect(_ input) {
	s.metrics.Counter(metrics.MetricConnectAttempts, metrics.Labels{metrics.LabelResult: AttemptFailure})
	if s.candidate != nil {
		s.logger.InfoConnection("Connection attempt failed", s.candidate.BSSID.String())
	}
	s.candidate = nil
	if s.selectCandidate() {
		s.post(input{event: EventConnect})
		return
	}
	s.assoc.Disconnect()
	s.post(input{event: EventConnectFailure})
}

// cycleFailed ends a connect cycle without a link and arms the retry timer.
func (s *SME) cycleFailed(_ input) {
	s.candidate = nil
	delay := s.params.RetryInterval(s.scanCount)
	s.scanCount++
	s.logger.Info("Connect cycle failed", "scan_count", s.scanCount, "retry_in", delay.String())
	s.armRetry(delay)
}

func (s *SME) connected(_ input) {
	s.scanCount = 0
	s.metrics.Counter(metrics.MetricConnectAttempts, metrics.Labels{metrics.LabelResult: AttemptSuccess})
	if c := s.candidate; c != nil {
		s.logger.InfoConnection("Connected", c.BSSID.String(), "ssid", c.SSID)
	}
}

func (s *SME) linkLost(_ input) {
	if c := s.candidate; c != nil {
		s.logger.InfoConnection("Link lost", c.BSSID.String(), "ssid", c.SSID)
	}
	s.candidate = nil
	s.armRetry(s.params.RetryInterval(s.scanCount))
}

func (s *SME) teardown(_ input) {
	s.restart = false
	s.assoc.Disconnect()
}

func (s *SME) userDisconnect(_ input) {
	s.restart = true
	s.assoc.Disconnect()
}

func (s *SME) cancelRestart(_ input) {
	s.restart = false
}

func (s *SME) disconnected(_ input) {
	s.candidate = nil
	if s.restart {
		s.restart = false
		s.post(input{event: EventStart})
	}
}

func (s *SME) armRetry(delay time.Duration) {
	s.cancelRetry()
	if !s.params.AutoConnect {
		return
	}
	gen := s.retryGen
	s.retryCancel = s.after(delay, func() {
		if gen != s.retryGen || s.state != StateWaitConnect {
			return
		}
		s.retryCancel = nil
		s.post(input{event: EventConnect})
	})
}

func (s *SME) cancelRetry() {
	s.retryGen++
	if s.retryCancel != nil {
		s.retryCancel()
		s.retryCancel = nil
	}
}
