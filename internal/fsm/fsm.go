// Package fsm implements the generic scan client state machine. A Machine
// walks Idle → ResourceWait → Active → Stopping → Idle driven by a total
// state × event table. Events raised while the machine is dispatching are
// queued and drained by the outermost dispatcher, so actions never run
// nested inside each other.
package fsm

import (
	"fmt"
	"time"

	"github.com/anstrom/stascan/internal/arbiter"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/wlan"
)

// State is a client machine state.
type State uint8

const (
	StateIdle State = iota
	StateResourceWait
	StateActive
	StateStopping
	numStates
)

var stateNames = [numStates]string{"idle", "resource_wait", "active", "stopping"}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Event is a client machine input.
type Event uint8

const (
	EventStart Event = iota
	EventResourceGranted
	EventScanComplete
	EventStop
	EventAbort
	EventRecovery
	EventReject
	numEvents
)

var eventNames = [numEvents]string{
	"start", "resource_granted", "scan_complete", "stop", "abort", "recovery", "reject",
}

func (e Event) String() string {
	if e < numEvents {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// Callbacks are the type-specific operations a machine drives.
type Callbacks struct {
	// Request asks the arbiter for the client's resource.
	Request func() arbiter.Response
	// Release gives the resource back, or withdraws a pending request.
	Release func()
	// StartScan hands the scan to the execution layer.
	StartScan func() error
	// StopScan asks the execution layer to stop; sendNullFrame is false on abort.
	StopScan func(sendNullFrame bool) error
	// Recovery cancels local state bound to the hardware operation.
	Recovery func()
}

// ResultFunc receives the outcome of an attempt.
type ResultFunc func(wlan.Status)

type input struct {
	event  Event
	status wlan.Status
}

type transition struct {
	next   State
	action func(*Machine, input)
}

var table [numStates][numEvents]transition

func init() {
	same := func(s State, action func(*Machine, input)) transition {
		return transition{next: s, action: action}
	}

	table[StateIdle] = [numEvents]transition{
		EventStart:           {StateResourceWait, (*Machine).requestResource},
		EventResourceGranted: same(StateIdle, (*Machine).unexpected),
		EventScanComplete:    same(StateIdle, (*Machine).unexpected),
		EventStop:            same(StateIdle, (*Machine).ignore),
		EventAbort:           same(StateIdle, (*Machine).ignore),
		EventRecovery:        same(StateIdle, (*Machine).recoverIdle),
		EventReject:          same(StateIdle, (*Machine).unexpected),
	}
	table[StateResourceWait] = [numEvents]transition{
		EventStart:           same(StateResourceWait, (*Machine).unexpected),
		EventResourceGranted: {StateActive, (*Machine).startScan},
		EventScanComplete:    same(StateResourceWait, (*Machine).unexpected),
		EventStop:            {StateIdle, (*Machine).withdraw},
		EventAbort:           same(StateResourceWait, (*Machine).ignore),
		EventRecovery:        {StateIdle, (*Machine).recoverAttempt},
		EventReject:          {StateIdle, (*Machine).rejected},
	}
	table[StateActive] = [numEvents]transition{
		EventStart:           same(StateActive, (*Machine).unexpected),
		EventResourceGranted: same(StateActive, (*Machine).ignore),
		EventScanComplete:    {StateIdle, (*Machine).complete},
		EventStop:            {StateStopping, (*Machine).stopScan},
		EventAbort:           {StateStopping, (*Machine).abortScan},
		EventRecovery:        {StateIdle, (*Machine).recoverAttempt},
		EventReject:          same(StateActive, (*Machine).unexpected),
	}
	table[StateStopping] = [numEvents]transition{
		EventStart:           same(StateStopping, (*Machine).unexpected),
		EventResourceGranted: same(StateStopping, (*Machine).ignore),
		EventScanComplete:    {StateIdle, (*Machine).complete},
		EventStop:            same(StateStopping, (*Machine).ignore),
		EventAbort:           same(StateStopping, (*Machine).ignore),
		EventRecovery:        {StateIdle, (*Machine).recoverAttempt},
		EventReject:          same(StateStopping, (*Machine).unexpected),
	}
}

// Machine is one client's state machine. It is not safe for concurrent use.
type Machine struct {
	name     string
	state    State
	cb       Callbacks
	onResult ResultFunc

	status   wlan.Status
	released bool
	started  time.Time

	queue       []input
	dispatching bool

	// inStart is set while a synchronous Start owns the stack; a result
	// produced meanwhile is handed back through Start instead of onResult.
	inStart     bool
	startResult *wlan.Status

	logger  *logging.Logger
	metrics metrics.MetricsRegistry
	now     func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithMetrics sets the metrics registry.
func WithMetrics(r metrics.MetricsRegistry) Option {
	return func(m *Machine) { m.metrics = r }
}

// WithClock overrides the clock used for scan durations.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates an idle machine. name labels logs and metrics.
func New(name string, cb Callbacks, opts ...Option) *Machine {
	m := &Machine{name: name, cb: cb, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger).WithClient(name)
	m.metrics = metrics.OrDefault(m.metrics)
	return m
}

// SetResultFunc installs the result callback.
func (m *Machine) SetResultFunc(fn ResultFunc) {
	m.onResult = fn
}

// Name returns the client name.
func (m *Machine) Name() string {
	return m.name
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Busy reports whether an attempt is in flight.
func (m *Machine) Busy() bool {
	return m.state != StateIdle
}

// Start begins an attempt. If the attempt ends before Start returns, its
// status is returned and the result callback is not invoked; otherwise
// StatusRunning is returned and the callback reports the outcome later.
// Starting a busy machine returns StatusFailed and changes nothing.
func (m *Machine) Start() wlan.Status {
	if m.state != StateIdle {
		return wlan.StatusFailed
	}
	if m.dispatching {
		m.post(input{event: EventStart})
		return wlan.StatusRunning
	}

	m.inStart = true
	m.startResult = nil
	m.post(input{event: EventStart})
	m.inStart = false

	if m.startResult != nil {
		s := *m.startResult
		m.startResult = nil
		return s
	}
	return wlan.StatusRunning
}

// Grant delivers EventResourceGranted.
func (m *Machine) Grant() { m.post(input{event: EventResourceGranted}) }

// Complete delivers EventScanComplete with the execution status.
func (m *Machine) Complete(status wlan.Status) {
	m.post(input{event: EventScanComplete, status: status})
}

// Stop delivers EventStop.
func (m *Machine) Stop() { m.post(input{event: EventStop}) }

// Abort delivers EventAbort.
func (m *Machine) Abort() { m.post(input{event: EventAbort}) }

// Recover delivers EventRecovery.
func (m *Machine) Recover() { m.post(input{event: EventRecovery}) }

// Reject delivers EventReject with the failure status.
func (m *Machine) Reject(status wlan.Status) {
	m.post(input{event: EventReject, status: status})
}

// Dispatch delivers ev. ScanComplete and Reject carry StatusFailed.
func (m *Machine) Dispatch(ev Event) {
	in := input{event: ev}
	if ev == EventScanComplete || ev == EventReject {
		in.status = wlan.StatusFailed
	}
	m.post(in)
}

func (m *Machine) post(in input) {
	m.queue = append(m.queue, in)
	if m.dispatching {
		return
	}
	m.dispatching = true
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.handle(next)
	}
	m.queue = nil
	m.dispatching = false
}

func (m *Machine) handle(in input) {
	if m.state >= numStates || in.event >= numEvents {
		return
	}
	tr := table[m.state][in.event]
	from := m.state
	m.state = tr.next
	if from != tr.next {
		m.logger.Debug("Client transition",
			"from", from.String(),
			"to", tr.next.String(),
			"event", in.event.String())
	}
	// the action sees the new state; events it raises are queued
	tr.action(m, in)
}

func (m *Machine) ignore(in input) {
	m.logger.Debug("Event ignored", "state", m.state.String(), "event", in.event.String())
}

func (m *Machine) unexpected(in input) {
	m.logger.Warn("Unexpected event", "state", m.state.String(), "event", in.event.String())
}

func (m *Machine) requestResource(_ input) {
	m.status = wlan.StatusOK
	m.released = false
	m.started = m.now()

	resp := m.cb.Request()
	switch {
	case resp.Result == arbiter.Run:
		m.Grant()
	case resp.Result == arbiter.Pend && resp.Reason.Waitable():
		m.logger.Debug("Waiting for resource", "reason", resp.Reason.String())
	case resp.Result == arbiter.Pend:
		m.Reject(wlan.StatusPendFailed)
	default:
		m.Reject(wlan.StatusRejected)
	}
}

func (m *Machine) startScan(_ input) {
	if err := m.cb.StartScan(); err != nil {
		m.logger.ErrorScan("Scan start failed", m.name, err)
		m.Complete(wlan.StatusExecFailed)
	}
}

func (m *Machine) stopScan(_ input) {
	m.status = wlan.StatusStopped
	m.requestStop(true)
}

func (m *Machine) abortScan(_ input) {
	m.status = wlan.StatusAborted
	m.requestStop(false)
}

func (m *Machine) requestStop(sendNullFrame bool) {
	if err := m.cb.StopScan(sendNullFrame); err != nil {
		m.logger.ErrorScan("Scan stop failed", m.name, err)
		m.Complete(m.status)
	}
}

func (m *Machine) complete(in input) {
	if m.status != wlan.StatusStopped && m.status != wlan.StatusAborted {
		m.status = in.status
	}
	m.release()
	m.finish(m.status)
}

func (m *Machine) withdraw(_ input) {
	m.release()
	m.finish(wlan.StatusStopped)
}

func (m *Machine) rejected(in input) {
	m.release()
	m.finish(in.status)
}

func (m *Machine) recoverIdle(_ input) {
	if m.cb.Recovery != nil {
		m.cb.Recovery()
	}
}

func (m *Machine) recoverAttempt(_ input) {
	if m.cb.Recovery != nil {
		m.cb.Recovery()
	}
	m.release()
	m.finish(wlan.StatusAbortedFWReset)
}

// release calls the release callback at most once per attempt.
func (m *Machine) release() {
	if m.released {
		return
	}
	m.released = true
	m.cb.Release()
}

func (m *Machine) finish(status wlan.Status) {
	metrics.RecordScanOutcome(m.metrics, m.name, status.String())
	metrics.RecordScanDuration(m.metrics, m.name, m.now().Sub(m.started))
	m.logger.Debug("Scan attempt finished", "status", status.String())

	if m.inStart {
		s := status
		m.startResult = &s
		return
	}
	if m.onResult != nil {
		m.onResult(status)
	}
}
