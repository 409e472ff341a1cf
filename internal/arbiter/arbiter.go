// Package arbiter grants exclusive use of the shared scan resources to one
// client at a time. Legality is decided by a static group × mode enable
// matrix; among legal requesters the highest priority runs and the rest
// pend. All notifications to clients are queued and delivered after the
// ledgers are consistent, at the end of the outermost arbiter call.
package arbiter

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/wlan"
)

// Group is the station's high-level mode.
type Group uint8

const (
	GroupIdle Group = iota
	GroupDisconnectedScan
	GroupConnecting
	GroupConnected
	GroupRoaming
	numGroups
)

var groupNames = [numGroups]string{"idle", "disconnected_scan", "connecting", "connected", "roaming"}

func (g Group) String() string {
	if g < numGroups {
		return groupNames[g]
	}
	return fmt.Sprintf("group(%d)", uint8(g))
}

// Mode selects the column of the enable matrix.
type Mode uint8

const (
	ModeNormal Mode = iota
	// ModeCoexistence restricts scanning while Bluetooth shares the antenna.
	ModeCoexistence
	numModes
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeCoexistence:
		return "coexistence"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Resource is one of the arbitrated resources.
type Resource uint8

const (
	ResourceChannel Resource = iota
	ResourcePeriodicScan
	numResources
)

// Resources lists both resources.
var Resources = []Resource{ResourceChannel, ResourcePeriodicScan}

func (r Resource) String() string {
	switch r {
	case ResourceChannel:
		return "channel"
	case ResourcePeriodicScan:
		return "periodic_scan"
	default:
		return fmt.Sprintf("resource(%d)", uint8(r))
	}
}

// Result is the immediate answer to a request.
type Result uint8

const (
	Run Result = iota
	Pend
	Reject
)

func (r Result) String() string {
	switch r {
	case Run:
		return "run"
	case Pend:
		return "pend"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// PendReason tells a pending client whether waiting makes sense.
type PendReason uint8

const (
	ReasonNone PendReason = iota
	// ReasonOtherClientAborting means the holder was asked to abort.
	ReasonOtherClientAborting
	// ReasonOtherClientRunning means an equal or higher priority client holds the resource.
	ReasonOtherClientRunning
	// ReasonDifferentGroupRunning means the requester is not legal in the active group.
	ReasonDifferentGroupRunning
)

func (r PendReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonOtherClientAborting:
		return "other_client_aborting"
	case ReasonOtherClientRunning:
		return "other_client_running"
	case ReasonDifferentGroupRunning:
		return "different_group_running"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Waitable reports whether a client pending for r should keep waiting.
func (r PendReason) Waitable() bool {
	return r == ReasonOtherClientAborting || r == ReasonOtherClientRunning
}

// Response is returned by Request.
type Response struct {
	Result Result
	Reason PendReason
}

// NotificationKind is the type of an asynchronous notification.
type NotificationKind uint8

const (
	// NotifyRun grants the resource to a waiter.
	NotifyRun NotificationKind = iota
	// NotifyPend re-pends a waiter, always with ReasonDifferentGroupRunning.
	NotifyPend
	// NotifyAbort asks the holder to abort its operation.
	NotifyAbort
	// NotifyFWReset is broadcast to every client on firmware recovery.
	NotifyFWReset
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyRun:
		return "run"
	case NotifyPend:
		return "pend"
	case NotifyAbort:
		return "abort"
	case NotifyFWReset:
		return "fw_reset"
	default:
		return fmt.Sprintf("notification(%d)", uint8(k))
	}
}

// Notification is delivered to a client's Callback.
type Notification struct {
	Kind     NotificationKind
	Resource Resource
	Reason   PendReason
}

// Callback receives notifications for one client.
type Callback func(Notification)

// ClientSet is a bit set of client ids.
type ClientSet uint8

// NewClientSet builds a set from ids.
func NewClientSet(ids ...wlan.ClientID) ClientSet {
	var s ClientSet
	for _, id := range ids {
		s |= 1 << id
	}
	return s
}

// Has reports whether id is in the set.
func (s ClientSet) Has(id wlan.ClientID) bool {
	return s&(1<<id) != 0
}

// Policy is the static configuration of an arbiter.
type Policy struct {
	// Enabled lists the legal clients for each group and mode.
	Enabled [numGroups][numModes]ClientSet
	// Home is the group adopted when a client requests while the arbiter is idle.
	Home [wlan.NumClients]Group
}

// DefaultPolicy returns the station enable matrix.
func DefaultPolicy() Policy {
	var p Policy
	set := func(g Group, normal, coex ClientSet) {
		p.Enabled[g][ModeNormal] = normal
		p.Enabled[g][ModeCoexistence] = coex
	}

	set(GroupIdle,
		NewClientSet(wlan.ClientAppOneShot, wlan.ClientAppPeriodic),
		NewClientSet(wlan.ClientAppOneShot))
	set(GroupDisconnectedScan,
		NewClientSet(wlan.ClientAppOneShot, wlan.ClientAppPeriodic, wlan.ClientDriverPeriodic),
		NewClientSet(wlan.ClientAppOneShot, wlan.ClientDriverPeriodic))
	set(GroupConnecting, 0, 0)
	set(GroupConnected,
		NewClientSet(wlan.ClientAppOneShot, wlan.ClientAppPeriodic,
			wlan.ClientRoamingContinuous, wlan.ClientRoamingImmediate),
		NewClientSet(wlan.ClientAppOneShot, wlan.ClientRoamingImmediate))
	set(GroupRoaming,
		NewClientSet(wlan.ClientRoamingImmediate, wlan.ClientRoamingContinuous),
		NewClientSet(wlan.ClientRoamingImmediate))

	p.Home = [wlan.NumClients]Group{
		wlan.ClientRoamingImmediate:  GroupConnected,
		wlan.ClientRoamingContinuous: GroupConnected,
		wlan.ClientDriverPeriodic:    GroupDisconnectedScan,
		wlan.ClientAppOneShot:        GroupDisconnectedScan,
		wlan.ClientAppPeriodic:       GroupDisconnectedScan,
	}
	return p
}

type registration struct {
	registered bool
	priority   int
	callback   Callback
}

const noClient = wlan.NumClients

type ledger struct {
	runner   wlan.ClientID
	aborting bool
	pending  [wlan.NumClients]bool
}

type queued struct {
	client wlan.ClientID
	note   Notification
}

// Arbiter is the resource gatekeeper. It is not safe for concurrent use;
// callers serialize access through the station executor.
type Arbiter struct {
	policy  Policy
	group   Group
	mode    Mode
	clients [wlan.NumClients]registration
	ledgers [numResources]ledger

	depth int
	queue []queued

	logger  *logging.Logger
	metrics metrics.MetricsRegistry
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Arbiter) { a.logger = l }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m metrics.MetricsRegistry) Option {
	return func(a *Arbiter) { a.metrics = m }
}

// New creates an arbiter in GroupIdle and ModeNormal.
func New(policy Policy, opts ...Option) *Arbiter {
	a := &Arbiter{policy: policy}
	for i := range a.ledgers {
		a.ledgers[i].runner = noClient
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrDefault(a.logger).WithComponent("arbiter")
	a.metrics = metrics.OrDefault(a.metrics)
	return a
}

// Register installs the priority and notification callback for a client.
// Higher priority values win.
func (a *Arbiter) Register(client wlan.ClientID, priority int, cb Callback) {
	if !client.Valid() {
		return
	}
	a.clients[client] = registration{registered: true, priority: priority, callback: cb}
}

// Group returns the active group.
func (a *Arbiter) Group() Group {
	return a.group
}

// Mode returns the active mode.
func (a *Arbiter) Mode() Mode {
	return a.mode
}

func (a *Arbiter) enter() {
	a.depth++
}

// leave drains queued notifications when the outermost call unwinds.
// Callbacks that re-enter the arbiter append to the same queue.
func (a *Arbiter) leave() {
	if a.depth > 1 {
		a.depth--
		return
	}
	for len(a.queue) > 0 {
		q := a.queue[0]
		a.queue = a.queue[1:]
		if cb := a.clients[q.client].callback; cb != nil {
			cb(q.note)
		}
	}
	a.queue = nil
	a.depth--
}

func (a *Arbiter) notify(client wlan.ClientID, n Notification) {
	a.queue = append(a.queue, queued{client: client, note: n})
}

func (a *Arbiter) legal(client wlan.ClientID) bool {
	return a.policy.Enabled[a.group][a.mode].Has(client)
}

func (a *Arbiter) anyRunning() bool {
	for i := range a.ledgers {
		if a.ledgers[i].runner != noClient {
			return true
		}
	}
	return false
}

// Request asks for res on behalf of client.
func (a *Arbiter) Request(client wlan.ClientID, res Resource) Response {
	a.enter()
	defer a.leave()

	resp := a.request(client, res)
	metrics.RecordArbiterDecision(a.metrics, client.String(), res.String(), resp.Result.String())
	a.logger.Debug("Arbiter request",
		"client", client.String(),
		"resource", res.String(),
		"result", resp.Result.String(),
		"reason", resp.Reason.String(),
		"group", a.group.String())
	return resp
}

func (a *Arbiter) request(client wlan.ClientID, res Resource) Response {
	if !client.Valid() || res >= numResources || !a.clients[client].registered {
		return Response{Result: Reject}
	}
	l := &a.ledgers[res]
	if l.runner == client {
		return Response{Result: Run}
	}

	if !a.legal(client) {
		switch {
		case a.group == GroupIdle:
			a.setGroup(a.policy.Home[client])
			if !a.legal(client) {
				return Response{Result: Reject}
			}
		case a.anyRunning():
			l.pending[client] = true
			return Response{Result: Pend, Reason: ReasonDifferentGroupRunning}
		default:
			return Response{Result: Reject}
		}
	}

	if l.runner == noClient {
		l.pending[client] = false
		l.runner = client
		return Response{Result: Run}
	}

	l.pending[client] = true
	if a.clients[client].priority > a.clients[l.runner].priority {
		if !l.aborting {
			a.abortRunner(res)
		}
		return Response{Result: Pend, Reason: ReasonOtherClientAborting}
	}
	if l.aborting {
		return Response{Result: Pend, Reason: ReasonOtherClientAborting}
	}
	return Response{Result: Pend, Reason: ReasonOtherClientRunning}
}

func (a *Arbiter) abortRunner(res Resource) {
	l := &a.ledgers[res]
	l.aborting = true
	a.metrics.Counter(metrics.MetricArbiterAborts, metrics.Labels{metrics.LabelClient: l.runner.String()})
	a.logger.Debug("Aborting runner", "client", l.runner.String(), "resource", res.String())
	a.notify(l.runner, Notification{Kind: NotifyAbort, Resource: res})
}

// Release gives up res. A pending client is removed from the wait set; a
// client that neither holds nor waits is ignored.
func (a *Arbiter) Release(client wlan.ClientID, res Resource) {
	if !client.Valid() || res >= numResources {
		return
	}
	a.enter()
	defer a.leave()

	l := &a.ledgers[res]
	switch {
	case l.runner == client:
		l.runner = noClient
		l.aborting = false
		a.logger.Debug("Resource released", "client", client.String(), "resource", res.String())
		a.grantNext(res)
	case l.pending[client]:
		l.pending[client] = false
	}
}

// grantNext hands a free resource to the highest priority legal waiter.
// Ties go to the lower client id.
func (a *Arbiter) grantNext(res Resource) {
	l := &a.ledgers[res]
	if l.runner != noClient {
		return
	}
	best := noClient
	for _, c := range wlan.Clients {
		if !l.pending[c] || !a.legal(c) {
			continue
		}
		if best == noClient || a.clients[c].priority > a.clients[best].priority {
			best = c
		}
	}
	if best == noClient {
		return
	}
	l.pending[best] = false
	l.runner = best
	a.notify(best, Notification{Kind: NotifyRun, Resource: res})
}

// SetGroup switches the active group, aborting runners that are not legal
// in it and re-evaluating the wait sets.
func (a *Arbiter) SetGroup(g Group) {
	if g >= numGroups {
		return
	}
	a.enter()
	defer a.leave()
	a.setGroup(g)
}

func (a *Arbiter) setGroup(g Group) {
	if g == a.group {
		return
	}
	a.logger.Debug("Group change", "from", a.group.String(), "to", g.String())
	a.metrics.Counter(metrics.MetricArbiterGroup, metrics.Labels{metrics.LabelGroup: g.String()})
	a.group = g
	a.reevaluate()
}

// SetMode switches between normal and coexistence operation.
func (a *Arbiter) SetMode(m Mode) {
	if m >= numModes || m == a.mode {
		return
	}
	a.enter()
	defer a.leave()
	a.logger.Debug("Mode change", "from", a.mode.String(), "to", m.String())
	a.mode = m
	a.reevaluate()
}

func (a *Arbiter) reevaluate() {
	for _, res := range Resources {
		l := &a.ledgers[res]
		if l.runner != noClient && !l.aborting && !a.legal(l.runner) {
			a.abortRunner(res)
		}
		for _, c := range wlan.Clients {
			if l.pending[c] && !a.legal(c) {
				a.notify(c, Notification{Kind: NotifyPend, Resource: res, Reason: ReasonDifferentGroupRunning})
			}
		}
		a.grantNext(res)
	}
}

// NotifyFWReset clears every ledger and broadcasts NotifyFWReset to all
// registered clients.
func (a *Arbiter) NotifyFWReset() {
	a.enter()
	defer a.leave()

	for i := range a.ledgers {
		a.ledgers[i] = ledger{runner: noClient}
	}
	a.metrics.Counter(metrics.MetricArbiterResets, nil)
	a.logger.Warn("Firmware reset, clearing arbiter ledgers")
	for _, c := range wlan.Clients {
		if a.clients[c].registered {
			a.notify(c, Notification{Kind: NotifyFWReset})
		}
	}
}

// Holder returns the client running on res, if any.
func (a *Arbiter) Holder(res Resource) (wlan.ClientID, bool) {
	if res >= numResources {
		return noClient, false
	}
	r := a.ledgers[res].runner
	return r, r != noClient
}

// LedgerSnapshot is a copy of one resource ledger.
type LedgerSnapshot struct {
	Resource Resource
	Running  bool
	Runner   wlan.ClientID
	Aborting bool
	Pending  []wlan.ClientID
}

// Snapshot is a copy of the arbiter state.
type Snapshot struct {
	Group   Group
	Mode    Mode
	Ledgers []LedgerSnapshot
}

// Snapshot returns a copy of the current group, mode and ledgers. Pending
// clients are listed by descending priority.
func (a *Arbiter) Snapshot() Snapshot {
	s := Snapshot{Group: a.group, Mode: a.mode}
	for _, res := range Resources {
		l := a.ledgers[res]
		ls := LedgerSnapshot{
			Resource: res,
			Running:  l.runner != noClient,
			Runner:   l.runner,
			Aborting: l.aborting,
		}
		for _, c := range wlan.Clients {
			if l.pending[c] {
				ls.Pending = append(ls.Pending, c)
			}
		}
		slices.SortStableFunc(ls.Pending, func(x, y wlan.ClientID) int {
			return cmp.Compare(a.clients[y].priority, a.clients[x].priority)
		})
		s.Ledgers = append(s.Ledgers, ls)
	}
	return s
}
