// Package scanclient binds the generic client state machine to the arbiter
// for each of the five scan clients. The clients differ only in their
// static Spec; the scan execution itself is supplied by the owner through
// Ops.
package scanclient

import (
	"fmt"
	"time"

	"github.com/anstrom/stascan/internal/arbiter"
	"github.com/anstrom/stascan/internal/fsm"
	"github.com/anstrom/stascan/internal/wlan"
)

// Priority is the execution priority handed to the scan primitive.
type Priority uint8

const (
	PriorityNormal Priority = iota
	// PriorityHigh takes the channel immediately instead of waiting politely.
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// PowerSave is the power-save policy handed to the scan primitive.
type PowerSave uint8

const (
	PowerSaveNone PowerSave = iota
	// PowerSaveRequired enters power save before leaving the serving channel.
	PowerSaveRequired
)

func (p PowerSave) String() string {
	if p == PowerSaveRequired {
		return "required"
	}
	return "none"
}

// Spec is the static description of one client.
type Spec struct {
	ID       wlan.ClientID
	Priority int
	Resource arbiter.Resource
	// PowerSave is set for clients that must enter power save when the
	// station is connected to an infrastructure BSS.
	PowerSave     bool
	HighPriority  bool
	RoamingFilter bool
	Periodic      bool
}

var specs = [wlan.NumClients]Spec{
	wlan.ClientRoamingImmediate: {
		ID:            wlan.ClientRoamingImmediate,
		Priority:      5,
		Resource:      arbiter.ResourceChannel,
		HighPriority:  true,
		RoamingFilter: true,
	},
	wlan.ClientRoamingContinuous: {
		ID:            wlan.ClientRoamingContinuous,
		Priority:      3,
		Resource:      arbiter.ResourceChannel,
		PowerSave:     true,
		RoamingFilter: true,
	},
	wlan.ClientDriverPeriodic: {
		ID:       wlan.ClientDriverPeriodic,
		Priority: 4,
		Resource: arbiter.ResourcePeriodicScan,
		Periodic: true,
	},
	wlan.ClientAppOneShot: {
		ID:        wlan.ClientAppOneShot,
		Priority:  2,
		Resource:  arbiter.ResourceChannel,
		PowerSave: true,
	},
	wlan.ClientAppPeriodic: {
		ID:        wlan.ClientAppPeriodic,
		Priority:  1,
		Resource:  arbiter.ResourcePeriodicScan,
		PowerSave: true,
		Periodic:  true,
	},
}

// SpecFor returns the static binding for client id.
func SpecFor(id wlan.ClientID) (Spec, bool) {
	if !id.Valid() {
		return Spec{}, false
	}
	return specs[id], true
}

// Specs returns all five specs in client id order.
func Specs() []Spec {
	out := make([]Spec, 0, len(specs))
	for _, s := range specs {
		out = append(out, s)
	}
	return out
}

// PowerSaveFor returns the policy given the station's link state.
func (s Spec) PowerSaveFor(connectedInfra bool) PowerSave {
	if s.PowerSave && connectedInfra {
		return PowerSaveRequired
	}
	return PowerSaveNone
}

// ExecPriority returns the execution priority.
func (s Spec) ExecPriority() Priority {
	if s.HighPriority {
		return PriorityHigh
	}
	return PriorityNormal
}

// Schedule is a periodic scan schedule. The interval before cycle i is
// Intervals[i]; once the list is exhausted its last entry repeats.
type Schedule struct {
	Intervals []time.Duration
	// MaxCycles caps the number of cycles; zero means unbounded.
	MaxCycles int
}

// Interval returns the wait before the given zero-based cycle.
func (s Schedule) Interval(cycle int) time.Duration {
	if len(s.Intervals) == 0 {
		return 0
	}
	if cycle < 0 {
		cycle = 0
	}
	if cycle >= len(s.Intervals) {
		cycle = len(s.Intervals) - 1
	}
	return s.Intervals[cycle]
}

// Done reports whether completed cycles reached the cap.
func (s Schedule) Done(completed int) bool {
	return s.MaxCycles > 0 && completed >= s.MaxCycles
}

// Validate checks that the schedule can drive a periodic scan.
func (s Schedule) Validate() error {
	if len(s.Intervals) == 0 {
		return fmt.Errorf("periodic schedule has no intervals")
	}
	for i, d := range s.Intervals {
		if d < 0 {
			return fmt.Errorf("periodic interval %d is negative", i)
		}
	}
	if s.MaxCycles < 0 {
		return fmt.Errorf("periodic cycle cap %d is negative", s.MaxCycles)
	}
	return nil
}

// Clone returns a deep copy.
func (s Schedule) Clone() Schedule {
	out := Schedule{MaxCycles: s.MaxCycles}
	if s.Intervals != nil {
		out.Intervals = append([]time.Duration(nil), s.Intervals...)
	}
	return out
}

// Ops are the scan execution operations of one client.
type Ops struct {
	StartScan func() error
	StopScan  func(sendNullFrame bool) error
	Recovery  func()
}

// Client is one registered scan client: its spec, its machine and its
// arbiter registration.
type Client struct {
	spec    Spec
	arb     *arbiter.Arbiter
	machine *fsm.Machine
}

// New registers spec with arb and builds its machine.
func New(spec Spec, arb *arbiter.Arbiter, ops Ops, opts ...fsm.Option) *Client {
	c := &Client{spec: spec, arb: arb}
	c.machine = fsm.New(spec.ID.String(), fsm.Callbacks{
		Request:   func() arbiter.Response { return arb.Request(spec.ID, spec.Resource) },
		Release:   func() { arb.Release(spec.ID, spec.Resource) },
		StartScan: ops.StartScan,
		StopScan:  ops.StopScan,
		Recovery:  ops.Recovery,
	}, opts...)
	arb.Register(spec.ID, spec.Priority, c.notify)
	return c
}

// notify turns arbiter notifications into machine events.
func (c *Client) notify(n arbiter.Notification) {
	switch n.Kind {
	case arbiter.NotifyRun:
		if n.Resource == c.spec.Resource {
			c.machine.Grant()
		}
	case arbiter.NotifyAbort:
		if n.Resource == c.spec.Resource {
			c.machine.Abort()
		}
	case arbiter.NotifyPend:
		if n.Resource == c.spec.Resource && !n.Reason.Waitable() && c.machine.State() == fsm.StateResourceWait {
			c.machine.Reject(wlan.StatusPendFailed)
		}
	case arbiter.NotifyFWReset:
		c.machine.Recover()
	}
}

// Spec returns the client's spec.
func (c *Client) Spec() Spec { return c.spec }

// ID returns the client id.
func (c *Client) ID() wlan.ClientID { return c.spec.ID }

// Machine returns the client's state machine.
func (c *Client) Machine() *fsm.Machine { return c.machine }

// SetResultFunc installs the result callback.
func (c *Client) SetResultFunc(fn fsm.ResultFunc) { c.machine.SetResultFunc(fn) }

// Start begins an attempt; see fsm.Machine.Start.
func (c *Client) Start() wlan.Status { return c.machine.Start() }

// Stop asks a running attempt to stop.
func (c *Client) Stop() { c.machine.Stop() }

// Complete reports the end of the scan execution.
func (c *Client) Complete(status wlan.Status) { c.machine.Complete(status) }

// State returns the machine state.
func (c *Client) State() fsm.State { return c.machine.State() }

// Scanning reports whether the execution layer owns a scan for this client.
func (c *Client) Scanning() bool {
	s := c.machine.State()
	return s == fsm.StateActive || s == fsm.StateStopping
}
