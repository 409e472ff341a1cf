package arbiter

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/wlan"
)

type recorded struct {
	client wlan.ClientID
	note   Notification
}

type harness struct {
	arb   *Arbiter
	reg   *metrics.Registry
	notes []recorded
	hooks map[wlan.ClientID]func(Notification)
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{reg: metrics.NewRegistry(), hooks: make(map[wlan.ClientID]func(Notification))}
	h.arb = New(policy, WithLogger(logging.NewNop()), WithMetrics(h.reg))
	return h
}

func (h *harness) register(c wlan.ClientID, priority int) {
	h.arb.Register(c, priority, func(n Notification) {
		h.notes = append(h.notes, recorded{client: c, note: n})
		if hook := h.hooks[c]; hook != nil {
			hook(n)
		}
	})
}

func TestRequestFreeResourceRuns(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.register(wlan.ClientAppOneShot, 2)

	resp := h.arb.Request(wlan.ClientAppOneShot, ResourceChannel)
	assert.Equal(t, Response{Result: Run}, resp)

	holder, ok := h.arb.Holder(ResourceChannel)
	require.True(t, ok)
	assert.Equal(t, wlan.ClientAppOneShot, holder)

	// a repeated request by the holder keeps running
	assert.Equal(t, Run, h.arb.Request(wlan.ClientAppOneShot, ResourceChannel).Result)
	assert.Empty(t, h.notes)
}

func TestUnregisteredClientRejected(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	assert.Equal(t, Reject, h.arb.Request(wlan.ClientAppOneShot, ResourceChannel).Result)
	assert.Equal(t, Reject, h.arb.Request(wlan.NumClients, ResourceChannel).Result)
}

func TestIdleArbiterAdoptsHomeGroup(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.register(wlan.ClientDriverPeriodic, 4)

	resp := h.arb.Request(wlan.ClientDriverPeriodic, ResourcePeriodicScan)
	assert.Equal(t, Run, resp.Result)
	assert.Equal(t, GroupDisconnectedScan, h.arb.Group())
}

func TestLowerPriorityPends(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.register(wlan.ClientAppOneShot, 2)
	h.register(wlan.ClientAppPeriodic, 1)
	h.arb.SetGroup(GroupDisconnectedScan)

	require.Equal(t, Run, h.arb.Request(wlan.ClientAppOneShot, ResourceChannel).Result)
	resp := h.arb.Request(wlan.ClientAppPeriodic, ResourceChannel)
	assert.Equal(t, Response{Result: Pend, Reason: ReasonOtherClientRunning}, resp)
	assert.True(t, resp.Reason.Waitable())
	assert.Empty(t, h.notes)

	h.arb.Release(wlan.ClientAppOneShot, ResourceChannel)
	require.Len(t, h.notes, 1)
	assert.Equal(t, recorded{wlan.ClientAppPeriodic, Notification{Kind: NotifyRun, Resource: ResourceChannel}}, h.notes[0])
}

func TestHigherPriorityAbortsRunner(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.register(wlan.ClientAppOneShot, 2)
	h.register(wlan.ClientRoamingImmediate, 5)
	h.arb.SetGroup(GroupConnected)

	require.Equal(t, Run, h.arb.Request(wlan.ClientAppOneShot, ResourceChannel).Result)

	resp := h.arb.Request(wlan.ClientRoamingImmediate, ResourceChannel)
	assert.Equal(t, Response{Result: Pend, Reason: ReasonOtherClientAborting}, resp)

	// abort was delivered before Request returned
	require.Len(t, h.notes, 1)
	assert.Equal(t, wlan.ClientAppOneShot, h.notes[0].client)
	assert.Equal(t, NotifyAbort, h.notes[0].note.Kind)

	// the aborting client still holds the resource until it releases
	holder, _ := h.arb.Holder(ResourceChannel)
	assert.Equal(t, wlan.ClientAppOneShot, holder)

	// a second higher-priority request does not abort twice
	h.register(wlan.ClientRoamingContinuous, 3)
	resp = h.arb.Request(wlan.ClientRoamingContinuous, ResourceChannel)
	assert.Equal(t, ReasonOtherClientAborting, resp.Reason)
	assert.Len(t, h.notes, 1)

	h.arb.Release(wlan.ClientAppOneShot, ResourceChannel)
	require.Len(t, h.notes, 2)
	assert.Equal(t, recorded{wlan.ClientRoamingImmediate, Notification{Kind: NotifyRun, Resource: ResourceChannel}}, h.notes[1])

	m := h.reg.Get(metrics.MetricArbiterAborts, metrics.Labels{metrics.LabelClient: wlan.ClientAppOneShot.String()})
	require.NotNil(t, m)
	assert.Equal(t, float64(1), m.Value)
}

func TestReleaseInsideAbortCallback(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.register(wlan.ClientAppOneShot, 2)
	h.register(wlan.ClientRoamingImmediate, 5)
	h.arb.SetGroup(GroupConnected)
	require.Equal(t, Run, h.arb.Request(wlan.ClientAppOneShot, ResourceChannel).Result)

	var seen Snapshot
	h.hooks[wlan.ClientAppOneShot] = func(n Notification) {
		if n.Kind != NotifyAbort {
			return
		}
		seen = h.arb.Snapshot()
		h.arb.Release(wlan.ClientAppOneShot, ResourceChannel)
	}

	resp := h.arb.Request(wlan.ClientRoamingImmediate, ResourceChannel)
	assert.Equal(t, Pend, resp.Result)

	// the callback observed a settled ledger
	ch := seen.Ledgers[ResourceChannel]
	assert.Equal(t, wlan.ClientAppOneShot, ch.Runner)
	assert.True(t, ch.Aborting)
	assert.Equal(t, []wlan.ClientID{wlan.ClientRoamingImmediate}, ch.Pending)

	require.Len(t, h.notes, 2)
	assert.Equal(t, NotifyAbort, h.notes[0].note.Kind)
	assert.Equal(t, recorded{wlan.ClientRoamingImmediate, Notification{Kind: NotifyRun, Resource: ResourceChannel}}, h.notes[1])
}

func TestClientNotInActiveGroupRejected(t *testing.T) {
	policy := DefaultPolicy()
	policy.Enabled[GroupIdle][ModeNormal] = NewClientSet(wlan.ClientAppPeriodic)
	policy.Enabled[GroupConnected][ModeNormal] = NewClientSet(wlan.ClientRoamingImmediate)

	h := newHarness(t, policy)
	h.register(wlan.ClientAppPeriodic, 1)
	h.arb.SetGroup(GroupConnected)

	resp := h.arb.Request(wlan.ClientAppPeriodic, ResourceChannel)
	assert.Equal(t, Reject, resp.Result)
	assert.Equal(t, GroupConnected, h.arb.Group())
	_, held := h.arb.Holder(ResourceChannel)
	assert.False(t, held)
}

func TestDifferentGroupRunningPends(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.register(wlan.ClientAppOneShot, 2)
	h.register(wlan.ClientDriverPeriodic, 4)
	h.arb.SetGroup(GroupConnected)
	require.Equal(t, Run, h.arb.Request(wlan.ClientAppOneShot, ResourceChannel).Result)

	resp := h.arb.Request(wlan.ClientDriverPeriodic, ResourcePeriodicScan)
	assert.Equal(t, Response{Result: Pend, Reason: ReasonDifferentGroupRunning}, resp)
	assert.False(t, resp.Reason.Waitable())

	// the pending record is dropped by a release from the waiter
	h.arb.Release(wlan.ClientDriverPeriodic, ResourcePeriodicScan)
	assert.Empty(t, h.arb.Snapshot().Ledgers[ResourcePeriodicScan].Pending)
}

func TestSetGroupAbortsIllegalRunner(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.register(wlan.ClientAppOneShot, 2)
	h.register(wlan.ClientAppPeriodic, 1)
	h.arb.SetGroup(GroupDisconnectedScan)

	require.Equal(t, Run, h.arb.Request(wlan.ClientAppOneShot, ResourceChannel).Result)
	require.Equal(t, Pend, h.arb.Request(wlan.ClientAppPeriodic, ResourceChannel).Result)

	h.arb.SetGroup(GroupConnecting)

	require.Len(t, h.notes, 2)
	assert.Equal(t, recorded{wlan.ClientAppOneShot, Notification{Kind: NotifyAbort, Resource: ResourceChannel}}, h.notes[0])
	assert.Equal(t, recorded{wlan.ClientAppPeriodic, Notification{
		Kind: NotifyPend, Resource: ResourceChannel, Reason: ReasonDifferentGroupRunning,
	}}, h.notes[1])

	// no illegal waiter is granted when the runner leaves
	h.arb.Release(wlan.ClientAppOneShot, ResourceChannel)
	_, held := h.arb.Holder(ResourceChannel)
	assert.False(t, held)
	assert.Len(t, h.notes, 2)
}

func TestSetModeCoexistence(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.register(wlan.ClientRoamingContinuous, 3)
	h.arb.SetGroup(GroupConnected)
	require.Equal(t, Run, h.arb.Request(wlan.ClientRoamingContinuous, ResourceChannel).Result)

	h.arb.SetMode(ModeCoexistence)
	assert.Equal(t, ModeCoexistence, h.arb.Mode())
	require.Len(t, h.notes, 1)
	assert.Equal(t, NotifyAbort, h.notes[0].note.Kind)
}

func TestFWResetBroadcast(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.register(wlan.ClientAppOneShot, 2)
	h.register(wlan.ClientAppPeriodic, 1)
	h.register(wlan.ClientDriverPeriodic, 4)
	h.arb.SetGroup(GroupDisconnectedScan)
	require.Equal(t, Run, h.arb.Request(wlan.ClientAppOneShot, ResourceChannel).Result)
	require.Equal(t, Pend, h.arb.Request(wlan.ClientAppPeriodic, ResourceChannel).Result)

	h.arb.NotifyFWReset()

	var got []wlan.ClientID
	for _, n := range h.notes {
		assert.Equal(t, NotifyFWReset, n.note.Kind)
		got = append(got, n.client)
	}
	assert.Equal(t, []wlan.ClientID{wlan.ClientDriverPeriodic, wlan.ClientAppOneShot, wlan.ClientAppPeriodic}, got)

	for _, l := range h.arb.Snapshot().Ledgers {
		assert.False(t, l.Running)
		assert.Empty(t, l.Pending)
	}
	m := h.reg.Get(metrics.MetricArbiterResets, nil)
	require.NotNil(t, m)
	assert.Equal(t, float64(1), m.Value)
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.register(wlan.ClientAppOneShot, 2)
	h.register(wlan.ClientAppPeriodic, 1)
	require.Equal(t, Run, h.arb.Request(wlan.ClientAppOneShot, ResourceChannel).Result)

	h.arb.Release(wlan.ClientAppPeriodic, ResourceChannel)
	holder, ok := h.arb.Holder(ResourceChannel)
	require.True(t, ok)
	assert.Equal(t, wlan.ClientAppOneShot, holder)
}

func TestSnapshotOrdersPendingByPriority(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.register(wlan.ClientRoamingImmediate, 5)
	h.register(wlan.ClientAppOneShot, 2)
	h.register(wlan.ClientAppPeriodic, 1)
	h.register(wlan.ClientRoamingContinuous, 3)
	h.arb.SetGroup(GroupConnected)

	require.Equal(t, Run, h.arb.Request(wlan.ClientRoamingImmediate, ResourceChannel).Result)
	h.arb.Request(wlan.ClientAppPeriodic, ResourceChannel)
	h.arb.Request(wlan.ClientRoamingContinuous, ResourceChannel)
	h.arb.Request(wlan.ClientAppOneShot, ResourceChannel)

	s := h.arb.Snapshot()
	assert.Equal(t, GroupConnected, s.Group)
	assert.Equal(t, []wlan.ClientID{
		wlan.ClientRoamingContinuous, wlan.ClientAppOneShot, wlan.ClientAppPeriodic,
	}, s.Ledgers[ResourceChannel].Pending)
}

func TestRequestMetrics(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.register(wlan.ClientAppOneShot, 2)
	h.arb.Request(wlan.ClientAppOneShot, ResourceChannel)

	m := h.reg.Get(metrics.MetricArbiterRequests, metrics.Labels{
		metrics.LabelClient:   "app-oneshot",
		metrics.LabelResource: "channel",
		metrics.LabelResult:   "run",
	})
	require.NotNil(t, m)
	assert.Equal(t, float64(1), m.Value)
}

// TestSingleRunnerProperty drives random request, release, group, mode and
// reset sequences and checks that no two clients ever believe they hold the
// same resource.
func TestSingleRunnerProperty(t *testing.T) {
	priorities := map[wlan.ClientID]int{
		wlan.ClientRoamingImmediate:  5,
		wlan.ClientDriverPeriodic:    4,
		wlan.ClientRoamingContinuous: 3,
		wlan.ClientAppOneShot:        2,
		wlan.ClientAppPeriodic:       1,
	}

	for seed := int64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		arb := New(DefaultPolicy(), WithLogger(logging.NewNop()), WithMetrics(metrics.NewRegistry()))
		var believes [numResources][wlan.NumClients]bool

		for _, c := range wlan.Clients {
			arb.Register(c, priorities[c], func(n Notification) {
				switch n.Kind {
				case NotifyRun:
					believes[n.Resource][c] = true
				case NotifyFWReset:
					for r := range believes {
						believes[r][c] = false
					}
				}
			})
		}

		check := func(step int) {
			for _, res := range Resources {
				count := 0
				for _, c := range wlan.Clients {
					if believes[res][c] {
						count++
						holder, ok := arb.Holder(res)
						require.True(t, ok, "seed %d step %d", seed, step)
						require.Equal(t, c, holder, "seed %d step %d", seed, step)
					}
				}
				require.LessOrEqual(t, count, 1, "seed %d step %d resource %s", seed, step, res)
			}
		}

		for step := 0; step < 500; step++ {
			c := wlan.Clients[rng.Intn(len(wlan.Clients))]
			res := Resources[rng.Intn(len(Resources))]
			switch op := rng.Intn(20); {
			case op < 9:
				if arb.Request(c, res).Result == Run {
					believes[res][c] = true
				}
			case op < 17:
				believes[res][c] = false
				arb.Release(c, res)
			case op < 19:
				arb.SetGroup(Group(rng.Intn(int(numGroups))))
			default:
				if rng.Intn(4) == 0 {
					arb.NotifyFWReset()
				} else {
					arb.SetMode(Mode(rng.Intn(int(numModes))))
				}
			}
			check(step)
		}
	}
}
