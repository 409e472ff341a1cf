package sitetable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/stascan/internal/wlan"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTable(capacity int) (*Table, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	table := New(capacity)
	table.SetClock(clock.now)
	return table, clock
}

func mac(last byte) wlan.MAC {
	return wlan.MAC{0xaa, 0xbb, 0xcc, 0xdd, 0xee, last}
}

func TestUpdateInsertsInOrder(t *testing.T) {
	table, _ := newTestTable(8)

	_, created := table.Update(Entry{BSSID: mac(1), SSID: "Net1", RSSI: -40})
	assert.True(t, created)
	table.Update(Entry{BSSID: mac(2), SSID: "Net2", RSSI: -70})
	table.Update(Entry{BSSID: mac(3), SSID: "Net3", RSSI: -60})

	entries := table.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, mac(1), entries[0].BSSID)
	assert.Equal(t, mac(2), entries[1].BSSID)
	assert.Equal(t, mac(3), entries[2].BSSID)
}

func TestUpdateRefreshKeepsPositionAndConsidered(t *testing.T) {
	table, clock := newTestTable(8)
	table.Update(Entry{BSSID: mac(1), SSID: "Net1", RSSI: -40})
	table.Update(Entry{BSSID: mac(2), SSID: "Net2", RSSI: -70})
	table.MarkConsidered(mac(1))

	clock.advance(time.Second)
	e, created := table.Update(Entry{BSSID: mac(1), SSID: "Net1", RSSI: -45})
	assert.False(t, created)
	assert.Equal(t, -45, e.RSSI)
	assert.True(t, e.Considered)
	assert.Equal(t, clock.t, e.LastSeen)
	assert.Equal(t, mac(1), table.Entries()[0].BSSID)
}

func TestUpdateCopiesInput(t *testing.T) {
	table, _ := newTestTable(4)
	body := []byte{1, 2, 3}
	table.Update(Entry{BSSID: mac(1), Body: body, SupportedRates: []uint8{2, 4}})
	body[0] = 9

	e, ok := table.Get(mac(1))
	require.True(t, ok)
	assert.Equal(t, byte(1), e.Body[0])
}

func TestCapacityEvictsOldest(t *testing.T) {
	table, clock := newTestTable(2)

	table.Update(Entry{BSSID: mac(1)})
	clock.advance(time.Second)
	table.Update(Entry{BSSID: mac(2)})
	clock.advance(time.Second)
	// refresh 1 so that 2 becomes the oldest
	table.Update(Entry{BSSID: mac(1)})
	clock.advance(time.Second)
	table.Update(Entry{BSSID: mac(3)})

	assert.Equal(t, 2, table.Len())
	_, ok := table.Get(mac(2))
	assert.False(t, ok)
	_, ok = table.Get(mac(3))
	assert.True(t, ok)
}

func TestPrune(t *testing.T) {
	table, clock := newTestTable(8)
	table.Update(Entry{BSSID: mac(1)})
	clock.advance(90 * time.Second)
	table.Update(Entry{BSSID: mac(2)})
	clock.advance(45 * time.Second)

	assert.Equal(t, 0, table.Prune(0))
	assert.Equal(t, 1, table.Prune(time.Minute))
	assert.Equal(t, 1, table.Len())
	e, ok := table.Get(mac(2))
	require.True(t, ok)
	assert.Equal(t, mac(2), e.BSSID)
}

func TestRemoveReindexes(t *testing.T) {
	table, _ := newTestTable(8)
	for i := byte(1); i <= 4; i++ {
		table.Update(Entry{BSSID: mac(i)})
	}

	assert.True(t, table.Remove(mac(2)))
	assert.False(t, table.Remove(mac(2)))

	for _, b := range []byte{1, 3, 4} {
		e, ok := table.Get(mac(b))
		require.True(t, ok)
		assert.Equal(t, mac(b), e.BSSID)
	}
}

func TestConsideredCycle(t *testing.T) {
	table, _ := newTestTable(8)
	table.Update(Entry{BSSID: mac(1)})
	table.Update(Entry{BSSID: mac(2)})

	table.MarkConsidered(mac(1), mac(9))
	e1, _ := table.Get(mac(1))
	e2, _ := table.Get(mac(2))
	assert.True(t, e1.Considered)
	assert.False(t, e2.Considered)

	table.ClearConsidered()
	assert.False(t, e1.Considered)
}

func TestStability(t *testing.T) {
	table, _ := newTestTable(8)
	assert.True(t, table.Stable())

	table.MarkUnstable()
	assert.False(t, table.Stable())

	table.Stabilize()
	assert.True(t, table.Stable())
}

func TestSnapshotAndClear(t *testing.T) {
	table, _ := newTestTable(8)
	table.Update(Entry{BSSID: mac(1), SSID: "Net1", BasicRates: []uint8{2}})

	snap := table.Snapshot()
	snap[0].BasicRates[0] = 99
	e, _ := table.Get(mac(1))
	assert.Equal(t, uint8(2), e.BasicRates[0])

	table.Clear()
	assert.Equal(t, 0, table.Len())
	_, ok := table.Get(mac(1))
	assert.False(t, ok)
}

func TestDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Capacity())
	assert.True(t, (&Entry{}).Hidden())
}
