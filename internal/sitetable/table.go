// Package sitetable holds the scan result table: one entry per discovered
// BSSID, kept in insertion order so selection passes are deterministic.
//
// The table is not safe for concurrent use. The station serializes every
// access through its single event worker.
package sitetable

import (
	"bytes"
	"time"

	"github.com/anstrom/stascan/internal/wlan"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 32

// Entry is one discovered network site.
type Entry struct {
	BSSID   wlan.MAC     `json:"bssid"`
	SSID    string       `json:"ssid"`
	BSSType wlan.BSSType `json:"bss_type"`

	RSSI int `json:"rssi"`
	SNR  int `json:"snr"`

	Band           wlan.Band `json:"band"`
	Channel        uint8     `json:"channel"`
	BeaconInterval uint16    `json:"beacon_interval"`
	Capability     uint16    `json:"capability"`

	// Raw RSN and WPA elements plus their parsed summary
	RSNIE    []byte        `json:"-"`
	WPAIE    []byte        `json:"-"`
	Security wlan.Security `json:"security"`

	WMM   bool         `json:"wmm"`
	UAPSD bool         `json:"uapsd"`
	WPS   wlan.WPSMode `json:"wps"`
	// Channel switch announcement present
	CSA bool `json:"csa"`

	// Rates in 500 kbps units; basic rates are a subset of supported
	BasicRates     []uint8 `json:"basic_rates"`
	SupportedRates []uint8 `json:"supported_rates"`

	// Beacon or probe response body as received
	Body []byte `json:"-"`

	LastSeen time.Time `json:"last_seen"`

	// Considered is set once the entry was evaluated in the current
	// selection cycle.
	Considered bool `json:"considered"`
}

// Hidden reports whether the site broadcasts an empty SSID.
func (e *Entry) Hidden() bool {
	return e.SSID == ""
}

// Clone returns a deep copy sharing no memory with e.
func (e *Entry) Clone() Entry {
	out := *e
	out.RSNIE = bytes.Clone(e.RSNIE)
	out.WPAIE = bytes.Clone(e.WPAIE)
	out.Security = e.Security.Clone()
	out.BasicRates = bytes.Clone(e.BasicRates)
	out.SupportedRates = bytes.Clone(e.SupportedRates)
	out.Body = bytes.Clone(e.Body)
	return out
}

// Table is the scan result table.
type Table struct {
	entries  []*Entry
	index    map[wlan.MAC]int
	capacity int
	stable   bool
	now      func() time.Time
}

// New creates an empty, stable table holding at most capacity entries.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		index:    make(map[wlan.MAC]int, capacity),
		capacity: capacity,
		stable:   true,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for LastSeen and Prune.
func (t *Table) SetClock(now func() time.Time) {
	t.now = now
}

// Capacity returns the maximum number of entries.
func (t *Table) Capacity() int {
	return t.capacity
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Update inserts or refreshes the entry for e.BSSID and returns the stored
// entry and whether it was newly created. A refresh keeps the considered
// flag. When the table is full, the entry seen least recently is evicted.
func (t *Table) Update(e Entry) (*Entry, bool) {
	stored := e.Clone()
	if stored.LastSeen.IsZero() {
		stored.LastSeen = t.now()
	}

	if i, ok := t.index[e.BSSID]; ok {
		stored.Considered = t.entries[i].Considered
		*t.entries[i] = stored
		return t.entries[i], false
	}

	if len(t.entries) >= t.capacity {
		t.removeAt(t.oldest())
	}

	stored.Considered = false
	t.entries = append(t.entries, &stored)
	t.index[stored.BSSID] = len(t.entries) - 1
	return &stored, true
}

func (t *Table) oldest() int {
	idx := 0
	for i, e := range t.entries {
		if e.LastSeen.Before(t.entries[idx].LastSeen) {
			idx = i
		}
	}
	return idx
}

func (t *Table) removeAt(i int) {
	delete(t.index, t.entries[i].BSSID)
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	for j := i; j < len(t.entries); j++ {
		t.index[t.entries[j].BSSID] = j
	}
}

// Get returns the entry for bssid.
func (t *Table) Get(bssid wlan.MAC) (*Entry, bool) {
	i, ok := t.index[bssid]
	if !ok {
		return nil, false
	}
	return t.entries[i], true
}

// Remove deletes the entry for bssid.
func (t *Table) Remove(bssid wlan.MAC) bool {
	i, ok := t.index[bssid]
	if !ok {
		return false
	}
	t.removeAt(i)
	return true
}

// Entries returns the live entries in insertion order. The slice is fresh
// but the entries are not; callers outside the core should use Snapshot.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Snapshot returns deep copies of every entry in insertion order.
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Clone()
	}
	return out
}

// Clear removes every entry.
func (t *Table) Clear() {
	t.entries = nil
	t.index = make(map[wlan.MAC]int, t.capacity)
}

// Prune removes entries not seen within maxAge and returns how many went.
// A non-positive maxAge prunes nothing.
func (t *Table) Prune(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := t.now().Add(-maxAge)
	kept := t.entries[:0]
	removed := 0
	for _, e := range t.entries {
		if e.LastSeen.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0
	}
	t.entries = kept
	t.index = make(map[wlan.MAC]int, t.capacity)
	for i, e := range t.entries {
		t.index[e.BSSID] = i
	}
	return removed
}

// MarkUnstable flags the table as being populated by a scan in progress.
func (t *Table) MarkUnstable() {
	t.stable = false
}

// Stabilize marks the table as settled after a scan cycle.
func (t *Table) Stabilize() {
	t.stable = true
}

// Stable reports whether no scan cycle is populating the table.
func (t *Table) Stable() bool {
	return t.stable
}

// ClearConsidered starts a new selection cycle.
func (t *Table) ClearConsidered() {
	for _, e := range t.entries {
		e.Considered = false
	}
}

// MarkConsidered sets the considered flag on each listed entry that still
// exists.
func (t *Table) MarkConsidered(bssids ...wlan.MAC) {
	for _, b := range bssids {
		if i, ok := t.index[b]; ok {
			t.entries[i].Considered = true
		}
	}
}
