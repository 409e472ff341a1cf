package station

import (
	"time"

	"github.com/anstrom/stascan/internal/arbiter"
	"github.com/anstrom/stascan/internal/concentrator"
	"github.com/anstrom/stascan/internal/sitetable"
	"github.com/anstrom/stascan/internal/wlan"
)

// Site is the presentation form of a site entry.
type Site struct {
	BSSID     string    `json:"bssid"`
	SSID      string    `json:"ssid"`
	BSSType   string    `json:"bss_type"`
	RSSI      int       `json:"rssi"`
	SNR       int       `json:"snr"`
	Band      string    `json:"band"`
	Channel   uint8     `json:"channel"`
	Security  string    `json:"security"`
	WPS       string    `json:"wps"`
	WMM       bool      `json:"wmm"`
	CSA       bool      `json:"csa"`
	Rates     []float64 `json:"rates"`
	LastSeen  time.Time `json:"last_seen"`
	Hidden    bool      `json:"hidden"`
	Candidate bool      `json:"candidate,omitempty"`
}

// SiteFromEntry converts a table entry.
func SiteFromEntry(e *sitetable.Entry) Site {
	rates := make([]float64, 0, len(e.SupportedRates))
	for _, r := range e.SupportedRates {
		rates = append(rates, wlan.RateMbps(r))
	}
	return Site{
		BSSID:    e.BSSID.String(),
		SSID:     e.SSID,
		BSSType:  e.BSSType.String(),
		RSSI:     e.RSSI,
		SNR:      e.SNR,
		Band:     e.Band.String(),
		Channel:  e.Channel,
		Security: e.Security.Mode().String(),
		WPS:      e.WPS.String(),
		WMM:      e.WMM,
		CSA:      e.CSA,
		Rates:    rates,
		LastSeen: e.LastSeen,
		Hidden:   e.Hidden(),
	}
}

// Ledger is the presentation form of one arbiter resource.
type Ledger struct {
	Resource string   `json:"resource"`
	Runner   string   `json:"runner,omitempty"`
	Aborting bool     `json:"aborting"`
	Pending  []string `json:"pending"`
}

// ArbiterView is the presentation form of an arbiter snapshot.
type ArbiterView struct {
	Group   string   `json:"group"`
	Mode    string   `json:"mode"`
	Ledgers []Ledger `json:"ledgers"`
}

// ArbiterFromSnapshot converts a snapshot.
func ArbiterFromSnapshot(s arbiter.Snapshot) ArbiterView {
	v := ArbiterView{Group: s.Group.String(), Mode: s.Mode.String()}
	for _, l := range s.Ledgers {
		lv := Ledger{Resource: l.Resource.String(), Aborting: l.Aborting, Pending: []string{}}
		if l.Running {
			lv.Runner = l.Runner.String()
		}
		for _, p := range l.Pending {
			lv.Pending = append(lv.Pending, p.String())
		}
		v.Ledgers = append(v.Ledgers, lv)
	}
	return v
}

// Client is the presentation form of one scan client.
type Client struct {
	Client     string `json:"client"`
	Tag        uint8  `json:"tag"`
	State      string `json:"state"`
	Expected   int    `json:"expected"`
	Delivered  int    `json:"delivered"`
	Pending    bool   `json:"complete_pending"`
	OSScan     bool   `json:"os_scan"`
	LastStatus string `json:"last_status,omitempty"`
}

// Link is the presentation form of the station's association.
type Link struct {
	Connected bool   `json:"connected"`
	BSSID     string `json:"bssid,omitempty"`
	SSID      string `json:"ssid,omitempty"`
	BSSType   string `json:"bss_type,omitempty"`
	Band      string `json:"band,omitempty"`
	Channel   uint8  `json:"channel,omitempty"`
}

// LinkFromInfo converts concentrator station info.
func LinkFromInfo(info concentrator.StationInfo) Link {
	if !info.Connected {
		return Link{}
	}
	return Link{
		Connected: true,
		BSSID:     info.BSSID.String(),
		SSID:      info.SSID,
		BSSType:   info.BSSType.String(),
		Band:      info.Band.String(),
		Channel:   info.Channel,
	}
}

// Status is a point-in-time view of the whole station.
type Status struct {
	Country   string      `json:"country"`
	SMEState  string      `json:"sme_state"`
	ScanCount int         `json:"scan_count"`
	Candidate *Site       `json:"candidate,omitempty"`
	Link      Link        `json:"link"`
	Arbiter   ArbiterView `json:"arbiter"`
	Clients   []Client    `json:"clients"`
	Sites     int         `json:"sites"`
	Stable    bool        `json:"table_stable"`
	OSScan    bool        `json:"os_scan_active"`
	Uptime    string      `json:"uptime"`
}
