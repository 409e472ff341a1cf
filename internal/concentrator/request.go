package concentrator

import (
	"github.com/anstrom/stascan/internal/frames"
	"github.com/anstrom/stascan/internal/scanclient"
	"github.com/anstrom/stascan/internal/sitetable"
	"github.com/anstrom/stascan/internal/wlan"
)

// Request is one scan invocation. The concentrator copies it on start;
// the caller may reuse it afterwards.
type Request struct {
	Client   wlan.ClientID  `json:"client"`
	Channels []wlan.Channel `json:"channels"`
	Probes   int            `json:"probes"`
	// ProbeRate in 500 kbps units
	ProbeRate uint8        `json:"probe_rate"`
	SSIDs     []string     `json:"ssids,omitempty"`
	BSSType   wlan.BSSType `json:"bss_type"`
	// Schedule drives periodic clients only.
	Schedule scanclient.Schedule `json:"schedule"`
	// FixedSchedule roaming scans keep frames whose SSID differs from the
	// associated one.
	FixedSchedule bool `json:"fixed_schedule,omitempty"`
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	out := *r
	out.Channels = append([]wlan.Channel(nil), r.Channels...)
	out.SSIDs = append([]string(nil), r.SSIDs...)
	out.Schedule = r.Schedule.Clone()
	return &out
}

// AnySSID reports whether the request probes for the broadcast SSID.
func (r *Request) AnySSID() bool {
	if len(r.SSIDs) == 0 {
		return true
	}
	for _, s := range r.SSIDs {
		if s == "" {
			return true
		}
	}
	return false
}

// Frame is one received beacon or probe response.
type Frame struct {
	BSSID wlan.MAC
	// Body is the management frame body starting at the fixed fields.
	Body []byte
	// Parsed may be supplied by the receiver; otherwise Body is decoded.
	Parsed  *frames.Parsed
	RSSI    int
	SNR     int
	Band    wlan.Band
	Channel uint8
}

// Report accompanies a scan-complete indication.
type Report struct {
	// Delivered is the number of frames the execution layer queued for
	// this scan.
	Delivered int
	// SPPStatus is the firmware's scan-per-period status word.
	SPPStatus uint32
	// TSFError is set when the firmware lost timing sync during the scan.
	TSFError   bool
	ExecStatus wlan.Status
}

// StationInfo is the station's current link, used for power save and the
// roaming filters.
type StationInfo struct {
	Connected bool
	BSSType   wlan.BSSType
	BSSID     wlan.MAC
	SSID      string
	Band      wlan.Band
	Channel   uint8
}

// ConnectedInfra reports whether the station is associated to an access point.
func (s StationInfo) ConnectedInfra() bool {
	return s.Connected && s.BSSType == wlan.BSSInfrastructure
}

// ResultKind distinguishes the results delivered to a client callback.
type ResultKind uint8

const (
	ResultFrame ResultKind = iota
	ResultComplete
)

func (k ResultKind) String() string {
	if k == ResultFrame {
		return "frame"
	}
	return "complete"
}

// Result is delivered to a client's result callback.
type Result struct {
	Kind   ResultKind
	Client wlan.ClientID
	// Entry is a detached copy of the refreshed site; set for ResultFrame.
	Entry *sitetable.Entry
	// Status is set for ResultComplete.
	Status wlan.Status
	// OSScan marks the completion of a whole OS bulk scan.
	OSScan bool
}

// ResultFunc receives a client's results.
type ResultFunc func(Result)
