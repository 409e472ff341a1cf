// Package selection picks the next connection candidate from the site
// table. Select is a pure single pass; Run applies its considered marks to
// the table.
package selection

import (
	"fmt"

	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/sitetable"
	"github.com/anstrom/stascan/internal/wlan"
)

// Params describe the network the station wants.
type Params struct {
	// SSID is matched exactly; empty accepts any.
	SSID string
	// BSSID is matched exactly; zero or broadcast accepts any.
	BSSID    wlan.MAC
	BSSType  wlan.BSSType
	Security wlan.SecurityMode
	WPS      wlan.WPSMode
	// SupportedRates in 500 kbps units; a site is rejected if any of its
	// basic rates is missing here. Empty accepts any rate set.
	SupportedRates []uint8
}

// Reason names the filter an entry failed.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonSSID
	ReasonBSSID
	ReasonBSSType
	ReasonWPS
	ReasonSecurity
	ReasonRates
	ReasonCSA
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonSSID:
		return "ssid"
	case ReasonBSSID:
		return "bssid"
	case ReasonBSSType:
		return "bss_type"
	case ReasonWPS:
		return "wps"
	case ReasonSecurity:
		return "security"
	case ReasonRates:
		return "rates"
	case ReasonCSA:
		return "csa"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Probe observes every rejected entry together with the first filter it
// failed.
type Probe func(e *sitetable.Entry, r Reason)

// Candidate is a detached copy of the winning entry.
type Candidate struct {
	sitetable.Entry
}

// Result is the outcome of one selection pass.
type Result struct {
	// Candidate is nil when nothing passed.
	Candidate *Candidate
	// Considered lists the entries evaluated in this pass, winner included.
	Considered []wlan.MAC
	// Err is set when the pass was aborted, e.g. on a WPS push-button overlap.
	Err error
}

// Found reports whether a candidate was selected.
func (r Result) Found() bool {
	return r.Candidate != nil
}

// Select runs one pass over entries, skipping those already considered.
// It does not modify entries.
func Select(entries []*sitetable.Entry, p Params, probe Probe) Result {
	var (
		res  Result
		best *sitetable.Entry
		pbc  int
	)

	for _, e := range entries {
		if e.Considered {
			continue
		}
		reason := check(e, p)
		if p.WPS == wlan.WPSPushButton && (reason == ReasonNone || reason > ReasonWPS) {
			pbc++
			if pbc > 1 {
				return Result{Err: errors.ErrWPSOverlap()}
			}
		}
		if reason != ReasonNone {
			res.Considered = append(res.Considered, e.BSSID)
			if probe != nil {
				probe(e, reason)
			}
			continue
		}
		if best == nil || e.RSSI > best.RSSI {
			best = e
		}
	}

	if best != nil {
		res.Considered = append(res.Considered, best.BSSID)
		res.Candidate = &Candidate{Entry: best.Clone()}
	}
	return res
}

// Run selects from t and marks the evaluated entries considered. An
// aborted pass marks nothing.
func Run(t *sitetable.Table, p Params, probe Probe) Result {
	res := Select(t.Entries(), p, probe)
	if res.Err == nil {
		t.MarkConsidered(res.Considered...)
	}
	return res
}

// check applies the filters in their fixed order and returns the first
// failure.
func check(e *sitetable.Entry, p Params) Reason {
	switch {
	case p.SSID != "" && e.SSID != p.SSID:
		return ReasonSSID
	case !p.BSSID.IsZero() && !p.BSSID.IsBroadcast() && e.BSSID != p.BSSID:
		return ReasonBSSID
	case p.BSSType != wlan.BSSAny && e.BSSType != p.BSSType:
		return ReasonBSSType
	case !wpsCompatible(p.WPS, e.WPS):
		return ReasonWPS
	case !SecurityCompatible(p.Security, e.Security):
		return ReasonSecurity
	case !ratesCompatible(p.SupportedRates, e.BasicRates):
		return ReasonRates
	case e.CSA:
		return ReasonCSA
	}
	return ReasonNone
}

func wpsCompatible(want, have wlan.WPSMode) bool {
	switch want {
	case wlan.WPSPushButton:
		return have == wlan.WPSPushButton
	case wlan.WPSPin:
		return have != wlan.WPSNone
	default:
		return true
	}
}

// SecurityCompatible reports whether a site advertising have can be joined
// with the desired mode.
func SecurityCompatible(want wlan.SecurityMode, have wlan.Security) bool {
	switch want {
	case wlan.SecurityOpen:
		return !have.Privacy && !have.HasRSN && !have.HasWPA
	case wlan.SecurityWEP:
		return have.Privacy && !have.HasRSN && !have.HasWPA
	case wlan.SecurityWPAPersonal:
		return have.HasWPA && have.HasAKM(wlan.AKMPSK)
	case wlan.SecurityWPA2Personal:
		return have.HasRSN && have.HasAKM(wlan.AKMPSK)
	case wlan.SecurityWPA2Enterprise:
		return have.HasRSN && have.HasAKM(wlan.AKM8021X)
	case wlan.SecurityWPA3Personal:
		return have.HasRSN && have.HasAKM(wlan.AKMSAE)
	default:
		return false
	}
}

func ratesCompatible(supported, basic []uint8) bool {
	if len(supported) == 0 {
		return true
	}
	for _, b := range basic {
		found := false
		for _, s := range supported {
			if s&0x7f == b&0x7f {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
