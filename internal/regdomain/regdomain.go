// Package regdomain provides static per-country channel tables: which
// channels may be scanned, at what power, whether only passively, and which
// 5 GHz channels are subject to dynamic frequency selection.
package regdomain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/anstrom/stascan/internal/wlan"
)

// World is the conservative fallback domain.
const World = "00"

// Rule is the regulatory entry for one channel.
type Rule struct {
	Channel  uint8
	MaxPower int8 // dBm
	// PassiveOnly channels may not be probed.
	PassiveOnly bool
}

// Table answers channel validity questions for one country.
type Table struct {
	country string
	rules   map[wlan.Band]map[uint8]Rule
}

type span struct {
	first, last, step uint8
	power             int8
	passive           bool
}

var domains = map[string]map[wlan.Band][]span{
	World: {
		wlan.Band24GHz: {{1, 11, 1, 20, false}, {12, 13, 1, 20, true}},
		wlan.Band5GHz:  {{36, 64, 4, 20, true}, {100, 140, 4, 20, true}, {149, 165, 4, 20, true}},
	},
	"US": {
		wlan.Band24GHz: {{1, 11, 1, 30, false}},
		wlan.Band5GHz:  {{36, 48, 4, 23, false}, {52, 64, 4, 23, false}, {100, 144, 4, 23, false}, {149, 165, 4, 30, false}},
	},
	"DE": {
		wlan.Band24GHz: {{1, 13, 1, 20, false}},
		wlan.Band5GHz:  {{36, 48, 4, 23, false}, {52, 64, 4, 20, false}, {100, 140, 4, 27, false}},
	},
	"JP": {
		wlan.Band24GHz: {{1, 13, 1, 20, false}, {14, 14, 1, 20, true}},
		wlan.Band5GHz:  {{36, 48, 4, 20, false}, {52, 64, 4, 20, false}, {100, 144, 4, 23, false}},
	},
}

// dfs holds the 5 GHz channels that require radar detection.
var dfs = func() map[uint8]bool {
	m := make(map[uint8]bool)
	for ch := uint8(52); ch <= 64; ch += 4 {
		m[ch] = true
	}
	for ch := uint8(100); ch <= 144; ch += 4 {
		m[ch] = true
	}
	return m
}()

// New returns the table for an ISO country code. Unknown countries get an
// error; callers that want a fallback use World.
func New(country string) (*Table, error) {
	country = strings.ToUpper(country)
	spans, ok := domains[country]
	if !ok {
		return nil, fmt.Errorf("no regulatory domain for country %q", country)
	}

	t := &Table{country: country, rules: make(map[wlan.Band]map[uint8]Rule)}
	for band, list := range spans {
		rules := make(map[uint8]Rule)
		for _, s := range list {
			for ch := s.first; ch <= s.last; ch += s.step {
				rules[ch] = Rule{Channel: ch, MaxPower: s.power, PassiveOnly: s.passive}
				if ch+s.step < ch {
					break
				}
			}
		}
		t.rules[band] = rules
	}
	return t, nil
}

// Countries lists the known country codes.
func Countries() []string {
	out := make([]string, 0, len(domains))
	for c := range domains {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Country returns the code the table was built for.
func (t *Table) Country() string {
	return t.country
}

// ChannelIsValid reports whether ch may be scanned with scanType and the
// maximum transmit power allowed on it.
func (t *Table) ChannelIsValid(band wlan.Band, ch uint8, scanType wlan.ScanType) (bool, int8) {
	rule, ok := t.rules[band][ch]
	if !ok {
		return false, 0
	}
	if rule.PassiveOnly && scanType == wlan.ScanActive {
		return false, 0
	}
	return true, rule.MaxPower
}

// IsDFSChannel reports whether ch is a radar-detection channel.
func (t *Table) IsDFSChannel(band wlan.Band, ch uint8) bool {
	return band == wlan.Band5GHz && dfs[ch]
}

// Rule returns the rule for ch.
func (t *Table) Rule(band wlan.Band, ch uint8) (Rule, bool) {
	r, ok := t.rules[band][ch]
	return r, ok
}

// Channels lists the allowed channels of a band in ascending order.
func (t *Table) Channels(band wlan.Band) []Rule {
	out := make([]Rule, 0, len(t.rules[band]))
	for _, r := range t.rules[band] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
