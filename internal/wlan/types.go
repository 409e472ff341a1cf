// Package wlan defines the small closed types shared by every layer of the
// station core: hardware addresses, bands and channels, BSS topology,
// security and WPS descriptors, scan client identities and result statuses.
package wlan

import (
	"bytes"
	"fmt"
	"net"
	"time"
)

// MaxSSIDLen is the largest SSID an information element can carry.
const MaxSSIDLen = 32

// MAC is a 48-bit IEEE 802 address. The zero value is the null address.
type MAC [6]byte

// BroadcastMAC is the all-ones address used as a "match any BSSID" wildcard.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseMAC parses a colon, dash or dot separated 48-bit address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != len(MAC{}) {
		return MAC{}, fmt.Errorf("address %q is not 48 bits", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// MACFromHardwareAddr converts a net.HardwareAddr; anything other than
// six bytes yields the null address.
func MACFromHardwareAddr(hw net.HardwareAddr) MAC {
	var m MAC
	if len(hw) == len(m) {
		copy(m[:], hw)
	}
	return m
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// IsBroadcast reports whether m is ff:ff:ff:ff:ff:ff.
func (m MAC) IsBroadcast() bool {
	return m == BroadcastMAC
}

// IsZero reports whether m is the null address.
func (m MAC) IsZero() bool {
	return m == MAC{}
}

// MarshalText implements encoding.TextMarshaler.
func (m MAC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MAC) UnmarshalText(text []byte) error {
	if len(bytes.TrimSpace(text)) == 0 {
		*m = MAC{}
		return nil
	}
	parsed, err := ParseMAC(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Band identifies a radio band.
type Band uint8

const (
	Band24GHz Band = iota
	Band5GHz
	numBands
)

// Bands lists every band in scan order.
var Bands = []Band{Band24GHz, Band5GHz}

func (b Band) String() string {
	switch b {
	case Band24GHz:
		return "2.4GHz"
	case Band5GHz:
		return "5GHz"
	default:
		return fmt.Sprintf("band(%d)", uint8(b))
	}
}

// Valid reports whether b is a known band.
func (b Band) Valid() bool {
	return b < numBands
}

// ParseBand accepts "2.4", "2.4ghz", "24", "5", "5ghz" and the String form.
func ParseBand(s string) (Band, error) {
	switch s {
	case "2.4GHz", "2.4ghz", "2.4", "24", "bg":
		return Band24GHz, nil
	case "5GHz", "5ghz", "5", "a":
		return Band5GHz, nil
	}
	return 0, fmt.Errorf("unknown band %q", s)
}

// BandMask selects a subset of bands, e.g. for the station's band config.
type BandMask uint8

const (
	BandMask24 BandMask = 1 << Band24GHz
	BandMask5  BandMask = 1 << Band5GHz
	BandMaskAll         = BandMask24 | BandMask5
)

// Has reports whether the mask includes b.
func (m BandMask) Has(b Band) bool {
	return m&(1<<b) != 0
}

// ChannelFrequency returns the center frequency in MHz for a channel.
func ChannelFrequency(b Band, ch uint8) int {
	switch b {
	case Band24GHz:
		if ch == 14 {
			return 2484
		}
		return 2407 + 5*int(ch)
	case Band5GHz:
		return 5000 + 5*int(ch)
	}
	return 0
}

// FrequencyChannel maps a center frequency in MHz back to band and channel.
func FrequencyChannel(mhz int) (Band, uint8, bool) {
	switch {
	case mhz == 2484:
		return Band24GHz, 14, true
	case mhz >= 2412 && mhz <= 2472:
		return Band24GHz, uint8((mhz - 2407) / 5), true
	case mhz >= 5160 && mhz <= 5885:
		return Band5GHz, uint8((mhz - 5000) / 5), true
	}
	return 0, 0, false
}

// ScanType selects how a channel is scanned.
type ScanType uint8

const (
	ScanActive ScanType = iota
	ScanPassive
)

func (t ScanType) String() string {
	if t == ScanPassive {
		return "passive"
	}
	return "active"
}

// Channel is one entry of a scan channel list: where, how and for how long.
type Channel struct {
	Band     Band          `yaml:"band" json:"band"`
	Number   uint8         `yaml:"number" json:"number"`
	Type     ScanType      `yaml:"type" json:"type"`
	MinDwell time.Duration `yaml:"min_dwell" json:"min_dwell"`
	MaxDwell time.Duration `yaml:"max_dwell" json:"max_dwell"`
	TxPower  int8          `yaml:"tx_power" json:"tx_power"`
}

func (c Channel) String() string {
	return fmt.Sprintf("%s/%d(%s)", c.Band, c.Number, c.Type)
}

// BSSType is the network topology of a site or the desired topology.
type BSSType uint8

const (
	BSSInfrastructure BSSType = iota
	BSSIndependent
	BSSAny
)

func (t BSSType) String() string {
	switch t {
	case BSSInfrastructure:
		return "infrastructure"
	case BSSIndependent:
		return "independent"
	case BSSAny:
		return "any"
	default:
		return fmt.Sprintf("bsstype(%d)", uint8(t))
	}
}

// ParseBSSType parses the String form.
func ParseBSSType(s string) (BSSType, error) {
	switch s {
	case "infrastructure", "infra", "":
		return BSSInfrastructure, nil
	case "independent", "ibss", "adhoc":
		return BSSIndependent, nil
	case "any":
		return BSSAny, nil
	}
	return 0, fmt.Errorf("unknown bss type %q", s)
}

// WPSMode describes which Wi-Fi Protected Setup method a site advertises
// or the station wants to use.
type WPSMode uint8

const (
	WPSNone WPSMode = iota
	WPSPin
	WPSPushButton
)

func (w WPSMode) String() string {
	switch w {
	case WPSPin:
		return "pin"
	case WPSPushButton:
		return "pbc"
	default:
		return "none"
	}
}

// ParseWPSMode parses the String form.
func ParseWPSMode(s string) (WPSMode, error) {
	switch s {
	case "none", "":
		return WPSNone, nil
	case "pin":
		return WPSPin, nil
	case "pbc", "push-button":
		return WPSPushButton, nil
	}
	return 0, fmt.Errorf("unknown wps mode %q", s)
}
