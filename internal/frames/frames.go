// Package frames decodes beacon and probe-response bodies into the fields
// the scan core needs: fixed fields, SSID, rates, channel, security
// elements and the WMM/WPS vendor elements.
package frames

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/anstrom/stascan/internal/wlan"
)

// Capability information bits.
const (
	CapESS     uint16 = 0x0001
	CapIBSS    uint16 = 0x0002
	CapPrivacy uint16 = 0x0010
)

const fixedFieldsLen = 12

var (
	ouiIEEE      = []byte{0x00, 0x0f, 0xac}
	ouiMicrosoft = []byte{0x00, 0x50, 0xf2}
)

// Vendor element types under the Microsoft OUI.
const (
	msTypeWPA = 1
	msTypeWMM = 2
	msTypeWPS = 4
)

// WPS attribute ids and the push-button device password id.
const (
	wpsAttrDevicePasswordID = 0x1012
	wpsPasswordPushButton   = 0x0004
)

// Parsed is the decoded content of a beacon or probe-response body.
type Parsed struct {
	Timestamp      uint64
	BeaconInterval uint16
	Capability     uint16

	// HasSSID distinguishes a missing SSID element from a hidden one.
	HasSSID bool
	SSID    string

	// Rates in 500 kbps units with the basic-rate bit stripped
	SupportedRates []uint8
	BasicRates     []uint8

	HasDSChannel bool
	DSChannel    uint8

	RSN      []byte
	WPA      []byte
	Security wlan.Security

	WMM   bool
	UAPSD bool
	WPS   wlan.WPSMode
	CSA   bool

	Country string
}

// BSSType derives the topology from the capability bits.
func (p *Parsed) BSSType() wlan.BSSType {
	if p.Capability&CapIBSS != 0 && p.Capability&CapESS == 0 {
		return wlan.BSSIndependent
	}
	return wlan.BSSInfrastructure
}

// Decode parses a beacon or probe-response body. Both share the same fixed
// fields, so the beacon layer decodes either.
func Decode(body []byte) (*Parsed, error) {
	var beacon layers.Dot11MgmtBeacon
	if err := beacon.DecodeFromBytes(body, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}

	p := &Parsed{
		Timestamp:      beacon.Timestamp,
		BeaconInterval: beacon.Interval,
		Capability:     beacon.Flags,
	}
	p.Security.Privacy = beacon.Flags&CapPrivacy != 0

	elements, err := Elements(body[fixedFieldsLen:])
	if err != nil {
		return nil, err
	}
	for _, ie := range elements {
		p.apply(ie)
	}
	if p.HasSSID && len(p.SSID) > wlan.MaxSSIDLen {
		return nil, fmt.Errorf("ssid element too long: %d bytes", len(p.SSID))
	}
	return p, nil
}

// Elements splits an information element chain. layers.Dot11InformationElement
// requires six bytes of input even for short elements, so a short tail is
// decoded from a padded copy.
func Elements(data []byte) ([]*layers.Dot11InformationElement, error) {
	var out []*layers.Dot11InformationElement
	for len(data) > 0 {
		if len(data) < 2 {
			return out, fmt.Errorf("truncated element header at %d remaining bytes", len(data))
		}
		id, length := layers.Dot11InformationElementID(data[0]), int(data[1])
		if len(data) < 2+length {
			return out, fmt.Errorf("element %d truncated: need %d bytes, have %d", id, 2+length, len(data))
		}
		raw := data[:2+length]
		data = data[2+length:]

		if id == layers.Dot11InformationElementIDVendor && length < 4 {
			// no room for OUI and type
			continue
		}

		buf := raw
		if len(buf) < 6 {
			buf = make([]byte, 6)
			copy(buf, raw)
		}
		ie := &layers.Dot11InformationElement{}
		if err := ie.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
			return out, err
		}
		out = append(out, ie)
	}
	return out, nil
}

func (p *Parsed) apply(ie *layers.Dot11InformationElement) {
	switch ie.ID {
	case layers.Dot11InformationElementIDSSID:
		p.HasSSID = true
		p.SSID = string(ie.Info)
	case layers.Dot11InformationElementIDRates, layers.Dot11InformationElementIDESRates:
		for _, r := range ie.Info {
			rate := r & 0x7f
			p.SupportedRates = append(p.SupportedRates, rate)
			if r&0x80 != 0 {
				p.BasicRates = append(p.BasicRates, rate)
			}
		}
	case layers.Dot11InformationElementIDDSSet:
		if len(ie.Info) >= 1 {
			p.HasDSChannel = true
			p.DSChannel = ie.Info[0]
		}
	case layers.Dot11InformationElementIDCountryInfo:
		if len(ie.Info) >= 2 {
			p.Country = string(ie.Info[:2])
		}
	case layers.Dot11InformationElementIDSwitchChannelAnnounce:
		p.CSA = true
	case layers.Dot11InformationElementIDRSNInfo:
		p.RSN = bytes.Clone(ie.Info)
		if suite, err := parseSuites(ie.Info, ouiIEEE); err == nil {
			p.Security.HasRSN = true
			p.Security.GroupCipher = suite.group
			p.Security.Pairwise = suite.pairwise
			p.Security.AKMs = suite.akms
		}
	case layers.Dot11InformationElementIDVendor:
		p.applyVendor(ie)
	}
}

func (p *Parsed) applyVendor(ie *layers.Dot11InformationElement) {
	if len(ie.OUI) < 4 || !bytes.Equal(ie.OUI[:3], ouiMicrosoft) {
		return
	}
	switch ie.OUI[3] {
	case msTypeWPA:
		p.WPA = bytes.Clone(ie.Info)
		suite, err := parseSuites(ie.Info, ouiMicrosoft)
		if err != nil {
			return
		}
		p.Security.HasWPA = true
		if !p.Security.HasRSN {
			p.Security.GroupCipher = suite.group
			p.Security.Pairwise = suite.pairwise
			p.Security.AKMs = suite.akms
		}
	case msTypeWMM:
		p.WMM = true
		// subtype, version, QoS info
		if len(ie.Info) >= 3 && ie.Info[2]&0x80 != 0 {
			p.UAPSD = true
		}
	case msTypeWPS:
		p.WPS = parseWPS(ie.Info)
	}
}

type suites struct {
	group    wlan.Cipher
	pairwise []wlan.Cipher
	akms     []wlan.AKM
}

// parseSuites reads version, group cipher, pairwise list and AKM list. The
// RSN and WPA elements share this layout and differ only in suite OUI.
// Missing trailing lists are allowed.
func parseSuites(info, oui []byte) (suites, error) {
	var s suites
	if len(info) < 2 {
		return s, fmt.Errorf("security element too short")
	}
	if v := binary.LittleEndian.Uint16(info); v != 1 {
		return s, fmt.Errorf("unsupported security element version %d", v)
	}
	rest := info[2:]
	if len(rest) < 4 {
		return s, nil
	}
	if bytes.Equal(rest[:3], oui) {
		s.group = wlan.Cipher(rest[3])
	}
	rest = rest[4:]

	list, rest, err := suiteList(rest, oui)
	if err != nil {
		return s, err
	}
	for _, v := range list {
		s.pairwise = append(s.pairwise, wlan.Cipher(v))
	}

	list, _, err = suiteList(rest, oui)
	if err != nil {
		return s, err
	}
	for _, v := range list {
		s.akms = append(s.akms, wlan.AKM(v))
	}
	return s, nil
}

func suiteList(b, oui []byte) ([]uint8, []byte, error) {
	if len(b) < 2 {
		return nil, b, nil
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < 4*n {
		return nil, b, fmt.Errorf("suite list truncated: %d suites, %d bytes", n, len(b))
	}
	var out []uint8
	for i := 0; i < n; i++ {
		sel := b[4*i : 4*i+4]
		if bytes.Equal(sel[:3], oui) {
			out = append(out, sel[3])
		}
	}
	return out, b[4*n:], nil
}

func parseWPS(info []byte) wlan.WPSMode {
	for len(info) >= 4 {
		typ := binary.BigEndian.Uint16(info[0:2])
		n := int(binary.BigEndian.Uint16(info[2:4]))
		if len(info) < 4+n {
			break
		}
		if typ == wpsAttrDevicePasswordID && n == 2 &&
			binary.BigEndian.Uint16(info[4:6]) == wpsPasswordPushButton {
			return wlan.WPSPushButton
		}
		info = info[4+n:]
	}
	return wlan.WPSPin
}
