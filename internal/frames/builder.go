package frames

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"

	"github.com/anstrom/stascan/internal/wlan"
)

// Builder assembles a beacon or probe-response body. The simulated radio
// uses it to produce frames for configured access points.
type Builder struct {
	buf []byte
}

// NewBuilder starts a body with the given fixed fields.
func NewBuilder(timestamp uint64, interval, capability uint16) *Builder {
	b := &Builder{buf: make([]byte, fixedFieldsLen, 128)}
	binary.LittleEndian.PutUint64(b.buf[0:8], timestamp)
	binary.LittleEndian.PutUint16(b.buf[8:10], interval)
	binary.LittleEndian.PutUint16(b.buf[10:12], capability)
	return b
}

// Element appends a raw information element.
func (b *Builder) Element(id layers.Dot11InformationElementID, info []byte) *Builder {
	b.buf = append(b.buf, byte(id), byte(len(info)))
	b.buf = append(b.buf, info...)
	return b
}

// SSID appends the SSID element; an empty ssid produces a hidden site.
func (b *Builder) SSID(ssid string) *Builder {
	return b.Element(layers.Dot11InformationElementIDSSID, []byte(ssid))
}

// Rates appends supported rates in 500 kbps units, flagging the basic ones.
// Up to eight go into the rates element, the rest into extended rates.
func (b *Builder) Rates(supported, basic []uint8) *Builder {
	isBasic := make(map[uint8]bool, len(basic))
	for _, r := range basic {
		isBasic[r] = true
	}
	enc := make([]byte, 0, len(supported))
	for _, r := range supported {
		if isBasic[r] {
			r |= 0x80
		}
		enc = append(enc, r)
	}
	if len(enc) <= 8 {
		return b.Element(layers.Dot11InformationElementIDRates, enc)
	}
	b.Element(layers.Dot11InformationElementIDRates, enc[:8])
	return b.Element(layers.Dot11InformationElementIDESRates, enc[8:])
}

// DSChannel appends the DS parameter set element.
func (b *Builder) DSChannel(ch uint8) *Builder {
	return b.Element(layers.Dot11InformationElementIDDSSet, []byte{ch})
}

// CSA appends a channel switch announcement to newChannel.
func (b *Builder) CSA(newChannel uint8) *Builder {
	return b.Element(layers.Dot11InformationElementIDSwitchChannelAnnounce, []byte{1, newChannel, 5})
}

// RSN appends an RSN element with one CCMP pairwise suite and the given AKMs.
func (b *Builder) RSN(akms ...wlan.AKM) *Builder {
	info := []byte{1, 0}
	info = append(info, ouiIEEE...)
	info = append(info, byte(wlan.CipherCCMP))
	info = append(info, 1, 0)
	info = append(info, ouiIEEE...)
	info = append(info, byte(wlan.CipherCCMP))
	info = binary.LittleEndian.AppendUint16(info, uint16(len(akms)))
	for _, a := range akms {
		info = append(info, ouiIEEE...)
		info = append(info, byte(a))
	}
	// RSN capabilities
	info = append(info, 0, 0)
	return b.Element(layers.Dot11InformationElementIDRSNInfo, info)
}

func (b *Builder) vendor(typ byte, info []byte) *Builder {
	body := append(append([]byte{}, ouiMicrosoft...), typ)
	return b.Element(layers.Dot11InformationElementIDVendor, append(body, info...))
}

// WPA appends a WPA vendor element with TKIP and PSK.
func (b *Builder) WPA() *Builder {
	info := []byte{1, 0}
	info = append(info, ouiMicrosoft...)
	info = append(info, byte(wlan.CipherTKIP), 1, 0)
	info = append(info, ouiMicrosoft...)
	info = append(info, byte(wlan.CipherTKIP), 1, 0)
	info = append(info, ouiMicrosoft...)
	info = append(info, byte(wlan.AKMPSK))
	return b.vendor(msTypeWPA, info)
}

// WMM appends a WMM parameter element.
func (b *Builder) WMM(uapsd bool) *Builder {
	qos := byte(0)
	if uapsd {
		qos = 0x80
	}
	return b.vendor(msTypeWMM, []byte{1, 1, qos, 0})
}

// WPS appends a WPS element advertising mode.
func (b *Builder) WPS(mode wlan.WPSMode) *Builder {
	if mode == wlan.WPSNone {
		return b
	}
	pw := uint16(0)
	if mode == wlan.WPSPushButton {
		pw = wpsPasswordPushButton
	}
	// version 1.0, then device password id
	info := []byte{0x10, 0x4a, 0x00, 0x01, 0x10}
	info = binary.BigEndian.AppendUint16(info, wpsAttrDevicePasswordID)
	info = binary.BigEndian.AppendUint16(info, 2)
	info = binary.BigEndian.AppendUint16(info, pw)
	return b.vendor(msTypeWPS, info)
}

// Bytes returns the assembled body.
func (b *Builder) Bytes() []byte {
	return b.buf
}
