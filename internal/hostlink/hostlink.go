// Package hostlink reads the host's wireless interfaces over nl80211 and
// reports the BSS each one is associated with. The station uses it to seed
// its link information at startup.
package hostlink

import (
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/mdlayher/wifi"

	"github.com/anstrom/stascan/internal/concentrator"
	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/wlan"
)

// Source is the subset of the nl80211 client used here. *wifi.Client
// implements it.
type Source interface {
	Interfaces() ([]*wifi.Interface, error)
	BSS(ifi *wifi.Interface) (*wifi.BSS, error)
	Close() error
}

// Interface describes one wireless interface.
type Interface struct {
	Name    string `json:"name"`
	Index   int    `json:"index"`
	MAC     string `json:"mac"`
	PHY     int    `json:"phy"`
	Station bool   `json:"station"`
	Band    string `json:"band,omitempty"`
	Channel uint8  `json:"channel,omitempty"`
}

// Link is the association of one interface.
type Link struct {
	Interface string        `json:"interface"`
	Connected bool          `json:"connected"`
	BSSID     wlan.MAC      `json:"bssid"`
	SSID      string        `json:"ssid,omitempty"`
	BSSType   wlan.BSSType  `json:"bss_type"`
	Band      wlan.Band     `json:"band"`
	Channel   uint8         `json:"channel"`
	Beacon    time.Duration `json:"beacon_interval"`
}

// StationInfo converts l for the concentrator.
func (l Link) StationInfo() concentrator.StationInfo {
	if !l.Connected {
		return concentrator.StationInfo{}
	}
	return concentrator.StationInfo{
		Connected: true,
		BSSType:   l.BSSType,
		BSSID:     l.BSSID,
		SSID:      l.SSID,
		Band:      l.Band,
		Channel:   l.Channel,
	}
}

// Prober queries a Source.
type Prober struct {
	src    Source
	logger *logging.Logger
}

// Open connects to nl80211.
func Open(logger *logging.Logger) (*Prober, error) {
	c, err := wifi.New()
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeHardwareUnavailable, "nl80211 unavailable", err)
	}
	return NewProber(c, logger), nil
}

// NewProber wraps an existing source.
func NewProber(src Source, logger *logging.Logger) *Prober {
	return &Prober{src: src, logger: logging.OrDefault(logger).WithComponent("hostlink")}
}

// Close releases the nl80211 socket.
func (p *Prober) Close() error {
	return p.src.Close()
}

// Interfaces lists the host's wireless interfaces.
func (p *Prober) Interfaces() ([]Interface, error) {
	ifis, err := p.src.Interfaces()
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeHardwareUnavailable, "failed to list wireless interfaces", err)
	}
	out := make([]Interface, 0, len(ifis))
	for _, ifi := range ifis {
		v := Interface{
			Name:    ifi.Name,
			Index:   ifi.Index,
			PHY:     ifi.PHY,
			Station: ifi.Type == wifi.InterfaceTypeStation,
		}
		if ifi.HardwareAddr != nil {
			v.MAC = ifi.HardwareAddr.String()
		}
		if band, ch, ok := wlan.FrequencyChannel(ifi.Frequency); ok {
			v.Band = band.String()
			v.Channel = ch
		}
		out = append(out, v)
	}
	return out, nil
}

// Link reports the association of the named interface. An empty name
// picks the first station interface.
func (p *Prober) Link(name string) (Link, error) {
	ifis, err := p.src.Interfaces()
	if err != nil {
		return Link{}, errors.WrapScanError(errors.CodeHardwareUnavailable, "failed to list wireless interfaces", err)
	}

	var ifi *wifi.Interface
	for _, candidate := range ifis {
		if (name == "" && candidate.Type == wifi.InterfaceTypeStation) || (name != "" && candidate.Name == name) {
			ifi = candidate
			break
		}
	}
	if ifi == nil {
		if name == "" {
			return Link{}, errors.NewScanError(errors.CodeHardwareUnavailable, "no wireless station interface")
		}
		return Link{}, errors.NewScanError(errors.CodeHardwareUnavailable,
			fmt.Sprintf("wireless interface %q not found", name))
	}

	link := Link{Interface: ifi.Name}
	bss, err := p.src.BSS(ifi)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			p.logger.Debug("Interface not associated", "interface", ifi.Name)
			return link, nil
		}
		return Link{}, errors.WrapScanError(errors.CodeHardwareUnavailable, "failed to read BSS", err).
			WithContext("interface", ifi.Name)
	}

	switch bss.Status {
	case wifi.BSSStatusAssociated:
		link.BSSType = wlan.BSSInfrastructure
	case wifi.BSSStatusIBSSJoined:
		link.BSSType = wlan.BSSIndependent
	default:
		return link, nil
	}

	link.Connected = true
	link.SSID = bss.SSID
	link.Beacon = bss.BeaconInterval
	link.BSSID = wlan.MACFromHardwareAddr(bss.BSSID)
	if band, ch, ok := wlan.FrequencyChannel(bss.Frequency); ok {
		link.Band = band
		link.Channel = ch
	}
	p.logger.InfoConnection("Host link found", link.BSSID.String(),
		"interface", ifi.Name,
		"ssid", link.SSID,
		"channel", link.Channel)
	return link, nil
}
