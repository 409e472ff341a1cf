package station

import (
	"github.com/anstrom/stascan/internal/concentrator"
	"github.com/anstrom/stascan/internal/config"
	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/scanclient"
	"github.com/anstrom/stascan/internal/selection"
	"github.com/anstrom/stascan/internal/sme"
	"github.com/anstrom/stascan/internal/wlan"
)

// SelectionParams converts the station section into selection parameters.
func SelectionParams(st config.StationConfig) (selection.Params, error) {
	p := selection.Params{
		SSID:           st.SSID,
		SupportedRates: wlan.RatesFromMbps(st.SupportedRates),
	}

	var err error
	if st.BSSID != "" {
		if p.BSSID, err = wlan.ParseMAC(st.BSSID); err != nil {
			return p, errors.ErrConfigInvalid("station.bssid", st.BSSID)
		}
	}
	if p.BSSType, err = wlan.ParseBSSType(st.BSSType); err != nil {
		return p, errors.ErrConfigInvalid("station.bss_type", st.BSSType)
	}
	if p.Security, err = wlan.ParseSecurityMode(st.Security); err != nil {
		return p, errors.ErrConfigInvalid("station.security", st.Security)
	}
	if p.WPS, err = wlan.ParseWPSMode(st.WPS); err != nil {
		return p, errors.ErrConfigInvalid("station.wps", st.WPS)
	}
	return p, nil
}

// SMEParams builds the connection parameters from cfg. The connection scan
// uses the driver periodic schedule over every configured band.
func SMEParams(cfg *config.Config) (sme.Params, error) {
	sel, err := SelectionParams(cfg.Station)
	if err != nil {
		return sme.Params{}, err
	}

	scan := BuildRequest(cfg, wlan.ClientDriverPeriodic, cfg.BandMask(), nil)
	if sel.SSID != "" {
		scan.SSIDs = []string{sel.SSID}
	}
	scan.BSSType = sel.BSSType

	p := sme.Params{
		Selection:      sel,
		AutoConnect:    cfg.Station.AutoConnect,
		RetryIntervals: cfg.Station.RetryIntervals,
		Scan:           *scan,
		IBSSBand:       wlan.Band24GHz,
		IBSSChannel:    1,
	}
	if !cfg.BandMask().Has(wlan.Band24GHz) && len(cfg.Scan.Channels5) > 0 {
		p.IBSSBand = wlan.Band5GHz
		p.IBSSChannel = uint8(cfg.Scan.Channels5[0])
	}
	if err := p.Validate(); err != nil {
		return sme.Params{}, err
	}
	return p, nil
}

// BuildRequest builds a scan request for client over the configured
// channels of the bands in mask. Periodic clients get the schedule that
// belongs to them.
func BuildRequest(cfg *config.Config, client wlan.ClientID, mask wlan.BandMask, ssids []string) *concentrator.Request {
	scanType := wlan.ScanActive
	if cfg.Scan.Probes == 0 {
		scanType = wlan.ScanPassive
	}

	req := &concentrator.Request{
		Client: client,
		Probes: cfg.Scan.Probes,
		SSIDs:  append([]string(nil), ssids...),
	}
	if rates := wlan.RatesFromMbps([]float64{cfg.Scan.ProbeRate}); len(rates) > 0 {
		req.ProbeRate = rates[0]
	}

	bands := cfg.BandMask() & mask
	if bands.Has(wlan.Band24GHz) {
		req.Channels = append(req.Channels, concentrator.ChannelsFor(wlan.Band24GHz,
			channelNumbers(cfg.Scan.Channels24), scanType, cfg.Scan.MinDwell, cfg.Scan.MaxDwell)...)
	}
	if bands.Has(wlan.Band5GHz) {
		req.Channels = append(req.Channels, concentrator.ChannelsFor(wlan.Band5GHz,
			channelNumbers(cfg.Scan.Channels5), scanType, cfg.Scan.MinDwell, cfg.Scan.MaxDwell)...)
	}

	switch client {
	case wlan.ClientDriverPeriodic:
		req.Schedule = schedule(cfg.Scan.DriverPeriodic)
	case wlan.ClientAppPeriodic, wlan.ClientRoamingContinuous:
		req.Schedule = schedule(cfg.Scan.AppPeriodic)
	}
	return req
}

func schedule(p config.PeriodicConfig) scanclient.Schedule {
	return scanclient.Schedule{
		Intervals: append(p.Intervals[:0:0], p.Intervals...),
		MaxCycles: p.MaxCycles,
	}
}

func channelNumbers(in []int) []uint8 {
	out := make([]uint8, 0, len(in))
	for _, n := range in {
		if n > 0 && n < 256 {
			out = append(out, uint8(n))
		}
	}
	return out
}
