package station

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/stascan/internal/config"
	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/wlan"
)

func TestSelectionParams(t *testing.T) {
	st := config.Default().Station
	st.SSID = "Home"
	st.BSSID = "02:00:00:00:00:01"
	st.Security = "wpa3-sae"
	st.WPS = "pbc"
	st.SupportedRates = []float64{1, 5.5, 54}

	p, err := SelectionParams(st)
	require.NoError(t, err)
	assert.Equal(t, "Home", p.SSID)
	assert.Equal(t, wlan.MAC{2, 0, 0, 0, 0, 1}, p.BSSID)
	assert.Equal(t, wlan.SecurityWPA3Personal, p.Security)
	assert.Equal(t, wlan.WPSPushButton, p.WPS)
	assert.Equal(t, []uint8{2, 11, 108}, p.SupportedRates)

	tests := []struct {
		name  string
		apply func(*config.StationConfig)
	}{
		{"bssid", func(s *config.StationConfig) { s.BSSID = "zz" }},
		{"bss type", func(s *config.StationConfig) { s.BSSType = "mesh" }},
		{"security", func(s *config.StationConfig) { s.Security = "wpa9" }},
		{"wps", func(s *config.StationConfig) { s.WPS = "nfc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := config.Default().Station
			tt.apply(&bad)
			_, err := SelectionParams(bad)
			assert.Error(t, err)
		})
	}
}

func TestBuildRequest(t *testing.T) {
	cfg := config.Default()
	cfg.Scan.Channels24 = []int{1, 6}
	cfg.Scan.Channels5 = []int{36, 52}

	req := BuildRequest(cfg, wlan.ClientAppOneShot, wlan.BandMaskAll, []string{"Home"})
	require.Len(t, req.Channels, 4)
	assert.Equal(t, wlan.ClientAppOneShot, req.Client)
	assert.Equal(t, []string{"Home"}, req.SSIDs)
	assert.Equal(t, uint8(2), req.ProbeRate)
	assert.Equal(t, wlan.ScanActive, req.Channels[0].Type)
	assert.Empty(t, req.Schedule.Intervals)

	req = BuildRequest(cfg, wlan.ClientAppOneShot, wlan.BandMask5, nil)
	require.Len(t, req.Channels, 2)
	assert.Equal(t, wlan.Band5GHz, req.Channels[0].Band)

	cfg.Station.Bands = []string{"2.4GHz"}
	req = BuildRequest(cfg, wlan.ClientAppOneShot, wlan.BandMask5, nil)
	assert.Empty(t, req.Channels, "band outside the station's bands")

	cfg.Scan.Probes = 0
	req = BuildRequest(cfg, wlan.ClientAppPeriodic, wlan.BandMaskAll, nil)
	assert.Equal(t, wlan.ScanPassive, req.Channels[0].Type)
	assert.Equal(t, cfg.Scan.AppPeriodic.Intervals, req.Schedule.Intervals)
}

func TestSMEParams(t *testing.T) {
	cfg := config.Default()
	cfg.Station.SSID = "Home"
	cfg.Scan.DriverPeriodic = config.PeriodicConfig{Intervals: []time.Duration{0, time.Second}, MaxCycles: 2}

	p, err := SMEParams(cfg)
	require.NoError(t, err)
	assert.True(t, p.AutoConnect)
	assert.Equal(t, wlan.ClientDriverPeriodic, p.Scan.Client)
	assert.Equal(t, []string{"Home"}, p.Scan.SSIDs)
	assert.Equal(t, 2, p.Scan.Schedule.MaxCycles)
	assert.Equal(t, wlan.Band24GHz, p.IBSSBand)
	assert.Equal(t, uint8(1), p.IBSSChannel)

	cfg.Station.Bands = []string{"5GHz"}
	p, err = SMEParams(cfg)
	require.NoError(t, err)
	assert.Equal(t, wlan.Band5GHz, p.IBSSBand)
	assert.Equal(t, uint8(36), p.IBSSChannel)

	cfg.Scan.DriverPeriodic.MaxCycles = 0
	_, err = SMEParams(cfg)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	cfg.Scan.DriverPeriodic.MaxCycles = 2

	cfg.Station.RetryIntervals = []time.Duration{-time.Second}
	_, err = SMEParams(cfg)
	assert.Error(t, err)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster(1)
	ch, cancel := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	b.Publish(Event{Type: EventSite})
	b.Publish(Event{Type: EventScanComplete})
	ev := <-ch
	assert.Equal(t, EventSite, ev.Type, "overflow drops the newest event")

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.Subscribers())

	ch2, _ := b.Subscribe()
	b.Close()
	_, open = <-ch2
	assert.False(t, open)
}
