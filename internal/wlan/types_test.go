package wlan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMAC(t *testing.T) {
	m, err := ParseMAC("AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, MAC{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}, m)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", m.String())

	_, err = ParseMAC("00:00:00:00:fe:80:00:00:00:00:00:00:02:00:5e:10:00:00:00:01")
	assert.Error(t, err)

	_, err = ParseMAC("not-a-mac")
	assert.Error(t, err)
}

func TestMACText(t *testing.T) {
	var m MAC
	require.NoError(t, m.UnmarshalText([]byte("ff:ff:ff:ff:ff:ff")))
	assert.True(t, m.IsBroadcast())

	require.NoError(t, m.UnmarshalText([]byte("  ")))
	assert.True(t, m.IsZero())

	text, err := MAC{1, 2, 3, 4, 5, 6}.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "01:02:03:04:05:06", string(text))
}

func TestChannelFrequency(t *testing.T) {
	tests := []struct {
		band Band
		ch   uint8
		mhz  int
	}{
		{Band24GHz, 1, 2412},
		{Band24GHz, 6, 2437},
		{Band24GHz, 14, 2484},
		{Band5GHz, 36, 5180},
		{Band5GHz, 165, 5825},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.mhz, ChannelFrequency(tt.band, tt.ch))
		b, ch, ok := FrequencyChannel(tt.mhz)
		require.True(t, ok)
		assert.Equal(t, tt.band, b)
		assert.Equal(t, tt.ch, ch)
	}

	_, _, ok := FrequencyChannel(900)
	assert.False(t, ok)
}

func TestBandMask(t *testing.T) {
	assert.True(t, BandMaskAll.Has(Band24GHz))
	assert.True(t, BandMaskAll.Has(Band5GHz))
	assert.False(t, BandMask24.Has(Band5GHz))
}

func TestSecurityMode(t *testing.T) {
	tests := []struct {
		name string
		sec  Security
		want SecurityMode
	}{
		{"open", Security{}, SecurityOpen},
		{"wep", Security{Privacy: true}, SecurityWEP},
		{"wpa", Security{Privacy: true, HasWPA: true}, SecurityWPAPersonal},
		{"wpa2 psk", Security{Privacy: true, HasRSN: true, AKMs: []AKM{AKMPSK}}, SecurityWPA2Personal},
		{"wpa2 eap", Security{Privacy: true, HasRSN: true, AKMs: []AKM{AKM8021X}}, SecurityWPA2Enterprise},
		{"wpa3", Security{Privacy: true, HasRSN: true, AKMs: []AKM{AKMPSK, AKMSAE}}, SecurityWPA3Personal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sec.Mode())
		})
	}
}

func TestStatusFailed(t *testing.T) {
	assert.False(t, StatusOK.Failed())
	assert.False(t, StatusStopped.Failed())
	assert.True(t, StatusRejected.Failed())
	assert.True(t, StatusAbortedFWReset.Failed())
	assert.Equal(t, "aborted_fw_reset", StatusAbortedFWReset.String())
}

func TestClientID(t *testing.T) {
	for _, c := range Clients {
		parsed, err := ParseClientID(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	_, err := ParseClientID("nope")
	assert.Error(t, err)

	assert.True(t, ClientRoamingContinuous.IsRoaming())
	assert.False(t, ClientAppOneShot.IsRoaming())
	assert.True(t, ClientAppPeriodic.IsPeriodic())
	assert.False(t, NumClients.Valid())
	assert.Equal(t, "client(9)", ClientID(9).String())
}

func TestRates(t *testing.T) {
	assert.Equal(t, []uint8{2, 11, 108}, RatesFromMbps([]float64{1, 5.5, 54, 0, 200}))
	assert.Equal(t, 5.5, RateMbps(11|0x80))
}
